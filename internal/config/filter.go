package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/safety.filter/internal/asif"
	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/robotlink"
)

// DefaultConfigPath is the path to the canonical filter defaults file.
const DefaultConfigPath = "config/filter.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// FilterConfig is the startup configuration of the safety filter. Every
// field is optional; the Get* methods supply defaults for anything unset.
// It is read once and converted into per-component settings, never
// consulted as global state.
type FilterConfig struct {
	// State-space lattice
	GridResolution []int     `json:"grid_resolution,omitempty" yaml:"grid_resolution,omitempty"`
	GridLower      []float64 `json:"grid_lower,omitempty" yaml:"grid_lower,omitempty"`
	GridUpper      []float64 `json:"grid_upper,omitempty" yaml:"grid_upper,omitempty"`
	PeriodicDims   []int     `json:"periodic_dims,omitempty" yaml:"periodic_dims,omitempty"`
	GradientStep   *float64  `json:"gradient_step,omitempty" yaml:"gradient_step,omitempty"` // fraction of a cell

	// Control and disturbance bounds. The disturbance bounds are recorded
	// with each run but not used by the filter.
	UMin []float64 `json:"u_min,omitempty" yaml:"u_min,omitempty"`
	UMax []float64 `json:"u_max,omitempty" yaml:"u_max,omitempty"`
	WMin []float64 `json:"w_min,omitempty" yaml:"w_min,omitempty"`
	WMax []float64 `json:"w_max,omitempty" yaml:"w_max,omitempty"`

	// Certificate
	Gamma            *float64  `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	CBFScalar        *float64  `json:"cbf_scalar,omitempty" yaml:"cbf_scalar,omitempty"`
	CBFCenter        []float64 `json:"cbf_center,omitempty" yaml:"cbf_center,omitempty"`
	CBFRadius        *float64  `json:"cbf_radius,omitempty" yaml:"cbf_radius,omitempty"`
	UseRefinement    *bool     `json:"use_refinement,omitempty" yaml:"use_refinement,omitempty"`
	InitialTable     *string   `json:"initial_table,omitempty" yaml:"initial_table,omitempty"`
	PrecomputedTable *string   `json:"precomputed_table,omitempty" yaml:"precomputed_table,omitempty"`
	RefinedTable     *string   `json:"refined_table,omitempty" yaml:"refined_table,omitempty"`
	WatchRefined     *bool     `json:"watch_refined,omitempty" yaml:"watch_refined,omitempty"`

	// Loop
	LoopPeriod     *string   `json:"loop_period,omitempty" yaml:"loop_period,omitempty"`   // duration string like "33ms"
	StaleWindow    *string   `json:"stale_window,omitempty" yaml:"stale_window,omitempty"` // "0s" disables
	InitialState   []float64 `json:"initial_state,omitempty" yaml:"initial_state,omitempty"`
	InitialNominal []float64 `json:"initial_nominal,omitempty" yaml:"initial_nominal,omitempty"`
	SafeStop       []float64 `json:"safe_stop,omitempty" yaml:"safe_stop,omitempty"`

	// Telemetry
	TelemetryDB            *string `json:"telemetry_db,omitempty" yaml:"telemetry_db,omitempty"`
	FailureLog             *string `json:"failure_log,omitempty" yaml:"failure_log,omitempty"`
	TelemetryFlushInterval *string `json:"telemetry_flush_interval,omitempty" yaml:"telemetry_flush_interval,omitempty"`
	TelemetryBuffer        *int    `json:"telemetry_buffer,omitempty" yaml:"telemetry_buffer,omitempty"`

	// Robot link. An empty serial port runs the simulated robot.
	SerialPort    *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialOptions *robotlink.PortOptions `json:"serial_options,omitempty" yaml:"serial_options,omitempty"`
	SimPeriod     *string                `json:"sim_period,omitempty" yaml:"sim_period,omitempty"`

	// Servers
	HTTPListen *string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }

// EmptyFilterConfig returns a FilterConfig with all fields unset.
func EmptyFilterConfig() *FilterConfig {
	return &FilterConfig{}
}

// LoadFilterConfig loads a FilterConfig from a .json, .yaml or .yml file.
// Fields omitted from the file fall back to defaults, so partial configs
// are safe.
func LoadFilterConfig(path string) (*FilterConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFilterConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so tests in any package can find it. Panics on failure.
func MustLoadDefaultConfig() *FilterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadFilterConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// JSON renders the config for archiving alongside a run.
func (c *FilterConfig) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Validate checks values that are set and their consistency with each
// other once defaults are applied.
func (c *FilterConfig) Validate() error {
	for _, d := range []struct {
		name string
		v    *string
	}{
		{"loop_period", c.LoopPeriod},
		{"stale_window", c.StaleWindow},
		{"telemetry_flush_interval", c.TelemetryFlushInterval},
		{"sim_period", c.SimPeriod},
	} {
		if d.v == nil || *d.v == "" {
			continue
		}
		dur, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if dur < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.v)
		}
	}
	if c.GetLoopPeriod() <= 0 {
		return fmt.Errorf("loop_period must be positive")
	}

	if c.Gamma != nil && (*c.Gamma < 0 || math.IsNaN(*c.Gamma)) {
		return fmt.Errorf("gamma must be non-negative, got %f", *c.Gamma)
	}
	if c.CBFRadius != nil && *c.CBFRadius <= 0 {
		return fmt.Errorf("cbf_radius must be positive, got %f", *c.CBFRadius)
	}
	if c.CBFCenter != nil && len(c.CBFCenter) != 2 {
		return fmt.Errorf("cbf_center must have 2 entries, got %d", len(c.CBFCenter))
	}
	if c.TelemetryBuffer != nil && *c.TelemetryBuffer <= 0 {
		return fmt.Errorf("telemetry_buffer must be positive, got %d", *c.TelemetryBuffer)
	}
	if c.GradientStep != nil && (*c.GradientStep <= 0 || *c.GradientStep > 1) {
		return fmt.Errorf("gradient_step must be in (0, 1], got %f", *c.GradientStep)
	}

	if _, err := grid.New(c.GridSpec()); err != nil {
		return fmt.Errorf("grid: %w", err)
	}
	dims := len(c.GetGridResolution())

	umin, umax := c.GetUMin(), c.GetUMax()
	if len(umin) != len(umax) {
		return fmt.Errorf("u_min has %d entries but u_max has %d", len(umin), len(umax))
	}
	for i := range umin {
		if umin[i] > umax[i] {
			return fmt.Errorf("u_min[%d] = %g exceeds u_max[%d] = %g", i, umin[i], i, umax[i])
		}
	}
	for _, v := range []struct {
		name string
		got  []float64
		want int
	}{
		{"initial_state", c.GetInitialState(), dims},
		{"initial_nominal", c.GetInitialNominal(), len(umin)},
		{"safe_stop", c.GetSafeStop(), len(umin)},
	} {
		if len(v.got) != v.want {
			return fmt.Errorf("%s has %d entries, want %d", v.name, len(v.got), v.want)
		}
	}

	if c.SerialOptions != nil {
		if _, err := c.SerialOptions.Normalize(); err != nil {
			return fmt.Errorf("serial_options: %w", err)
		}
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func getFloats(v []float64, def ...float64) []float64 {
	if v == nil {
		return def
	}
	return append([]float64(nil), v...)
}

// GetGridResolution returns the lattice node count per axis.
func (c *FilterConfig) GetGridResolution() []int {
	if c.GridResolution == nil {
		return []int{61, 61, 61}
	}
	return append([]int(nil), c.GridResolution...)
}

// GetGridLower returns the lower domain bound per axis.
func (c *FilterConfig) GetGridLower() []float64 {
	return getFloats(c.GridLower, 0, 0, -math.Pi)
}

// GetGridUpper returns the upper domain bound per axis.
func (c *FilterConfig) GetGridUpper() []float64 {
	return getFloats(c.GridUpper, 2, 2, math.Pi)
}

// GetPeriodicDims returns the wrapping axes. Heading by default.
func (c *FilterConfig) GetPeriodicDims() []int {
	if c.PeriodicDims == nil {
		return []int{2}
	}
	return append([]int(nil), c.PeriodicDims...)
}

// GetGradientStep returns the central-difference step as a fraction of a cell.
func (c *FilterConfig) GetGradientStep() float64 {
	if c.GradientStep == nil {
		return 1.0
	}
	return *c.GradientStep
}

// GridSpec assembles the lattice description.
func (c *FilterConfig) GridSpec() grid.Spec {
	return grid.Spec{
		Resolution:   c.GetGridResolution(),
		Lower:        c.GetGridLower(),
		Upper:        c.GetGridUpper(),
		Periodic:     c.GetPeriodicDims(),
		GradientStep: c.GetGradientStep(),
	}
}

func (c *FilterConfig) GetUMin() []float64 { return getFloats(c.UMin, 0, 0) }
func (c *FilterConfig) GetUMax() []float64 { return getFloats(c.UMax, 1, 1) }
func (c *FilterConfig) GetWMin() []float64 { return getFloats(c.WMin, -0.1, -0.1) }
func (c *FilterConfig) GetWMax() []float64 { return getFloats(c.WMax, 0.1, 0.1) }

// GetGamma returns the certificate decay rate.
func (c *FilterConfig) GetGamma() float64 {
	if c.Gamma == nil {
		return 0.25
	}
	return *c.Gamma
}

// CorrectorConfig assembles the corrector parameters.
func (c *FilterConfig) CorrectorConfig() asif.Config {
	return asif.Config{Gamma: c.GetGamma(), UMin: c.GetUMin(), UMax: c.GetUMax()}
}

// SeedCBF returns the analytic certificate used when no initial table file
// is configured.
func (c *FilterConfig) SeedCBF() certificate.CircleCBF {
	center := getFloats(c.CBFCenter, 0.5, 1.0)
	radius, scalar := 0.33, 1.0
	if c.CBFRadius != nil {
		radius = *c.CBFRadius
	}
	if c.CBFScalar != nil {
		scalar = *c.CBFScalar
	}
	return certificate.CircleCBF{Center: [2]float64{center[0], center[1]}, Radius: radius, Scalar: scalar}
}

func (c *FilterConfig) GetUseRefinement() bool {
	if c.UseRefinement == nil {
		return true
	}
	return *c.UseRefinement
}

// GetInitialTable returns the initial table path; empty means tabulate the
// seed certificate.
func (c *FilterConfig) GetInitialTable() string {
	if c.InitialTable == nil {
		return ""
	}
	return *c.InitialTable
}

func (c *FilterConfig) GetPrecomputedTable() string {
	if c.PrecomputedTable == nil {
		return "precomputed_cbf.table"
	}
	return *c.PrecomputedTable
}

func (c *FilterConfig) GetRefinedTable() string {
	if c.RefinedTable == nil {
		return "log/cbf.table"
	}
	return *c.RefinedTable
}

func (c *FilterConfig) GetWatchRefined() bool {
	if c.WatchRefined == nil {
		return false
	}
	return *c.WatchRefined
}

// GetLoopPeriod returns the control loop period.
func (c *FilterConfig) GetLoopPeriod() time.Duration {
	return getDuration(c.LoopPeriod, 33*time.Millisecond)
}

// GetStaleWindow returns how old state or nominal input may get before a
// warning; zero disables the check.
func (c *FilterConfig) GetStaleWindow() time.Duration {
	return getDuration(c.StaleWindow, 500*time.Millisecond)
}

func (c *FilterConfig) GetInitialState() []float64 {
	return getFloats(c.InitialState, 0.5, 1.0, 0)
}

// GetInitialNominal defaults to the lowest forward speed with no turn.
func (c *FilterConfig) GetInitialNominal() []float64 {
	if c.InitialNominal != nil {
		return append([]float64(nil), c.InitialNominal...)
	}
	out := make([]float64, len(c.GetUMin()))
	if len(out) > 0 {
		out[0] = c.GetUMin()[0]
	}
	return out
}

// GetSafeStop returns the control published on fallback and shutdown.
func (c *FilterConfig) GetSafeStop() []float64 {
	if c.SafeStop != nil {
		return append([]float64(nil), c.SafeStop...)
	}
	return make([]float64, len(c.GetUMin()))
}

func (c *FilterConfig) GetTelemetryDB() string {
	if c.TelemetryDB == nil {
		return "safety_filter.db"
	}
	return *c.TelemetryDB
}

func (c *FilterConfig) GetFailureLog() string {
	if c.FailureLog == nil {
		return "qp_failure.log"
	}
	return *c.FailureLog
}

func (c *FilterConfig) GetTelemetryFlushInterval() time.Duration {
	return getDuration(c.TelemetryFlushInterval, time.Second)
}

func (c *FilterConfig) GetTelemetryBuffer() int {
	if c.TelemetryBuffer == nil {
		return 4096
	}
	return *c.TelemetryBuffer
}

func (c *FilterConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

func (c *FilterConfig) GetSerialOptions() robotlink.PortOptions {
	if c.SerialOptions == nil {
		return robotlink.PortOptions{}
	}
	return *c.SerialOptions
}

func (c *FilterConfig) GetSimPeriod() time.Duration {
	return getDuration(c.SimPeriod, 20*time.Millisecond)
}

func (c *FilterConfig) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return "localhost:8080"
	}
	return *c.HTTPListen
}

// GetGRPCListen returns the health service address; empty disables it.
func (c *FilterConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return "localhost:9090"
	}
	return *c.GRPCListen
}
