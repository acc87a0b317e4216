// Package filter runs the fixed-rate control loop that sits between the
// nominal controller and the robot: every period it reads the latest state
// and nominal command, asks the corrector for a safe control and publishes it.
package filter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/safety.filter/internal/asif"
	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/grid"
	"github.com/banshee-data/safety.filter/internal/latest"
	"github.com/banshee-data/safety.filter/internal/monitoring"
	"github.com/banshee-data/safety.filter/internal/telemetry"
	"github.com/banshee-data/safety.filter/internal/timeutil"
)

// ErrAlreadyRunning is returned by Run when the loop has already been started.
var ErrAlreadyRunning = errors.New("filter: loop already started")

// Phase is the lifecycle stage of a Loop.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Corrector is the part of asif.Corrector the loop needs. Every cycle takes
// one snapshot and evaluates both the published value and the filter on it.
type Corrector interface {
	Snapshot() *certificate.Snapshot
	ValueAt(snap *certificate.Snapshot, state []float64) (float64, error)
	FilterAt(snap *certificate.Snapshot, state, nominal []float64) (*asif.Result, error)
}

// Publisher delivers outputs to the robot.
type Publisher interface {
	PublishSafetyValue(v float64) error
	PublishControl(u []float64) error
	Close() error
}

// Telemetry receives one record per cycle and one event per fallback. Both
// calls must return without blocking.
type Telemetry interface {
	Append(telemetry.Record) bool
	RecordFailure(telemetry.FailureEvent) bool
	Close() error
}

// Config holds the loop timing and the fallback control.
type Config struct {
	Period time.Duration
	// StaleWindow is the input age past which a cycle logs a stale warning.
	// Zero disables the warning.
	StaleWindow time.Duration
	// SafeStop is published whenever the corrector cannot produce a control
	// and once more on shutdown.
	SafeStop []float64

	// InitialState and InitialNominal, when set, seed the input cells so the
	// loop can run before the first message arrives.
	InitialState   []float64
	InitialNominal []float64
}

// Deps are the collaborators of a Loop. Telemetry and Clock are optional.
type Deps struct {
	Corrector Corrector
	Publisher Publisher
	Telemetry Telemetry
	Clock     timeutil.Clock
}

// Stats is a point-in-time view of the loop's counters.
type Stats struct {
	Phase                string        `json:"phase"`
	Cycles               uint64        `json:"cycles"`
	Corrections          uint64        `json:"corrections"`
	Fallbacks            uint64        `json:"fallbacks"`
	Infeasible           uint64        `json:"infeasible"`
	ConsecutiveFallbacks uint64        `json:"consecutive_fallbacks"`
	Overruns             uint64        `json:"overruns"`
	StaleWarnings        uint64        `json:"stale_warnings"`
	PublishErrors        uint64        `json:"publish_errors"`
	LastCycleAt          time.Time     `json:"last_cycle_at"`
	LastCycleDuration    time.Duration `json:"last_cycle_duration_ns"`
	LastValue            float64       `json:"last_value"`
	LastState            []float64     `json:"last_state"`
	LastNominal          []float64     `json:"last_nominal"`
	LastControl          []float64     `json:"last_control"`
	LastFallback         bool          `json:"last_fallback"`
	LastReason           string        `json:"last_reason,omitempty"`
	CertificateVersion   uint64        `json:"certificate_version"`
}

// Loop is the filter loop controller.
type Loop struct {
	cfg       Config
	corrector Corrector
	publisher Publisher
	telemetry Telemetry
	clock     timeutil.Clock

	state   *latest.Cell[[]float64]
	nominal *latest.Cell[[]float64]

	phase    atomic.Int32
	stopOnce sync.Once

	mu    sync.Mutex
	stats Stats

	overrunLog  *monitoring.LimitedLogger
	staleLog    *monitoring.LimitedLogger
	fallbackLog *monitoring.LimitedLogger
	publishLog  *monitoring.LimitedLogger
}

// NewLoop validates cfg and wires the loop. It does not start it.
func NewLoop(cfg Config, deps Deps) (*Loop, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("filter: period must be positive, got %v", cfg.Period)
	}
	if len(cfg.SafeStop) == 0 {
		return nil, errors.New("filter: safe-stop control is required")
	}
	for _, v := range cfg.SafeStop {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("filter: non-finite safe-stop control %v", cfg.SafeStop)
		}
	}
	if len(cfg.InitialNominal) != 0 && len(cfg.InitialNominal) != len(cfg.SafeStop) {
		return nil, fmt.Errorf("filter: initial nominal has %d entries, safe-stop has %d", len(cfg.InitialNominal), len(cfg.SafeStop))
	}
	if deps.Corrector == nil || deps.Publisher == nil {
		return nil, errors.New("filter: corrector and publisher are required")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}

	l := &Loop{
		cfg:         cfg,
		corrector:   deps.Corrector,
		publisher:   deps.Publisher,
		telemetry:   deps.Telemetry,
		clock:       deps.Clock,
		state:       latest.NewSlice(),
		nominal:     latest.NewSlice(),
		overrunLog:  monitoring.NewLimitedLogger("filter: overrun:", 5*time.Second, 3),
		staleLog:    monitoring.NewLimitedLogger("filter: stale input:", 5*time.Second, 3),
		fallbackLog: monitoring.NewLimitedLogger("filter: safe-stop:", time.Second, 5),
		publishLog:  monitoring.NewLimitedLogger("filter: publish:", 5*time.Second, 3),
	}
	l.cfg.SafeStop = append([]float64(nil), cfg.SafeStop...)
	l.stats.Phase = PhaseIdle.String()

	now := l.clock.Now()
	if len(cfg.InitialState) > 0 {
		l.state.Set(cfg.InitialState, now)
	}
	if len(cfg.InitialNominal) > 0 {
		l.nominal.Set(cfg.InitialNominal, now)
	}
	return l, nil
}

// SetState records the latest observed robot state.
func (l *Loop) SetState(x []float64) {
	l.state.Set(x, l.clock.Now())
}

// SetNominal records the latest command from the nominal controller.
func (l *Loop) SetNominal(u []float64) {
	l.nominal.Set(u, l.clock.Now())
}

// Phase reports where the loop is in its lifecycle.
func (l *Loop) Phase() Phase { return Phase(l.phase.Load()) }

// SafeStop returns a copy of the fallback control.
func (l *Loop) SafeStop() []float64 { return append([]float64(nil), l.cfg.SafeStop...) }

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Phase = l.Phase().String()
	s.LastState = append([]float64(nil), s.LastState...)
	s.LastNominal = append([]float64(nil), s.LastNominal...)
	s.LastControl = append([]float64(nil), s.LastControl...)
	return s
}

// Run ticks until ctx is cancelled, then publishes the safe-stop control,
// closes telemetry and closes the publisher. A loop runs at most once.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseRunning)) {
		return ErrAlreadyRunning
	}
	monitoring.Logf("filter: loop running at %v", l.cfg.Period)

	ticker := l.clock.NewTicker(l.cfg.Period)
	defer func() {
		ticker.Stop()
		if r := recover(); r != nil {
			err = fmt.Errorf("filter: loop panic: %v", r)
			monitoring.Logf("%v", err)
		}
		if serr := l.shutdown(); serr != nil && err == nil {
			err = serr
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if ctx.Err() != nil {
				return nil
			}
			l.Step()
		}
	}
}

// Step runs one cycle. It is called by Run on every tick. After shutdown it
// does nothing, so the safe-stop stays the last published control.
func (l *Loop) Step() {
	if l.Phase() == PhaseShutdown {
		return
	}
	start := l.clock.Now()
	n := l.nextCycle()

	// (a) inputs
	state, _, haveState := l.state.Get()
	nominal, _, haveNominal := l.nominal.Get()
	if !haveNominal {
		nominal = l.SafeStop()
	}
	l.checkStale(start, haveState, haveNominal)

	rec := telemetry.Record{
		Cycle:   n,
		Time:    start,
		State:   state,
		Nominal: nominal,
	}

	control, reason, cycleErr := l.evaluate(&rec, state, haveState, nominal)

	// (d)/(e) output
	if cycleErr != nil {
		control = l.SafeStop()
		rec.Fallback = true
		l.fallback(&rec, reason, cycleErr)
	}
	rec.Control = control
	if err := l.publisher.PublishControl(control); err != nil {
		l.publishFailed("control", err)
	}

	rec.CycleDuration = l.clock.Since(start)

	// (f) telemetry
	if l.telemetry != nil {
		l.telemetry.Append(rec)
	}

	l.finishCycle(rec, reason)
}

// evaluate covers (b) and (c): publish the value and run the corrector, both
// against a single certificate snapshot. A panic in either is reported as a
// cycle error.
func (l *Loop) evaluate(rec *telemetry.Record, state []float64, haveState bool, nominal []float64) (control []float64, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			control, reason, err = nil, monitoring.ReasonError, fmt.Errorf("filter: corrector panic: %v", r)
		}
	}()

	if !haveState {
		return nil, monitoring.ReasonNoState, errors.New("no state received")
	}

	snap := l.corrector.Snapshot()
	rec.CertificateVersion = snap.Version

	value, err := l.corrector.ValueAt(snap, state)
	if err != nil {
		return nil, classify(err), err
	}
	rec.SafetyValue = value
	monitoring.SafetyValue.Set(value)
	if err := l.publisher.PublishSafetyValue(value); err != nil {
		l.publishFailed("safety value", err)
	}

	res, err := l.corrector.FilterAt(snap, state, nominal)
	if res != nil && res.SolveDuration > 0 {
		monitoring.QPSolveDuration.Observe(res.SolveDuration.Seconds())
	}
	if err != nil {
		return nil, classify(err), err
	}
	rec.Corrected = res.Corrected
	return res.Control, "", nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, asif.ErrInfeasible):
		return monitoring.ReasonInfeasible
	case errors.Is(err, asif.ErrDimension),
		errors.Is(err, grid.ErrDimension),
		errors.Is(err, grid.ErrNonFiniteState):
		return monitoring.ReasonInvalid
	}
	return monitoring.ReasonError
}

func (l *Loop) nextCycle() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.Cycles + 1
}

func (l *Loop) checkStale(now time.Time, haveState, haveNominal bool) {
	if l.cfg.StaleWindow <= 0 {
		return
	}
	for _, in := range []struct {
		name string
		cell *latest.Cell[[]float64]
		have bool
	}{
		{"state", l.state, haveState},
		{"nominal", l.nominal, haveNominal},
	} {
		if !in.have || !in.cell.Stale(now, l.cfg.StaleWindow) {
			continue
		}
		monitoring.StaleInputsTotal.WithLabelValues(in.name).Inc()
		l.mu.Lock()
		l.stats.StaleWarnings++
		l.mu.Unlock()
		l.staleLog.Logf("%s is %v old (window %v), using last value", in.name, in.cell.Age(now), l.cfg.StaleWindow)
	}
}

func (l *Loop) fallback(rec *telemetry.Record, reason string, err error) {
	monitoring.FallbacksTotal.WithLabelValues(reason).Inc()
	l.fallbackLog.Logf("cycle %d reason=%s state=%s nominal=%s: %v",
		rec.Cycle, reason, telemetry.FormatVector(rec.State), telemetry.FormatVector(rec.Nominal), err)
	if l.telemetry == nil {
		return
	}
	l.telemetry.RecordFailure(telemetry.FailureEvent{
		Time:               rec.Time,
		Cycle:              rec.Cycle,
		State:              rec.State,
		SafetyValue:        rec.SafetyValue,
		Nominal:            rec.Nominal,
		Reason:             reason,
		Error:              err.Error(),
		CertificateVersion: rec.CertificateVersion,
	})
}

func (l *Loop) publishFailed(what string, err error) {
	monitoring.PublishErrorsTotal.Inc()
	l.mu.Lock()
	l.stats.PublishErrors++
	l.mu.Unlock()
	l.publishLog.Logf("%s: %v", what, err)
}

func (l *Loop) finishCycle(rec telemetry.Record, reason string) {
	monitoring.CyclesTotal.Inc()
	monitoring.CycleDuration.Observe(rec.CycleDuration.Seconds())
	monitoring.CertificateVersion.Set(float64(rec.CertificateVersion))
	if rec.Corrected {
		monitoring.CorrectionsTotal.Inc()
	}

	// A cycle that ran past the period has already swallowed the ticks
	// it covered; the ticker channel keeps at most one of them.
	var missed uint64
	if rec.CycleDuration > l.cfg.Period {
		missed = uint64(rec.CycleDuration / l.cfg.Period)
		monitoring.OverrunsTotal.Add(float64(missed))
		l.overrunLog.Logf("cycle %d took %v, period %v, skipped %d tick(s)", rec.Cycle, rec.CycleDuration, l.cfg.Period, missed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	s := &l.stats
	s.Cycles = rec.Cycle
	s.Overruns += missed
	s.LastCycleAt = rec.Time
	s.LastCycleDuration = rec.CycleDuration
	s.LastValue = rec.SafetyValue
	s.LastState = rec.State
	s.LastNominal = rec.Nominal
	s.LastControl = rec.Control
	s.LastFallback = rec.Fallback
	s.LastReason = reason
	s.CertificateVersion = rec.CertificateVersion
	if rec.Corrected {
		s.Corrections++
	}
	if rec.Fallback {
		s.Fallbacks++
		s.ConsecutiveFallbacks++
		if reason == monitoring.ReasonInfeasible {
			s.Infeasible++
		}
	} else {
		s.ConsecutiveFallbacks = 0
	}
}

// shutdown publishes the safe-stop control once and releases the outputs.
func (l *Loop) shutdown() error {
	var err error
	l.stopOnce.Do(func() {
		l.phase.Store(int32(PhaseShutdown))
		if perr := l.publisher.PublishControl(l.SafeStop()); perr != nil {
			l.publishFailed("safe-stop", perr)
			err = fmt.Errorf("filter: publish safe-stop: %w", perr)
		}
		if l.telemetry != nil {
			if terr := l.telemetry.Close(); terr != nil {
				monitoring.Logf("filter: telemetry close: %v", terr)
			}
		}
		if cerr := l.publisher.Close(); cerr != nil {
			monitoring.Logf("filter: publisher close: %v", cerr)
		}
		monitoring.Logf("filter: loop stopped after %d cycles, safe-stop %s published",
			l.Stats().Cycles, telemetry.FormatVector(l.cfg.SafeStop))
	})
	return err
}
