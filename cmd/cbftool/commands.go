package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/safety.filter/internal/asif"
	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/config"
	"github.com/banshee-data/safety.filter/internal/db"
	"github.com/banshee-data/safety.filter/internal/dynamics"
	"github.com/banshee-data/safety.filter/internal/grid"
)

func loadConfig() (*config.FilterConfig, error) {
	if configPath == "" {
		return config.EmptyFilterConfig(), nil
	}
	return config.LoadFilterConfig(configPath)
}

func loadGrid() (*config.FilterConfig, *grid.Grid, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	g, err := grid.New(cfg.GridSpec())
	if err != nil {
		return nil, nil, err
	}
	return cfg, g, nil
}

// parseVector accepts "0.5,1,0" or "[0.5, 1, 0]".
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, fmt.Errorf("empty vector")
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func newTabulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tabulate OUTPUT",
		Short: "Write the seed certificate over the configured grid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, g, err := loadGrid()
			if err != nil {
				return err
			}
			cbf := cfg.SeedCBF()
			tbl := certificate.Seed(g, cbf)
			if err := certificate.SaveFile(args[0], tbl); err != nil {
				return err
			}
			lo, hi := tbl.MinMax()
			printf(cmd, "wrote %s: shape %v, center %v radius %g scalar %g, values [%.4f, %.4f]\n",
				args[0], tbl.Shape(), cbf.Center, cbf.Radius, cbf.Scalar, lo, hi)
			return nil
		},
	}
}

// Summary describes a certificate table.
type Summary struct {
	Path     string  `json:"path"`
	Shape    []int   `json:"shape"`
	Nodes    int     `json:"nodes"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	SafeFrac float64 `json:"safe_fraction"`
}

func summarize(path string, tbl *grid.Table) Summary {
	vals := tbl.Values()
	safe := 0
	for _, v := range vals {
		if v >= 0 {
			safe++
		}
	}
	lo, hi := tbl.MinMax()
	s := Summary{Path: path, Shape: tbl.Shape(), Nodes: len(vals), Min: lo, Max: hi}
	if len(vals) > 0 {
		s.SafeFrac = float64(safe) / float64(len(vals))
	}
	return s
}

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print the shape and value range of a certificate table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := certificate.LoadFile(args[0])
			if err != nil {
				return err
			}
			s := summarize(args[0], tbl)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printf(cmd, "file:   %s\nshape:  %v (%d nodes)\nrange:  [%.6g, %.6g]\nsafe:   %.1f%% of nodes\n",
				s.Path, s.Shape, s.Nodes, s.Min, s.Max, 100*s.SafeFrac)

			if configPath != "" {
				_, g, err := loadGrid()
				if err != nil {
					return err
				}
				if err := g.CheckShape(tbl); err != nil {
					printf(cmd, "grid:   MISMATCH: %v\n", err)
				} else {
					printf(cmd, "grid:   matches %s\n", configPath)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var (
		tablePath string
		nominal   string
	)
	cmd := &cobra.Command{
		Use:   "query STATE",
		Short: "Evaluate the certificate and its gradient at a state, and optionally filter a nominal control",
		Example: `  cbftool query 0.8,1,0
  cbftool query --table log/cbf.table --nominal 0.21,0 0.8,1,0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, g, err := loadGrid()
			if err != nil {
				return err
			}
			state, err := parseVector(args[0])
			if err != nil {
				return fmt.Errorf("state: %w", err)
			}

			var tbl *grid.Table
			source := "seed"
			if tablePath != "" {
				if tbl, err = certificate.LoadFile(tablePath); err != nil {
					return err
				}
				source = tablePath
			} else {
				tbl = certificate.Seed(g, cfg.SeedCBF())
			}

			value, grad, err := g.ValueAndGradient(tbl, state)
			if err != nil {
				return err
			}
			printf(cmd, "certificate: %s\nstate:       %v\nvalue:       %.6g\ngradient:    %v\n", source, state, value, grad)

			if nominal == "" {
				return nil
			}
			u, err := parseVector(nominal)
			if err != nil {
				return fmt.Errorf("nominal: %w", err)
			}
			store, err := certificate.NewStore(g, tbl, source)
			if err != nil {
				return err
			}
			c, err := asif.NewCorrector(cfg.CorrectorConfig(), g, store, dynamics.DiffDrive{}, nil)
			if err != nil {
				return err
			}
			res, err := c.Filter(state, u)
			if res != nil {
				printf(cmd, "constraint:  %v · u >= %.6g\n", res.Constraint.A, res.Constraint.B)
			}
			if err != nil {
				printf(cmd, "filtered:    safe-stop %v (%v)\n", cfg.GetSafeStop(), err)
				return nil
			}
			printf(cmd, "filtered:    %v (corrected: %t)\n", res.Control, res.Corrected)
			return nil
		},
	}
	cmd.Flags().StringVar(&tablePath, "table", "", "certificate table file (defaults to the seed)")
	cmd.Flags().StringVar(&nominal, "nominal", "", "nominal control to filter, e.g. 0.2,0")
	return cmd
}

func newExportCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "export DB OUTPUT",
		Short: "Write a certificate archived in a telemetry database to a table file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := db.OpenDB(args[0])
			if err != nil {
				return err
			}
			defer d.Close()

			if id == 0 {
				rows, err := d.Certificates(1)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					return fmt.Errorf("no certificates archived in %s", args[0])
				}
				id = rows[0].ID
			}
			blob, err := d.LoadCertificateBlob(id)
			if err != nil {
				return err
			}
			tbl, err := certificate.DecodeBytes(blob)
			if err != nil {
				return err
			}
			if err := certificate.SaveFile(args[1], tbl); err != nil {
				return err
			}
			lo, hi := tbl.MinMax()
			if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
				fmt.Fprintf(os.Stderr, "warning: certificate %d has non-finite values\n", id)
			}
			printf(cmd, "exported certificate %d to %s: shape %v\n", id, args[1], tbl.Shape())
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "certificate id (defaults to the newest)")
	return cmd
}
