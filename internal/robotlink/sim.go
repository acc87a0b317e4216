package robotlink

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/safety.filter/internal/dynamics"
)

// SimConfig configures the simulated robot.
type SimConfig struct {
	Model   dynamics.ControlAffine
	Initial []float64
	// Period is both the integration step and the state publish interval.
	Period time.Duration
	// AngleDims lists state indices wrapped into [-π, π).
	AngleDims []int
}

// SimPort is a SerialPorter backed by a simulated robot instead of a device.
// It integrates the last cmd_vel line written to it and emits a state line
// every Period.
type SimPort struct {
	cfg SimConfig

	mu      sync.Mutex
	state   []float64
	command []float64
	partial []byte
	steps   uint64

	r *io.PipeReader
	w *io.PipeWriter

	closeOnce sync.Once
	done      chan struct{}
}

// NewSimPort starts the simulation. It runs until Close.
func NewSimPort(cfg SimConfig) *SimPort {
	if cfg.Model == nil {
		cfg.Model = dynamics.DiffDrive{}
	}
	if cfg.Period <= 0 {
		cfg.Period = 20 * time.Millisecond
	}
	state := make([]float64, cfg.Model.StateDims())
	copy(state, cfg.Initial)

	r, w := io.Pipe()
	s := &SimPort{
		cfg:     cfg,
		state:   state,
		command: make([]float64, cfg.Model.ControlDims()),
		r:       r,
		w:       w,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *SimPort) run() {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			line := s.step() + "\n"
			if _, err := io.WriteString(s.w, line); err != nil {
				return
			}
		}
	}
}

func (s *SimPort) step() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := dynamics.Step(s.cfg.Model, s.state, s.command, s.cfg.Period.Seconds())
	for _, d := range s.cfg.AngleDims {
		next[d] = dynamics.WrapAngle(next[d])
	}
	s.state = next
	s.steps++
	return EncodeState(next)
}

// Read returns state lines.
func (s *SimPort) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Write accepts outbound lines; cmd_vel lines become the active command and
// everything else is ignored.
func (s *SimPort) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, errors.New("simulated port closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		line := string(s.partial[:i])
		s.partial = s.partial[i+1:]
		if u, ok := ParseCommand(line); ok && len(u) == len(s.command) {
			copy(s.command, u)
		}
	}
	return len(p), nil
}

// Close stops the simulation and unblocks readers with EOF.
func (s *SimPort) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.w.Close()
	})
	return nil
}

// State returns the simulated robot state.
func (s *SimPort) State() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.state...)
}

// Command returns the command currently being integrated.
func (s *SimPort) Command() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.command...)
}

// Steps returns how many integration steps have run.
func (s *SimPort) Steps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}
