// Package predict applies local input ahead of the server and reconciles the
// prediction against authoritative snapshots by replaying unconfirmed input.
package predict

import (
	"errors"
	"fmt"

	"github.com/isgasho/wosim/internal/world"
)

var (
	// ErrPredictionOverrun means the input history is full: the server has
	// stopped confirming ticks.
	ErrPredictionOverrun = errors.New("prediction overrun")
	ErrOutOfSequence     = errors.New("input command out of sequence")
	ErrNotInitialized    = errors.New("engine has no baseline")
)

// StepFunc advances a world by one tick. It must be deterministic and must not
// modify prior.
type StepFunc func(prior world.World, cmd world.InputCommand) world.World

// ReconciliationFrame describes one correction. Pre is what was predicted
// before the snapshot arrived and Post the replayed result; a renderer may
// blend between them when Smooth is set.
type ReconciliationFrame struct {
	SnapshotTick world.Tick
	CurrentTick  world.Tick
	Replayed     int
	Pre          world.World
	Post         world.World
	Magnitude    float64
	Smooth       bool
}

// Config holds the engine bounds
type Config struct {
	// HistoryCapacity bounds the unconfirmed inputs kept for replay.
	HistoryCapacity int
	// CorrectionThreshold is the displacement above which a correction is
	// flagged for smoothing.
	CorrectionThreshold float64
}

// DefaultConfig covers six seconds of input at 20 Hz.
func DefaultConfig() Config {
	return Config{HistoryCapacity: 120, CorrectionThreshold: 0.05}
}

// Engine owns the input history and the predicted world. It is the only
// mutator of local entity state.
type Engine struct {
	step StepFunc
	cfg  Config

	ready     bool
	confirmed world.Tick
	current   world.Tick
	predicted world.World
	history   []world.InputCommand // ticks confirmed+1 .. current
}

// NewEngine returns an engine that has no baseline yet.
func NewEngine(step StepFunc, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.CorrectionThreshold < 0 {
		cfg.CorrectionThreshold = 0
	}
	return &Engine{step: step, cfg: cfg}
}

// Init sets the baseline and drops any history.
func (e *Engine) Init(s world.Snapshot) {
	e.ready = true
	e.confirmed = s.Tick
	e.current = s.Tick
	e.predicted = s.Entities.Clone()
	e.history = e.history[:0]
}

// Ready reports whether a baseline was set.
func (e *Engine) Ready() bool { return e.ready }

// Advance records cmd and steps the prediction to cmd.Tick, which must be
// exactly one past Current.
func (e *Engine) Advance(cmd world.InputCommand) error {
	if !e.ready {
		return ErrNotInitialized
	}
	if cmd.Tick != e.current+1 {
		return fmt.Errorf("%w: got tick %d, want %d", ErrOutOfSequence, cmd.Tick, e.current+1)
	}
	if len(e.history) >= e.cfg.HistoryCapacity {
		return fmt.Errorf("%w: %d unconfirmed ticks since %d", ErrPredictionOverrun, len(e.history), e.confirmed)
	}
	e.history = append(e.history, cmd)
	e.predicted = e.step(e.predicted, cmd)
	e.current = cmd.Tick
	return nil
}

// Reconcile rebases the prediction on s. Snapshots not newer than the last
// confirmed tick are ignored and return a nil frame. A snapshot ahead of the
// prediction moves the engine forward to it.
func (e *Engine) Reconcile(s world.Snapshot) (*ReconciliationFrame, error) {
	if !e.ready {
		return nil, ErrNotInitialized
	}
	if s.Tick <= e.confirmed {
		return nil, nil
	}
	pre := e.predicted

	i := 0
	for i < len(e.history) && e.history[i].Tick <= s.Tick {
		i++
	}
	e.history = append(e.history[:0], e.history[i:]...)
	e.confirmed = s.Tick

	state := s.Entities.Clone()
	if s.Tick >= e.current {
		e.current = s.Tick
	}
	for _, cmd := range e.history {
		state = e.step(state, cmd)
	}
	e.predicted = state

	mag := pre.MaxDisplacement(state)
	return &ReconciliationFrame{
		SnapshotTick: s.Tick,
		CurrentTick:  e.current,
		Replayed:     len(e.history),
		Pre:          pre,
		Post:         state,
		Magnitude:    mag,
		Smooth:       mag > e.cfg.CorrectionThreshold,
	}, nil
}

// Predicted returns the predicted world at Current. Callers must not modify
// it.
func (e *Engine) Predicted() world.World { return e.predicted }

// Current is the newest predicted tick.
func (e *Engine) Current() world.Tick { return e.current }

// Confirmed is the newest tick reconciled against the server.
func (e *Engine) Confirmed() world.Tick { return e.confirmed }

// Pending returns the number of unconfirmed inputs.
func (e *Engine) Pending() int { return len(e.history) }

// Unconfirmed returns up to n of the newest unconfirmed inputs, oldest first.
func (e *Engine) Unconfirmed(n int) []world.InputCommand {
	if n > len(e.history) {
		n = len(e.history)
	}
	out := make([]world.InputCommand, n)
	copy(out, e.history[len(e.history)-n:])
	return out
}
