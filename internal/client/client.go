// Package client wires the network core together. A Client owns one session,
// the snapshot buffer and the prediction engine, and turns each local tick
// into a View for the renderer.
package client

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/isgasho/wosim/internal/logger"
	"github.com/isgasho/wosim/internal/metrics"
	"github.com/isgasho/wosim/internal/predict"
	"github.com/isgasho/wosim/internal/protocol"
	"github.com/isgasho/wosim/internal/session"
	"github.com/isgasho/wosim/internal/snapshot"
	"github.com/isgasho/wosim/internal/telemetry"
	"github.com/isgasho/wosim/internal/transport"
	"github.com/isgasho/wosim/internal/world"
)

// Config holds everything a Client needs besides its collaborators
type Config struct {
	Session          session.Config
	Predict          predict.Config
	SnapshotCapacity int
	// InterpolationDelay is how far behind the newest snapshot remote
	// entities are rendered.
	InterpolationDelay time.Duration
	// InputRedundancy is the number of recent commands sent per tick.
	InputRedundancy int
	// SampleInterval spaces link samples written to the journal.
	SampleInterval time.Duration
}

// DefaultConfig returns the defaults of every layer.
func DefaultConfig() Config {
	return Config{
		Session:            session.DefaultConfig(),
		Predict:            predict.DefaultConfig(),
		SnapshotCapacity:   snapshot.DefaultCapacity,
		InterpolationDelay: 150 * time.Millisecond,
		InputRedundancy:    3,
		SampleInterval:     5 * time.Second,
	}
}

// InterpolationTicks is InterpolationDelay measured in ticks of tickDelta.
func (c Config) InterpolationTicks(tickDelta time.Duration) float64 {
	if tickDelta <= 0 {
		tickDelta = defaultTickDelta
	}
	return float64(c.InterpolationDelay) / float64(tickDelta)
}

const (
	// defaultTickDelta stands in until the handshake names the server step.
	defaultTickDelta = 50 * time.Millisecond
	// maxCatchUp bounds the ticks predicted in one Step while the lead grows.
	maxCatchUp = 4
	// leadSlack is how far past its lead the prediction may run before Step
	// holds it.
	leadSlack = 2
)

// Options are optional collaborators
type Options struct {
	// Step replaces the reference kinematic step for prediction.
	Step predict.StepFunc
	// Codec overrides the wire codec.
	Codec   *protocol.Codec
	Metrics *metrics.Metrics
	Journal *telemetry.Journal
}

// View is what the renderer draws for one tick
type View struct {
	Tick     world.Tick
	SelfID   world.EntityID
	Entities world.World
	// Correction is set on the ticks a snapshot rebased the prediction.
	Correction *predict.ReconciliationFrame
	State      session.State
}

// Client is driven by exactly one goroutine through Start, Step and Close.
type Client struct {
	cfg     Config
	opts    Options
	log     *slog.Logger
	sess    *session.Session
	buf     *snapshot.Buffer
	engine  *predict.Engine
	metrics *metrics.Metrics
	journal *telemetry.Journal

	lastSnapAt time.Time
	nextSample time.Time
}

// New returns a client that will connect over tr once started.
func New(cfg Config, tr transport.Transport, opts Options) *Client {
	def := DefaultConfig()
	if cfg.SnapshotCapacity <= 0 {
		cfg.SnapshotCapacity = def.SnapshotCapacity
	}
	if cfg.InterpolationDelay < 0 {
		cfg.InterpolationDelay = 0
	}
	if cfg.InputRedundancy <= 0 {
		cfg.InputRedundancy = def.InputRedundancy
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	sess := session.New(cfg.Session, tr, opts.Codec)
	c := &Client{
		cfg:     cfg,
		opts:    opts,
		log:     logger.Logger("client").With("session", sess.ID().String()),
		sess:    sess,
		buf:     snapshot.NewBuffer(cfg.SnapshotCapacity),
		metrics: opts.Metrics,
		journal: opts.Journal,
	}
	if c.journal != nil {
		sess.OnTransition(func(t session.Transition) {
			c.journal.RecordTransition(sess.ID(), t)
			if t.To.Terminal() {
				c.journal.RecordSample(sess.ID(), sess.Stats(), t.At)
			}
		})
	}
	return c
}

// Session exposes the underlying session.
func (c *Client) Session() *session.Session { return c.sess }

// Start sends the handshake.
func (c *Client) Start(now time.Time) error {
	if err := c.sess.Start(now); err != nil {
		return err
	}
	c.nextSample = now.Add(c.cfg.SampleInterval)
	return c.sess.Flush(now)
}

// Step runs one local tick: it drains the network, feeds snapshots to the
// buffer and the engine, applies input while Active, advances timers and
// returns what to draw. The error is the session's failure cause.
func (c *Client) Step(now time.Time, input world.Input) (View, error) {
	var correction *predict.ReconciliationFrame

	events, err := c.sess.Receive(now)
	for _, ev := range events {
		if f := c.apply(ev, now); f != nil {
			correction = f
		}
	}

	if err == nil && c.sess.State() == session.Active && c.engine != nil {
		c.advance(input, now)
	}

	c.sess.Poll(now)
	c.sess.Flush(now)

	if !now.Before(c.nextSample) && c.journal != nil {
		c.journal.RecordSample(c.sess.ID(), c.sess.Stats(), now)
		c.nextSample = now.Add(c.cfg.SampleInterval)
	}

	return c.view(now, correction), c.sess.Err()
}

// apply routes one session event to the buffer and the engine.
func (c *Client) apply(ev session.Event, now time.Time) *predict.ReconciliationFrame {
	switch ev.Kind {
	case session.EventBaseline:
		c.buf.Reset()
		if err := c.buf.Insert(ev.Snapshot); err != nil {
			c.log.Warn("baseline not buffered", "err", err)
		}
		c.lastSnapAt = now
		step := c.opts.Step
		if step == nil {
			step = predict.KinematicStep(c.sess.SelfID(), c.sess.TickDelta())
		}
		c.engine = predict.NewEngine(step, c.cfg.Predict)
		c.engine.Init(ev.Snapshot)
		c.log.Info("baseline applied", "tick", ev.Snapshot.Tick, "entities", len(ev.Snapshot.Entities))
		return nil

	case session.EventSnapshot:
		if err := c.buf.Insert(ev.Snapshot); err != nil {
			if !errors.Is(err, snapshot.ErrDuplicate) && !errors.Is(err, snapshot.ErrSuperseded) {
				c.log.Warn("snapshot not buffered", "tick", ev.Snapshot.Tick, "err", err)
			}
		} else {
			c.lastSnapAt = now
			c.evict(ev.Snapshot.Tick)
		}
		if c.engine == nil {
			return nil
		}
		f, err := c.engine.Reconcile(ev.Snapshot)
		if err != nil {
			c.log.Warn("reconcile failed", "tick", ev.Snapshot.Tick, "err", err)
			return nil
		}
		if f != nil {
			c.metrics.Observe(f.Magnitude, c.engine.Pending(), c.buf.Len())
			if f.Smooth {
				c.log.Debug("prediction corrected", "tick", f.SnapshotTick, "magnitude", f.Magnitude,
					"replayed", f.Replayed)
			}
		}
		return f
	}
	return nil
}

// evict drops snapshots the render window no longer reaches once newest is
// buffered. One older snapshot stays as the lower interpolation bound.
func (c *Client) evict(newest world.Tick) {
	keep := float64(newest) - math.Ceil(c.cfg.InterpolationTicks(c.tickDelta())) - 1
	if keep > 0 {
		c.buf.EvictBefore(world.Tick(keep))
	}
}

func (c *Client) tickDelta() time.Duration {
	if td := c.sess.TickDelta(); td > 0 {
		return td
	}
	return defaultTickDelta
}

// Lead is how many ticks ahead of the server the prediction runs: one round
// trip plus one, so input reaches the server before it simulates that tick.
func (c *Client) Lead() world.Tick {
	td := c.tickDelta()
	return world.Tick((c.sess.RTT()+td-1)/td) + 1
}

// serverTick estimates the tick the server has reached at now.
func (c *Client) serverTick(now time.Time) world.Tick {
	elapsed := now.Sub(c.lastSnapAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return c.engine.Confirmed() + world.Tick(elapsed/c.tickDelta())
}

// advance applies input to the ticks needed to keep Lead ticks ahead of the
// server, at least one and at most maxCatchUp, then sends the recent
// unconfirmed commands. Running too far ahead holds the prediction for a
// tick. A full history fails the session.
func (c *Client) advance(input world.Input, now time.Time) {
	target := c.serverTick(now) + c.Lead()
	current := c.engine.Current()
	if current > target+leadSlack {
		return
	}
	n := 1
	if target > current+1 {
		n = min(int(target-current), maxCatchUp)
	}
	for range n {
		cmd := world.InputCommand{Tick: c.engine.Current() + 1, Input: input}
		if err := c.engine.Advance(cmd); err != nil {
			if errors.Is(err, predict.ErrPredictionOverrun) {
				c.sess.Fail(err, now)
				return
			}
			c.log.Error("input not applied", "tick", cmd.Tick, "err", err)
			return
		}
	}
	tick := c.engine.Current()
	msg := &protocol.InputCommand{Tick: tick, Commands: c.engine.Unconfirmed(max(c.cfg.InputRedundancy, n))}
	if err := c.sess.SendInput(msg, now); err != nil {
		c.log.Debug("input not sent", "tick", tick, "err", err)
	}
}

// view composes the predicted self entity with remote entities interpolated
// InterpolationDelay behind the newest snapshot.
func (c *Client) view(now time.Time, correction *predict.ReconciliationFrame) View {
	v := View{
		SelfID:     c.sess.SelfID(),
		Correction: correction,
		State:      c.sess.State(),
	}
	if c.engine == nil || !c.engine.Ready() {
		return v
	}
	v.Tick = c.engine.Current()

	newest, ok := c.buf.Newest()
	if !ok {
		v.Entities = c.engine.Predicted().Clone()
		return v
	}
	tickDelta := c.tickDelta()
	elapsed := float64(now.Sub(c.lastSnapAt)) / float64(tickDelta)
	t := float64(newest.Tick) + elapsed - c.cfg.InterpolationTicks(tickDelta)

	remote, err := c.buf.Sample(t)
	if err != nil {
		// Too early for the delay window: show the oldest we have.
		c.metrics.Gap()
		oldest, _ := c.buf.Oldest()
		remote = oldest.Entities.Clone()
	}
	if self, ok := c.engine.Predicted()[v.SelfID]; ok {
		remote[v.SelfID] = self.Clone()
	} else {
		delete(remote, v.SelfID)
	}
	v.Entities = remote
	return v
}

// Close starts a graceful disconnect. Keep calling Step until the state is
// terminal.
func (c *Client) Close(now time.Time) error {
	err := c.sess.Close(now)
	c.sess.Flush(now)
	return err
}

// Stats returns the session counters.
func (c *Client) Stats() session.Stats { return c.sess.Stats() }
