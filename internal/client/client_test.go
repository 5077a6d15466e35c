package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isgasho/wosim/internal/loopback"
	"github.com/isgasho/wosim/internal/metrics"
	"github.com/isgasho/wosim/internal/predict"
	"github.com/isgasho/wosim/internal/session"
	"github.com/isgasho/wosim/internal/telemetry"
	"github.com/isgasho/wosim/internal/transport"
	"github.com/isgasho/wosim/internal/world"
)

const tickDelta = 50 * time.Millisecond

// steering is a fixed input script.
func steering(tick int) world.Input {
	in := world.Input{Yaw: float64(tick) * 0.01}
	if tick%4 != 0 {
		in.Buttons = world.ButtonForward
	}
	if tick%7 == 0 {
		in.Buttons |= world.ButtonFast
	}
	return in
}

type lockstep struct {
	t   *testing.T
	srv *loopback.Server
	c   *Client
	now time.Time
	n   int
	// positions of NPC 1 by server tick
	npc map[world.Tick]world.Vec3
}

func newLockstep(t *testing.T, imp transport.Impairment, cfg Config, opts Options) *lockstep {
	t.Helper()
	a, b := transport.NewPipe(imp)
	return startLockstep(t, a, b, cfg, opts)
}

// startLockstep serves b and connects a client over a.
func startLockstep(t *testing.T, a, b transport.Transport, cfg Config, opts Options) *lockstep {
	t.Helper()
	srv := loopback.New(loopback.DefaultConfig())
	require.NoError(t, srv.Add(b))
	l := &lockstep{
		t:   t,
		srv: srv,
		c:   New(cfg, a, opts),
		now: time.Unix(1700000000, 0),
		npc: make(map[world.Tick]world.Vec3),
	}
	require.NoError(t, l.c.Start(l.now))
	return l
}

// step runs a server tick, then a client tick.
func (l *lockstep) step(stepServer bool) (View, error) {
	l.now = l.now.Add(tickDelta)
	l.n++
	if stepServer {
		l.srv.Step(l.now)
		l.npc[l.srv.Tick()] = l.srv.World()[1].Position
	}
	return l.c.Step(l.now, steering(l.n))
}

func TestPredictionMatchesServer(t *testing.T) {
	l := newLockstep(t, transport.Impairment{}, DefaultConfig(), Options{})

	var corrections int
	var last View
	for i := 0; i < 60; i++ {
		v, err := l.step(true)
		require.NoError(t, err)
		if v.Correction != nil {
			corrections++
			assert.InDelta(t, 0, v.Correction.Magnitude, 1e-9, "tick %d", v.Correction.SnapshotTick)
			assert.False(t, v.Correction.Smooth)
		}
		last = v
	}
	require.Equal(t, session.Active, last.State)
	assert.Greater(t, corrections, 50)

	// One step of round trip: the client runs two ticks ahead of the server.
	assert.Equal(t, world.Tick(2), l.c.Lead())
	assert.Equal(t, l.srv.Tick()+2, last.Tick)
	self := last.Entities[last.SelfID]
	assert.Less(t, self.Position.Z, -1.0)

	// Remote entities are drawn three ticks behind the newest snapshot.
	require.Len(t, last.Entities, 5)
	assert.Equal(t, l.npc[l.srv.Tick()-3], last.Entities[1].Position)
	// Older snapshots were evicted.
	assert.Equal(t, 5, l.c.buf.Len())
	oldest, _ := l.c.buf.Oldest()
	assert.Equal(t, l.srv.Tick()-4, oldest.Tick)
}

func TestInterpolationTicks(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 3.0, cfg.InterpolationTicks(tickDelta), 1e-9)
	assert.InDelta(t, 1.5, cfg.InterpolationTicks(100*time.Millisecond), 1e-9)
	// Before the handshake the default step applies.
	assert.InDelta(t, 3.0, cfg.InterpolationTicks(0), 1e-9)
}

// lagged holds datagrams the server reads for extra lockstep steps.
type lagged struct {
	transport.Transport
	lag  int
	step *int
	held []heldDatagram
}

type heldDatagram struct {
	due int
	d   []byte
}

func (t *lagged) Receive() ([]byte, error) {
	now := 0
	if t.step != nil {
		now = *t.step
	}
	var err error
	for {
		var d []byte
		if d, err = t.Transport.Receive(); err != nil {
			break
		}
		t.held = append(t.held, heldDatagram{due: now + t.lag, d: d})
	}
	if len(t.held) > 0 && t.held[0].due <= now {
		d := t.held[0].d
		t.held = t.held[1:]
		return d, nil
	}
	if len(t.held) > 0 && errors.Is(err, transport.ErrClosed) {
		return nil, transport.ErrWouldBlock
	}
	return nil, err
}

func TestInputArrivesInTimeOverSlowLink(t *testing.T) {
	a, b := transport.NewPipe(transport.Impairment{})
	link := &lagged{Transport: b, lag: 1}
	l := startLockstep(t, a, link, DefaultConfig(), Options{})
	link.step = &l.n

	var last View
	for i := 0; i < 80; i++ {
		v, err := l.step(true)
		require.NoError(t, err)
		if f := v.Correction; f != nil && i >= 10 {
			assert.InDelta(t, 0, f.Magnitude, 1e-9, "tick %d", f.SnapshotTick)
		}
		last = v
	}
	require.Equal(t, session.Active, last.State)

	// Two steps of round trip.
	assert.Equal(t, 100*time.Millisecond, l.c.Session().RTT())
	assert.Equal(t, world.Tick(3), l.c.Lead())
	assert.Equal(t, l.srv.Tick()+3, last.Tick)

	// The server steered the ship with the client's input.
	self := l.srv.World()[last.SelfID]
	assert.Less(t, self.Position.Z, -1.0)
}

func TestLossyLinkConverges(t *testing.T) {
	l := newLockstep(t, transport.Impairment{Loss: 0.1, Duplicate: 0.05, Reorder: 0.05, Seed: 11}, DefaultConfig(), Options{})

	var last View
	for i := 0; i < 200; i++ {
		v, err := l.step(true)
		require.NoError(t, err)
		last = v
	}
	require.Equal(t, session.Active, last.State)
	assert.Len(t, last.Entities, 5)
	assert.Contains(t, last.Entities, last.SelfID)
	assert.Greater(t, l.c.Stats().Channel.Stale+l.c.Stats().Channel.Duplicates, uint64(0))
}

func TestGracefulCloseThroughServer(t *testing.T) {
	l := newLockstep(t, transport.Impairment{}, DefaultConfig(), Options{})
	for l.c.Session().State() != session.Active {
		_, err := l.step(true)
		require.NoError(t, err)
	}
	self := l.c.Session().SelfID()

	require.NoError(t, l.c.Close(l.now))
	for i := 0; i < 10 && !l.c.Session().State().Terminal(); i++ {
		_, err := l.step(true)
		require.NoError(t, err)
	}
	assert.Equal(t, session.Closed, l.c.Session().State())
	assert.NotContains(t, l.srv.World(), self)
}

func TestPredictionOverrunFailsSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Predict.HistoryCapacity = 10
	l := newLockstep(t, transport.Impairment{}, cfg, Options{})
	for l.c.Session().State() != session.Active {
		_, err := l.step(true)
		require.NoError(t, err)
	}

	// The server stalls; the client keeps predicting.
	var err error
	for i := 0; i < 100 && err == nil; i++ {
		_, err = l.step(false)
	}
	require.ErrorIs(t, err, predict.ErrPredictionOverrun)
	assert.Equal(t, session.Failed, l.c.Session().State())
}

func TestMetricsAndJournal(t *testing.T) {
	reg := prometheus.NewRegistry()
	path := filepath.Join(t.TempDir(), "journal.db")
	journal, err := telemetry.Open(path)
	require.NoError(t, err)

	var c *Client
	m := metrics.New(reg, func() session.Stats { return c.Stats() })
	l := newLockstep(t, transport.Impairment{}, DefaultConfig(), Options{Metrics: m, Journal: journal})
	c = l.c
	for i := 0; i < 20; i++ {
		_, err := l.step(true)
		require.NoError(t, err)
	}
	id := c.Session().ID()

	assert.Zero(t, testutil.ToFloat64(m.Corrections))
	// Three ticks of interpolation delay plus the snapshot below it.
	assert.Equal(t, 5.0, testutil.ToFloat64(m.BufferedSnapshots))
	n, err := testutil.GatherAndCount(reg, "wosim_datagrams_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Close(l.now))
	for i := 0; i < 10 && !c.Session().State().Terminal(); i++ {
		l.step(true)
	}
	require.NoError(t, journal.Close())

	journal, err = telemetry.Open(path)
	require.NoError(t, err)
	defer journal.Close()
	rows, err := journal.Transitions(context.Background(), id)
	require.NoError(t, err)
	var states []string
	for _, r := range rows {
		states = append(states, r.To)
	}
	assert.Equal(t, []string{"handshaking", "synchronizing", "active", "disconnecting", "closed"}, states)
}

func TestRunnerWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	a, b := transport.NewPipe(transport.Impairment{})
	srv := loopback.New(loopback.DefaultConfig())
	require.NoError(t, srv.Add(b))

	var state atomic.Int32
	var frames atomic.Int64
	c := New(DefaultConfig(), a, Options{})
	r := NewRunner(c, mock, tickDelta, nil, RenderFunc(func(v View) {
		state.Store(int32(v.State))
		frames.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	tick := func() {
		mock.Add(tickDelta)
		srv.Step(mock.Now())
	}
	require.Eventually(t, func() bool {
		tick()
		return session.State(state.Load()) == session.Active
	}, 5*time.Second, time.Millisecond)
	assert.Positive(t, frames.Load())

	cancel()
	var runErr error
	require.Eventually(t, func() bool {
		tick()
		select {
		case runErr = <-errc:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	assert.NoError(t, runErr)
	assert.Equal(t, session.Closed, c.Session().State())
}
