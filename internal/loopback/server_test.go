package loopback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isgasho/wosim/internal/auth"
	"github.com/isgasho/wosim/internal/protocol"
	"github.com/isgasho/wosim/internal/session"
	"github.com/isgasho/wosim/internal/transport"
	"github.com/isgasho/wosim/internal/world"
)

const tick = 50 * time.Millisecond

type harness struct {
	t      *testing.T
	srv    *Server
	now    time.Time
	client *session.Session
	events []session.Event
}

func newHarness(t *testing.T, cfg Config, token string) *harness {
	t.Helper()
	a, b := transport.NewPipe(transport.Impairment{})
	srv := New(cfg)
	require.NoError(t, srv.Add(b))

	scfg := session.DefaultConfig()
	scfg.Token = token
	h := &harness{t: t, srv: srv, now: time.Unix(1000, 0), client: session.New(scfg, a, nil)}
	require.NoError(t, h.client.Start(h.now))
	require.NoError(t, h.client.Flush(h.now))
	return h
}

// step runs one server tick followed by one client tick.
func (h *harness) step() {
	h.now = h.now.Add(tick)
	h.srv.Step(h.now)
	events, _ := h.client.Receive(h.now)
	h.events = append(h.events, events...)
	h.client.Poll(h.now)
	h.client.Flush(h.now)
}

func (h *harness) stepUntil(cond func() bool) {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		h.step()
	}
	h.t.Fatal("condition not reached in 100 ticks")
}

func TestJoinAndStream(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "")
	h.stepUntil(func() bool { return h.client.State() == session.Active })

	assert.Equal(t, world.EntityID(5), h.client.SelfID())
	assert.Equal(t, tick, h.client.TickDelta())
	require.NotEmpty(t, h.events)
	assert.Equal(t, session.EventBaseline, h.events[0].Kind)
	baseline := h.events[0].Snapshot
	assert.Len(t, baseline.Entities, 5)
	assert.Equal(t, world.KindPC, baseline.Entities[5].Kind)

	for i := 0; i < 5; i++ {
		h.step()
	}
	last := h.events[len(h.events)-1]
	assert.Equal(t, session.EventSnapshot, last.Kind)
	assert.Equal(t, h.srv.Tick(), last.Snapshot.Tick)
	// NPCs keep moving
	assert.NotEqual(t, baseline.Entities[1].Position, last.Snapshot.Entities[1].Position)
}

func TestInputIsApplied(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "")
	h.stepUntil(func() bool { return h.client.State() == session.Active })
	self := h.client.SelfID()

	next := h.srv.Tick() + 1
	cmd := &protocol.InputCommand{Tick: next + 1, Commands: []world.InputCommand{
		{Tick: next, Input: world.Input{Buttons: world.ButtonForward}},
		{Tick: next + 1, Input: world.Input{Buttons: world.ButtonForward}},
	}}
	require.NoError(t, h.client.SendInput(cmd, h.now))
	require.NoError(t, h.client.Flush(h.now))
	h.step()
	h.step()

	assert.Less(t, h.srv.World()[self].Velocity.Z, 0.0)
	assert.Less(t, h.srv.World()[self].Position.Z, 0.0)
}

func TestPeerDisconnectRemovesEntity(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "")
	h.stepUntil(func() bool { return h.client.State() == session.Active })
	self := h.client.SelfID()
	require.Contains(t, h.srv.World(), self)

	require.NoError(t, h.client.Close(h.now))
	h.stepUntil(func() bool { return h.client.State() == session.Closed })

	assert.NotContains(t, h.srv.World(), self)
	assert.Zero(t, h.srv.PeerCount())
}

func TestServerCloseDisconnectsPeers(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "")
	h.stepUntil(func() bool { return h.client.State() == session.Active })

	h.srv.Close(h.now)
	_, err := h.client.Receive(h.now)
	require.NoError(t, err)
	assert.Equal(t, session.Closed, h.client.State())
	assert.Zero(t, h.srv.PeerCount())
}

func TestTokenValidation(t *testing.T) {
	issuer, err := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Issuer = issuer

	t.Run("valid", func(t *testing.T) {
		token, err := issuer.Mint("pilot", time.Hour, time.Now())
		require.NoError(t, err)
		h := newHarness(t, cfg, token)
		h.stepUntil(func() bool { return h.client.State() == session.Active })
	})

	t.Run("forged", func(t *testing.T) {
		other, err := auth.NewIssuer(nil)
		require.NoError(t, err)
		token, err := other.Mint("pilot", time.Hour, time.Now())
		require.NoError(t, err)

		h := newHarness(t, cfg, token)
		h.stepUntil(func() bool { return h.client.State().Terminal() })
		assert.Equal(t, session.Failed, h.client.State())
		assert.ErrorIs(t, h.client.Err(), session.ErrAuthRejected)
	})
}

func TestAttemptLimit(t *testing.T) {
	issuer, err := auth.NewIssuer(nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.MaxAttempts = 1
	token, err := issuer.Mint("pilot", time.Hour, time.Now())
	require.NoError(t, err)

	srv := New(cfg)
	now := time.Now()
	var clients []*session.Session
	for i := 0; i < 2; i++ {
		a, b := transport.NewPipe(transport.Impairment{})
		require.NoError(t, srv.Add(b))
		c := session.New(session.Config{Token: token}, a, nil)
		require.NoError(t, c.Start(now))
		require.NoError(t, c.Flush(now))
		clients = append(clients, c)
	}
	for i := 0; i < 5; i++ {
		now = now.Add(tick)
		srv.Step(now)
		for _, c := range clients {
			c.Receive(now)
			c.Poll(now)
			c.Flush(now)
		}
	}
	assert.Equal(t, session.Active, clients[0].State())
	assert.Equal(t, session.Failed, clients[1].State())
	assert.ErrorContains(t, clients[1].Err(), "too many attempts")
}

func TestHostLimit(t *testing.T) {
	srv := New(DefaultConfig())
	for i := 0; i < maxPeersPerHost; i++ {
		_, b := transport.NewPipe(transport.Impairment{})
		require.NoError(t, srv.Add(b))
	}
	_, b := transport.NewPipe(transport.Impairment{})
	assert.ErrorIs(t, srv.Add(b), ErrFull)
}

func TestAcceptQueuesUntilStep(t *testing.T) {
	srv := New(DefaultConfig())
	_, b := transport.NewPipe(transport.Impairment{})
	srv.Accept(b)
	assert.Zero(t, srv.PeerCount())
	srv.Step(time.Now())
	assert.Equal(t, 1, srv.PeerCount())
}

func TestLateInputIsAppliedNextTick(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "")
	h.stepUntil(func() bool { return h.client.State() == session.Active })
	self := h.client.SelfID()

	// Commands for ticks the server has already simulated.
	past := h.srv.Tick()
	cmd := &protocol.InputCommand{Tick: past, Commands: []world.InputCommand{
		{Tick: past - 1, Input: world.Input{Buttons: world.ButtonBackward}},
		{Tick: past, Input: world.Input{Buttons: world.ButtonForward}},
	}}
	require.NoError(t, h.client.SendInput(cmd, h.now))
	require.NoError(t, h.client.Flush(h.now))
	h.step()

	assert.Less(t, h.srv.World()[self].Velocity.Z, 0.0)

	// The late input keeps repeating until a newer one arrives.
	h.step()
	assert.Less(t, h.srv.World()[self].Position.Z, 0.0)
}

func TestOversizedWorldIsCulledPerPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NPCs = 4000
	h := newHarness(t, cfg, "")
	h.stepUntil(func() bool { return h.client.State() == session.Active })
	for i := 0; i < 3; i++ {
		h.step()
	}

	assert.Equal(t, 1, h.srv.PeerCount())
	last := h.events[len(h.events)-1]
	assert.Equal(t, h.srv.Tick(), last.Snapshot.Tick)
	assert.Contains(t, last.Snapshot.Entities, h.client.SelfID())
	assert.Less(t, len(last.Snapshot.Entities), len(h.srv.World()))
	assert.Greater(t, len(last.Snapshot.Entities), 1)
}
