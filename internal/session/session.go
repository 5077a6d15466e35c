// Package session runs the connection lifecycle of one client: handshake,
// version negotiation, token handoff, baseline synchronization, steady-state
// streaming and teardown.
//
// A Session is driven from the tick goroutine. Time is always passed in.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/isgasho/wosim/internal/auth"
	"github.com/isgasho/wosim/internal/channel"
	"github.com/isgasho/wosim/internal/logger"
	"github.com/isgasho/wosim/internal/protocol"
	"github.com/isgasho/wosim/internal/transport"
	"github.com/isgasho/wosim/internal/world"
)

// Config holds the session timeouts and policy
type Config struct {
	Token             string
	HandshakeTimeout  time.Duration
	DisconnectTimeout time.Duration
	PingInterval      time.Duration
	// DecodeErrorLimit consecutive undecodable datagrams fail the session.
	DecodeErrorLimit int
	Channel          channel.Config
}

// DefaultConfig returns the values used for unset fields.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  5 * time.Second,
		DisconnectTimeout: time.Second,
		PingInterval:      time.Second,
		DecodeErrorLimit:  16,
		Channel:           channel.DefaultConfig(),
	}
}

// Stats is a point-in-time view of the connection
type Stats struct {
	State        State
	RTT          time.Duration
	DecodeErrors uint64
	Channel      channel.Stats
	Transport    transport.Stats
}

// Session is one connection attempt. It is never reused: a reconnect
// creates a new Session.
type Session struct {
	id    uuid.UUID
	cfg   Config
	tr    transport.Transport
	codec *protocol.Codec
	ch    *channel.Channel
	log   *slog.Logger

	state     atomic.Int32
	err       error
	started   bool
	startedAt time.Time
	deadline  time.Time // handshake, synchronization or flush deadline

	handshakeSeq uint64
	version      Version
	selfID       world.EntityID
	tickDelta    time.Duration
	startTick    world.Tick
	lastTick     world.Tick

	nextPing     uint64
	nextPingAt   time.Time
	rtt          atomic.Int64
	pongSeen     bool
	decodeRun    int
	decodeErrors atomic.Uint64
	sometimes    rate.Sometimes

	pumped    atomic.Bool
	listeners []func(Transition)
	closers   []func() error
	teardown  sync.Once
	closeErr  error

	pumpMu      sync.Mutex
	pumpRunning bool
	released    bool
	trOnce      sync.Once
	trErr       error
}

// New returns a session in Connecting over tr. Nothing is sent until Start.
func New(cfg Config, tr transport.Transport, codec *protocol.Codec) *Session {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DecodeErrorLimit <= 0 {
		cfg.DecodeErrorLimit = def.DecodeErrorLimit
	}
	if codec == nil {
		codec = protocol.DefaultCodec()
	}
	id := uuid.New()
	s := &Session{
		id:        id,
		cfg:       cfg,
		tr:        tr,
		codec:     codec,
		ch:        channel.New(cfg.Channel, codec),
		log:       logger.Logger("session").With("session", id.String()),
		sometimes: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	s.state.Store(int32(Connecting))
	return s
}

// ID identifies this connection attempt.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state. Safe to call from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the cause of a Failed session.
func (s *Session) Err() error { return s.failure() }

// NegotiatedVersion is valid from Synchronizing on.
func (s *Session) NegotiatedVersion() Version { return s.version }

// SelfID is the entity the server assigned to this client.
func (s *Session) SelfID() world.EntityID { return s.selfID }

// TickDelta is the server's simulation step.
func (s *Session) TickDelta() time.Duration { return s.tickDelta }

// StartTick is the server tick announced at world entry.
func (s *Session) StartTick() world.Tick { return s.startTick }

// LastAckedTick is the newest snapshot tick accepted from the server.
func (s *Session) LastAckedTick() world.Tick { return s.lastTick }

// RTT returns the smoothed round trip time. The handshake exchange seeds it
// and the first pong replaces the seed.
func (s *Session) RTT() time.Duration { return time.Duration(s.rtt.Load()) }

// OnTransition registers fn to observe every state change.
func (s *Session) OnTransition(fn func(Transition)) {
	s.listeners = append(s.listeners, fn)
}

// OnClose registers fn to run during teardown. Its error is combined into
// the teardown error.
func (s *Session) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Stats returns counters for the session and the layers below it.
func (s *Session) Stats() Stats {
	return Stats{
		State:        s.State(),
		RTT:          s.RTT(),
		DecodeErrors: s.decodeErrors.Load(),
		Channel:      s.ch.Stats(),
		Transport:    s.tr.Stats(),
	}
}

// Start sends the Handshake and arms the handshake deadline.
func (s *Session) Start(now time.Time) error {
	if s.started {
		return nil
	}
	s.started = true
	s.startedAt = now
	if err := auth.CheckExpiry(s.cfg.Token, now); err != nil {
		s.fail(err, now)
		return err
	}
	hs := &protocol.Handshake{
		Minor: protocol.Minor,
		Token: s.cfg.Token,
		Nonce: binary.BigEndian.Uint64(s.id[:8]),
	}
	if err := s.ch.Send(hs, now); err != nil {
		s.fail(err, now)
		return err
	}
	s.handshakeSeq = s.ch.LastSeq()
	s.deadline = now.Add(s.cfg.HandshakeTimeout)
	s.log.Info("connecting", "token", auth.Fingerprint(s.cfg.Token), "version", s.codec.Version())
	return nil
}

// Receive drains every datagram the transport has queued and returns the
// snapshot events they produced. It returns the cause once the session has
// failed.
func (s *Session) Receive(now time.Time) ([]Event, error) {
	if !s.started {
		return nil, ErrNotStarted
	}
	var events []Event
	for !s.State().Terminal() {
		d, err := s.tr.Receive()
		if errors.Is(err, transport.ErrWouldBlock) {
			break
		}
		if err != nil {
			s.transportDown(err, now)
			break
		}
		msgs, err := s.ch.Ingest(d)
		s.noteDecode(err, now)
		for _, m := range msgs {
			if s.State().Terminal() {
				break
			}
			events = s.dispatch(m, now, events)
		}
	}
	if s.State() == Connecting && s.ch.IsAcked(s.handshakeSeq) {
		s.transition(Handshaking, nil, now)
	}
	return events, s.failure()
}

// failure returns the cause once the session has Failed. A Disconnecting
// session holds its cause without reporting it yet.
func (s *Session) failure() error {
	if s.State() == Failed {
		return s.err
	}
	return nil
}

func (s *Session) noteDecode(err error, now time.Time) {
	if err == nil {
		s.decodeRun = 0
		return
	}
	s.decodeErrors.Add(1)
	if errors.Is(err, protocol.ErrIncompatibleVersion) {
		s.fail(err, now)
		return
	}
	s.decodeRun++
	s.sometimes.Do(func() {
		s.log.Warn("dropping undecodable datagram", "err", err, "consecutive", s.decodeRun)
	})
	if s.decodeRun >= s.cfg.DecodeErrorLimit {
		s.fail(fmt.Errorf("%w: last: %w", ErrTooManyDecodeErrors, err), now)
	}
}

// dispatch is the closed match over every message the server may send.
func (s *Session) dispatch(m protocol.Message, now time.Time, events []Event) []Event {
	switch m := m.(type) {
	case *protocol.Handshake:
		s.handleHandshake(m, now)
	case *protocol.Snapshot:
		return s.handleSnapshot(m, now, events)
	case *protocol.Ping:
		if err := s.ch.Send(&protocol.Pong{ID: m.ID, SentAt: m.SentAt}, now); err != nil {
			s.log.Debug("pong not sent", "err", err)
		}
	case *protocol.Pong:
		s.handlePong(m, now)
	case *protocol.Disconnect:
		s.handleDisconnect(m, now)
	case *protocol.InputCommand:
		s.log.Debug("ignoring input command from server", "tick", m.Tick)
	}
	return events
}

func (s *Session) handleHandshake(m *protocol.Handshake, now time.Time) {
	switch s.State() {
	case Connecting:
		// The reply implies the request arrived even if its ack did not.
		s.transition(Handshaking, nil, now)
	case Handshaking:
	default:
		return
	}
	if !m.Accepted {
		s.fail(fmt.Errorf("%w: %s", ErrAuthRejected, m.Reason), now)
		return
	}
	s.version = Version{Major: s.codec.Version(), Minor: min(m.Minor, protocol.Minor)}
	s.selfID = m.SelfID
	s.tickDelta = m.TickDelta
	s.startTick = m.StartTick
	if d := now.Sub(s.startedAt); !s.pongSeen && d > 0 {
		s.rtt.Store(int64(d))
	}
	s.deadline = now.Add(s.cfg.HandshakeTimeout)
	s.log.Info("world entered", "self", m.SelfID, "tick_delta", m.TickDelta, "start_tick", m.StartTick,
		"minor", s.version.Minor)
	s.transition(Synchronizing, nil, now)
}

func (s *Session) handleSnapshot(m *protocol.Snapshot, now time.Time, events []Event) []Event {
	snap := world.Snapshot{Tick: m.Tick, Entities: m.Entities}
	switch s.State() {
	case Synchronizing:
		s.lastTick = m.Tick
		s.nextPingAt = now
		s.transition(Active, nil, now)
		return append(events, Event{Kind: EventBaseline, Snapshot: snap})
	case Active, Disconnecting:
		s.lastTick = m.Tick
		return append(events, Event{Kind: EventSnapshot, Snapshot: snap})
	}
	return events
}

func (s *Session) handlePong(m *protocol.Pong, now time.Time) {
	sample := now.Sub(time.Unix(0, m.SentAt))
	if sample < 0 {
		return
	}
	if !s.pongSeen {
		s.pongSeen = true
		s.rtt.Store(int64(sample))
		return
	}
	old := time.Duration(s.rtt.Load())
	s.rtt.Store(int64(old - old/8 + sample/8))
}

func (s *Session) handleDisconnect(m *protocol.Disconnect, now time.Time) {
	s.log.Info("server disconnected", "reason", m.Reason)
	switch s.State() {
	case Active, Disconnecting:
		s.finish(Closed, nil, now)
	default:
		s.fail(fmt.Errorf("%w: %s", ErrRemoteClosed, m.Reason), now)
	}
}

// SendInput queues an input command for the server.
func (s *Session) SendInput(m *protocol.InputCommand, now time.Time) error {
	if s.State() != Active {
		return ErrNotActive
	}
	return s.ch.Send(m, now)
}

// Poll advances every timer to now: retransmission, handshake and flush
// deadlines, and the ping schedule.
func (s *Session) Poll(now time.Time) error {
	state := s.State()
	if !s.started || state.Terminal() {
		return s.failure()
	}
	if err := s.ch.Poll(now); err != nil {
		s.linkLost(err, now)
		return s.failure()
	}
	switch state {
	case Connecting, Handshaking, Synchronizing:
		if !now.Before(s.deadline) {
			s.fail(fmt.Errorf("%w after %s in %s", ErrHandshakeTimeout, s.cfg.HandshakeTimeout, state), now)
		}
	case Active:
		if !now.Before(s.nextPingAt) {
			s.nextPing++
			if err := s.ch.Send(&protocol.Ping{ID: s.nextPing, SentAt: now.UnixNano()}, now); err != nil {
				s.log.Debug("ping not sent", "err", err)
			}
			s.nextPingAt = now.Add(s.cfg.PingInterval)
		}
	case Disconnecting:
		if s.ch.Pending() == 0 || !now.Before(s.deadline) {
			if s.ch.Pending() > 0 {
				s.log.Warn("disconnect flush timed out", "pending", s.ch.Pending())
			}
			s.endDisconnect(now)
		}
	}
	return s.failure()
}

// Close starts a graceful disconnect. An Active session sends Disconnect and
// flushes it on later Polls; any earlier state closes at once.
func (s *Session) Close(now time.Time) error {
	switch s.State() {
	case Active, Synchronizing:
		s.disconnect(nil, now)
	case Connecting, Handshaking:
		s.finish(Closed, nil, now)
	}
	return s.closeErr
}

// Fail ends the session with cause. An Active session flushes a Disconnect
// first; earlier states fail at once.
func (s *Session) Fail(cause error, now time.Time) {
	switch s.State() {
	case Active:
		s.disconnect(cause, now)
	case Disconnecting:
		if s.err == nil {
			s.err = cause
		}
	default:
		s.fail(cause, now)
	}
}

func (s *Session) linkLost(err error, now time.Time) {
	switch s.State() {
	case Active:
		s.disconnect(err, now)
	case Disconnecting:
		s.log.Warn("disconnect not acknowledged", "err", err)
		s.endDisconnect(now)
	default:
		s.fail(err, now)
	}
}

// transportDown handles a dead transport. While Disconnecting it means the
// server hung up after our Disconnect, which ends the flush.
func (s *Session) transportDown(err error, now time.Time) {
	if s.State() == Disconnecting {
		s.log.Debug("transport closed during disconnect", "err", err)
		s.endDisconnect(now)
		return
	}
	s.fail(err, now)
}

// endDisconnect finishes a disconnect with the cause it started with.
func (s *Session) endDisconnect(now time.Time) {
	if s.err != nil {
		s.finish(Failed, s.err, now)
	} else {
		s.finish(Closed, nil, now)
	}
}

func (s *Session) disconnect(cause error, now time.Time) {
	s.err = cause
	reason := "client closed"
	if cause != nil {
		reason = cause.Error()
	}
	s.deadline = now.Add(s.cfg.DisconnectTimeout)
	s.transition(Disconnecting, cause, now)
	if err := s.ch.Err(); err != nil {
		// Nothing can be flushed over a lost link.
		if cause == nil {
			cause = err
		}
		s.finish(Failed, cause, now)
		return
	}
	if err := s.ch.Send(&protocol.Disconnect{Reason: reason}, now); err != nil {
		s.log.Debug("disconnect not sent", "err", err)
	}
}

func (s *Session) fail(cause error, now time.Time) {
	if s.State().Terminal() {
		return
	}
	s.finish(Failed, cause, now)
}

func (s *Session) finish(to State, cause error, now time.Time) {
	if s.State().Terminal() {
		return
	}
	if to == Failed {
		s.err = cause
		s.log.Error("session failed", "from", s.State().String(), "err", cause)
	}
	s.transition(to, cause, now)
	s.release()
}

func (s *Session) transition(to State, cause error, now time.Time) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Debug("transition", "from", from.String(), "to", to.String())
	t := Transition{From: from, To: to, Cause: cause, At: now}
	for _, fn := range s.listeners {
		fn(t)
	}
}

// release tears the session down exactly once: retransmission state is
// dropped, queued frames are flushed, the transport is closed and close hooks
// run. A running pump flushes the outbox and closes the transport itself when
// it exits.
func (s *Session) release() {
	s.teardown.Do(func() {
		s.ch.Close()
		s.pumpMu.Lock()
		s.released = true
		running := s.pumpRunning
		s.pumpMu.Unlock()

		var errs error
		if !s.pumped.Load() {
			errs = multierr.Append(errs, s.ch.Drain(s.tr))
		}
		if !running {
			errs = multierr.Append(errs, s.closeTransport())
		}
		for _, fn := range s.closers {
			errs = multierr.Append(errs, fn())
		}
		s.closeErr = errs
		if errs != nil {
			s.log.Warn("teardown", "err", errs)
		}
	})
}

func (s *Session) closeTransport() error {
	s.trOnce.Do(func() { s.trErr = s.tr.Close() })
	return s.trErr
}

// CloseErr returns the errors collected while releasing resources.
func (s *Session) CloseErr() error { return s.closeErr }

// Flush writes queued frames from the tick goroutine. Callers that run Pump
// must not call Flush.
func (s *Session) Flush(now time.Time) error {
	if s.State().Terminal() || s.pumped.Load() {
		return nil
	}
	if err := s.ch.Drain(s.tr); err != nil {
		s.transportDown(err, now)
		return s.failure()
	}
	return nil
}

// ExternalPump declares that another goroutine runs Pump. Call it before
// that goroutine starts; Flush and teardown then leave the outbox to it.
func (s *Session) ExternalPump() { s.pumped.Store(true) }

// Pump writes queued frames on the calling goroutine until teardown or ctx
// ends. Errors after the session has ended are not reported, nor is a
// transport the server closed while Disconnecting: Receive ends the session.
func (s *Session) Pump(ctx context.Context) error {
	s.pumped.Store(true)
	s.pumpMu.Lock()
	if s.released {
		s.pumpMu.Unlock()
		return nil
	}
	s.pumpRunning = true
	s.pumpMu.Unlock()

	err := s.ch.Pump(ctx, s.tr)

	s.pumpMu.Lock()
	s.pumpRunning = false
	if s.released {
		if cerr := s.closeTransport(); cerr != nil {
			s.log.Warn("transport close", "err", cerr)
		}
	}
	s.pumpMu.Unlock()
	switch state := s.State(); {
	case state.Terminal(), errors.Is(err, context.Canceled):
		return nil
	case state == Disconnecting && errors.Is(err, transport.ErrClosed):
		return nil
	}
	return err
}
