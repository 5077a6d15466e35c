// Package loopback is a small authoritative world server for development and
// tests. It speaks the same wire protocol as a real world instance: it answers
// handshakes, applies client input with the reference kinematic step, and
// streams snapshots at a fixed tick rate.
package loopback

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/isgasho/wosim/internal/auth"
	"github.com/isgasho/wosim/internal/channel"
	"github.com/isgasho/wosim/internal/logger"
	"github.com/isgasho/wosim/internal/predict"
	"github.com/isgasho/wosim/internal/protocol"
	"github.com/isgasho/wosim/internal/transport"
	"github.com/isgasho/wosim/internal/world"
)

const (
	maxPeersPerHost = 5
	maxPeers        = 64

	// maxInputLead bounds how far ahead of the server tick buffered input
	// may be.
	maxInputLead = 256

	spawnRadius = 10.0
	npcSpeed    = 2.0
)

var (
	// ErrFull means the server or the peer's host has no free slot.
	ErrFull = errors.New("loopback: too many connections")
)

// Config holds the server parameters
type Config struct {
	TickDelta time.Duration
	// SnapshotEvery sends a snapshot every n ticks.
	SnapshotEvery int
	// NPCs is the number of dead-reckoned entities in the world.
	NPCs int
	// Issuer validates handshake tokens. Nil accepts any token.
	Issuer *auth.Issuer
	// AttemptWindow and MaxAttempts limit handshakes per host.
	AttemptWindow time.Duration
	MaxAttempts   int
	Channel       channel.Config
	Codec         *protocol.Codec
}

// DefaultConfig returns a 20 Hz world with four NPCs.
func DefaultConfig() Config {
	return Config{
		TickDelta:     50 * time.Millisecond,
		SnapshotEvery: 1,
		NPCs:          4,
		AttemptWindow: time.Minute,
		MaxAttempts:   10,
		Channel:       channel.DefaultConfig(),
	}
}

// Server holds the world and every connected peer. All methods except Accept
// belong to the tick goroutine.
type Server struct {
	cfg     Config
	log     *slog.Logger
	limiter *auth.AttemptLimiter

	tick   world.Tick
	world  world.World
	nextID world.EntityID

	peers    []*peer
	hosts    map[string]int
	incoming chan transport.Transport
}

// New returns a server at tick 0 with cfg.NPCs entities placed on a circle.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.TickDelta <= 0 {
		cfg.TickDelta = def.TickDelta
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = def.SnapshotEvery
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = def.AttemptWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.DefaultCodec()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger.Logger("loopback"),
		limiter:  auth.NewAttemptLimiter(cfg.AttemptWindow, cfg.MaxAttempts),
		world:    make(world.World),
		hosts:    make(map[string]int),
		incoming: make(chan transport.Transport, 64),
	}
	for i := 0; i < cfg.NPCs; i++ {
		s.nextID++
		angle := 2 * math.Pi * float64(i) / float64(cfg.NPCs)
		s.world[s.nextID] = world.EntityState{
			Kind:        world.KindNPC,
			Position:    world.Vec3{X: spawnRadius * math.Cos(angle), Z: spawnRadius * math.Sin(angle)},
			Velocity:    world.Vec3{X: -npcSpeed * math.Sin(angle), Z: npcSpeed * math.Cos(angle)},
			Orientation: world.QuatFromEuler(0, 0, angle),
		}
	}
	return s
}

// Tick returns the current server tick.
func (s *Server) Tick() world.Tick { return s.tick }

// World returns the authoritative world. Callers must not modify it.
func (s *Server) World() world.World { return s.world }

// PeerCount returns the number of attached transports.
func (s *Server) PeerCount() int { return len(s.peers) }

// Accept queues tr to be attached on the next Step. Safe to call from any
// goroutine; tr is closed when the queue is full.
func (s *Server) Accept(tr transport.Transport) {
	select {
	case s.incoming <- tr:
	default:
		s.log.Warn("accept queue full, dropping connection", "host", transport.RemoteHost(tr))
		tr.Close()
	}
}

// Add attaches tr at once.
func (s *Server) Add(tr transport.Transport) error {
	host := transport.RemoteHost(tr)
	if len(s.peers) >= maxPeers || s.hosts[host] >= maxPeersPerHost {
		return ErrFull
	}
	s.hosts[host]++
	p := &peer{
		host:   host,
		tr:     tr,
		ch:     channel.New(s.cfg.Channel, s.cfg.Codec),
		inputs: make(map[world.Tick]world.Input),
	}
	s.peers = append(s.peers, p)
	s.log.Debug("peer attached", "host", host, "peers", len(s.peers))
	return nil
}

// Step runs one server tick at now: attach queued transports, read every
// peer, advance the world, send snapshots and flush.
func (s *Server) Step(now time.Time) {
	s.attachQueued()

	for _, p := range s.peers {
		s.receive(p, now)
	}

	s.tick++
	inputs := make(map[world.EntityID]world.Input, len(s.peers))
	for _, p := range s.peers {
		if p.id != 0 && !p.closing && !p.dead {
			inputs[p.id] = p.inputFor(s.tick)
		}
	}
	s.world = predict.StepEntities(s.world, inputs, s.cfg.TickDelta)

	if s.tick%world.Tick(s.cfg.SnapshotEvery) == 0 {
		s.broadcastState(now)
	}
	s.flush(now)
}

func (s *Server) attachQueued() {
	for {
		select {
		case tr := <-s.incoming:
			if err := s.Add(tr); err != nil {
				s.log.Warn("rejecting connection", "host", transport.RemoteHost(tr), "err", err)
				tr.Close()
			}
		default:
			return
		}
	}
}

func (s *Server) receive(p *peer, now time.Time) {
	for !p.dead {
		d, err := p.tr.Receive()
		if errors.Is(err, transport.ErrWouldBlock) {
			return
		}
		if err != nil {
			s.drop(p, fmt.Errorf("receive: %w", err))
			return
		}
		msgs, err := p.ch.Ingest(d)
		if err != nil {
			s.log.Debug("undecodable datagram", "host", p.host, "err", err)
		}
		for _, m := range msgs {
			s.handle(p, m, now)
		}
	}
}

func (s *Server) handle(p *peer, m protocol.Message, now time.Time) {
	switch m := m.(type) {
	case *protocol.Handshake:
		s.handleHandshake(p, m, now)
	case *protocol.InputCommand:
		if p.id == 0 {
			return
		}
		for _, cmd := range m.Commands {
			switch {
			case cmd.Tick > s.tick+maxInputLead:
			case cmd.Tick > p.applied:
				p.inputs[cmd.Tick] = cmd.Input
			case cmd.Tick > p.late.Tick:
				// Too late for its own tick; it stands in for the next one.
				p.late = cmd
				p.hasLate = true
			}
		}
	case *protocol.Ping:
		if err := p.ch.Send(&protocol.Pong{ID: m.ID, SentAt: m.SentAt}, now); err != nil {
			s.log.Debug("pong not sent", "err", err)
		}
	case *protocol.Disconnect:
		s.log.Info("peer disconnected", "id", p.id, "reason", m.Reason)
		s.leave(p)
	case *protocol.Pong, *protocol.Snapshot:
	}
}

func (s *Server) handleHandshake(p *peer, m *protocol.Handshake, now time.Time) {
	if p.id != 0 || p.closing {
		return
	}
	name := "anonymous"
	if s.cfg.Issuer != nil {
		if !s.limiter.Allow(p.host, now) {
			s.reject(p, "too many attempts", now)
			return
		}
		claims, err := s.cfg.Issuer.Validate(m.Token, now)
		if err != nil {
			s.reject(p, err.Error(), now)
			return
		}
		name = claims.Name
	}

	s.nextID++
	p.id = s.nextID
	p.applied = s.tick
	s.world[p.id] = world.EntityState{
		Kind:        world.KindPC,
		Orientation: world.IdentityQuat,
	}
	reply := &protocol.Handshake{
		Minor:     min(m.Minor, protocol.Minor),
		Accepted:  true,
		SelfID:    p.id,
		TickDelta: s.cfg.TickDelta,
		StartTick: s.tick,
	}
	if err := p.ch.Send(reply, now); err != nil {
		s.drop(p, err)
		return
	}
	s.log.Info("player joined", "id", p.id, "name", name, "host", p.host, "token", auth.Fingerprint(m.Token))
}

func (s *Server) reject(p *peer, reason string, now time.Time) {
	s.log.Info("handshake rejected", "host", p.host, "reason", reason)
	if err := p.ch.Send(&protocol.Handshake{Minor: protocol.Minor, Reason: reason}, now); err != nil {
		s.drop(p, err)
		return
	}
	p.closing = true
}

// leave removes p's entity and drops p once nothing it sent is pending.
func (s *Server) leave(p *peer) {
	if p.id != 0 {
		delete(s.world, p.id)
	}
	p.closing = true
}

// broadcastState sends the world to every joined peer
func (s *Server) broadcastState(now time.Time) {
	for _, p := range s.peers {
		if p.id == 0 || p.closing || p.dead {
			continue
		}
		if err := s.sendState(p, now); err != nil {
			s.drop(p, err)
		}
	}
}

// sendState sends the world to p. A world too large for one frame is cut
// down to the entities nearest p's own until it fits.
func (s *Server) sendState(p *peer, now time.Time) error {
	entities := s.world
	for {
		err := p.ch.Send(&protocol.Snapshot{Tick: s.tick, Entities: entities}, now)
		if !errors.Is(err, protocol.ErrFrameTooLarge) || len(entities) <= 1 {
			return err
		}
		entities = s.nearest(p.id, len(entities)/2)
		if !p.culled {
			p.culled = true
			s.log.Warn("world too large for one snapshot, sending nearest entities", "id", p.id,
				"entities", len(s.world), "sent", len(entities))
		}
	}
}

// nearest returns the n entities closest to id, id included.
func (s *Server) nearest(id world.EntityID, n int) world.World {
	center := s.world[id].Position
	ids := s.world.IDs()
	slices.SortStableFunc(ids, func(a, b world.EntityID) int {
		return cmp.Compare(s.world[a].Position.Distance(center), s.world[b].Position.Distance(center))
	})
	out := make(world.World, n)
	for _, e := range ids[:min(n, len(ids))] {
		out[e] = s.world[e]
	}
	if self, ok := s.world[id]; ok {
		out[id] = self
	}
	return out
}

func (s *Server) flush(now time.Time) {
	for _, p := range s.peers {
		if p.dead {
			continue
		}
		if err := p.ch.Poll(now); err != nil {
			s.drop(p, err)
			continue
		}
		if err := p.ch.Drain(p.tr); err != nil {
			s.drop(p, err)
			continue
		}
		if p.closing && p.ch.Pending() == 0 {
			s.drop(p, nil)
		}
	}
	live := s.peers[:0]
	for _, p := range s.peers {
		if !p.dead {
			live = append(live, p)
		}
	}
	clear(s.peers[len(live):])
	s.peers = live
}

func (s *Server) drop(p *peer, cause error) {
	if p.dead {
		return
	}
	p.dead = true
	if p.id != 0 {
		delete(s.world, p.id)
	}
	if cause != nil {
		s.log.Warn("dropping peer", "id", p.id, "host", p.host, "err", cause)
	}
	p.ch.Close()
	p.tr.Close()
	s.hosts[p.host]--
	if s.hosts[p.host] <= 0 {
		delete(s.hosts, p.host)
	}
}

// Close sends Disconnect to every joined peer and releases all transports.
func (s *Server) Close(now time.Time) {
	s.attachQueued()
	for _, p := range s.peers {
		if p.dead {
			continue
		}
		if p.id != 0 && !p.closing {
			if err := p.ch.Send(&protocol.Disconnect{Reason: "server shutting down"}, now); err == nil {
				p.ch.Drain(p.tr)
			}
		}
		s.drop(p, nil)
	}
	s.peers = s.peers[:0]
}

// peer is one client connection
type peer struct {
	host    string
	tr      transport.Transport
	ch      *channel.Channel
	id      world.EntityID // zero until the handshake is accepted
	inputs  map[world.Tick]world.Input
	last    world.Input
	applied world.Tick
	closing bool
	dead    bool
	culled  bool

	// late is the newest command that arrived after its tick was simulated.
	late    world.InputCommand
	hasLate bool
}

// inputFor returns the input for tick. Without a command for tick the newest
// late command is used, and failing that the last input repeats.
func (p *peer) inputFor(tick world.Tick) world.Input {
	if in, ok := p.inputs[tick]; ok {
		p.last = in
	} else if p.hasLate {
		p.last = p.late.Input
	}
	p.hasLate = false
	for t := range p.inputs {
		if t <= tick {
			delete(p.inputs, t)
		}
	}
	p.applied = tick
	return p.last
}
