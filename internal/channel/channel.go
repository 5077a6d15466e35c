// Package channel builds two delivery classes on top of a datagram transport.
//
// Reliable-ordered messages (Handshake, Disconnect) are numbered from 1,
// acknowledged cumulatively with a selective mask, retransmitted on an
// exponential schedule and handed to the consumer in send order exactly once.
// Unreliable-latest messages (InputCommand, Snapshot, Ping, Pong) are sent
// once; per stream, anything not newer than the last accepted tick is dropped.
//
// A Channel belongs to the tick goroutine. The only state shared with the I/O
// goroutine is the outbox, which has exactly one producer (Send, Poll, Close)
// and one consumer (Pump or Drain, never both).
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/isgasho/wosim/internal/logger"
	"github.com/isgasho/wosim/internal/protocol"
)

var (
	// ErrLinkLost means a reliable message exhausted its retry budget.
	ErrLinkLost = errors.New("link lost")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("channel closed")
)

const maxWindow = 63

// Config holds the retransmission and queue parameters
type Config struct {
	RetransmitInitial time.Duration
	RetransmitMax     time.Duration
	// MaxRetries is the number of retransmissions after the first send. The
	// expiry that follows the last one reports ErrLinkLost.
	MaxRetries int
	OutboxSize int
	// Window bounds how far ahead of the next expected sequence an
	// out-of-order reliable message is held for reassembly.
	Window int
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		RetransmitInitial: 100 * time.Millisecond,
		RetransmitMax:     2 * time.Second,
		MaxRetries:        5,
		OutboxSize:        256,
		Window:            maxWindow,
	}
}

// Stats counts channel activity
type Stats struct {
	Sent          uint64 // frames queued, first transmissions only
	Retransmits   uint64
	Acked         uint64 // reliable messages confirmed by the peer
	Delivered     uint64 // messages handed to the consumer
	Duplicates    uint64 // reliable messages already delivered or held
	Stale         uint64 // unreliable messages dropped by the monotonic filter
	OutOfWindow   uint64 // reliable messages too far ahead to hold
	OutboxDropped uint64 // frames dropped because the outbox was full
	Oversized     uint64 // frames the transport refused as too large
}

type stats struct {
	sent, retransmits, acked, delivered    atomic.Uint64
	duplicates, stale, outOfWindow, outbox atomic.Uint64
	oversized                              atomic.Uint64
}

// inflight is a reliable message awaiting acknowledgement.
type inflight struct {
	seq      uint64
	tag      protocol.Tag
	frame    []byte
	deadline time.Time
	retries  int
	backoff  *backoff.ExponentialBackOff
}

// Channel is one peer's reliable and unreliable message lanes.
type Channel struct {
	cfg    Config
	codec  *protocol.Codec
	log    *slog.Logger
	outbox chan []byte
	closed bool
	err    error

	// send side
	nextSeq uint64
	pending map[uint64]*inflight

	// receive side
	delivered uint64 // highest reliable sequence handed to the consumer
	held      map[uint64]protocol.Message
	ackDue    bool
	latest    map[protocol.Tag]uint64

	stats stats
}

// New returns a channel using codec for framing.
func New(cfg Config, codec *protocol.Codec) *Channel {
	def := DefaultConfig()
	if cfg.RetransmitInitial <= 0 {
		cfg.RetransmitInitial = def.RetransmitInitial
	}
	if cfg.RetransmitMax < cfg.RetransmitInitial {
		cfg.RetransmitMax = cfg.RetransmitInitial
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.Window <= 0 || cfg.Window > maxWindow {
		cfg.Window = maxWindow
	}
	if codec == nil {
		codec = protocol.DefaultCodec()
	}
	return &Channel{
		cfg:     cfg,
		codec:   codec,
		log:     logger.Logger("channel"),
		outbox:  make(chan []byte, cfg.OutboxSize),
		nextSeq: 1,
		pending: make(map[uint64]*inflight),
		held:    make(map[uint64]protocol.Message),
		latest:  make(map[protocol.Tag]uint64),
	}
}

// Send queues msg. Reliable messages are numbered and tracked for
// retransmission starting at now.
func (c *Channel) Send(msg protocol.Message, now time.Time) error {
	if c.closed {
		return ErrClosed
	}
	if c.err != nil {
		return c.err
	}
	var seq uint64
	if msg.Class() == protocol.ClassReliable {
		seq = c.nextSeq
	}
	frame, err := c.codec.Encode(msg, seq)
	if err != nil {
		return err
	}
	if seq != 0 {
		c.nextSeq++
		b := &backoff.ExponentialBackOff{
			InitialInterval:     c.cfg.RetransmitInitial,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         c.cfg.RetransmitMax,
		}
		b.Reset()
		c.pending[seq] = &inflight{
			seq:      seq,
			tag:      msg.Tag(),
			frame:    frame,
			deadline: now.Add(b.NextBackOff()),
			backoff:  b,
		}
	}
	c.stats.sent.Add(1)
	c.enqueue(frame)
	return nil
}

// enqueue hands a frame to the I/O side without blocking. A dropped reliable
// frame is recovered by retransmission; a dropped unreliable one is gone.
func (c *Channel) enqueue(frame []byte) {
	select {
	case c.outbox <- frame:
	default:
		c.stats.outbox.Add(1)
	}
}

// Ingest decodes a received datagram, applies acks and returns the messages
// ready for the consumer. Frames decoded before a decode error are still
// processed; the error is returned alongside them.
func (c *Channel) Ingest(datagram []byte) ([]protocol.Message, error) {
	if c.closed {
		return nil, ErrClosed
	}
	frames, decodeErr := c.codec.DecodeAll(datagram)
	var out []protocol.Message
	for _, f := range frames {
		switch m := f.Msg.(type) {
		case *protocol.Ack:
			c.handleAck(m)
		default:
			if m.Class() == protocol.ClassReliable {
				out = c.receiveReliable(f.Seq, m, out)
			} else {
				out = c.receiveLatest(f.Seq, m, out)
			}
		}
	}
	if c.ackDue {
		c.sendAck()
	}
	return out, decodeErr
}

func (c *Channel) handleAck(a *protocol.Ack) {
	for seq := range c.pending {
		acked := seq <= a.Seq
		if !acked && seq > a.Seq+1 && seq-a.Seq-1 < 64 {
			acked = a.Mask&(1<<(seq-a.Seq-1)) != 0
		}
		if acked {
			delete(c.pending, seq)
			c.stats.acked.Add(1)
		}
	}
}

func (c *Channel) receiveReliable(seq uint64, m protocol.Message, out []protocol.Message) []protocol.Message {
	c.ackDue = true
	if seq <= c.delivered {
		c.stats.duplicates.Add(1)
		return out
	}
	if _, ok := c.held[seq]; ok {
		c.stats.duplicates.Add(1)
		return out
	}
	if seq-c.delivered > uint64(c.cfg.Window) {
		c.stats.outOfWindow.Add(1)
		return out
	}
	c.held[seq] = m
	for {
		next, ok := c.held[c.delivered+1]
		if !ok {
			break
		}
		delete(c.held, c.delivered+1)
		c.delivered++
		c.stats.delivered.Add(1)
		out = append(out, next)
	}
	return out
}

func (c *Channel) receiveLatest(tick uint64, m protocol.Message, out []protocol.Message) []protocol.Message {
	stream := m.Tag()
	if last, ok := c.latest[stream]; ok && tick <= last {
		c.stats.stale.Add(1)
		return out
	}
	c.latest[stream] = tick
	c.stats.delivered.Add(1)
	return append(out, m)
}

func (c *Channel) sendAck() {
	var mask uint64
	for seq := range c.held {
		if d := seq - c.delivered - 1; d < 64 {
			mask |= 1 << d
		}
	}
	frame, err := c.codec.Encode(&protocol.Ack{Seq: c.delivered, Mask: mask}, 0)
	if err != nil {
		c.log.Error("encode ack", "err", err)
		return
	}
	c.ackDue = false
	c.enqueue(frame)
}

// Poll retransmits every reliable message whose timer expired at now. It
// returns ErrLinkLost once a message has used up its retries; the error is
// sticky.
func (c *Channel) Poll(now time.Time) error {
	if c.err != nil || c.closed {
		return c.err
	}
	for _, seq := range c.pendingSeqs() {
		p := c.pending[seq]
		if now.Before(p.deadline) {
			continue
		}
		if p.retries >= c.cfg.MaxRetries {
			c.err = fmt.Errorf("%w: %s seq %d unacknowledged after %d retransmissions", ErrLinkLost, p.tag, p.seq, p.retries)
			c.log.Warn("reliable message exhausted retries", "seq", p.seq, "tag", p.tag.String(), "retries", p.retries)
			return c.err
		}
		p.retries++
		p.deadline = now.Add(p.backoff.NextBackOff())
		c.stats.retransmits.Add(1)
		c.log.Debug("retransmit", "seq", p.seq, "tag", p.tag.String(), "attempt", p.retries)
		c.enqueue(p.frame)
	}
	return nil
}

func (c *Channel) pendingSeqs() []uint64 {
	seqs := make([]uint64, 0, len(c.pending))
	for seq := range c.pending {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs
}

// Pending returns the number of unacknowledged reliable messages.
func (c *Channel) Pending() int { return len(c.pending) }

// IsAcked reports whether the reliable message numbered seq was confirmed.
func (c *Channel) IsAcked(seq uint64) bool {
	if seq == 0 || seq >= c.nextSeq {
		return false
	}
	_, waiting := c.pending[seq]
	return !waiting
}

// LastSeq returns the sequence assigned to the most recent reliable send, or
// zero if none was sent.
func (c *Channel) LastSeq() uint64 { return c.nextSeq - 1 }

// Err returns the sticky link error, if any.
func (c *Channel) Err() error { return c.err }

// Stats returns a snapshot of the counters. Safe to call from any goroutine.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:          c.stats.sent.Load(),
		Retransmits:   c.stats.retransmits.Load(),
		Acked:         c.stats.acked.Load(),
		Delivered:     c.stats.delivered.Load(),
		Duplicates:    c.stats.duplicates.Load(),
		Stale:         c.stats.stale.Load(),
		OutOfWindow:   c.stats.outOfWindow.Load(),
		OutboxDropped: c.stats.outbox.Load(),
		Oversized:     c.stats.oversized.Load(),
	}
}

// Close drops retransmission state and closes the outbox, which ends Pump
// once the queued frames are sent. Safe to call more than once.
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	clear(c.pending)
	clear(c.held)
	close(c.outbox)
}
