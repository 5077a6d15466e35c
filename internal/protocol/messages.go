package protocol

import (
	"time"

	"github.com/isgasho/wosim/internal/world"
)

// Tag identifies the message type in the frame header
type Tag uint8

const (
	TagHandshake Tag = iota + 1
	TagInputCommand
	TagSnapshot
	TagAck
	TagPing
	TagPong
	TagDisconnect
)

func (t Tag) String() string {
	switch t {
	case TagHandshake:
		return "handshake"
	case TagInputCommand:
		return "input"
	case TagSnapshot:
		return "snapshot"
	case TagAck:
		return "ack"
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Class is the delivery class a message travels in.
type Class uint8

const (
	// ClassReliable messages are sequenced, acknowledged and retransmitted.
	ClassReliable Class = iota
	// ClassUnreliable messages are never retransmitted; stale ticks are dropped.
	ClassUnreliable
	// ClassControl messages are neither sequenced nor acknowledged (acks).
	ClassControl
)

// Message is the closed set of protocol messages.
type Message interface {
	Tag() Tag
	Class() Class
	message()
}

// Handshake opens a session. The client sends Token and Nonce; the server
// replies with Accepted and the world entry parameters.
type Handshake struct {
	Minor uint16 `msgpack:"v"`

	// client -> server
	Token string `msgpack:"tk,omitempty"`
	Nonce uint64 `msgpack:"n,omitempty"`

	// server -> client
	Accepted  bool           `msgpack:"ok,omitempty"`
	Reason    string         `msgpack:"r,omitempty"`
	SelfID    world.EntityID `msgpack:"id,omitempty"`
	TickDelta time.Duration  `msgpack:"dt,omitempty"`
	StartTick world.Tick     `msgpack:"st,omitempty"`
}

// InputCommand carries the newest local inputs. Recent unconfirmed commands
// are repeated so a single lost datagram does not lose an input.
type InputCommand struct {
	Tick     world.Tick           `msgpack:"-"` // newest command tick
	Commands []world.InputCommand `msgpack:"c"`
}

// Snapshot is the authoritative world at Tick
type Snapshot struct {
	Tick     world.Tick  `msgpack:"-"`
	Entities world.World `msgpack:"e"`
}

// Ack acknowledges every reliable sequence up to and including Seq, plus
// Seq+1+i for each bit i set in Mask.
type Ack struct {
	Seq  uint64 `msgpack:"-"`
	Mask uint64 `msgpack:"m,omitempty"`
}

// Ping asks the peer to echo SentAt back in a Pong.
type Ping struct {
	ID     uint64 `msgpack:"-"`
	SentAt int64  `msgpack:"s"` // unix nanoseconds of the sender's time cursor
}

// Pong echoes a Ping
type Pong struct {
	ID     uint64 `msgpack:"-"`
	SentAt int64  `msgpack:"s"`
}

// Disconnect ends a session gracefully
type Disconnect struct {
	Reason string `msgpack:"r,omitempty"`
}

func (*Handshake) Tag() Tag    { return TagHandshake }
func (*InputCommand) Tag() Tag { return TagInputCommand }
func (*Snapshot) Tag() Tag     { return TagSnapshot }
func (*Ack) Tag() Tag          { return TagAck }
func (*Ping) Tag() Tag         { return TagPing }
func (*Pong) Tag() Tag         { return TagPong }
func (*Disconnect) Tag() Tag   { return TagDisconnect }

func (*Handshake) Class() Class    { return ClassReliable }
func (*InputCommand) Class() Class { return ClassUnreliable }
func (*Snapshot) Class() Class     { return ClassUnreliable }
func (*Ack) Class() Class          { return ClassControl }
func (*Ping) Class() Class         { return ClassUnreliable }
func (*Pong) Class() Class         { return ClassUnreliable }
func (*Disconnect) Class() Class   { return ClassReliable }

func (*Handshake) message()    {}
func (*InputCommand) message() {}
func (*Snapshot) message()     {}
func (*Ack) message()          {}
func (*Ping) message()         {}
func (*Pong) message()         {}
func (*Disconnect) message()   {}

// HeaderValue returns the value an unreliable or control message carries in
// the header's sequence/tick field. Reliable messages return 0; their
// sequence number is assigned by the channel.
func HeaderValue(m Message) uint64 {
	switch m := m.(type) {
	case *InputCommand:
		return uint64(m.Tick)
	case *Snapshot:
		return uint64(m.Tick)
	case *Ack:
		return m.Seq
	case *Ping:
		return m.ID
	case *Pong:
		return m.ID
	default:
		return 0
	}
}
