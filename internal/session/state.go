package session

import (
	"errors"
	"time"

	"github.com/isgasho/wosim/internal/world"
)

// State is the connection lifecycle stage.
type State int32

const (
	Connecting State = iota
	Handshaking
	Synchronizing
	Active
	Disconnecting
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Synchronizing:
		return "synchronizing"
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further I/O happens in s.
func (s State) Terminal() bool { return s == Closed || s == Failed }

var (
	ErrHandshakeTimeout    = errors.New("handshake timeout")
	ErrAuthRejected        = errors.New("authentication rejected")
	ErrRemoteClosed        = errors.New("closed by server")
	ErrTooManyDecodeErrors = errors.New("too many consecutive decode errors")
	ErrNotActive           = errors.New("session not active")
	ErrNotStarted          = errors.New("session not started")
)

// Transition describes one state change. Cause is set when the session is
// leaving for Disconnecting or Failed because of an error.
type Transition struct {
	From  State
	To    State
	Cause error
	At    time.Time
}

// EventKind tells the facade what a session event carries
type EventKind int

const (
	// EventBaseline is the first snapshot; it initializes buffer and engine.
	EventBaseline EventKind = iota + 1
	// EventSnapshot is any later snapshot.
	EventSnapshot
)

// Event hands a received snapshot to the facade.
type Event struct {
	Kind     EventKind
	Snapshot world.Snapshot
}

// Version is the negotiated protocol version
type Version struct {
	Major uint16
	Minor uint16
}
