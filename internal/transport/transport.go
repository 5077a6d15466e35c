// Package transport moves raw datagrams. It gives no ordering or delivery
// guarantee and never retries: every failure is reported to the caller.
//
// Every implementation reads on its own goroutine into a bounded inbox, so
// Receive never blocks the tick loop: it returns ErrWouldBlock when nothing
// is queued.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

const (
	// DefaultPort is the UDP port a world instance listens on.
	DefaultPort = 2021

	// MaxDatagramSize bounds a single read.
	MaxDatagramSize = 64 * 1024

	defaultInboxSize = 256
)

var (
	// ErrWouldBlock means no datagram is queued right now.
	ErrWouldBlock = errors.New("transport: would block")

	// ErrClosed means the transport was closed locally.
	ErrClosed = errors.New("transport: closed")

	// ErrTooLarge means a datagram exceeds what the link can carry. The
	// datagram is lost; the transport stays usable.
	ErrTooLarge = errors.New("transport: datagram too large")
)

// Error reports an I/O-level failure of a send or receive.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Transport sends and receives datagrams.
type Transport interface {
	// Send transmits one datagram.
	Send(datagram []byte) error
	// Receive returns the next queued datagram, ErrWouldBlock, ErrClosed or
	// an *Error describing why the read side died.
	Receive() ([]byte, error)
	// Close releases the underlying resources. Safe to call more than once.
	Close() error
	// Stats returns traffic counters.
	Stats() Stats
}

// Listener announces transports for inbound peers.
type Listener interface {
	Accept() <-chan Transport
	Addr() net.Addr
	Close() error
}

// Addressed is implemented by transports that know their peer's address.
type Addressed interface {
	RemoteAddr() net.Addr
}

// RemoteHost returns the peer's host without the port, or "" when tr does
// not know its peer.
func RemoteHost(tr Transport) string {
	a, ok := tr.(Addressed)
	if !ok || a.RemoteAddr() == nil {
		return ""
	}
	addr := a.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Stats counts traffic in both directions
type Stats struct {
	DatagramsTx uint64
	DatagramsRx uint64
	BytesTx     uint64
	BytesRx     uint64
	Dropped     uint64 // inbound datagrams lost to a full inbox
}

type counters struct {
	datagramsTx atomic.Uint64
	datagramsRx atomic.Uint64
	bytesTx     atomic.Uint64
	bytesRx     atomic.Uint64
	dropped     atomic.Uint64
}

func (c *counters) sent(n int) {
	c.datagramsTx.Add(1)
	c.bytesTx.Add(uint64(n))
}

func (c *counters) snapshot() Stats {
	return Stats{
		DatagramsTx: c.datagramsTx.Load(),
		DatagramsRx: c.datagramsRx.Load(),
		BytesTx:     c.bytesTx.Load(),
		BytesRx:     c.bytesRx.Load(),
		Dropped:     c.dropped.Load(),
	}
}

// inbox is the handoff between a reader goroutine and Receive.
type inbox struct {
	counters
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	failed error
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &inbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// push queues a datagram, dropping it when the inbox is full.
func (in *inbox) push(d []byte) {
	in.datagramsRx.Add(1)
	in.bytesRx.Add(uint64(len(d)))
	select {
	case <-in.done:
		return
	default:
	}
	select {
	case in.ch <- d:
	default:
		in.dropped.Add(1)
	}
}

func (in *inbox) receive() ([]byte, error) {
	select {
	case d := <-in.ch:
		return d, nil
	default:
	}
	select {
	case <-in.done:
		in.mu.Lock()
		defer in.mu.Unlock()
		if in.failed != nil {
			return nil, &Error{Op: "receive", Err: in.failed}
		}
		return nil, ErrClosed
	default:
		return nil, ErrWouldBlock
	}
}

// fail records why the read side stopped. A nil cause means a local close.
func (in *inbox) fail(cause error) {
	in.once.Do(func() {
		in.mu.Lock()
		in.failed = cause
		in.mu.Unlock()
		close(in.done)
	})
}

func (in *inbox) closed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}
