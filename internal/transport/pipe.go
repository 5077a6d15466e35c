package transport

import (
	"math/rand/v2"
	"sync"
)

// Impairment describes how a Pipe mangles traffic. Probabilities are in [0, 1].
type Impairment struct {
	Loss      float64 // datagram silently dropped
	Duplicate float64 // datagram delivered twice
	Reorder   float64 // datagram held back and delivered after the next one
	Seed      uint64
}

// Pipe is one end of an in-memory datagram link. Sends are delivered straight
// into the peer's inbox, subject to the configured impairment.
type Pipe struct {
	peer *Pipe
	in   *inbox
	imp  Impairment

	mu   sync.Mutex
	rng  *rand.Rand
	held [][]byte
	once sync.Once
}

// NewPipe returns two connected ends. imp applies to traffic sent from a to b
// and from b to a alike, each end with its own random stream.
func NewPipe(imp Impairment) (a, b *Pipe) {
	a = &Pipe{in: newInbox(1024), imp: imp, rng: rand.New(rand.NewPCG(imp.Seed, 1))}
	b = &Pipe{in: newInbox(1024), imp: imp, rng: rand.New(rand.NewPCG(imp.Seed, 2))}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers d to the other end
func (p *Pipe) Send(d []byte) error {
	if p.in.closed() {
		return ErrClosed
	}
	p.in.sent(len(d))
	d = append([]byte(nil), d...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.imp.Loss > 0 && p.rng.Float64() < p.imp.Loss {
		return nil
	}
	if p.imp.Reorder > 0 && p.rng.Float64() < p.imp.Reorder {
		p.held = append(p.held, d)
		return nil
	}
	p.peer.in.push(d)
	if p.imp.Duplicate > 0 && p.rng.Float64() < p.imp.Duplicate {
		p.peer.in.push(d)
	}
	for _, h := range p.held {
		p.peer.in.push(h)
	}
	p.held = p.held[:0]
	return nil
}

// Flush releases datagrams held back for reordering.
func (p *Pipe) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.held {
		p.peer.in.push(h)
	}
	p.held = p.held[:0]
}

func (p *Pipe) Receive() ([]byte, error) { return p.in.receive() }
func (p *Pipe) Stats() Stats             { return p.in.snapshot() }

// Close closes this end. The peer sees ErrClosed once its inbox drains.
func (p *Pipe) Close() error {
	p.once.Do(func() {
		p.in.fail(nil)
		p.peer.in.fail(nil)
	})
	return nil
}

// Fail kills this end's read side with cause, simulating a socket error.
func (p *Pipe) Fail(cause error) {
	p.in.fail(cause)
}
