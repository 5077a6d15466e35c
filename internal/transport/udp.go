package transport

import (
	"errors"
	"net"
	"sync"
)

// UDP is a connected datagram socket to one server.
type UDP struct {
	conn *net.UDPConn
	in   *inbox
	once sync.Once
	err  error
}

// DialUDP resolves addr and connects a UDP socket to it.
func DialUDP(addr string, inboxSize int) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &Error{Op: "resolve", Err: err}
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	u := &UDP{conn: conn, in: newInbox(inboxSize)}
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			if u.in.closed() || errors.Is(err, net.ErrClosed) {
				u.in.fail(nil)
			} else {
				u.in.fail(err)
			}
			return
		}
		d := make([]byte, n)
		copy(d, buf[:n])
		u.in.push(d)
	}
}

// Send writes one datagram to the server
func (u *UDP) Send(d []byte) error {
	if u.in.closed() {
		return ErrClosed
	}
	if _, err := u.conn.Write(d); err != nil {
		return &Error{Op: "send", Err: err}
	}
	u.in.sent(len(d))
	return nil
}

func (u *UDP) Receive() ([]byte, error) { return u.in.receive() }
func (u *UDP) Stats() Stats             { return u.in.snapshot() }

// LocalAddr returns the bound local address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// RemoteAddr returns the server address.
func (u *UDP) RemoteAddr() net.Addr { return u.conn.RemoteAddr() }

// Close shuts the socket. The reader goroutine exits on the resulting error.
func (u *UDP) Close() error {
	u.once.Do(func() {
		u.in.fail(nil)
		u.err = u.conn.Close()
	})
	return u.err
}

// UDPListener accepts datagram peers on one socket and demultiplexes them by
// remote address. It serves the loopback peer; clients use DialUDP.
type UDPListener struct {
	conn    *net.UDPConn
	mu      sync.Mutex
	peers   map[string]*udpPeer
	accept  chan Transport
	done    chan struct{}
	once    sync.Once
	inboxSz int
}

// ListenUDP binds addr and starts demultiplexing.
func ListenUDP(addr string, inboxSize int) (*UDPListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &Error{Op: "resolve", Err: err}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &Error{Op: "listen", Err: err}
	}
	l := &UDPListener{
		conn:    conn,
		peers:   make(map[string]*udpPeer),
		accept:  make(chan Transport, 16),
		done:    make(chan struct{}),
		inboxSz: inboxSize,
	}
	go l.readLoop()
	return l, nil
}

// Addr returns the bound address.
func (l *UDPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Accept returns the channel on which new peers are announced.
func (l *UDPListener) Accept() <-chan Transport { return l.accept }

func (l *UDPListener) readLoop() {
	defer close(l.accept)
	buf := make([]byte, MaxDatagramSize)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.mu.Lock()
			for _, p := range l.peers {
				p.in.fail(nil)
			}
			l.mu.Unlock()
			return
		}
		d := make([]byte, n)
		copy(d, buf[:n])

		key := raddr.String()
		l.mu.Lock()
		p, ok := l.peers[key]
		if !ok {
			p = &udpPeer{l: l, addr: raddr, key: key, in: newInbox(l.inboxSz)}
			l.peers[key] = p
		}
		l.mu.Unlock()
		if !ok {
			select {
			case l.accept <- p:
			case <-l.done:
				return
			}
		}
		p.in.push(d)
	}
}

// Close stops the listener and every peer.
func (l *UDPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *UDPListener) forget(key string) {
	l.mu.Lock()
	delete(l.peers, key)
	l.mu.Unlock()
}

type udpPeer struct {
	l    *UDPListener
	addr *net.UDPAddr
	key  string
	in   *inbox
}

func (p *udpPeer) Send(d []byte) error {
	if p.in.closed() {
		return ErrClosed
	}
	if _, err := p.l.conn.WriteToUDP(d, p.addr); err != nil {
		return &Error{Op: "send", Err: err}
	}
	p.in.sent(len(d))
	return nil
}

func (p *udpPeer) Receive() ([]byte, error) { return p.in.receive() }
func (p *udpPeer) Stats() Stats             { return p.in.snapshot() }
func (p *udpPeer) RemoteAddr() net.Addr     { return p.addr }

func (p *udpPeer) Close() error {
	p.in.fail(nil)
	p.l.forget(p.key)
	return nil
}
