package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "wosim/1"

// QUICOptions configures a QUIC datagram transport.
type QUICOptions struct {
	ServerName         string
	InsecureSkipVerify bool // development servers with self-signed certificates
	KeepAlive          time.Duration
	InboxSize          int
}

// QUIC sends datagrams as unreliable QUIC DATAGRAM frames. Only the datagram
// extension is used; reliability stays in the channel layer.
type QUIC struct {
	conn   quic.Connection
	in     *inbox
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// DialQUIC connects to addr and enables the datagram extension.
func DialQUIC(ctx context.Context, addr string, opts QUICOptions) (*QUIC, error) {
	tlsConf := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		NextProtos:         []string{ALPN},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: opts.KeepAlive,
	})
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return newQUIC(conn, opts.InboxSize)
}

func newQUIC(conn quic.Connection, inboxSize int) (*QUIC, error) {
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(0, "datagrams unsupported")
		return nil, &Error{Op: "dial", Err: errors.New("peer does not support QUIC datagrams")}
	}
	rctx, cancel := context.WithCancel(context.Background())
	q := &QUIC{conn: conn, in: newInbox(inboxSize), cancel: cancel}
	go q.readLoop(rctx)
	return q, nil
}

func (q *QUIC) readLoop(ctx context.Context) {
	for {
		d, err := q.conn.ReceiveDatagram(ctx)
		if err != nil {
			if q.in.closed() || ctx.Err() != nil {
				q.in.fail(nil)
			} else {
				q.in.fail(err)
			}
			return
		}
		q.in.push(d)
	}
}

// Send queues one DATAGRAM frame. A datagram over the path's limit fails
// with ErrTooLarge.
func (q *QUIC) Send(d []byte) error {
	if q.in.closed() {
		return ErrClosed
	}
	if err := q.conn.SendDatagram(d); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return &Error{Op: "send", Err: fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(d), tooLarge.MaxDatagramPayloadSize)}
		}
		return &Error{Op: "send", Err: err}
	}
	q.in.sent(len(d))
	return nil
}

func (q *QUIC) Receive() ([]byte, error) { return q.in.receive() }
func (q *QUIC) Stats() Stats             { return q.in.snapshot() }
func (q *QUIC) RemoteAddr() net.Addr     { return q.conn.RemoteAddr() }

// Close closes the connection with application error code 0
func (q *QUIC) Close() error {
	q.once.Do(func() {
		q.in.fail(nil)
		q.cancel()
		q.err = q.conn.CloseWithError(0, "closed")
	})
	return q.err
}

// QUICListener accepts QUIC connections that negotiated the datagram
// extension and announces each as a Transport.
type QUICListener struct {
	ln     *quic.Listener
	accept chan Transport
	cancel context.CancelFunc
	once   sync.Once
}

// ListenQUIC binds addr. tlsConf must carry a certificate; ALPN is set here.
func ListenQUIC(addr string, tlsConf *tls.Config, inboxSize int) (*QUICListener, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, &Error{Op: "listen", Err: err}
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{ln: ln, accept: make(chan Transport, 16), cancel: cancel}
	go l.acceptLoop(ctx, inboxSize)
	return l, nil
}

func (l *QUICListener) acceptLoop(ctx context.Context, inboxSize int) {
	defer close(l.accept)
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return
		}
		q, err := newQUIC(conn, inboxSize)
		if err != nil {
			continue
		}
		select {
		case l.accept <- q:
		case <-ctx.Done():
			q.Close()
			return
		}
	}
}

// Addr returns the bound address.
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// Accept returns the channel on which new peers are announced.
func (l *QUICListener) Accept() <-chan Transport { return l.accept }

// Close stops accepting and releases the socket, which ends every
// connection made through it.
func (l *QUICListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

// SelfSignedTLS returns a server TLS config with a fresh ECDSA certificate
// for hosts, valid for a year. Clients must skip verification.
func SelfSignedTLS(hosts ...string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"wosim development"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
	}, nil
}
