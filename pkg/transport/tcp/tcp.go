// Package tcp implements the TCP + TLS 1.3 substrate transport.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport"
)

// Transport implements the TCP+TLS transport
type Transport struct {
	dialTimeout time.Duration
}

// New creates a new TCP transport
func New() transport.Transport {
	return &Transport{dialTimeout: 30 * time.Second}
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "tcp"
}

// DefaultPort returns the default TCP port
func (t *Transport) DefaultPort() int {
	return constants.DefaultPort
}

// Listen starts listening for TCP+TLS connections
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}

	return &Listener{
		listener:  listener,
		tlsConfig: transport.PrepareTLS(tlsConfig),
	}, nil
}

// Dial establishes a TCP+TLS connection
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: t.dialTimeout},
		Config:    transport.PrepareTLS(tlsConfig),
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP+TLS connection: %w", err)
	}

	return &Conn{Conn: conn.(*tls.Conn)}, nil
}

// Listener wraps a TCP listener with TLS
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
}

// Accept waits for and returns the next connection. Cancelling ctx unblocks it.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		l.listener.SetDeadline(time.Now())
	})
	defer stop()

	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	l.listener.SetDeadline(time.Time{})

	hctx, cancel := context.WithTimeout(ctx, constants.DefaultHandshakeTimeout)
	defer cancel()

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("%w: TLS: %v", transport.ErrHandshake, err)
	}

	return &Conn{Conn: tlsConn}, nil
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conn is a TLS connection over TCP
type Conn struct {
	*tls.Conn
}
