package netfab

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
	"github.com/WebFirstLanguage/ouroboros/pkg/security/flowcrypt"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport"
	"github.com/WebFirstLanguage/ouroboros/pkg/wire"
)

// ClientConfig configures a Client
type ClientConfig struct {
	Transport transport.Transport
	TLS       *tls.Config
	Directory *Directory

	MaxSDU        int
	QueueLen      int
	DeallocLinger time.Duration
	Logger        zerolog.Logger
}

// Client is a Fabric whose flows are allocated on remote nodes
type Client struct {
	cfg    ClientConfig
	log    zerolog.Logger
	closed atomic.Bool
}

var _ fabric.Fabric = (*Client)(nil)

// NewClient creates a client; a nil directory starts empty
func NewClient(cfg ClientConfig) *Client {
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory()
	}
	if cfg.MaxSDU <= 0 {
		cfg.MaxSDU = constants.DefaultMaxSDU
	}
	return &Client{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "netfab/client").Logger(),
	}
}

// Directory returns the name directory used to find nodes
func (c *Client) Directory() *Directory {
	return c.cfg.Directory
}

// Register is not available on a client; names are served by nodes
func (c *Client) Register(ctx context.Context, name string) (fabric.Listener, error) {
	return nil, fmt.Errorf("%w: register on a network client", fabric.ErrNotSupported)
}

// Allocate creates a flow to name on the node the directory points at
func (c *Client) Allocate(ctx context.Context, name string, spec qos.Spec) (fabric.Link, error) {
	return c.open(ctx, constants.OpAlloc, name, spec)
}

// Join joins the broadcast layer name on the node the directory points at
func (c *Client) Join(ctx context.Context, group string, spec qos.Spec) (fabric.Link, error) {
	return c.open(ctx, constants.OpJoin, group, spec)
}

// Close stops new allocations; existing links stay up until closed
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) open(ctx context.Context, op uint8, name string, spec qos.Spec) (fabric.Link, error) {
	if c.closed.Load() {
		return nil, fabric.ErrClosed
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", fabric.ErrInvalidQoS, err)
	}

	addr, err := c.cfg.Directory.Resolve(name)
	if err != nil {
		return nil, err
	}

	conn, err := c.cfg.Transport.Dial(ctx, addr, c.cfg.TLS)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to reach %s at %s: %w", name, addr, err)
	}

	// ctx bounds the whole exchange, not the flow's lifetime
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})

	link, err := c.negotiate(conn, op, name, spec)
	if !stop() || err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	link.cfg.log.Debug().Str("addr", addr).Stringer("qos", link.QoS()).Msg("flow allocated")
	return link, nil
}

func (c *Client) negotiate(conn transport.Conn, op uint8, name string, spec qos.Spec) (*connLink, error) {
	codec := wire.NewCodec(conn)

	req := &wire.AllocRequest{
		ID:   uuid.NewString(),
		Op:   op,
		Name: name,
		QoS:  spec,
	}
	if err := codec.Send(constants.KindAllocRequest, req); err != nil {
		return nil, fmt.Errorf("failed to send allocation request: %w", err)
	}

	var resp wire.AllocResponse
	if err := codec.Expect(constants.KindAllocResponse, &resp); err != nil {
		return nil, fmt.Errorf("failed to read allocation response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, wire.ErrProtocol("allocation response for another request")
	}
	if resp.Error != nil {
		return nil, fromWireError(resp.Error)
	}

	maxSDU := c.cfg.MaxSDU
	if resp.MaxSDU > 0 && int(resp.MaxSDU) < maxSDU {
		maxSDU = int(resp.MaxSDU)
	}

	var session *flowcrypt.Session
	if resp.QoS.Encrypted() {
		var err error
		session, err = flowcrypt.Initiate(handshakeConn{codec: codec}, resp.QoS.CipherStrength)
		if err != nil {
			return nil, err
		}
		if maxSDU > flowcrypt.MaxPlaintext {
			maxSDU = flowcrypt.MaxPlaintext
		}
	}

	return newConnLink(conn, codec, linkConfig{
		spec:     resp.QoS,
		maxSDU:   maxSDU,
		queueLen: c.cfg.QueueLen,
		linger:   c.cfg.DeallocLinger,
		session:  session,
		log:      c.log.With().Str("name", name).Str("flow", req.ID).Logger(),
	}), nil
}
