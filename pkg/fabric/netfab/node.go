package netfab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/security/flowcrypt"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport"
	"github.com/WebFirstLanguage/ouroboros/pkg/wire"
)

// NodeConfig configures a Node
type NodeConfig struct {
	// AllocTimeout bounds each remote allocation against the local fabric
	AllocTimeout time.Duration
	// HandshakeTimeout bounds reading the request and the encryption handshake
	HandshakeTimeout time.Duration

	MaxSDU        int
	QueueLen      int
	DeallocLinger time.Duration
	Logger        zerolog.Logger
}

// DefaultNodeConfig returns the default node configuration
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		AllocTimeout:     constants.DefaultAllocTimeout,
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
		MaxSDU:           constants.DefaultMaxSDU,
		QueueLen:         constants.DefaultRxQueueLen,
		DeallocLinger:    constants.DefaultDeallocLinger,
		Logger:           zerolog.Nop(),
	}
}

// Node serves allocations arriving over a transport into a fabric
type Node struct {
	fab fabric.Fabric
	cfg NodeConfig
	log zerolog.Logger

	mu     sync.Mutex
	active int
}

// NewNode creates a node serving fab
func NewNode(fab fabric.Fabric, cfg NodeConfig) *Node {
	def := DefaultNodeConfig()
	if cfg.AllocTimeout <= 0 {
		cfg.AllocTimeout = def.AllocTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.MaxSDU <= 0 {
		cfg.MaxSDU = def.MaxSDU
	}
	return &Node{
		fab: fab,
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "netfab/node").Logger(),
	}
}

// Active returns the number of flows currently bridged
func (n *Node) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// Serve accepts connections from l until ctx is canceled or l fails. It
// returns once every bridged flow has been torn down.
func (n *Node) Serve(ctx context.Context, l transport.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			conn, err := l.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, transport.ErrHandshake) {
					n.log.Warn().Err(err).Msg("rejected connection")
					continue
				}
				return fmt.Errorf("accept failed: %w", err)
			}

			g.Go(func() error {
				n.handle(gctx, conn)
				return nil
			})
		}
	})

	n.log.Info().Str("addr", l.Addr().String()).Msg("node serving")
	err := g.Wait()
	n.log.Info().Msg("node stopped")
	return err
}

func (n *Node) handle(ctx context.Context, conn transport.Conn) {
	log := n.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	conn.SetDeadline(time.Now().Add(n.cfg.HandshakeTimeout))
	codec := wire.NewCodec(conn)

	var req wire.AllocRequest
	if err := codec.Expect(constants.KindAllocRequest, &req); err != nil {
		log.Debug().Err(err).Msg("bad allocation request")
		conn.Close()
		return
	}
	log = log.With().Str("name", req.Name).Str("flow", req.ID).Logger()

	// The local allocation may legitimately wait longer than the handshake
	conn.SetDeadline(time.Time{})
	local, err := n.allocate(ctx, &req)
	if err != nil {
		log.Debug().Err(err).Msg("remote allocation failed")
		codec.Send(constants.KindAllocResponse, &wire.AllocResponse{
			ID:    req.ID,
			Error: toWireError(req.Name, err),
		})
		conn.Close()
		return
	}

	maxSDU := local.MaxSDU()
	if n.cfg.MaxSDU < maxSDU {
		maxSDU = n.cfg.MaxSDU
	}

	conn.SetDeadline(time.Now().Add(n.cfg.HandshakeTimeout))
	remote, err := n.accept(conn, codec, &req, local, maxSDU, log)
	if err != nil {
		log.Warn().Err(err).Msg("failed to establish flow")
		local.Close()
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	log.Debug().Stringer("qos", local.QoS()).Msg("remote flow established")

	n.mu.Lock()
	n.active++
	n.mu.Unlock()

	bridge(ctx, local, remote, log)

	n.mu.Lock()
	n.active--
	n.mu.Unlock()

	log.Debug().Msg("remote flow released")
}

func (n *Node) allocate(ctx context.Context, req *wire.AllocRequest) (fabric.Link, error) {
	actx, cancel := context.WithTimeout(ctx, n.cfg.AllocTimeout)
	defer cancel()

	switch req.Op {
	case constants.OpAlloc:
		return n.fab.Allocate(actx, req.Name, req.QoS)
	case constants.OpJoin:
		return n.fab.Join(actx, req.Name, req.QoS)
	default:
		return nil, fmt.Errorf("%w: unknown operation %d", fabric.ErrRefused, req.Op)
	}
}

func (n *Node) accept(conn transport.Conn, codec *wire.Codec, req *wire.AllocRequest,
	local fabric.Link, maxSDU int, log zerolog.Logger) (*connLink, error) {
	granted := local.QoS()

	resp := &wire.AllocResponse{
		ID:     req.ID,
		QoS:    granted,
		MaxSDU: uint32(maxSDU),
	}
	if err := codec.Send(constants.KindAllocResponse, resp); err != nil {
		return nil, err
	}

	var session *flowcrypt.Session
	if granted.Encrypted() {
		var err error
		session, err = flowcrypt.Respond(handshakeConn{codec: codec}, granted.CipherStrength)
		if err != nil {
			return nil, err
		}
		if maxSDU > flowcrypt.MaxPlaintext {
			maxSDU = flowcrypt.MaxPlaintext
		}
	}

	return newConnLink(conn, codec, linkConfig{
		spec:     granted,
		maxSDU:   maxSDU,
		queueLen: n.cfg.QueueLen,
		linger:   n.cfg.DeallocLinger,
		session:  session,
		log:      log,
	}), nil
}

// bridge copies events between a and b until either side is released or
// ctx ends, then closes both
func bridge(ctx context.Context, a, b fabric.Link, log zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		pump(ctx, a, b, log)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		pump(ctx, b, a, log)
	}()
	wg.Wait()

	a.Close()
	b.Close()
}

func pump(ctx context.Context, src, dst fabric.Link, log zerolog.Logger) {
	for {
		ev, err := src.Recv(ctx)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Debug().Err(err).Msg("flow receive ended")
			}
			return
		}

		switch ev.Kind {
		case fabric.EventData:
			err = dst.Send(ctx, ev.Data)
		case fabric.EventJoin, fabric.EventLeave:
			if es, ok := dst.(eventSender); ok {
				err = es.SendEvent(ctx, ev)
			}
		default:
			// Down/Up describe this hop only
		}
		if err != nil {
			log.Debug().Err(err).Msg("flow send ended")
			return
		}
	}
}
