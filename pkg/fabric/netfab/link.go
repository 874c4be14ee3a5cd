package netfab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
	"github.com/WebFirstLanguage/ouroboros/pkg/security/flowcrypt"
	"github.com/WebFirstLanguage/ouroboros/pkg/wire"
)

// eventSender is implemented by links that can forward control events
type eventSender interface {
	SendEvent(ctx context.Context, ev fabric.Event) error
}

// handshakeConn runs the flow encryption handshake in Handshake frames
type handshakeConn struct {
	codec *wire.Codec
}

func (h handshakeConn) WriteMessage(msg []byte) error {
	return h.codec.Send(constants.KindHandshake, &wire.HandshakeBody{Msg: msg})
}

func (h handshakeConn) ReadMessage() ([]byte, error) {
	var body wire.HandshakeBody
	if err := h.codec.Expect(constants.KindHandshake, &body); err != nil {
		return nil, err
	}
	return body.Msg, nil
}

// linkConfig carries what a connLink needs besides its connection
type linkConfig struct {
	spec     qos.Spec
	maxSDU   int
	queueLen int
	linger   time.Duration
	session  *flowcrypt.Session
	log      zerolog.Logger
}

// connLink is a fabric.Link over one transport connection. A reader
// goroutine decodes frames into events; a watchdog sends keepalives and
// reports the link down when the peer falls silent for the QoS timeout.
type connLink struct {
	conn  net.Conn
	codec *wire.Codec
	cfg   linkConfig

	events   chan fabric.Event
	readDone chan struct{}
	readErr  error // valid once readDone is closed

	lastRecv atomic.Int64
	down     atomic.Bool

	once   sync.Once
	closed chan struct{}
}

var _ fabric.Link = (*connLink)(nil)

func newConnLink(conn net.Conn, codec *wire.Codec, cfg linkConfig) *connLink {
	if cfg.queueLen <= 0 {
		cfg.queueLen = constants.DefaultRxQueueLen
	}
	if cfg.linger <= 0 {
		cfg.linger = constants.DefaultDeallocLinger
	}

	l := &connLink{
		conn:     conn,
		codec:    codec,
		cfg:      cfg,
		events:   make(chan fabric.Event, cfg.queueLen),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	l.lastRecv.Store(time.Now().UnixNano())

	go l.readLoop()
	if cfg.spec.Timeout > 0 {
		go l.watchdog(time.Duration(cfg.spec.Timeout) * time.Millisecond)
	}
	return l
}

func (l *connLink) readLoop() {
	err := l.read()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	l.readErr = err
	close(l.readDone)
}

func (l *connLink) read() error {
	for {
		f, err := l.codec.Recv()
		if err != nil {
			return err
		}

		l.lastRecv.Store(time.Now().UnixNano())
		if l.down.CompareAndSwap(true, false) {
			l.cfg.log.Debug().Msg("link up")
			if !l.deliver(fabric.Event{Kind: fabric.EventUp}) {
				return fabric.ErrClosed
			}
		}

		switch f.Kind {
		case constants.KindData:
			var body wire.DataBody
			if err := f.Decode(&body); err != nil {
				return err
			}
			payload := body.Payload
			if l.cfg.session != nil {
				payload, err = l.cfg.session.Open(payload)
				if err != nil {
					return fmt.Errorf("failed to open flow message: %w", err)
				}
			}
			if !l.deliver(fabric.Event{Kind: fabric.EventData, Data: payload}) {
				return fabric.ErrClosed
			}

		case constants.KindEvent:
			var body wire.EventBody
			if err := f.Decode(&body); err != nil {
				return err
			}
			ev := fabric.Event{Kind: fabric.EventKind(body.Event), Member: body.Member}
			if !l.deliver(ev) {
				return fabric.ErrClosed
			}

		case constants.KindKeepAlive:

		case constants.KindDealloc:
			// Acknowledge so the closing side can release the connection
			select {
			case <-l.closed:
			default:
				_ = l.codec.Send(constants.KindDealloc, nil)
			}
			return io.EOF

		default:
			return wire.ErrProtocol(fmt.Sprintf("unexpected frame kind %d on established flow", f.Kind))
		}
	}
}

// deliver blocks until ev is queued or the link is closed
func (l *connLink) deliver(ev fabric.Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.closed:
		return false
	}
}

func (l *connLink) watchdog(timeout time.Duration) {
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-l.closed:
			return
		case <-l.readDone:
			return
		}

		_ = l.codec.Send(constants.KindKeepAlive, nil)

		// A reader blocked on a full queue is not a silent peer
		if len(l.events) == cap(l.events) {
			continue
		}
		silent := time.Since(time.Unix(0, l.lastRecv.Load()))
		if silent > timeout && l.down.CompareAndSwap(false, true) {
			l.cfg.log.Debug().Dur("silent", silent).Msg("link down")
			select {
			case l.events <- fabric.Event{Kind: fabric.EventDown}:
			case <-l.closed:
				return
			}
		}
	}
}

func (l *connLink) Send(ctx context.Context, msg []byte) error {
	if len(msg) > l.cfg.maxSDU {
		return fmt.Errorf("%w: %d > %d", fabric.ErrTooLarge, len(msg), l.cfg.maxSDU)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.closed:
		return fabric.ErrClosed
	case <-l.readDone:
		return fabric.ErrPeerGone
	default:
	}

	payload := msg
	if l.cfg.session != nil {
		sealed, err := l.cfg.session.Seal(msg)
		if err != nil {
			return err
		}
		payload = sealed
	}

	if err := l.codec.Send(constants.KindData, &wire.DataBody{Payload: payload}); err != nil {
		return fmt.Errorf("%w: %v", fabric.ErrPeerGone, err)
	}
	return nil
}

// SendEvent forwards a join/leave event to the peer
func (l *connLink) SendEvent(ctx context.Context, ev fabric.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := &wire.EventBody{Event: uint8(ev.Kind), Member: ev.Member}
	if err := l.codec.Send(constants.KindEvent, body); err != nil {
		return fmt.Errorf("%w: %v", fabric.ErrPeerGone, err)
	}
	return nil
}

func (l *connLink) Recv(ctx context.Context) (fabric.Event, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	default:
	}

	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.readDone:
		select {
		case ev := <-l.events:
			return ev, nil
		default:
			return fabric.Event{}, l.readErr
		}
	case <-l.closed:
		return fabric.Event{}, fabric.ErrClosed
	case <-ctx.Done():
		return fabric.Event{}, ctx.Err()
	}
}

func (l *connLink) QoS() qos.Spec {
	return l.cfg.spec
}

func (l *connLink) MaxSDU() int {
	return l.cfg.maxSDU
}

// Close tells the peer the flow is deallocated, waits up to the linger time
// for the peer to finish, then closes the connection. Once the peer has
// deallocated, failures to shut the connection down are not reported.
func (l *connLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)

		sendErr := l.codec.Send(constants.KindDealloc, nil)
		if sendErr == nil {
			select {
			case <-l.readDone:
			case <-time.After(l.cfg.linger):
			}
		}

		peerDone := false
		select {
		case <-l.readDone:
			peerDone = errors.Is(l.readErr, io.EOF)
		default:
		}

		err = l.conn.Close()
		<-l.readDone
		if err != nil && peerDone {
			l.cfg.log.Debug().Err(err).Msg("connection already released by peer")
			err = nil
		}
	})
	return err
}
