package local

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

// mailbox is one direction of a pipe
type mailbox struct {
	ch         chan fabric.Event
	writerGone chan struct{} // writer closed; reader drains then sees io.EOF
	readerGone chan struct{} // reader closed; writes fail with ErrPeerGone
}

func newMailbox(n int) *mailbox {
	return &mailbox{
		ch:         make(chan fabric.Event, n),
		writerGone: make(chan struct{}),
		readerGone: make(chan struct{}),
	}
}

// pipeEnd is one end of a unicast flow
type pipeEnd struct {
	in     *mailbox
	out    *mailbox
	spec   qos.Spec
	maxSDU int

	once    sync.Once
	closed  chan struct{}
	release func()
}

// newPipe connects two ends. release runs once both ends are closed.
func newPipe(spec qos.Spec, maxSDU, queueLen int, release func()) (*pipeEnd, *pipeEnd) {
	ab := newMailbox(queueLen)
	ba := newMailbox(queueLen)

	var refs atomic.Int32
	refs.Store(2)
	done := func() {
		if refs.Add(-1) == 0 {
			release()
		}
	}

	a := &pipeEnd{in: ba, out: ab, spec: spec, maxSDU: maxSDU, closed: make(chan struct{}), release: done}
	b := &pipeEnd{in: ab, out: ba, spec: spec, maxSDU: maxSDU, closed: make(chan struct{}), release: done}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	if len(msg) > p.maxSDU {
		return fmt.Errorf("%w: %d > %d", fabric.ErrTooLarge, len(msg), p.maxSDU)
	}

	select {
	case <-p.closed:
		return fabric.ErrClosed
	case <-p.out.readerGone:
		return fabric.ErrPeerGone
	default:
	}

	ev := fabric.Event{Kind: fabric.EventData, Data: append([]byte(nil), msg...)}

	select {
	case p.out.ch <- ev:
		return nil
	default:
	}

	select {
	case p.out.ch <- ev:
		return nil
	case <-p.out.readerGone:
		return fabric.ErrPeerGone
	case <-p.closed:
		return fabric.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (fabric.Event, error) {
	select {
	case ev := <-p.in.ch:
		return ev, nil
	default:
	}

	select {
	case ev := <-p.in.ch:
		return ev, nil
	case <-p.in.writerGone:
		select {
		case ev := <-p.in.ch:
			return ev, nil
		default:
			return fabric.Event{}, io.EOF
		}
	case <-p.closed:
		return fabric.Event{}, fabric.ErrClosed
	case <-ctx.Done():
		return fabric.Event{}, ctx.Err()
	}
}

func (p *pipeEnd) QoS() qos.Spec {
	return p.spec
}

func (p *pipeEnd) MaxSDU() int {
	return p.maxSDU
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() {
		close(p.closed)
		close(p.out.writerGone)
		close(p.in.readerGone)
		p.release()
	})
	return nil
}
