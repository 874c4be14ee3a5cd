package local

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

// group is a broadcast layer. Messages sent by one member reach every other
// member; delivery to a member whose mailbox is full is dropped.
type group struct {
	name string

	mu      sync.Mutex
	members map[string]*member
	closed  bool
	done    chan struct{}
}

func newGroup(name string) *group {
	return &group{
		name:    name,
		members: make(map[string]*member),
		done:    make(chan struct{}),
	}
}

func (g *group) join(spec qos.Spec, maxSDU, queueLen int, release func()) (*member, error) {
	m := &member{
		id:      uuid.NewString(),
		g:       g,
		box:     make(chan fabric.Event, queueLen),
		spec:    spec,
		maxSDU:  maxSDU,
		closed:  make(chan struct{}),
		release: release,
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, fmt.Errorf("%w: %s", fabric.ErrNameNotFound, g.name)
	}
	g.members[m.id] = m
	g.broadcastLocked(m.id, fabric.Event{Kind: fabric.EventJoin, Member: m.id})
	return m, nil
}

func (g *group) leave(m *member) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[m.id]; !ok {
		return
	}
	delete(g.members, m.id)
	g.broadcastLocked(m.id, fabric.Event{Kind: fabric.EventLeave, Member: m.id})
}

// broadcastLocked delivers ev to every member except from. g.mu must be held.
func (g *group) broadcastLocked(from string, ev fabric.Event) int {
	delivered := 0
	for id, m := range g.members {
		if id == from {
			continue
		}
		select {
		case m.box <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

func (g *group) shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.done)
}

// member is one link into a broadcast layer
type member struct {
	id     string
	g      *group
	box    chan fabric.Event
	spec   qos.Spec
	maxSDU int

	once    sync.Once
	closed  chan struct{}
	release func()
}

// ID returns the member identifier other members see in join/leave events
func (m *member) ID() string {
	return m.id
}

func (m *member) Send(ctx context.Context, msg []byte) error {
	if len(msg) > m.maxSDU {
		return fmt.Errorf("%w: %d > %d", fabric.ErrTooLarge, len(msg), m.maxSDU)
	}
	select {
	case <-m.closed:
		return fabric.ErrClosed
	case <-m.g.done:
		return fabric.ErrPeerGone
	default:
	}

	ev := fabric.Event{Kind: fabric.EventData, Data: append([]byte(nil), msg...), Member: m.id}

	m.g.mu.Lock()
	m.g.broadcastLocked(m.id, ev)
	m.g.mu.Unlock()
	return nil
}

func (m *member) Recv(ctx context.Context) (fabric.Event, error) {
	select {
	case ev := <-m.box:
		return ev, nil
	default:
	}

	select {
	case ev := <-m.box:
		return ev, nil
	case <-m.g.done:
		select {
		case ev := <-m.box:
			return ev, nil
		default:
			return fabric.Event{}, io.EOF
		}
	case <-m.closed:
		return fabric.Event{}, fabric.ErrClosed
	case <-ctx.Done():
		return fabric.Event{}, ctx.Err()
	}
}

func (m *member) QoS() qos.Spec {
	return m.spec
}

func (m *member) MaxSDU() int {
	return m.maxSDU
}

func (m *member) Close() error {
	m.once.Do(func() {
		close(m.closed)
		m.g.leave(m)
		m.release()
	})
	return nil
}
