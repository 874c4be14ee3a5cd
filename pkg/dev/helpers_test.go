package dev

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric/local"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
)

const waitFor = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newProcess(t *testing.T, fab fabric.Fabric, name string, cfg Config) *Process {
	t.Helper()
	p, err := InitWithConfig(fab, name, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// pair returns a client and a server process on one local fabric, with the
// server bound to "oecho"
func pair(t *testing.T) (client, server *Process) {
	t.Helper()
	return pairWith(t, local.DefaultConfig(), DefaultConfig())
}

func pairWith(t *testing.T, fcfg local.Config, cfg Config) (client, server *Process) {
	t.Helper()
	fab := local.NewWithConfig(fcfg)
	t.Cleanup(func() { fab.Close() })

	server = newProcess(t, fab, "oecho-server", DefaultConfig())
	client = newProcess(t, fab, "oecho-client", cfg)
	require.NoError(t, server.Bind(testContext(t), "oecho"))
	return client, server
}

// connect allocates a flow from client to "oecho" and accepts it on server
func connect(t *testing.T, client, server *Process) (*Flow, *Flow) {
	t.Helper()
	ctx := testContext(t)

	cf, _, err := client.Alloc(ctx, "oecho", nil, timeout.None)
	require.NoError(t, err)
	sf, _, err := server.Accept(ctx, timeout.After(waitFor))
	require.NoError(t, err)
	return cf, sf
}

// waitEvent waits on s until f reports every bit of want
func waitEvent(t *testing.T, s *FlowSet, q *EventQueue, f *Flow, want EventType) EventType {
	t.Helper()
	ctx := testContext(t)
	deadline := time.Now().Add(waitFor)
	var seen EventType
	for time.Now().Before(deadline) {
		require.NoError(t, s.Wait(ctx, q, timeout.After(waitFor)))
		for {
			got, ev, err := q.Next()
			if err != nil {
				require.ErrorIs(t, err, ErrQueueEmpty)
				break
			}
			if got == f {
				seen |= ev
			}
		}
		if seen.Has(want) {
			return seen
		}
	}
	t.Fatalf("event %v not seen, got %v", want, seen)
	return seen
}

// fakeLink is a link driven by the test
type fakeLink struct {
	events   chan fabric.Event
	sent     chan []byte
	block    chan struct{} // Send waits on it when set
	closeErr error
	maxSDU   int

	once   sync.Once
	closed chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		events: make(chan fabric.Event, 16),
		sent:   make(chan []byte, 16),
		maxSDU: 1024,
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) Send(ctx context.Context, msg []byte) error {
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case l.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fakeLink) Recv(ctx context.Context) (fabric.Event, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.closed:
		return fabric.Event{}, fabric.ErrClosed
	case <-ctx.Done():
		return fabric.Event{}, ctx.Err()
	}
}

func (l *fakeLink) QoS() qos.Spec { return qos.Default() }
func (l *fakeLink) MaxSDU() int   { return l.maxSDU }

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.closeErr
}

// fakeFabric hands out prepared links in order
type fakeFabric struct {
	mu    sync.Mutex
	links []fabric.Link
}

func (f *fakeFabric) Register(context.Context, string) (fabric.Listener, error) {
	return nil, fabric.ErrNotSupported
}

func (f *fakeFabric) Allocate(ctx context.Context, name string, spec qos.Spec) (fabric.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil, fabric.ErrNameNotFound
	}
	l := f.links[0]
	f.links = f.links[1:]
	return l, nil
}

func (f *fakeFabric) Join(context.Context, string, qos.Spec) (fabric.Link, error) {
	return nil, fabric.ErrNotSupported
}

func (f *fakeFabric) Close() error { return nil }

func fakeFlow(t *testing.T, cfg Config) (*Flow, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	p := newProcess(t, &fakeFabric{links: []fabric.Link{link}}, "fake", cfg)
	f, _, err := p.Alloc(testContext(t), "peer", nil, timeout.None)
	require.NoError(t, err)
	return f, link
}
