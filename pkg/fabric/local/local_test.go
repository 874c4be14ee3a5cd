package local

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

func connect(t *testing.T, f *Fabric, name string) (fabric.Link, fabric.Link) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := f.Register(ctx, name)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan fabric.Link, 1)
	go func() {
		link, err := l.Accept(ctx)
		if err == nil {
			accepted <- link
		}
		close(accepted)
	}()

	client, err := f.Allocate(ctx, name, qos.Default())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	return client, server
}

func TestAllocateAccept(t *testing.T) {
	f := New()
	defer f.Close()

	client, server := connect(t, f, "oecho")
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, []byte("Hello, PyOuroboros!")))
	ev, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, fabric.EventData, ev.Kind)
	assert.Equal(t, "Hello, PyOuroboros!", string(ev.Data))

	require.NoError(t, server.Send(ctx, ev.Data))
	ev, err = client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello, PyOuroboros!", string(ev.Data))

	assert.Equal(t, 1, f.InUse())
	assert.Equal(t, qos.Default(), client.QoS())
	assert.Equal(t, client.QoS(), server.QoS())
}

func TestMessageBoundaries(t *testing.T) {
	f := New()
	defer f.Close()

	client, server := connect(t, f, "boundaries")
	ctx := context.Background()

	msgs := []string{"a", "", "bcd", "efghij"}
	for _, m := range msgs {
		require.NoError(t, client.Send(ctx, []byte(m)))
	}
	for _, m := range msgs {
		ev, err := server.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, m, string(ev.Data))
	}
}

func TestSendCopiesBuffer(t *testing.T) {
	f := New()
	defer f.Close()

	client, server := connect(t, f, "copy")
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, client.Send(ctx, buf))
	buf[0] = 'x'

	ev, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(ev.Data))
}

func TestPeerCloseDrainsThenEOF(t *testing.T) {
	f := New()
	defer f.Close()

	client, server := connect(t, f, "drain")
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, []byte("one")))
	require.NoError(t, client.Send(ctx, []byte("two")))
	require.NoError(t, client.Close())

	for _, want := range []string{"one", "two"} {
		ev, err := server.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(ev.Data))
	}

	_, err := server.Recv(ctx)
	assert.Equal(t, io.EOF, err)

	err = server.Send(ctx, []byte("late"))
	assert.ErrorIs(t, err, fabric.ErrPeerGone)

	// Capacity comes back once both ends are closed
	assert.Equal(t, 1, f.InUse())
	require.NoError(t, server.Close())
	assert.Equal(t, 0, f.InUse())
}

func TestAllocateWaitsForName(t *testing.T) {
	f := New()
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		_, err := f.Allocate(ctx, "late", qos.Default())
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l, err := f.Register(ctx, "late")
	require.NoError(t, err)
	defer l.Close()

	link, err := l.Accept(ctx)
	require.NoError(t, err)
	defer link.Close()

	require.NoError(t, <-result)
}

func TestAllocateUnknownNameExpired(t *testing.T) {
	f := New()
	defer f.Close()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()

	start := time.Now()
	_, err := f.Allocate(ctx, "nonexistent", qos.Default())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAbandonedAllocationNotAccepted(t *testing.T) {
	f := New()
	defer f.Close()

	l, err := f.Register(context.Background(), "slow")
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Allocate(ctx, "slow", qos.Default())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.InUse())

	actx, acancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer acancel()
	_, err = l.Accept(actx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func (l *listener) parked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

func TestAllocateExpiredWithParkedAcceptor(t *testing.T) {
	f := New()
	defer f.Close()

	fl, err := f.Register(context.Background(), "ready")
	require.NoError(t, err)
	defer fl.Close()
	l := fl.(*listener)

	for i := 0; i < 50; i++ {
		accepted := make(chan fabric.Link, 1)
		go func() {
			link, err := l.Accept(context.Background())
			if err == nil {
				accepted <- link
			}
			close(accepted)
		}()
		require.Eventually(t, func() bool { return l.parked() == 1 }, 5*time.Second, time.Millisecond)

		// Already expired: succeeds only because an acceptor is waiting
		ctx, cancel := context.WithDeadline(context.Background(), time.Now())
		client, err := f.Allocate(ctx, "ready", qos.Default())
		cancel()
		require.NoError(t, err, "iteration %d", i)

		server, ok := <-accepted
		require.True(t, ok)
		require.NoError(t, client.Close())
		require.NoError(t, server.Close())
	}
	assert.Equal(t, 0, f.InUse())
}

func TestAcceptGivesUpWhileParked(t *testing.T) {
	f := New()
	defer f.Close()

	fl, err := f.Register(context.Background(), "idle")
	require.NoError(t, err)
	defer fl.Close()
	l := fl.(*listener)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.parked())
}

func TestRegisterDuplicate(t *testing.T) {
	f := New()
	defer f.Close()

	l, err := f.Register(context.Background(), "dup")
	require.NoError(t, err)
	defer l.Close()

	_, err = f.Register(context.Background(), "dup")
	assert.ErrorIs(t, err, fabric.ErrNameTaken)

	// NFKC folds the fullwidth form onto the same name
	_, err = f.Register(context.Background(), "ｄｕｐ")
	assert.ErrorIs(t, err, fabric.ErrNameTaken)

	require.NoError(t, l.Close())
	l2, err := f.Register(context.Background(), "dup")
	require.NoError(t, err)
	l2.Close()
}

func TestCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFlows = 1
	f := NewWithConfig(cfg)
	defer f.Close()

	client, server := connect(t, f, "cap")

	_, err := f.Allocate(context.Background(), "cap", qos.Default())
	assert.ErrorIs(t, err, fabric.ErrCapacity)

	client.Close()
	server.Close()
	assert.Equal(t, 0, f.InUse())
}

func TestQoSNegotiation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Caps = qos.Caps{MaxBandwidth: 1000, MinDelay: 10, MaxAvailability: 2, MaxCipher: 0, InOrder: false}
	f := NewWithConfig(cfg)
	defer f.Close()

	l, err := f.Register(context.Background(), "neg")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		link, err := l.Accept(context.Background())
		if err == nil {
			defer link.Close()
		}
	}()

	link, err := f.Allocate(context.Background(), "neg", qos.Voice)
	require.NoError(t, err)
	defer link.Close()

	got := link.QoS()
	assert.Equal(t, uint64(1000), got.Bandwidth)
	assert.Equal(t, uint8(2), got.Availability)
	assert.False(t, got.InOrder)

	_, err = f.Allocate(context.Background(), "neg", qos.DataCrypt)
	assert.ErrorIs(t, err, fabric.ErrInvalidQoS)
}

func TestMessageTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSDU = 8
	f := NewWithConfig(cfg)
	defer f.Close()

	client, _ := connect(t, f, "small")
	assert.Equal(t, 8, client.MaxSDU())
	assert.ErrorIs(t, client.Send(context.Background(), make([]byte, 9)), fabric.ErrTooLarge)
	assert.NoError(t, client.Send(context.Background(), make([]byte, 8)))
}

func TestSendBlocksWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueLen = 1
	f := NewWithConfig(cfg)
	defer f.Close()

	client, _ := connect(t, f, "full")
	require.NoError(t, client.Send(context.Background(), []byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Send(ctx, []byte("b")), context.DeadlineExceeded)
}

func TestGroup(t *testing.T) {
	f := New()
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.CreateGroup("chat"))
	require.NoError(t, f.CreateGroup("chat"))

	a, err := f.Join(ctx, "chat", qos.Default())
	require.NoError(t, err)
	b, err := f.Join(ctx, "chat", qos.Default())
	require.NoError(t, err)

	// a sees b join
	ev, err := a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, fabric.EventJoin, ev.Kind)
	assert.Equal(t, b.(*member).ID(), ev.Member)

	require.NoError(t, a.Send(ctx, []byte("hi all")))
	ev, err = b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, fabric.EventData, ev.Kind)
	assert.Equal(t, "hi all", string(ev.Data))

	// Senders do not receive their own messages
	short, scancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer scancel()
	_, err = a.Recv(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Close())
	ev, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, fabric.EventLeave, ev.Kind)
	assert.Equal(t, 1, f.InUse())

	require.NoError(t, f.RemoveGroup("chat"))
	_, err = a.Recv(ctx)
	assert.Equal(t, io.EOF, err)
	a.Close()
	assert.Equal(t, 0, f.InUse())
}

func TestJoinWaitsForGroup(t *testing.T) {
	f := New()
	defer f.Close()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()
	_, err := f.Join(ctx, "nogroup", qos.Default())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	f := New()

	l, err := f.Register(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, fabric.ErrClosed)

	_, err = f.Allocate(context.Background(), "x", qos.Default())
	assert.ErrorIs(t, err, fabric.ErrClosed)

	_, err = f.Register(context.Background(), "y")
	assert.ErrorIs(t, err, fabric.ErrClosed)
}
