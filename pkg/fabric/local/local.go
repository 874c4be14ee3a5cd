// Package local implements an in-process fabric. Names, flows and broadcast
// layers live in memory; it backs single-process tools and serves as the
// node-side fabric behind netfab.
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/naming"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

// Config holds local fabric limits
type Config struct {
	// MaxFlows bounds the number of live links, counting each flow and each
	// broadcast membership once
	MaxFlows int
	// Backlog is the number of unaccepted allocations queued per name
	Backlog int
	// QueueLen is the mailbox depth of each link direction
	QueueLen int
	// MaxSDU is the largest message a link carries
	MaxSDU int
	// Caps is what the fabric grants during QoS negotiation
	Caps   qos.Caps
	Logger zerolog.Logger
}

// DefaultConfig returns the default local fabric configuration
func DefaultConfig() Config {
	return Config{
		MaxFlows: constants.DefaultMaxFlows,
		Backlog:  constants.DefaultBacklog,
		QueueLen: constants.DefaultRxQueueLen,
		MaxSDU:   constants.DefaultMaxSDU,
		Caps:     qos.UnlimitedCaps(),
		Logger:   zerolog.Nop(),
	}
}

// Fabric is the in-process fabric
type Fabric struct {
	cfg   Config
	log   zerolog.Logger
	sem   *semaphore.Weighted
	inUse atomic.Int64

	mu      sync.Mutex
	names   map[naming.Hash]*listener
	groups  map[naming.Hash]*group
	changed chan struct{} // closed and replaced whenever names or groups change
	closed  bool
}

var _ fabric.Fabric = (*Fabric)(nil)

// New creates a local fabric with the default configuration
func New() *Fabric {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a local fabric; zero limits fall back to defaults
func NewWithConfig(cfg Config) *Fabric {
	def := DefaultConfig()
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = def.MaxFlows
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = def.QueueLen
	}
	if cfg.MaxSDU <= 0 {
		cfg.MaxSDU = def.MaxSDU
	}
	if cfg.Caps == (qos.Caps{}) {
		cfg.Caps = def.Caps
	}

	return &Fabric{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "fabric/local").Logger(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxFlows)),
		names:   make(map[naming.Hash]*listener),
		groups:  make(map[naming.Hash]*group),
		changed: make(chan struct{}),
	}
}

// InUse returns the number of capacity units currently held
func (f *Fabric) InUse() int {
	return int(f.inUse.Load())
}

// MaxSDU returns the configured message size limit
func (f *Fabric) MaxSDU() int {
	return f.cfg.MaxSDU
}

// notifyLocked wakes everyone waiting for a name or group. f.mu must be held.
func (f *Fabric) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Register claims name for a listener
func (f *Fabric) Register(ctx context.Context, name string) (fabric.Listener, error) {
	h, err := naming.HashName(name)
	if err != nil {
		return nil, err
	}
	norm, _ := naming.Normalize(name)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fabric.ErrClosed
	}
	if _, ok := f.names[h]; ok {
		return nil, fmt.Errorf("%w: %s", fabric.ErrNameTaken, norm)
	}

	l := &listener{
		fab:      f,
		name:     norm,
		hash:     h,
		capacity: f.cfg.Backlog,
		space:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	f.names[h] = l
	f.notifyLocked()

	f.log.Debug().Str("name", norm).Str("hash", h.Short()).Msg("name registered")
	return l, nil
}

// CreateGroup creates the broadcast layer name. Creating an existing group
// is a no-op.
func (f *Fabric) CreateGroup(name string) error {
	h, err := naming.HashName(name)
	if err != nil {
		return err
	}
	norm, _ := naming.Normalize(name)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fabric.ErrClosed
	}
	if _, ok := f.groups[h]; ok {
		return nil
	}
	f.groups[h] = newGroup(norm)
	f.notifyLocked()

	f.log.Debug().Str("group", norm).Msg("broadcast layer created")
	return nil
}

// RemoveGroup removes a broadcast layer; its members observe io.EOF
func (f *Fabric) RemoveGroup(name string) error {
	h, err := naming.HashName(name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	g, ok := f.groups[h]
	delete(f.groups, h)
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", fabric.ErrNameNotFound, name)
	}
	g.shutdown()
	return nil
}

// Allocate creates a flow to a registered name. It waits for the name to be
// registered and for the allocation to be accepted, both bounded by ctx.
func (f *Fabric) Allocate(ctx context.Context, name string, spec qos.Spec) (fabric.Link, error) {
	granted, err := f.negotiate(spec)
	if err != nil {
		return nil, err
	}

	h, err := naming.HashName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fabric.ErrNameNotFound, err)
	}

	l, err := waitFor(ctx, f, func() (*listener, bool) {
		l, ok := f.names[h]
		return l, ok
	})
	if err != nil {
		return nil, err
	}

	release, err := f.acquire()
	if err != nil {
		return nil, err
	}

	local, remote := newPipe(granted, f.cfg.MaxSDU, f.cfg.QueueLen, release)
	req := &allocReq{
		link:     remote,
		accepted: make(chan struct{}),
	}

	abandon := func(cause error) (fabric.Link, error) {
		if req.state.CompareAndSwap(reqPending, reqCancelled) {
			local.Close()
			remote.Close()
			return nil, cause
		}
		<-req.accepted
		return local, nil
	}

	// A parked acceptor takes the request at once; otherwise it is queued,
	// waiting for backlog space when the queue is full
	for {
		handed, queued, space := l.offer(req)
		if handed {
			f.log.Debug().Str("name", l.name).Stringer("qos", granted).Msg("flow allocated")
			return local, nil
		}
		if queued {
			break
		}
		select {
		case <-space:
		case <-l.done:
			return abandon(fmt.Errorf("%w: %s", fabric.ErrNameNotFound, l.name))
		case <-ctx.Done():
			return abandon(ctx.Err())
		}
	}

	select {
	case <-req.accepted:
		f.log.Debug().Str("name", l.name).Stringer("qos", granted).Msg("flow allocated")
		return local, nil
	case <-l.done:
		return abandon(fmt.Errorf("%w: %s", fabric.ErrNameNotFound, l.name))
	case <-ctx.Done():
		return abandon(ctx.Err())
	}
}

// Join adds a member to a broadcast layer, waiting for the layer to exist
func (f *Fabric) Join(ctx context.Context, name string, spec qos.Spec) (fabric.Link, error) {
	granted, err := f.negotiate(spec)
	if err != nil {
		return nil, err
	}

	h, err := naming.HashName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fabric.ErrNameNotFound, err)
	}

	g, err := waitFor(ctx, f, func() (*group, bool) {
		g, ok := f.groups[h]
		return g, ok
	})
	if err != nil {
		return nil, err
	}

	release, err := f.acquire()
	if err != nil {
		return nil, err
	}

	m, err := g.join(granted, f.cfg.MaxSDU, f.cfg.QueueLen, release)
	if err != nil {
		release()
		return nil, err
	}

	f.log.Debug().Str("group", g.name).Str("member", m.id).Msg("joined broadcast layer")
	return m, nil
}

// Close unregisters every name and removes every group
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	listeners := make([]*listener, 0, len(f.names))
	for _, l := range f.names {
		listeners = append(listeners, l)
	}
	groups := make([]*group, 0, len(f.groups))
	for _, g := range f.groups {
		groups = append(groups, g)
	}
	f.names = make(map[naming.Hash]*listener)
	f.groups = make(map[naming.Hash]*group)
	f.notifyLocked()
	f.mu.Unlock()

	for _, l := range listeners {
		l.shutdown()
	}
	for _, g := range groups {
		g.shutdown()
	}
	return nil
}

func (f *Fabric) negotiate(spec qos.Spec) (qos.Spec, error) {
	granted, err := f.cfg.Caps.Negotiate(spec)
	if err != nil {
		return qos.Spec{}, fmt.Errorf("%w: %v", fabric.ErrInvalidQoS, err)
	}
	return granted, nil
}

// acquire takes one capacity unit; the returned func gives it back once
func (f *Fabric) acquire() (func(), error) {
	if !f.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d flows in use", fabric.ErrCapacity, f.cfg.MaxFlows)
	}
	f.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.inUse.Add(-1)
			f.sem.Release(1)
		})
	}, nil
}

// waitFor polls lookup under f.mu until it succeeds, the fabric closes or
// ctx ends. The first attempt happens before any wait.
func waitFor[T any](ctx context.Context, f *Fabric, lookup func() (T, bool)) (T, error) {
	var zero T
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return zero, fabric.ErrClosed
		}
		v, ok := lookup()
		changed := f.changed
		f.mu.Unlock()

		if ok {
			return v, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

const (
	reqPending int32 = iota
	reqAccepted
	reqCancelled
)

// allocReq is an allocation waiting on a listener backlog
type allocReq struct {
	link     *pipeEnd
	state    atomic.Int32
	accepted chan struct{}
}

// listener receives allocations for one registered name. Requests wait in
// the backlog until an acceptor takes them; an acceptor with nothing to
// take parks until an allocator hands it a request directly.
type listener struct {
	fab      *Fabric
	name     string
	hash     naming.Hash
	capacity int

	mu      sync.Mutex
	backlog []*allocReq
	waiters []chan *allocReq
	space   chan struct{} // closed and replaced when the backlog shrinks

	once sync.Once
	done chan struct{}
}

// offer hands req to a parked acceptor or queues it. When neither is
// possible it returns the channel that signals backlog space.
func (l *listener) offer(req *allocReq) (handed, queued bool, space <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		req.state.Store(reqAccepted)
		close(req.accepted)
		w <- req
		return true, false, nil
	}
	if len(l.backlog) < l.capacity {
		l.backlog = append(l.backlog, req)
		return false, true, nil
	}
	return false, false, l.space
}

// Accept returns the next allocation made to the name
func (l *listener) Accept(ctx context.Context) (fabric.Link, error) {
	l.mu.Lock()
	for len(l.backlog) > 0 {
		req := l.backlog[0]
		l.backlog[0] = nil
		l.backlog = l.backlog[1:]
		close(l.space)
		l.space = make(chan struct{})
		if l.take(req) {
			l.mu.Unlock()
			return req.link, nil
		}
	}
	select {
	case <-l.done:
		l.mu.Unlock()
		return nil, fabric.ErrClosed
	default:
	}
	w := make(chan *allocReq, 1)
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	var err error
	select {
	case req := <-w:
		return req.link, nil
	case <-l.done:
		err = fabric.ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	}

	// A request handed over while giving up is still ours
	if !l.unpark(w) {
		req := <-w
		return req.link, nil
	}
	return nil, err
}

// unpark removes w from the waiters. It reports false when w was already
// handed a request.
func (l *listener) unpark(w chan *allocReq) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.waiters {
		if c == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// take claims a queued request. l.mu must be held.
func (l *listener) take(req *allocReq) bool {
	if !req.state.CompareAndSwap(reqPending, reqAccepted) {
		// Allocator gave up and already released the pipe
		return false
	}
	close(req.accepted)
	return true
}

func (l *listener) Name() string {
	return l.name
}

// Close unregisters the name. Queued allocations fail.
func (l *listener) Close() error {
	l.fab.mu.Lock()
	if cur, ok := l.fab.names[l.hash]; ok && cur == l {
		delete(l.fab.names, l.hash)
		l.fab.notifyLocked()
	}
	l.fab.mu.Unlock()

	l.shutdown()
	return nil
}

func (l *listener) shutdown() {
	l.once.Do(func() {
		close(l.done)
		l.fab.log.Debug().Str("name", l.name).Msg("name unregistered")
	})
}
