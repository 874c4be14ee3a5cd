// Package dev is the flow core: a Process owns a flow table on top of a
// fabric, hands out Flow handles that carry messages with boundaries
// preserved, and multiplexes flow events through FlowSets.
package dev

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/naming"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
)

// Config holds the limits of a Process
type Config struct {
	MaxFlows           int
	FlowSetCapacity    int
	EventQueueCapacity int
	RxQueueLen         int
	TxQueueLen         int

	// DeallocLinger bounds how long a dealloc waits for queued writes
	DeallocLinger time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the default process limits
func DefaultConfig() Config {
	return Config{
		MaxFlows:           constants.DefaultMaxFlows,
		FlowSetCapacity:    constants.DefaultFlowSetCapacity,
		EventQueueCapacity: constants.DefaultEventQueueCapacity,
		RxQueueLen:         constants.DefaultRxQueueLen,
		TxQueueLen:         constants.DefaultTxQueueLen,
		DeallocLinger:      constants.DefaultDeallocLinger,
		Logger:             zerolog.Nop(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFlows <= 0 {
		c.MaxFlows = d.MaxFlows
	}
	if c.FlowSetCapacity <= 0 {
		c.FlowSetCapacity = d.FlowSetCapacity
	}
	if c.EventQueueCapacity <= 0 {
		c.EventQueueCapacity = d.EventQueueCapacity
	}
	if c.RxQueueLen <= 0 {
		c.RxQueueLen = d.RxQueueLen
	}
	if c.TxQueueLen <= 0 {
		c.TxQueueLen = d.TxQueueLen
	}
	if c.DeallocLinger <= 0 {
		c.DeallocLinger = d.DeallocLinger
	}
	return c
}

type incoming struct {
	link fabric.Link
	name string
}

type binding struct {
	ln     fabric.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

// Process is the handle a program holds on the substrate. All flows,
// names and sets belong to exactly one Process.
type Process struct {
	fab  fabric.Fabric
	name string
	cfg  Config
	log  zerolog.Logger

	mu       sync.Mutex
	used     []bool
	entries  []*flowEntry
	bindings map[string]*binding
	closed   bool

	incoming chan incoming
	done     chan struct{}

	// ctx ends when the process closes and bounds in-flight allocations
	ctx  context.Context
	stop context.CancelFunc
}

// FlowInfo is a snapshot of one allocated flow
type FlowInfo struct {
	FD       int      `json:"fd"`
	Peer     string   `json:"peer"`
	QoS      qos.Spec `json:"qos"`
	Flags    Flag     `json:"flags"`
	RxQueued int      `json:"rx_queued"`
	TxQueued int      `json:"tx_queued"`
	Down     bool     `json:"down"`
}

// Init attaches a process named name to fab with the default limits
func Init(fab fabric.Fabric, name string) (*Process, error) {
	return InitWithConfig(fab, name, DefaultConfig())
}

// InitWithConfig attaches a process to fab. Zero limits take their defaults.
func InitWithConfig(fab fabric.Fabric, name string, cfg Config) (*Process, error) {
	const op = "init"
	if fab == nil {
		return nil, newError(CodeInvalidArgument, op, -1, "nil fabric")
	}
	if name != "" {
		n, err := naming.Normalize(name)
		if err != nil {
			return nil, &Error{Code: CodeInvalidArgument, Op: op, FD: -1, Err: err}
		}
		name = n
	}

	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	p := &Process{
		fab:      fab,
		name:     name,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "dev").Str("process", name).Logger(),
		used:     make([]bool, cfg.MaxFlows),
		entries:  make([]*flowEntry, cfg.MaxFlows),
		bindings: make(map[string]*binding),
		incoming: make(chan incoming, constants.DefaultBacklog),
		done:     make(chan struct{}),
		ctx:      ctx,
		stop:     stop,
	}
	p.log.Debug().Int("max_flows", cfg.MaxFlows).Msg("process initialised")
	return p, nil
}

// Name returns the process name
func (p *Process) Name() string {
	return p.name
}

// Config returns the effective limits
func (p *Process) Config() Config {
	return p.cfg
}

func (p *Process) checkOpen(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return newError(CodePermissionDenied, op, -1, "process closed")
	}
	return nil
}

// Bind registers name so that flows allocated to it can be accepted
func (p *Process) Bind(ctx context.Context, name string) error {
	const op = "bind"
	if err := p.checkOpen(op); err != nil {
		return err
	}
	norm, err := naming.Normalize(name)
	if err != nil {
		return &Error{Code: CodeInvalidArgument, Op: op, FD: -1, Err: err}
	}

	p.mu.Lock()
	_, dup := p.bindings[norm]
	p.mu.Unlock()
	if dup {
		return newError(CodeAlreadyAllocated, op, -1, "name already bound")
	}

	ln, err := p.fab.Register(ctx, norm)
	if err != nil {
		return translate(ctx, op, -1, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	b := &binding{ln: ln, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed || p.bindings[norm] != nil {
		closed := p.closed
		p.mu.Unlock()
		cancel()
		ln.Close()
		if closed {
			return newError(CodePermissionDenied, op, -1, "process closed")
		}
		return newError(CodeAlreadyAllocated, op, -1, "name already bound")
	}
	p.bindings[norm] = b
	p.mu.Unlock()

	go p.acceptPump(pumpCtx, norm, b)
	p.log.Debug().Str("name", norm).Msg("name bound")
	return nil
}

// acceptPump moves links accepted for one name onto the incoming queue
func (p *Process) acceptPump(ctx context.Context, name string, b *binding) {
	defer close(b.done)
	for {
		link, err := b.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, fabric.ErrClosed) {
				p.log.Warn().Err(err).Str("name", name).Msg("accept failed")
			}
			return
		}
		select {
		case p.incoming <- incoming{link: link, name: name}:
		case <-ctx.Done():
			link.Close()
			return
		}
	}
}

// Unbind withdraws a bound name. Flows already accepted are unaffected.
func (p *Process) Unbind(name string) error {
	const op = "unbind"
	norm, err := naming.Normalize(name)
	if err != nil {
		return &Error{Code: CodeInvalidArgument, Op: op, FD: -1, Err: err}
	}

	p.mu.Lock()
	b := p.bindings[norm]
	delete(p.bindings, norm)
	p.mu.Unlock()
	if b == nil {
		return newError(CodeNotAllocated, op, -1, "name not bound")
	}

	b.cancel()
	err = b.ln.Close()
	<-b.done
	p.log.Debug().Str("name", norm).Msg("name unbound")
	if err != nil && !errors.Is(err, fabric.ErrClosed) {
		return translate(context.Background(), op, -1, err)
	}
	return nil
}

// Names returns the bound names in sorted order
func (p *Process) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.bindings))
	for n := range p.bindings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewFlow returns an unallocated flow handle
func (p *Process) NewFlow() *Flow {
	return &Flow{p: p}
}

// Alloc allocates a new flow to dst
func (p *Process) Alloc(ctx context.Context, dst string, spec *qos.Spec, timeo timeout.Timeout) (*Flow, qos.Spec, error) {
	f := p.NewFlow()
	granted, err := f.Alloc(ctx, dst, spec, timeo)
	if err != nil {
		return nil, qos.Spec{}, err
	}
	return f, granted, nil
}

// Accept waits for the next flow allocated to any bound name
func (p *Process) Accept(ctx context.Context, timeo timeout.Timeout) (*Flow, qos.Spec, error) {
	f := p.NewFlow()
	granted, err := f.Accept(ctx, timeo)
	if err != nil {
		return nil, qos.Spec{}, err
	}
	return f, granted, nil
}

// Join adds a new flow to the broadcast layer group
func (p *Process) Join(ctx context.Context, group string, spec *qos.Spec, timeo timeout.Timeout) (*Flow, qos.Spec, error) {
	f := p.NewFlow()
	granted, err := f.Join(ctx, group, spec, timeo)
	if err != nil {
		return nil, qos.Spec{}, err
	}
	return f, granted, nil
}

// nextIncoming takes the next accepted link. ctx is bounded by the
// caller's timeout and may already be expired.
func (p *Process) nextIncoming(ctx context.Context) (incoming, error) {
	select {
	case in := <-p.incoming:
		return in, nil
	default:
	}
	select {
	case in := <-p.incoming:
		return in, nil
	case <-p.done:
		return incoming{}, newError(CodePermissionDenied, "accept", -1, "process closed")
	case <-ctx.Done():
		return incoming{}, ctx.Err()
	}
}

// reserve claims the lowest free descriptor
func (p *Process) reserve(op string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, newError(CodePermissionDenied, op, -1, "process closed")
	}
	for fd, used := range p.used {
		if !used {
			p.used[fd] = true
			return fd, nil
		}
	}
	return -1, newError(CodeResourceExhausted, op, -1, "flow table full")
}

func (p *Process) install(e *flowEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.entries[e.fd] = e
	return true
}

func (p *Process) free(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[fd] = nil
	p.used[fd] = false
}

// Flows returns a snapshot of every allocated flow ordered by descriptor
func (p *Process) Flows() []FlowInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	var infos []FlowInfo
	for _, e := range p.entries {
		if e == nil {
			continue
		}
		e.mu.Lock()
		infos = append(infos, FlowInfo{
			FD:       e.fd,
			Peer:     e.peer,
			QoS:      e.spec,
			Flags:    e.flags,
			RxQueued: e.rxLenLocked(),
			TxQueued: e.tx.Length(),
			Down:     e.flags.Has(Down),
		})
		e.mu.Unlock()
	}
	return infos
}

// Close deallocates every flow and withdraws every bound name. Later
// operations fail with PermissionDenied.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.stop()
	bindings := p.bindings
	p.bindings = make(map[string]*binding)
	var flows []*Flow
	for _, e := range p.entries {
		if e != nil {
			flows = append(flows, e.flow)
		}
	}
	p.mu.Unlock()

	for _, b := range bindings {
		b.cancel()
		b.ln.Close()
		<-b.done
	}

	// Links accepted but never taken
	for {
		select {
		case in := <-p.incoming:
			in.link.Close()
			continue
		default:
		}
		break
	}

	var g errgroup.Group
	for _, f := range flows {
		g.Go(func() error {
			if err := f.Dealloc(); err != nil && !errors.Is(err, ErrNotAllocated) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	p.log.Debug().Int("flows", len(flows)).Msg("process closed")
	return err
}
