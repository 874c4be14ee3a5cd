package dev

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
)

// State is the allocation state of a Flow
type State int

const (
	Unallocated State = iota
	Allocated
)

func (s State) String() string {
	if s == Allocated {
		return "allocated"
	}
	return "unallocated"
}

// Flow is a handle on a bidirectional message channel. A handle starts
// Unallocated, becomes Allocated through Alloc, Accept or Join, and returns
// to Unallocated on Dealloc. It may be allocated again afterwards.
type Flow struct {
	p *Process

	mu   sync.Mutex
	e    *flowEntry
	busy bool
}

// FD returns the flow descriptor, or -1 when the flow is not allocated
func (f *Flow) FD() int {
	if e := f.entry(); e != nil {
		return e.fd
	}
	return -1
}

// State reports whether the flow is allocated
func (f *Flow) State() State {
	if f.entry() != nil {
		return Allocated
	}
	return Unallocated
}

func (f *Flow) entry() *flowEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.e
}

// live returns the current entry or NotAllocated
func (f *Flow) live(op string) (*flowEntry, error) {
	e := f.entry()
	if e == nil {
		return nil, newError(CodeNotAllocated, op, -1, "")
	}
	return e, nil
}

type opener func(ctx context.Context, spec qos.Spec) (fabric.Link, string, error)

// Alloc allocates the flow to dst. A nil spec requests the default QoS.
// The granted QoS is returned.
func (f *Flow) Alloc(ctx context.Context, dst string, spec *qos.Spec, timeo timeout.Timeout) (qos.Spec, error) {
	return f.allocate(ctx, "alloc", spec, timeo, func(ctx context.Context, s qos.Spec) (fabric.Link, string, error) {
		link, err := f.p.fab.Allocate(ctx, dst, s)
		return link, dst, err
	})
}

// Accept waits for a flow allocated to one of the process's bound names
func (f *Flow) Accept(ctx context.Context, timeo timeout.Timeout) (qos.Spec, error) {
	return f.allocate(ctx, "accept", nil, timeo, func(ctx context.Context, _ qos.Spec) (fabric.Link, string, error) {
		in, err := f.p.nextIncoming(ctx)
		if err != nil {
			return nil, "", err
		}
		return in.link, in.name, nil
	})
}

// Join makes the flow a member of the broadcast layer group
func (f *Flow) Join(ctx context.Context, group string, spec *qos.Spec, timeo timeout.Timeout) (qos.Spec, error) {
	return f.allocate(ctx, "join", spec, timeo, func(ctx context.Context, s qos.Spec) (fabric.Link, string, error) {
		link, err := f.p.fab.Join(ctx, group, s)
		return link, group, err
	})
}

func (f *Flow) allocate(ctx context.Context, op string, spec *qos.Spec, timeo timeout.Timeout, open opener) (qos.Spec, error) {
	if err := f.p.checkOpen(op); err != nil {
		return qos.Spec{}, err
	}

	f.mu.Lock()
	if f.e != nil {
		f.mu.Unlock()
		return qos.Spec{}, newError(CodeAlreadyAllocated, op, f.e.fd, "")
	}
	if f.busy {
		f.mu.Unlock()
		return qos.Spec{}, newError(CodeAlreadyAllocated, op, -1, "allocation in progress")
	}
	f.busy = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.busy = false
		f.mu.Unlock()
	}()

	req := qos.OrDefault(spec)
	if err := req.Validate(); err != nil {
		return qos.Spec{}, &Error{Code: CodeInvalidArgument, Op: op, FD: -1, Err: err}
	}

	fd, err := f.p.reserve(op)
	if err != nil {
		return qos.Spec{}, err
	}

	tctx, cancel := timeo.Context(ctx)
	stop := context.AfterFunc(f.p.ctx, cancel)
	link, peer, err := open(tctx, req)
	stop()
	cancel()
	if err != nil {
		f.p.free(fd)
		if f.p.ctx.Err() != nil {
			return qos.Spec{}, newError(CodePermissionDenied, op, -1, "process closed")
		}
		return qos.Spec{}, translate(ctx, op, -1, err)
	}

	e := newEntry(f.p, f, fd, peer, link)
	f.mu.Lock()
	f.e = e
	f.mu.Unlock()

	if !f.p.install(e) {
		f.Dealloc()
		return qos.Spec{}, newError(CodePermissionDenied, op, -1, "process closed")
	}

	e.log.Debug().Str("op", op).Str("qos", e.spec.String()).Int("max_sdu", e.maxSDU).Msg("flow allocated")
	return e.spec, nil
}

// Dealloc releases the flow. Queued writes are flushed for at most the
// process's dealloc linger. The flow is Unallocated afterwards even when
// a DeallocWarning is returned.
func (f *Flow) Dealloc() error {
	const op = "dealloc"
	f.mu.Lock()
	e := f.e
	f.e = nil
	f.mu.Unlock()
	if e == nil {
		return newError(CodeNotAllocated, op, -1, "already invalid")
	}

	err := e.release(f.p.cfg.DeallocLinger)
	f.p.free(e.fd)
	if err != nil {
		e.log.Warn().Err(err).Msg("flow release failed")
		return &Error{Code: CodeDeallocWarning, Op: op, FD: e.fd, Msg: "release failed", Err: err}
	}
	e.log.Debug().Msg("flow deallocated")
	return nil
}

// Close deallocates the flow if it is still allocated
func (f *Flow) Close() error {
	if err := f.Dealloc(); err != nil && !errors.Is(err, ErrNotAllocated) {
		return err
	}
	return nil
}

// expired builds the error for a blocking call that ran out of time.
// Cancellation of the caller's own context is returned unchanged.
func expired(ctx context.Context, op string, fd int, timeo timeout.Timeout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeo.IsZero() {
		return newError(CodeTimeout, op, fd, "would block")
	}
	return newError(CodeTimeout, op, fd, "timed out")
}

// Read returns the next message, or its first size bytes when it is longer.
// size 0 reads up to the default size.
func (f *Flow) Read(ctx context.Context, size int) ([]byte, error) {
	const op = "read"
	e, err := f.live(op)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, newError(CodeInvalidArgument, op, e.fd, "negative count")
	}
	if size == 0 {
		size = constants.DefaultReadSize
	}

	e.mu.Lock()
	flags, timeo := e.flags, e.rcvTimeo
	e.mu.Unlock()
	if !flags.CanRead() {
		return nil, newError(CodePermissionDenied, op, e.fd, "flow is write-only")
	}
	if flags.Has(NonBlockingRead) {
		timeo = timeout.Zero()
	}

	tctx, cancel := timeo.Context(ctx)
	defer cancel()
	for {
		buf, ok, err := e.take(size)
		if ok || err != nil {
			return buf, err
		}
		select {
		case <-e.rxReady:
		case <-e.dead:
			return nil, newError(CodeNotAllocated, op, e.fd, "deallocated")
		case <-tctx.Done():
			return nil, expired(ctx, op, e.fd, timeo)
		}
	}
}

// take removes up to size bytes of the head message. ok is false when there
// is nothing to read yet.
func (e *flowEntry) take(size int) (buf []byte, ok bool, err error) {
	const op = "read"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.invalid {
		return nil, false, newError(CodeNotAllocated, op, e.fd, "deallocated")
	}

	var head []byte
	fromRx := false
	switch {
	case e.partial != nil:
		head = e.partial
	case e.rx.Length() > 0:
		head = e.rx.Peek().([]byte)
		fromRx = true
	default:
		if e.flags.Has(Down) {
			signal(e.rxReady)
			return nil, false, newError(CodeFlowDown, op, e.fd, "")
		}
		return nil, false, nil
	}

	if len(head) > size {
		if e.flags.Has(NoPartialRead) {
			return nil, false, newError(CodeInvalidArgument, op, e.fd, "message larger than buffer")
		}
		buf = head[:size:size]
		e.partial = head[size:]
	} else {
		buf = head
		e.partial = nil
	}
	if fromRx {
		e.rx.Remove()
		signal(e.rxSpace)
	}
	if e.rxLenLocked() > 0 {
		signal(e.rxReady)
	}
	return buf, true, nil
}

// Write sends buf as one message
func (f *Flow) Write(ctx context.Context, buf []byte) (int, error) {
	return f.WriteN(ctx, buf, len(buf))
}

// WriteN sends the first count bytes of buf as one message. A message above
// the link's max SDU is truncated unless NoPartialWrite is set.
func (f *Flow) WriteN(ctx context.Context, buf []byte, count int) (int, error) {
	const op = "write"
	e, err := f.live(op)
	if err != nil {
		return 0, err
	}
	if count < 0 || count > len(buf) {
		return 0, newError(CodeInvalidArgument, op, e.fd, "count out of range")
	}

	e.mu.Lock()
	flags, timeo := e.flags, e.sndTimeo
	e.mu.Unlock()
	if !flags.CanWrite() {
		return 0, newError(CodePermissionDenied, op, e.fd, "flow is read-only")
	}
	if flags.Has(Down) {
		return 0, newError(CodeFlowDown, op, e.fd, "")
	}

	n := count
	if n > e.maxSDU {
		if flags.Has(NoPartialWrite) {
			return 0, newError(CodeInvalidArgument, op, e.fd, "message larger than max sdu")
		}
		n = e.maxSDU
	}
	msg := make([]byte, n)
	copy(msg, buf)

	if flags.Has(NonBlockingWrite) {
		timeo = timeout.Zero()
	}
	tctx, cancel := timeo.Context(ctx)
	defer cancel()
	for {
		e.mu.Lock()
		switch {
		case e.invalid:
			e.mu.Unlock()
			return 0, newError(CodeNotAllocated, op, e.fd, "deallocated")
		case e.flags.Has(Down):
			e.mu.Unlock()
			signal(e.txSpace)
			return 0, newError(CodeFlowDown, op, e.fd, "")
		case e.tx.Length() < e.txCap:
			e.tx.Add(msg)
			e.mu.Unlock()
			signal(e.txReady)
			return n, nil
		}
		e.mu.Unlock()

		select {
		case <-e.txSpace:
		case <-e.dead:
			return 0, newError(CodeNotAllocated, op, e.fd, "deallocated")
		case <-tctx.Done():
			return 0, expired(ctx, op, e.fd, timeo)
		}
	}
}

// WriteLine sends s as one UTF-8 message. No newline is added.
func (f *Flow) WriteLine(ctx context.Context, s string) (int, error) {
	e, err := f.live("write")
	if err != nil {
		return 0, err
	}
	if !utf8.ValidString(s) {
		return 0, newError(CodeInvalidArgument, "write", e.fd, "invalid utf-8")
	}
	return f.Write(ctx, []byte(s))
}

// ReadLine reads one message and decodes it as UTF-8. The message is not
// scanned for newlines.
func (f *Flow) ReadLine(ctx context.Context) (string, error) {
	buf, err := f.Read(ctx, 0)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", newError(CodeInvalidArgument, "read", f.FD(), "invalid utf-8")
	}
	return string(buf), nil
}
