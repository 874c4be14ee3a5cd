package dev

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
)

// FlowSet is a set of flows whose events are collected together. Events
// are posted by the flows as they happen and coalesced per flow until a
// Wait collects them.
type FlowSet struct {
	p        *Process
	capacity int

	mu      sync.Mutex
	members map[*flowEntry]struct{}
	pending map[*flowEntry]EventType
	order   *queue.Queue // *flowEntry in posting order, may hold stale entries
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// NewFlowSet creates a set holding flows
func (p *Process) NewFlowSet(flows ...*Flow) (*FlowSet, error) {
	if err := p.checkOpen("create_set"); err != nil {
		return nil, err
	}
	s := &FlowSet{
		p:        p,
		capacity: p.cfg.FlowSetCapacity,
		members:  make(map[*flowEntry]struct{}),
		pending:  make(map[*flowEntry]EventType),
		order:    queue.New(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, f := range flows {
		if err := s.Add(f); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Add puts an allocated flow in the set. Adding a member again does nothing.
// A flow that already has data queued gets a Packet event right away.
func (s *FlowSet) Add(f *Flow) error {
	const op = "set_add"
	if f == nil {
		return newError(CodeNotAllocated, op, -1, "nil flow")
	}
	e := f.entry()
	if e == nil {
		return newError(CodeNotAllocated, op, -1, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(CodeEvent, op, e.fd, "set closed")
	}
	if _, ok := s.members[e]; ok {
		return nil
	}
	if len(s.members) >= s.capacity {
		return newError(CodeResourceExhausted, op, e.fd, "set full")
	}
	if !e.addWatcher(s) {
		return newError(CodeNotAllocated, op, e.fd, "deallocated")
	}
	s.members[e] = struct{}{}

	if e.hasData() {
		s.postLocked(e, EventPacket)
	}
	return nil
}

// Remove takes f out of the set. Pending events for it are dropped.
func (s *FlowSet) Remove(f *Flow) {
	if f == nil {
		return
	}
	e := f.entry()
	if e == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[e]; !ok {
		return
	}
	delete(s.members, e)
	delete(s.pending, e)
	e.removeWatcher(s)
}

// Zero empties the set
func (s *FlowSet) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *FlowSet) clearLocked() {
	for e := range s.members {
		e.removeWatcher(s)
	}
	s.members = make(map[*flowEntry]struct{})
	s.pending = make(map[*flowEntry]EventType)
	s.order = queue.New()
}

// Contains reports whether f is a member
func (s *FlowSet) Contains(f *Flow) bool {
	if f == nil {
		return false
	}
	e := f.entry()
	if e == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[e]
	return ok
}

// Len returns the number of members
func (s *FlowSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

func (s *FlowSet) post(e *flowEntry, ev EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[e]; !ok || s.closed {
		return
	}
	s.postLocked(e, ev)
}

func (s *FlowSet) postLocked(e *flowEntry, ev EventType) {
	if prev, ok := s.pending[e]; ok {
		s.pending[e] = prev | ev
		return
	}
	s.pending[e] = ev
	s.order.Add(e)
	signal(s.notify)
}

// detach drops a deallocated flow
func (s *FlowSet) detach(e *flowEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, e)
	delete(s.pending, e)
}

// collectLocked moves pending events into q, at most its capacity
func (s *FlowSet) collectLocked(q *EventQueue) int {
	n := 0
	for n < q.capacity && s.order.Length() > 0 {
		e := s.order.Remove().(*flowEntry)
		ev, ok := s.pending[e]
		if !ok {
			continue
		}
		delete(s.pending, e)
		q.push(fqEntry{flow: e.flow, e: e, ev: ev})
		n++
	}
	if len(s.pending) > 0 {
		signal(s.notify)
	}
	return n
}

// Wait resets q and fills it with the pending events of the set's flows,
// blocking until there is at least one or timeo elapses
func (s *FlowSet) Wait(ctx context.Context, q *EventQueue, timeo timeout.Timeout) error {
	const op = "event_wait"
	if q == nil {
		return newError(CodeInvalidArgument, op, -1, "nil event queue")
	}
	q.reset()

	tctx, cancel := timeo.Context(ctx)
	defer cancel()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return newError(CodeEvent, op, -1, "set closed")
		}
		n := s.collectLocked(q)
		s.mu.Unlock()
		if n > 0 {
			return nil
		}

		select {
		case <-s.notify:
		case <-s.done:
			return newError(CodeEvent, op, -1, "set closed")
		case <-s.p.done:
			return newError(CodeEvent, op, -1, "process closed")
		case <-tctx.Done():
			return expired(ctx, op, -1, timeo)
		}
	}
}

// Close releases the set. Member flows stay allocated.
func (s *FlowSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.clearLocked()
	close(s.done)
}

type fqEntry struct {
	flow *Flow
	e    *flowEntry
	ev   EventType
}

// EventQueue holds the events collected by one FlowSet.Wait
type EventQueue struct {
	capacity int

	mu sync.Mutex
	q  *queue.Queue
}

// NewEventQueue creates an event queue sized to the process limit
func (p *Process) NewEventQueue() *EventQueue {
	return &EventQueue{
		capacity: p.cfg.EventQueueCapacity,
		q:        queue.New(),
	}
}

func (q *EventQueue) reset() {
	q.mu.Lock()
	q.q = queue.New()
	q.mu.Unlock()
}

func (q *EventQueue) push(ent fqEntry) {
	q.mu.Lock()
	q.q.Add(ent)
	q.mu.Unlock()
}

// Next returns the next flow with its events. Flows deallocated since the
// wait are skipped. ErrQueueEmpty is returned once the queue is drained.
func (q *EventQueue) Next() (*Flow, EventType, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.q.Length() > 0 {
		ent := q.q.Remove().(fqEntry)
		if ent.flow.entry() != ent.e {
			continue
		}
		return ent.flow, ent.ev, nil
	}
	return nil, 0, newError(CodeQueueEmpty, "event_next", -1, "")
}

// Len returns the number of events not yet taken
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Length()
}
