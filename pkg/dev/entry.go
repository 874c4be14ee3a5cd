package dev

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
)

// flowEntry is one allocated incarnation of a flow: the link, its queues,
// the pumps moving messages between them and the sets watching it
type flowEntry struct {
	p      *Process
	flow   *Flow
	fd     int
	peer   string
	link   fabric.Link
	spec   qos.Spec
	maxSDU int
	log    zerolog.Logger

	mu       sync.Mutex
	flags    Flag
	peerGone bool
	invalid  bool
	sndTimeo timeout.Timeout
	rcvTimeo timeout.Timeout
	watchers map[*FlowSet]struct{}

	// Receive side: partial is the unread remainder of a message that was
	// read in part, and is returned before anything in rx
	rx      *queue.Queue
	partial []byte
	rxCap   int

	tx       *queue.Queue
	txCap    int
	draining bool

	// Signals, each with capacity 1
	rxReady chan struct{}
	rxSpace chan struct{}
	txReady chan struct{}
	txSpace chan struct{}

	dead       chan struct{} // closed when deallocation starts
	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	writerDone chan struct{}
}

func newEntry(p *Process, f *Flow, fd int, peer string, link fabric.Link) *flowEntry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &flowEntry{
		p:          p,
		flow:       f,
		fd:         fd,
		peer:       peer,
		link:       link,
		spec:       link.QoS(),
		maxSDU:     link.MaxSDU(),
		log:        p.log.With().Int("fd", fd).Str("peer", peer).Logger(),
		flags:      ReadWrite,
		watchers:   make(map[*FlowSet]struct{}),
		rx:         queue.New(),
		rxCap:      p.cfg.RxQueueLen,
		tx:         queue.New(),
		txCap:      p.cfg.TxQueueLen,
		rxReady:    make(chan struct{}, 1),
		rxSpace:    make(chan struct{}, 1),
		txReady:    make(chan struct{}, 1),
		txSpace:    make(chan struct{}, 1),
		dead:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go e.readLoop()
	go e.writeLoop()
	return e
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// rxLenLocked counts queued messages including a partly read one
func (e *flowEntry) rxLenLocked() int {
	n := e.rx.Length()
	if e.partial != nil {
		n++
	}
	return n
}

func (e *flowEntry) readLoop() {
	defer close(e.readerDone)

	for {
		ev, err := e.link.Recv(e.ctx)
		if err != nil {
			e.linkEnded(err)
			return
		}

		switch ev.Kind {
		case fabric.EventData:
			if !e.pushRx(ev.Data) {
				return
			}
			e.post(EventPacket)

		case fabric.EventDown:
			e.mu.Lock()
			e.flags |= Down
			e.mu.Unlock()
			e.wakeAll()
			e.log.Debug().Msg("flow down")
			e.post(EventDown)

		case fabric.EventUp:
			e.mu.Lock()
			if !e.peerGone {
				e.flags &^= Down
			}
			e.mu.Unlock()
			e.log.Debug().Msg("flow up")
			e.post(EventUp)

		case fabric.EventJoin:
			e.post(EventAlloc)

		case fabric.EventLeave:
			e.post(EventDealloc)
		}
	}
}

// pushRx queues an incoming message, waiting while the queue is full
func (e *flowEntry) pushRx(msg []byte) bool {
	for {
		e.mu.Lock()
		if e.invalid {
			e.mu.Unlock()
			return false
		}
		if e.rxLenLocked() < e.rxCap {
			e.rx.Add(msg)
			e.mu.Unlock()
			signal(e.rxReady)
			return true
		}
		e.mu.Unlock()

		select {
		case <-e.rxSpace:
		case <-e.dead:
			return false
		}
	}
}

// linkEnded marks the flow down once the link stops delivering
func (e *flowEntry) linkEnded(err error) {
	select {
	case <-e.dead:
		return
	default:
	}

	e.mu.Lock()
	e.peerGone = true
	e.flags |= Down
	e.mu.Unlock()
	e.wakeAll()

	if errors.Is(err, io.EOF) {
		e.log.Debug().Msg("peer deallocated")
		e.post(EventDealloc | EventDown)
		return
	}
	e.log.Debug().Err(err).Msg("link failed")
	e.post(EventDown)
}

func (e *flowEntry) writeLoop() {
	defer close(e.writerDone)

	for {
		e.mu.Lock()
		if e.tx.Length() == 0 {
			draining := e.draining
			e.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-e.txReady:
				continue
			case <-e.ctx.Done():
				return
			}
		}
		msg := e.tx.Remove().([]byte)
		e.mu.Unlock()
		signal(e.txSpace)

		if err := e.link.Send(e.ctx, msg); err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.sendFailed(err)
		}
	}
}

// sendFailed drops queued messages and marks the flow down
func (e *flowEntry) sendFailed(err error) {
	e.mu.Lock()
	dropped := e.tx.Length()
	for e.tx.Length() > 0 {
		e.tx.Remove()
	}
	alreadyDown := e.flags.Has(Down)
	e.peerGone = true
	e.flags |= Down
	e.mu.Unlock()
	e.wakeAll()

	e.log.Debug().Err(err).Int("dropped", dropped).Msg("send failed")
	if !alreadyDown {
		e.post(EventDown)
	}
}

// wakeAll wakes blocked readers and writers so they re-check state
func (e *flowEntry) wakeAll() {
	signal(e.rxReady)
	signal(e.txSpace)
}

// post delivers ev to every set watching the flow
func (e *flowEntry) post(ev EventType) {
	e.mu.Lock()
	sets := make([]*FlowSet, 0, len(e.watchers))
	for s := range e.watchers {
		sets = append(sets, s)
	}
	e.mu.Unlock()

	for _, s := range sets {
		s.post(e, ev)
	}
}

func (e *flowEntry) addWatcher(s *FlowSet) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invalid {
		return false
	}
	e.watchers[s] = struct{}{}
	return true
}

func (e *flowEntry) removeWatcher(s *FlowSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watchers, s)
}

func (e *flowEntry) hasData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rxLenLocked() > 0
}

// release flushes queued writes for up to linger, closes the link and
// detaches the entry from every set. The error is the link's release error.
func (e *flowEntry) release(linger time.Duration) error {
	e.mu.Lock()
	if e.invalid {
		e.mu.Unlock()
		return nil
	}
	e.invalid = true
	e.draining = true
	sets := make([]*FlowSet, 0, len(e.watchers))
	for s := range e.watchers {
		sets = append(sets, s)
	}
	e.watchers = make(map[*FlowSet]struct{})
	e.mu.Unlock()

	close(e.dead)
	signal(e.txReady)

	timer := time.NewTimer(linger)
	select {
	case <-e.writerDone:
	case <-timer.C:
		e.log.Debug().Dur("linger", linger).Msg("dropping unsent messages")
	}
	timer.Stop()

	e.cancel()
	err := e.link.Close()
	<-e.readerDone
	<-e.writerDone

	for _, s := range sets {
		s.detach(e)
	}
	return err
}
