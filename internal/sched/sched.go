// Package sched implements the cooperative single-threaded scheduler that
// sequences datagrams through the gateway's handler stages. Processes
// communicate only by posting typed events that carry a message buffer
// by reference; a single goroutine dispatches events FIFO and polls a
// timed-callback queue between dispatches.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/knx-iot/gateway/internal/buffer"
	"go.uber.org/zap"
)

// EventKind enumerates the pipeline event kinds carried between stages.
type EventKind int

const (
	InboundNetwork EventKind = iota
	InboundOSCORE
	InboundRI
	OutboundNetwork
	OutboundNetworkEncrypted
	OutboundOSCORE
	OutboundGroupOSCORE
	TLSCloseAllSessions
	InterfaceUp
	InterfaceDown
)

func (k EventKind) String() string {
	switch k {
	case InboundNetwork:
		return "inbound_network"
	case InboundOSCORE:
		return "inbound_oscore"
	case InboundRI:
		return "inbound_ri"
	case OutboundNetwork:
		return "outbound_network"
	case OutboundNetworkEncrypted:
		return "outbound_network_encrypted"
	case OutboundOSCORE:
		return "outbound_oscore"
	case OutboundGroupOSCORE:
		return "outbound_group_oscore"
	case TLSCloseAllSessions:
		return "tls_close_all_sessions"
	case InterfaceUp:
		return "interface_up"
	case InterfaceDown:
		return "interface_down"
	default:
		return "unknown"
	}
}

// Event carries exactly one buffer reference; posting transfers ownership
// of that reference to the scheduler's dispatch loop.
type Event struct {
	Kind    EventKind
	Message *buffer.Message
	// Data carries kind-specific payload not expressed by Message, e.g. a
	// device index for INTERFACE_UP/DOWN.
	Data any
}

// HandlerFunc processes one event. It must never block: crypto and parsing
// run synchronously on the main loop, so cost here is the limit on
// inbound throughput.
type HandlerFunc func(ctx context.Context, ev Event)

// CallbackResult tells the scheduler whether to re-arm a timed callback.
type CallbackResult int

const (
	Done CallbackResult = iota
	Continue
)

// CallbackFunc is a timed callback. Returning Continue re-arms it at its
// original period; returning Done removes it.
type CallbackFunc func() CallbackResult

var ErrQueueFull = errors.New("sched: event queue full")

type timerEntry struct {
	id       uint64
	next     time.Time
	period   time.Duration
	cb       CallbackFunc
	canceled bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is the cooperative event loop.
type Scheduler struct {
	events   chan Event
	handlers map[EventKind][]HandlerFunc
	timers   timerHeap
	nextID   uint64
	running  atomic.Bool
	logger   *zap.Logger
}

// New creates a scheduler with the given inbound event queue depth.
func New(logger *zap.Logger, queueSize int) *Scheduler {
	return &Scheduler{
		events:   make(chan Event, queueSize),
		handlers: make(map[EventKind][]HandlerFunc),
		logger:   logger,
	}
}

// On registers a handler invoked for every event of the given kind, in
// registration order.
func (s *Scheduler) On(kind EventKind, h HandlerFunc) {
	s.handlers[kind] = append(s.handlers[kind], h)
}

// Post enqueues an event for dispatch. It never blocks: a full queue
// returns ErrQueueFull so the caller can drop its retained reference,
// matching the back-pressure contract for inbound and outbound stages.
func (s *Scheduler) Post(ev Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Schedule arms a timed callback at the given period, returning an id
// usable with Cancel.
func (s *Scheduler) Schedule(period time.Duration, cb CallbackFunc) uint64 {
	s.nextID++
	id := s.nextID
	heap.Push(&s.timers, &timerEntry{
		id:     id,
		next:   time.Now().Add(period),
		period: period,
		cb:     cb,
	})
	return id
}

// Cancel removes a timed callback by id. Canceling an already-fired or
// unknown id is a no-op.
func (s *Scheduler) Cancel(id uint64) {
	for _, e := range s.timers {
		if e.id == id {
			e.canceled = true
			return
		}
	}
}

// Running reports whether the event loop is currently executing, for the
// admin server's readiness check.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run drives the event loop until ctx is canceled. Events are dispatched
// FIFO; due timed callbacks are invoked between dispatches.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.armTimer(timer)

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.dispatch(ctx, ev)
		case <-timer.C:
		}

		s.runDue()
	}
}

func (s *Scheduler) armTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if len(s.timers) == 0 {
		timer.Reset(time.Hour)
		return
	}
	d := time.Until(s.timers[0].next)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (s *Scheduler) dispatch(ctx context.Context, ev Event) {
	handlers := s.handlers[ev.Kind]
	if len(handlers) == 0 {
		s.logger.Warn("no handler registered for event kind", zap.String("kind", ev.Kind.String()))
		if ev.Message != nil {
			ev.Message.Unref()
		}
		return
	}
	for _, h := range handlers {
		h(ctx, ev)
	}
}

func (s *Scheduler) runDue() {
	now := time.Now()
	for len(s.timers) > 0 && !s.timers[0].next.After(now) {
		e := heap.Pop(&s.timers).(*timerEntry)
		if e.canceled {
			continue
		}
		if e.cb() == Continue {
			e.next = now.Add(e.period)
			heap.Push(&s.timers, e)
		}
	}
}
