package sbi

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/model"
)

// EventKind identifies a raw device notification.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCrosspointChanged
	EventTransmissionChanged
	EventDetectionChanged
	EventInputActiveChanged
)

func (k EventKind) String() string {
	switch k {
	case EventCrosspointChanged:
		return "crosspoint_changed"
	case EventTransmissionChanged:
		return "transmission_changed"
	case EventDetectionChanged:
		return "detection_changed"
	case EventInputActiveChanged:
		return "input_active_changed"
	default:
		return "unknown"
	}
}

// Event is a notification raised by a device control.
//
// For EventCrosspointChanged, Output names the output whose input changed
// from OldInput to NewInput; an empty input means disconnected. For the
// three state events, Address names the port and State its new value.
type Event struct {
	Kind    EventKind
	Control model.ControlKey
	Signal  model.SignalType
	// Seq is stamped by the Bus; it increases by one per device.
	Seq uint64

	Output   string
	OldInput string
	NewInput string

	Address string
	State   bool
}

// Endpoint returns the port the event is about.
func (e Event) Endpoint() model.Endpoint {
	addr := e.Address
	if e.Kind == EventCrosspointChanged {
		addr = e.Output
	}
	return model.Endpoint{DeviceID: e.Control.DeviceID, ControlID: e.Control.ControlID, Address: addr}
}

func (e Event) String() string {
	if e.Kind == EventCrosspointChanged {
		return fmt.Sprintf("%s %s %s %s: %q -> %q", e.Kind, e.Control, e.Signal, e.Output, e.OldInput, e.NewInput)
	}
	return fmt.Sprintf("%s %s %s %s: %t", e.Kind, e.Control, e.Signal, e.Address, e.State)
}

// Handler consumes bus events.
type Handler func(ctx context.Context, ev Event)

// Bus delivers device events to subscribers. Events from one device are
// delivered in publish order by a single consumer goroutine for that
// device; different devices interleave freely. Subscribers run in
// subscription order, outside any bus lock.
type Bus struct {
	ctx context.Context
	log logging.Logger

	mu      sync.Mutex
	drained *sync.Cond
	queues  map[string]*deviceQueue
	seq     map[string]uint64
	pending int
	closed  bool

	subs   map[int]Handler
	nextID int

	metrics *SBIMetrics

	wg sync.WaitGroup
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithBusMetrics counts delivered events on m.
func WithBusMetrics(m *SBIMetrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

type deviceQueue struct {
	events []Event
	wake   chan struct{}
}

// NewBus creates a bus. Handlers receive ctx, which also bounds the
// lifetime of the consumer goroutines together with Close.
func NewBus(ctx context.Context, log logging.Logger, opts ...BusOption) *Bus {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logging.Noop()
	}
	b := &Bus{
		ctx:    ctx,
		log:    log,
		queues: make(map[string]*deviceQueue),
		seq:    make(map[string]uint64),
		subs:   make(map[int]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.drained = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish queues ev for delivery and returns the sequence number assigned
// to it. It never blocks on subscribers, so devices may publish from
// within command handling. Events published after Close are dropped.
func (b *Bus) Publish(ev Event) uint64 {
	dev := ev.Control.DeviceID

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.seq[dev]++
	ev.Seq = b.seq[dev]

	q, ok := b.queues[dev]
	if !ok {
		q = &deviceQueue{wake: make(chan struct{}, 1)}
		b.queues[dev] = q
		b.wg.Add(1)
		go b.consume(dev, q)
	}
	q.events = append(q.events, ev)
	b.pending++
	b.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return ev.Seq
}

// Flush blocks until every event published so far has been delivered.
// It must not be called from a Handler.
func (b *Bus) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending > 0 && !b.closed {
		b.drained.Wait()
	}
}

// Close stops the consumer goroutines and drops undelivered events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.wake)
	}
	b.drained.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) consume(dev string, q *deviceQueue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case _, ok := <-q.wake:
			if !ok {
				return
			}
		}

		for {
			b.mu.Lock()
			if b.closed || len(q.events) == 0 {
				b.mu.Unlock()
				break
			}
			ev := q.events[0]
			q.events = q.events[1:]
			handlers := b.handlersLocked()
			b.mu.Unlock()

			b.deliver(ev, handlers)
			if b.metrics != nil {
				b.metrics.IncEventsDelivered()
			}

			b.mu.Lock()
			b.pending--
			if b.pending == 0 {
				b.drained.Broadcast()
			}
			b.mu.Unlock()
		}
	}
}

// handlersLocked snapshots subscribers in subscription order.
// Caller must hold b.mu.
func (b *Bus) handlersLocked() []Handler {
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = b.subs[id]
	}
	return out
}

func (b *Bus) deliver(ev Event, handlers []Handler) {
	for _, h := range handlers {
		b.call(h, ev)
	}
}

func (b *Bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(b.ctx, "bus handler panicked",
				logging.String("event", ev.String()),
				logging.Any("panic", r),
			)
		}
	}()
	h(b.ctx, ev)
}
