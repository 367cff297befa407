package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/model"
)

var (
	ErrLinkExists      = errors.New("link already exists")
	ErrLinkNotFound    = errors.New("link not found")
	ErrLinkBadInput    = errors.New("invalid link")
	ErrEmptyLinkID     = errors.New("empty link ID")
	ErrSignalNotSingle = errors.New("signal mask must have exactly one flag set")
)

const tracerName = "github.com/signalsfoundry/crosspoint-router/core"

// EventKind describes what kind of topology mutation happened.
type EventKind int

const (
	EventLinksAdded EventKind = iota
	EventLinksRemoved
	EventReplaced
	EventAdmissionChanged
)

func (k EventKind) String() string {
	switch k {
	case EventLinksAdded:
		return "links_added"
	case EventLinksRemoved:
		return "links_removed"
	case EventReplaced:
		return "replaced"
	case EventAdmissionChanged:
		return "admission_changed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a mutation has been published.
type Event struct {
	Kind       EventKind
	Generation uint64
	LinkIDs    []string
}

// MetricsRecorder receives topology and path-finding measurements.
type MetricsRecorder interface {
	SetTopologyCounts(links, midpoints, reachabilityEntries int)
	ObserveReachabilityRebuild(d time.Duration)
	ObservePathComputation(d time.Duration)
	// ObserveReachabilityLookup counts cache lookups; found is false for a
	// cached negative.
	ObserveReachabilityLookup(found bool)
}

// Option customises Topology construction.
type Option func(*Topology)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(t *Topology) {
		if log != nil {
			t.log = log
		}
	}
}

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(t *Topology) {
		t.metrics = m
	}
}

// Topology is the Topology Index: it owns the set of links, their point
// indices and the reachability cache.
//
// Every mutation builds a complete new View (indices plus reachability) and
// publishes it atomically, so readers never observe a half-built cache and
// never wait on a rebuild. Writers are serialised by mu.
type Topology struct {
	mu   sync.Mutex
	view atomic.Pointer[View]

	subs   map[int]func(Event)
	nextID int

	log     logging.Logger
	metrics MetricsRecorder
}

// NewTopology creates an empty topology.
func NewTopology(opts ...Option) *Topology {
	t := &Topology{
		subs: make(map[int]func(Event)),
		log:  logging.Noop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.view.Store(buildView(nil, 0))
	return t
}

// View returns the current immutable snapshot of the topology.
func (t *Topology) View() *View {
	return t.view.Load()
}

// Generation returns the number of mutations applied so far.
func (t *Topology) Generation() uint64 {
	return t.View().generation
}

// AddLinks inserts links. Either every link is added or none is.
func (t *Topology) AddLinks(links ...*model.Link) error {
	if len(links) == 0 {
		return nil
	}

	t.mu.Lock()
	cur := t.View()
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if err := validateLink(l); err != nil {
			t.mu.Unlock()
			return err
		}
		if _, exists := cur.index[l.ID]; exists || seen[l.ID] {
			t.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrLinkExists, l.ID)
		}
		seen[l.ID] = true
	}

	next := make([]*model.Link, 0, len(cur.links)+len(links))
	next = append(next, cur.links...)
	ids := make([]string, 0, len(links))
	for _, l := range links {
		next = append(next, l.Clone())
		ids = append(ids, l.ID)
	}
	t.publishLocked(next)
	return t.notifyAndUnlock(Event{Kind: EventLinksAdded, LinkIDs: ids})
}

// RemoveLinks deletes links by ID. Unknown IDs fail the whole call.
func (t *Topology) RemoveLinks(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	t.mu.Lock()
	cur := t.View()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			t.mu.Unlock()
			return fmt.Errorf("%w", ErrEmptyLinkID)
		}
		if _, ok := cur.index[id]; !ok {
			t.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrLinkNotFound, id)
		}
		drop[id] = true
	}

	next := make([]*model.Link, 0, len(cur.links))
	for _, l := range cur.links {
		if !drop[l.ID] {
			next = append(next, l)
		}
	}
	t.publishLocked(next)
	return t.notifyAndUnlock(Event{Kind: EventLinksRemoved, LinkIDs: slices.Clone(ids)})
}

// ReplaceAll clears the topology and installs links in their place. This is
// how a reloaded configuration is applied.
func (t *Topology) ReplaceAll(links []*model.Link) error {
	seen := make(map[string]bool, len(links))
	next := make([]*model.Link, 0, len(links))
	for _, l := range links {
		if err := validateLink(l); err != nil {
			return err
		}
		if seen[l.ID] {
			return fmt.Errorf("%w: %q", ErrLinkExists, l.ID)
		}
		seen[l.ID] = true
		next = append(next, l.Clone())
	}

	t.mu.Lock()
	t.publishLocked(next)
	ids := make([]string, len(next))
	for i, l := range next {
		ids[i] = l.ID
	}
	return t.notifyAndUnlock(Event{Kind: EventReplaced, LinkIDs: ids})
}

// SetAdmission replaces the admission lists of a link. Reachability does
// not depend on admission, so the cache is carried over untouched.
func (t *Topology) SetAdmission(id string, sourceDevices []string, tenants []model.TenantID) error {
	t.mu.Lock()
	cur := t.View()
	idx, ok := cur.index[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrLinkNotFound, id)
	}

	updated := cur.links[idx].Clone()
	updated.SourceDevices = slices.Clone(sourceDevices)
	updated.Tenants = slices.Clone(tenants)

	next := *cur
	next.links = slices.Clone(cur.links)
	next.links[idx] = updated
	next.generation = cur.generation + 1
	t.view.Store(&next)

	return t.notifyAndUnlock(Event{Kind: EventAdmissionChanged, LinkIDs: []string{id}})
}

// Link returns a link by ID, or nil if not found.
func (t *Topology) Link(id string) *model.Link { return t.View().Link(id) }

// Links returns all links in declaration order.
func (t *Topology) Links() []*model.Link { return t.View().Links() }

// LinksFrom returns every link leaving output.
func (t *Topology) LinksFrom(output model.Endpoint) []*model.Link { return t.View().LinksFrom(output) }

// LinksTo returns every link entering input.
func (t *Topology) LinksTo(input model.Endpoint) []*model.Link { return t.View().LinksTo(input) }

// IsMidpoint reports whether the control has both incoming and outgoing links.
func (t *Topology) IsMidpoint(ctrl model.ControlKey) bool { return t.View().IsMidpoint(ctrl) }

// LinkFrom returns the first link leaving output that carries flag.
func (t *Topology) LinkFrom(output model.Endpoint, flag model.SignalType) *model.Link {
	return t.View().LinkFrom(output, flag)
}

// LinkTo returns the first link entering input that carries flag.
func (t *Topology) LinkTo(input model.Endpoint, flag model.SignalType) *model.Link {
	return t.View().LinkTo(input, flag)
}

// LinksFromDevice returns the links leaving any output of the control.
func (t *Topology) LinksFromDevice(ctrl model.ControlKey) []*model.Link {
	return t.View().LinksFromControl(ctrl)
}

// LinksToDevice returns the links entering any input of the control.
func (t *Topology) LinksToDevice(ctrl model.ControlKey) []*model.Link {
	return t.View().LinksToControl(ctrl)
}

// Reachable reports the first hop after fromID on the best path to toID.
func (t *Topology) Reachable(fromID, toID string, flag model.SignalType) (*model.Link, error) {
	hop, err := t.View().Reachable(fromID, toID, flag)
	if err == nil && t.metrics != nil {
		t.metrics.ObserveReachabilityLookup(hop != nil)
	}
	return hop, err
}

// Subscribe registers a callback for topology events. It returns an
// unsubscribe function.
func (t *Topology) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// publishLocked rebuilds the derived indices for links and stores the new
// view. Caller must hold t.mu.
func (t *Topology) publishLocked(links []*model.Link) {
	_, span := otel.Tracer(tracerName).Start(context.Background(), "Topology/Rebuild")
	defer span.End()

	start := time.Now()
	v := buildView(links, t.View().generation+1)
	elapsed := time.Since(start)
	t.view.Store(v)

	span.SetAttributes(
		attribute.Int64("generation", int64(v.generation)),
		attribute.Int("links", len(v.links)),
		attribute.Int("reachability_entries", v.reach.entries),
	)

	if t.metrics != nil {
		t.metrics.ObserveReachabilityRebuild(elapsed)
		t.metrics.SetTopologyCounts(len(v.links), v.midpointCount(), v.reach.entries)
	}
}

// notifyAndUnlock releases t.mu and then delivers ev to a snapshot of the
// subscribers, so callbacks may call back into the topology.
func (t *Topology) notifyAndUnlock(ev Event) error {
	ev.Generation = t.View().generation
	subs := make([]func(Event), 0, len(t.subs))
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		subs = append(subs, t.subs[id])
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub(ev)
	}
	return nil
}

func validateLink(l *model.Link) error {
	if l == nil {
		return fmt.Errorf("%w: nil link", ErrLinkBadInput)
	}
	if l.ID == "" {
		return fmt.Errorf("%w", ErrEmptyLinkID)
	}
	if l.Signals == model.SignalNone {
		return fmt.Errorf("%w: %q carries no signals", ErrLinkBadInput, l.ID)
	}
	if l.Source.IsZero() || l.Destination.IsZero() {
		return fmt.Errorf("%w: %q has an unset endpoint", ErrLinkBadInput, l.ID)
	}
	if l.Source.Control() == l.Destination.Control() {
		return fmt.Errorf("%w: %q loops back onto control %s", ErrLinkBadInput, l.ID, l.Source.Control())
	}
	return nil
}
