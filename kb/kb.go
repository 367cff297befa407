// Package kb holds the logical directory: named sources and destinations
// that map to one or more physical endpoints, each providing some of the
// signal kinds.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/crosspoint-router/model"
)

var (
	ErrNameExists   = errors.New("logical name already exists")
	ErrNameNotFound = errors.New("logical name not found")
	ErrNoEndpoint   = errors.New("logical name has no endpoint for signal")
)

// Kind separates the two namespaces of the directory.
type Kind int

const (
	KindSource Kind = iota
	KindDestination
)

func (k Kind) String() string {
	if k == KindDestination {
		return "destination"
	}
	return "source"
}

// EventType indicates what kind of change happened in the directory.
type EventType int

const (
	EventEntryAdded EventType = iota
	EventReplaced
)

// Event is emitted to subscribers when the directory changes.
type Event struct {
	Type  EventType
	Kind  Kind
	Entry model.LogicalEndpoint
}

// Directory is an in-memory, thread-safe store of logical endpoints.
type Directory struct {
	mu sync.RWMutex

	entries map[Kind]map[string]model.LogicalEndpoint

	subs   map[int]func(Event)
	nextID int
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		entries: map[Kind]map[string]model.LogicalEndpoint{
			KindSource:      {},
			KindDestination: {},
		},
		subs: make(map[int]func(Event)),
	}
}

// Add stores a logical endpoint. It returns an error if the name is taken.
func (d *Directory) Add(kind Kind, le model.LogicalEndpoint) error {
	d.mu.Lock()
	if _, exists := d.entries[kind][le.Name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrNameExists, kind, le.Name)
	}
	le = clone(le)
	d.entries[kind][le.Name] = le
	subs := d.subscribersLocked()
	d.mu.Unlock()

	notify(subs, Event{Type: EventEntryAdded, Kind: kind, Entry: clone(le)})
	return nil
}

// Replace swaps the whole directory contents, as after a config reload.
func (d *Directory) Replace(sources, destinations []model.LogicalEndpoint) {
	next := map[Kind]map[string]model.LogicalEndpoint{
		KindSource:      make(map[string]model.LogicalEndpoint, len(sources)),
		KindDestination: make(map[string]model.LogicalEndpoint, len(destinations)),
	}
	for _, le := range sources {
		next[KindSource][le.Name] = clone(le)
	}
	for _, le := range destinations {
		next[KindDestination][le.Name] = clone(le)
	}

	d.mu.Lock()
	d.entries = next
	subs := d.subscribersLocked()
	d.mu.Unlock()

	notify(subs, Event{Type: EventReplaced})
}

// Get returns the logical endpoint with the given name.
func (d *Directory) Get(kind Kind, name string) (model.LogicalEndpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	le, ok := d.entries[kind][name]
	if !ok {
		return model.LogicalEndpoint{}, false
	}
	return clone(le), true
}

// Resolve returns the physical endpoint providing flag for the logical
// endpoint name. The first endpoint listed for the flag wins.
func (d *Directory) Resolve(kind Kind, name string, flag model.SignalType) (model.Endpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	le, ok := d.entries[kind][name]
	if !ok {
		return model.Endpoint{}, fmt.Errorf("%w: %s %q", ErrNameNotFound, kind, name)
	}
	for _, c := range le.Endpoints {
		if c.Signals.Has(flag) {
			return c.Endpoint, nil
		}
	}
	return model.Endpoint{}, fmt.Errorf("%w: %s %q has no %s", ErrNoEndpoint, kind, name, flag)
}

// Names returns every name of the given kind, sorted.
func (d *Directory) Names(kind Kind) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	res := make([]string, 0, len(d.entries[kind]))
	for name := range d.entries[kind] {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Subscribe registers a callback for directory events. It returns an
// unsubscribe function.
func (d *Directory) Subscribe(fn func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// subscribersLocked snapshots subscribers in subscription order.
// Caller must hold d.mu.
func (d *Directory) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = d.subs[id]
	}
	return out
}

// notify runs outside the lock to avoid deadlocks.
func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}

func clone(le model.LogicalEndpoint) model.LogicalEndpoint {
	le.Endpoints = append([]model.Connection(nil), le.Endpoints...)
	return le
}
