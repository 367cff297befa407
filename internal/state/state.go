// Package state keeps the State Cache: per-endpoint port states reported by
// devices, and the routing map derived from live crosspoints in both
// directions (destination -> routed sources, source -> reached
// destinations).
package state

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/model"
)

// NotificationKind identifies what a Notification reports.
type NotificationKind int

const (
	RouteChanged NotificationKind = iota
	SourceDestinationsChanged
	TransmissionChanged
	DetectionChanged
	InputActiveChanged
)

func (k NotificationKind) String() string {
	switch k {
	case RouteChanged:
		return "route_changed"
	case SourceDestinationsChanged:
		return "source_destinations_changed"
	case TransmissionChanged:
		return "transmission_changed"
	case DetectionChanged:
		return "detection_changed"
	case InputActiveChanged:
		return "input_active_changed"
	default:
		return "unknown"
	}
}

// Notification is delivered to subscribers after the cache changed.
//
// For RouteChanged, Endpoint is the destination and Old/New its routed
// sources. For SourceDestinationsChanged, Endpoint is the source and
// Old/New the destinations it reaches. The port state kinds carry State.
type Notification struct {
	Kind     NotificationKind
	Endpoint model.Endpoint
	Signal   model.SignalType
	Old      []model.Endpoint
	New      []model.Endpoint
	State    bool
}

// MetricsRecorder receives routing map measurements.
type MetricsRecorder interface {
	IncRouteChanges(n int)
	SetRoutedDestinations(n int)
}

type epFlag struct {
	ep   model.Endpoint
	flag model.SignalType
}

// Cache is the State Cache. It is safe for concurrent use.
type Cache struct {
	topo    *core.Topology
	xp      core.Crosspoints
	devices *sbi.Registry
	log     logging.Logger
	metrics MetricsRecorder

	mu           sync.RWMutex
	transmitting map[epFlag]bool
	detected     map[epFlag]bool
	active       map[epFlag]bool
	routed       map[epFlag][]model.Endpoint
	reached      map[epFlag][]model.Endpoint

	subMu  sync.Mutex
	subs   map[int]func(context.Context, Notification)
	nextID int
}

// CacheOption customises Cache construction.
type CacheOption func(*Cache)

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithDevices lets Rebuild seed port states by asking the registered
// controls, so the cache is correct before the first device event.
func WithDevices(reg *sbi.Registry) CacheOption {
	return func(c *Cache) {
		c.devices = reg
	}
}

// NewCache creates an empty cache over topo, reading live crosspoints from
// xp. Call Rebuild to populate it.
func NewCache(topo *core.Topology, xp core.Crosspoints, log logging.Logger, opts ...CacheOption) *Cache {
	if log == nil {
		log = logging.Noop()
	}
	c := &Cache{
		topo:         topo,
		xp:           xp,
		log:          log,
		transmitting: make(map[epFlag]bool),
		detected:     make(map[epFlag]bool),
		active:       make(map[epFlag]bool),
		routed:       make(map[epFlag][]model.Endpoint),
		reached:      make(map[epFlag][]model.Endpoint),
		subs:         make(map[int]func(context.Context, Notification)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Subscribe registers fn for cache notifications. It returns an
// unsubscribe function.
func (c *Cache) Subscribe(fn func(context.Context, Notification)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// Rebuild recomputes the whole routing map by walking every terminal
// destination backward through the live crosspoints. It is used at
// startup and after the topology is replaced.
func (c *Cache) Rebuild(ctx context.Context) {
	v := c.topo.View()

	next := make(map[epFlag][]model.Endpoint)
	for _, dest := range v.TerminalDestinations(c.xp) {
		var carried model.SignalType
		for _, l := range v.LinksTo(dest) {
			carried |= l.Signals
		}
		for _, flag := range carried.Flags() {
			if sources := v.TraceSources(dest, flag, c.xp); len(sources) > 0 {
				next[epFlag{dest, flag}] = sortEndpoints(sources)
			}
		}
	}

	c.mu.Lock()
	var out []Notification
	for k := range c.routed {
		if _, ok := next[k]; !ok {
			out = append(out, c.setRoutedLocked(k, nil)...)
		}
	}
	keys := make([]epFlag, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessEpFlag(keys[i], keys[j]) })
	for _, k := range keys {
		out = append(out, c.setRoutedLocked(k, next[k])...)
	}
	if c.devices != nil {
		out = append(out, c.seedPortsLocked(v)...)
	}
	routedCount := len(c.routed)
	c.mu.Unlock()

	c.log.Debug(ctx, "state cache rebuilt",
		logging.Int("routed_destinations", routedCount),
		logging.Int("notifications", len(out)),
	)
	c.publish(ctx, out)
}

// HandleEvent applies a raw device notification.
func (c *Cache) HandleEvent(ctx context.Context, ev sbi.Event) {
	switch ev.Kind {
	case sbi.EventCrosspointChanged:
		c.crosspointChanged(ctx, ev)
	case sbi.EventTransmissionChanged:
		c.setPort(ctx, c.transmitting, TransmissionChanged, ev)
	case sbi.EventDetectionChanged:
		c.setPort(ctx, c.detected, DetectionChanged, ev)
	case sbi.EventInputActiveChanged:
		c.setPort(ctx, c.active, InputActiveChanged, ev)
	}
}

// crosspointChanged finds every destination downstream of the changed
// output, recomputes each one's sources from the live crosspoints and
// records the differences. Crosspoints below the output are untouched by
// the event, so the forward walk covers every destination it can affect.
func (c *Cache) crosspointChanged(ctx context.Context, ev sbi.Event) {
	v := c.topo.View()
	flag := ev.Signal

	var dests []model.Endpoint
	for _, l := range v.LinksFrom(ev.Endpoint()) {
		for _, d := range v.ForwardDestinations(l.ID, flag, c.xp, nil) {
			if !slices.Contains(dests, d) {
				dests = append(dests, d)
			}
		}
	}
	updates := make(map[epFlag][]model.Endpoint, len(dests))
	for _, d := range dests {
		updates[epFlag{d, flag}] = sortEndpoints(v.TraceSources(d, flag, c.xp))
	}

	c.mu.Lock()
	var out []Notification
	for _, d := range dests {
		k := epFlag{d, flag}
		out = append(out, c.setRoutedLocked(k, updates[k])...)
	}
	c.mu.Unlock()

	c.publish(ctx, out)
}

// setRoutedLocked replaces the routed sources of one destination and keeps
// the reverse map in step. It returns the notifications for any change.
// Caller must hold c.mu.
func (c *Cache) setRoutedLocked(k epFlag, sources []model.Endpoint) []Notification {
	old := c.routed[k]
	if slices.Equal(old, sources) {
		return nil
	}
	if len(sources) == 0 {
		delete(c.routed, k)
	} else {
		c.routed[k] = sources
	}

	out := []Notification{{
		Kind:     RouteChanged,
		Endpoint: k.ep,
		Signal:   k.flag,
		Old:      old,
		New:      slices.Clone(sources),
	}}
	for _, s := range old {
		if !slices.Contains(sources, s) {
			out = append(out, c.moveReachedLocked(epFlag{s, k.flag}, k.ep, false))
		}
	}
	for _, s := range sources {
		if !slices.Contains(old, s) {
			out = append(out, c.moveReachedLocked(epFlag{s, k.flag}, k.ep, true))
		}
	}
	return out
}

// moveReachedLocked adds or removes dest from the destinations a source
// reaches. Caller must hold c.mu.
func (c *Cache) moveReachedLocked(src epFlag, dest model.Endpoint, add bool) Notification {
	old := c.reached[src]
	var next []model.Endpoint
	if add {
		next = sortEndpoints(append(slices.Clone(old), dest))
	} else {
		next = slices.DeleteFunc(slices.Clone(old), func(e model.Endpoint) bool { return e == dest })
	}
	if len(next) == 0 {
		delete(c.reached, src)
	} else {
		c.reached[src] = next
	}
	return Notification{
		Kind:     SourceDestinationsChanged,
		Endpoint: src.ep,
		Signal:   src.flag,
		Old:      old,
		New:      slices.Clone(next),
	}
}

func (c *Cache) setPort(ctx context.Context, m map[epFlag]bool, kind NotificationKind, ev sbi.Event) {
	c.mu.Lock()
	changed := c.setPortLocked(m, epFlag{ev.Endpoint(), ev.Signal}, ev.State)
	c.mu.Unlock()
	if changed {
		c.publish(ctx, []Notification{{Kind: kind, Endpoint: ev.Endpoint(), Signal: ev.Signal, State: ev.State}})
	}
}

func (c *Cache) setPortLocked(m map[epFlag]bool, k epFlag, on bool) bool {
	if m[k] == on {
		return false
	}
	if on {
		m[k] = true
	} else {
		delete(m, k)
	}
	return true
}

// seedPortsLocked reads port states from the registered controls for
// every endpoint in the view. Caller must hold c.mu.
func (c *Cache) seedPortsLocked(v *core.View) []Notification {
	var out []Notification
	for _, l := range v.Links() {
		for _, flag := range l.Signals.Flags() {
			if src, ok := c.devices.Source(l.Source.Control()); ok {
				on := src.TransmissionState(l.Source.Address, flag)
				if c.setPortLocked(c.transmitting, epFlag{l.Source, flag}, on) {
					out = append(out, Notification{Kind: TransmissionChanged, Endpoint: l.Source, Signal: flag, State: on})
				}
			}
			if dst, ok := c.devices.Destination(l.Destination.Control()); ok {
				k := epFlag{l.Destination, flag}
				on := dst.SignalDetected(l.Destination.Address, flag)
				if c.setPortLocked(c.detected, k, on) {
					out = append(out, Notification{Kind: DetectionChanged, Endpoint: l.Destination, Signal: flag, State: on})
				}
				on = dst.InputActive(l.Destination.Address, flag)
				if c.setPortLocked(c.active, k, on) {
					out = append(out, Notification{Kind: InputActiveChanged, Endpoint: l.Destination, Signal: flag, State: on})
				}
			}
		}
	}
	return out
}

func (c *Cache) publish(ctx context.Context, out []Notification) {
	if len(out) == 0 {
		return
	}
	if c.metrics != nil {
		n := 0
		for _, note := range out {
			if note.Kind == RouteChanged {
				n++
			}
		}
		if n > 0 {
			c.metrics.IncRouteChanges(n)
		}
		c.mu.RLock()
		routed := len(c.routed)
		c.mu.RUnlock()
		c.metrics.SetRoutedDestinations(routed)
	}

	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(context.Context, Notification), len(ids))
	for i, id := range ids {
		subs[i] = c.subs[id]
	}
	c.subMu.Unlock()

	for _, note := range out {
		for _, sub := range subs {
			sub(ctx, note)
		}
	}
}

// RoutedSourcesFor returns the sources currently routed to dest for flag.
func (c *Cache) RoutedSourcesFor(dest model.Endpoint, flag model.SignalType) []model.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.routed[epFlag{dest, flag}])
}

// DestinationsFor returns the destinations source currently reaches for flag.
func (c *Cache) DestinationsFor(source model.Endpoint, flag model.SignalType) []model.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.reached[epFlag{source, flag}])
}

// TraceSource walks upstream from input through the live crosspoints and
// returns the origin and the active chain of links, upstream first.
func (c *Cache) TraceSource(input model.Endpoint, flag model.SignalType) (model.Endpoint, []*model.Link, bool) {
	return c.topo.View().TraceSource(input, flag, c.xp)
}

// Transmitting reports the last known transmission state of an output.
func (c *Cache) Transmitting(ep model.Endpoint, flag model.SignalType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transmitting[epFlag{ep, flag}]
}

// Detected reports whether a signal was last seen on an input.
func (c *Cache) Detected(ep model.Endpoint, flag model.SignalType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detected[epFlag{ep, flag}]
}

// InputActive reports whether an input was last reported in use.
func (c *Cache) InputActive(ep model.Endpoint, flag model.SignalType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[epFlag{ep, flag}]
}

func sortEndpoints(eps []model.Endpoint) []model.Endpoint {
	sort.Slice(eps, func(i, j int) bool { return lessEndpoint(eps[i], eps[j]) })
	return eps
}

func lessEndpoint(a, b model.Endpoint) bool {
	if a.DeviceID != b.DeviceID {
		return a.DeviceID < b.DeviceID
	}
	if a.ControlID != b.ControlID {
		return a.ControlID < b.ControlID
	}
	return a.Address < b.Address
}

func lessEpFlag(a, b epFlag) bool {
	if a.ep != b.ep {
		return lessEndpoint(a.ep, b.ep)
	}
	return a.flag < b.flag
}
