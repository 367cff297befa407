package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/model"
)

var (
	// ErrStaticRouteInvalid is reported for static routes that cannot be
	// resolved against the current topology.
	ErrStaticRouteInvalid = errors.New("invalid static route")
	// ErrStaticRouteConflict is reported when two static routes need
	// different inputs on the same output.
	ErrStaticRouteConflict = errors.New("conflicting static routes")
)

// StaticMetrics receives static route enforcement measurements.
type StaticMetrics interface {
	IncStaticReassertions(n int)
}

// StaticOption customises StaticRoutes construction.
type StaticOption func(*StaticRoutes)

// WithStaticMetrics attaches an optional metrics recorder.
func WithStaticMetrics(m StaticMetrics) StaticOption {
	return func(s *StaticRoutes) {
		s.metrics = m
	}
}

type outputFlag struct {
	output string
	flag   model.SignalType
}

// pin is one crosspoint a static route requires.
type pin struct {
	route string
	input string
}

// StaticRoutes keeps a set of link chains connected regardless of dynamic
// routing. Whenever a crosspoint on a pinned control changes, every pinned
// output of that control whose input differs is switched back. Admission
// and usage are not consulted.
type StaticRoutes struct {
	topo    *core.Topology
	devices *sbi.Registry
	log     logging.Logger
	metrics StaticMetrics

	mu        sync.RWMutex
	routes    []model.StaticRoute
	byControl map[model.ControlKey]map[outputFlag]pin

	reassertions uint64
}

// NewStaticRoutes creates an enforcer with no routes.
func NewStaticRoutes(topo *core.Topology, devices *sbi.Registry, log logging.Logger, opts ...StaticOption) *StaticRoutes {
	if log == nil {
		log = logging.Noop()
	}
	s := &StaticRoutes{
		topo:      topo,
		devices:   devices,
		log:       log,
		byControl: make(map[model.ControlKey]map[outputFlag]pin),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Replace installs routes and indexes them against the current topology.
// Routes that cannot be resolved are skipped and reported in the returned
// error; the rest are installed regardless.
func (s *StaticRoutes) Replace(routes []model.StaticRoute) error {
	cp := make([]model.StaticRoute, len(routes))
	for i, r := range routes {
		cp[i] = r
		cp[i].LinkIDs = append([]string(nil), r.LinkIDs...)
	}
	s.mu.Lock()
	s.routes = cp
	s.mu.Unlock()
	return s.Reindex()
}

// Routes returns a copy of the installed routes.
func (s *StaticRoutes) Routes() []model.StaticRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StaticRoute, len(s.routes))
	copy(out, s.routes)
	return out
}

// Reindex resolves the installed routes against the current topology. It
// must be called after the topology changes. Earlier routes win conflicts.
func (s *StaticRoutes) Reindex() error {
	v := s.topo.View()

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	index := make(map[model.ControlKey]map[outputFlag]pin)
	for _, r := range s.routes {
		junctions, mask, err := resolveStatic(v, r)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, flag := range mask.Flags() {
			for _, j := range junctions {
				pins, ok := index[j.Control]
				if !ok {
					pins = make(map[outputFlag]pin)
					index[j.Control] = pins
				}
				k := outputFlag{output: j.Output, flag: flag}
				if prev, taken := pins[k]; taken && prev.input != j.Input {
					errs = multierr.Append(errs, fmt.Errorf("%w: %q and %q on %s output %s (%s)",
						ErrStaticRouteConflict, prev.route, r.Name, j.Control, j.Output, flag))
					continue
				}
				pins[k] = pin{route: r.Name, input: j.Input}
			}
		}
	}
	s.byControl = index

	for _, err := range multierr.Errors(errs) {
		s.log.Warn(context.Background(), "static route skipped", logging.Err(err))
	}
	return errs
}

// resolveStatic maps a route onto its junctions. Flags not carried by every
// link are dropped; a route left with no flags is invalid.
func resolveStatic(v *core.View, r model.StaticRoute) ([]model.Junction, model.SignalType, error) {
	if len(r.LinkIDs) == 0 {
		return nil, 0, fmt.Errorf("%w: %q has no links", ErrStaticRouteInvalid, r.Name)
	}
	path := &model.Path{Links: make([]*model.Link, 0, len(r.LinkIDs))}
	mask := r.Signals
	for i, id := range r.LinkIDs {
		link := v.Link(id)
		if link == nil {
			return nil, 0, fmt.Errorf("%w: %q names unknown link %q", ErrStaticRouteInvalid, r.Name, id)
		}
		if i > 0 && path.Links[i-1].Destination.Control() != link.Source.Control() {
			return nil, 0, fmt.Errorf("%w: %q links %q and %q do not meet at a control",
				ErrStaticRouteInvalid, r.Name, r.LinkIDs[i-1], id)
		}
		mask &= link.Signals
		path.Links = append(path.Links, link)
	}
	if mask == model.SignalNone {
		return nil, 0, fmt.Errorf("%w: %q links share none of %s", ErrStaticRouteInvalid, r.Name, r.Signals)
	}
	return path.Junctions(), mask, nil
}

// EnforceAll re-asserts every static crosspoint that is not in place.
// Commands rejected by devices are reported in the returned error.
func (s *StaticRoutes) EnforceAll(ctx context.Context) error {
	s.mu.RLock()
	ctrls := make([]model.ControlKey, 0, len(s.byControl))
	for ctrl := range s.byControl {
		ctrls = append(ctrls, ctrl)
	}
	s.mu.RUnlock()
	sort.Slice(ctrls, func(i, j int) bool { return ctrls[i].String() < ctrls[j].String() })

	var errs error
	for _, ctrl := range ctrls {
		errs = multierr.Append(errs, s.enforce(ctx, ctrl))
	}
	return errs
}

// HandleCrosspointChanged re-asserts the static crosspoints of ctrl.
func (s *StaticRoutes) HandleCrosspointChanged(ctx context.Context, ctrl model.ControlKey) error {
	return s.enforce(ctx, ctrl)
}

// HandleEvent is the bus handler form of HandleCrosspointChanged.
func (s *StaticRoutes) HandleEvent(ctx context.Context, ev sbi.Event) {
	if ev.Kind != sbi.EventCrosspointChanged {
		return
	}
	if err := s.enforce(ctx, ev.Control); err != nil {
		s.log.Warn(ctx, "static route enforcement failed",
			logging.String("control", ev.Control.String()),
			logging.Err(err),
		)
	}
}

// Reassertions returns how many commands were issued to restore static
// crosspoints.
func (s *StaticRoutes) Reassertions() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reassertions
}

type staticCmd struct {
	input  string
	output string
	mask   model.SignalType
	routes []string
}

func (s *StaticRoutes) enforce(ctx context.Context, ctrl model.ControlKey) error {
	s.mu.RLock()
	pins := s.byControl[ctrl]
	if len(pins) == 0 {
		s.mu.RUnlock()
		return nil
	}
	snapshot := make(map[outputFlag]pin, len(pins))
	for k, p := range pins {
		snapshot[k] = p
	}
	s.mu.RUnlock()

	sw, ok := s.devices.Switcher(ctrl)
	if !ok {
		s.log.Debug(ctx, "static route crosses a control that cannot switch", logging.String("control", ctrl.String()))
		return nil
	}

	byIO := make(map[[2]string]*staticCmd)
	var cmds []*staticCmd
	for k, p := range snapshot {
		if cur, ok := sw.CurrentInput(k.output, k.flag); ok && cur == p.input {
			continue
		}
		io := [2]string{p.input, k.output}
		c, exists := byIO[io]
		if !exists {
			c = &staticCmd{input: p.input, output: k.output}
			byIO[io] = c
			cmds = append(cmds, c)
		}
		c.mask |= k.flag
		c.routes = append(c.routes, p.route)
	}
	if len(cmds) == 0 {
		return nil
	}
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].output != cmds[j].output {
			return cmds[i].output < cmds[j].output
		}
		return cmds[i].input < cmds[j].input
	})

	var errs error
	issued := 0
	for _, c := range cmds {
		fields := []logging.Field{
			logging.String("control", ctrl.String()),
			logging.String("input", c.input),
			logging.String("output", c.output),
			logging.String("signals", c.mask.String()),
			logging.Any("static_routes", c.routes),
		}
		ack := func(err error) {
			if err != nil {
				s.log.Warn(ctx, "static route command failed", append(fields, logging.Err(err))...)
			}
		}
		if err := sw.Route(ctx, c.input, c.output, c.mask, ack); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s %s<-%s: %w", ctrl, c.output, c.input, err))
			continue
		}
		issued++
		s.log.Info(ctx, "static route reasserted", fields...)
	}

	if issued > 0 {
		s.mu.Lock()
		s.reassertions += uint64(issued)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.IncStaticReassertions(issued)
		}
	}
	return errs
}
