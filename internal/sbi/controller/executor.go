package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/internal/observability"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/internal/usage"
	"github.com/signalsfoundry/crosspoint-router/kb"
	"github.com/signalsfoundry/crosspoint-router/model"
)

var (
	// ErrUnknownEndpoint is returned when a request names an endpoint no
	// link touches.
	ErrUnknownEndpoint = errors.New("endpoint is not part of the topology")
	// ErrNoSignals is returned for requests with an empty signal mask.
	ErrNoSignals = errors.New("request has no signals")
	// ErrNoDirectory is returned by RouteByName when no directory is set.
	ErrNoDirectory = errors.New("no logical directory configured")
)

const (
	// DefaultIntentTimeout bounds how long an intent waits for devices.
	DefaultIntentTimeout = 10 * time.Second
	// DefaultHistorySize is how many settled intents stay queryable.
	DefaultHistorySize = 1024
)

// Metrics receives executor measurements.
type Metrics interface {
	IntentStarted(kind string)
	IntentSettled(kind string, success bool, reason string, d time.Duration)
	CommandIssued(kind string)
	CommandFinished(kind string, err error)
	SetPendingIntents(n int)
}

// activeKey identifies a standing route: a later route for the same key
// supersedes it.
type activeKey struct {
	tenant model.TenantID
	dest   model.Endpoint
	flag   model.SignalType
}

type activeRoute struct {
	intent *Intent
	source model.Endpoint
	path   *model.Path
}

type cmdKey struct {
	ctrl   model.ControlKey
	input  string
	output string
}

// command is one device command, possibly serving several flags.
type command struct {
	key  cmdKey
	mask model.SignalType
	sw   sbi.SwitcherControl
}

func (c *command) kind() string {
	if c.key.input == "" {
		return "clear"
	}
	return "route"
}

// Executor turns route and unroute requests into crosspoint commands and
// tracks their asynchronous completion.
type Executor struct {
	topo    *core.Topology
	finder  *core.PathFinder
	ledger  *usage.Ledger
	devices *sbi.Registry
	dir     *kb.Directory

	log        logging.Logger
	metrics    Metrics
	sbiMetrics *sbi.SBIMetrics
	clock      clock.Clock
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string]*Intent
	active  map[activeKey]*activeRoute
	history *lru.Cache[string, *Intent]

	subs   map[int]func(*Intent)
	nextID int
}

// ExecutorOption customises Executor construction.
type ExecutorOption func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(log logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics attaches an optional metrics recorder.
func WithMetrics(m Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithSBIMetrics attaches in-memory device traffic counters.
func WithSBIMetrics(m *sbi.SBIMetrics) ExecutorOption {
	return func(e *Executor) {
		e.sbiMetrics = m
	}
}

// WithClock replaces the wall clock, e.g. with clock.NewMock in tests.
func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIntentTimeout sets how long an intent may wait for devices. Zero
// disables the timeout.
func WithIntentTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

// WithDirectory enables RouteByName.
func WithDirectory(dir *kb.Directory) ExecutorOption {
	return func(e *Executor) {
		e.dir = dir
	}
}

// WithHistorySize bounds how many settled intents Intent can still find.
func WithHistorySize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			if h, err := lru.New[string, *Intent](n); err == nil {
				e.history = h
			}
		}
	}
}

// NewExecutor creates an executor. Paths are admitted by ledger and
// commands are sent to the controls in devices.
func NewExecutor(topo *core.Topology, ledger *usage.Ledger, devices *sbi.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		topo:       topo,
		finder:     core.NewPathFinder(topo, ledger),
		ledger:     ledger,
		devices:    devices,
		log:        logging.Noop(),
		sbiMetrics: sbi.NewSBIMetrics(),
		clock:      clock.New(),
		timeout:    DefaultIntentTimeout,
		pending:    make(map[string]*Intent),
		active:     make(map[activeKey]*activeRoute),
		subs:       make(map[int]func(*Intent)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.history == nil {
		e.history, _ = lru.New[string, *Intent](DefaultHistorySize)
	}
	return e
}

// SBIMetrics exposes the device traffic counters.
func (e *Executor) SBIMetrics() *sbi.SBIMetrics { return e.sbiMetrics }

// Route connects req.Source to req.Destination for every flag in
// req.Signals. Each flag gets its own fewest-hop path; a flag without a
// path fails on its own without failing the call. The returned intent
// settles once every issued command has been acknowledged.
func (e *Executor) Route(ctx context.Context, req model.RouteIntent) (*Intent, error) {
	if req.Signals == model.SignalNone {
		return nil, ErrNoSignals
	}
	v := e.topo.View()
	if len(v.LinksFrom(req.Source)) == 0 {
		return nil, fmt.Errorf("%w: source %s", ErrUnknownEndpoint, req.Source)
	}
	if len(v.LinksTo(req.Destination)) == 0 {
		return nil, fmt.Errorf("%w: destination %s", ErrUnknownEndpoint, req.Destination)
	}

	legs := make([]*leg, 0, 4)
	for _, flag := range req.Signals.Flags() {
		legs = append(legs, &leg{flag: flag, src: req.Source, dst: req.Destination})
	}
	return e.route(ctx, req.ID, req.Tenant, legs), nil
}

// RouteByName resolves logical source and destination names through the
// directory, per flag, and routes them. A flag the logical endpoints do not
// provide fails on its own.
func (e *Executor) RouteByName(ctx context.Context, source, destination string, signals model.SignalType, tenant model.TenantID) (*Intent, error) {
	if e.dir == nil {
		return nil, ErrNoDirectory
	}
	if signals == model.SignalNone {
		return nil, ErrNoSignals
	}
	if _, ok := e.dir.Get(kb.KindSource, source); !ok {
		return nil, fmt.Errorf("%w: source %q", kb.ErrNameNotFound, source)
	}
	if _, ok := e.dir.Get(kb.KindDestination, destination); !ok {
		return nil, fmt.Errorf("%w: destination %q", kb.ErrNameNotFound, destination)
	}

	legs := make([]*leg, 0, 4)
	for _, flag := range signals.Flags() {
		l := &leg{flag: flag}
		src, err := e.dir.Resolve(kb.KindSource, source, flag)
		if err != nil {
			l.fail(ReasonNoEndpoint, err)
		}
		dst, err := e.dir.Resolve(kb.KindDestination, destination, flag)
		if err != nil {
			l.fail(ReasonNoEndpoint, err)
		}
		l.src, l.dst = src, dst
		legs = append(legs, l)
	}
	return e.route(ctx, "", tenant, legs), nil
}

func (e *Executor) route(ctx context.Context, id string, tenant model.TenantID, legs []*leg) *Intent {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, log := logging.WithIntentLogger(logging.ContextWithIntentID(ctx, id), e.log)
	ctx, span := observability.StartSpan(ctx, "Executor/Route", "intent", id,
		attribute.Int64("tenant", int64(tenant)),
	)
	defer span.End()

	it := newIntent(id, KindRoute, tenant, e.clock.Now())
	for _, l := range legs {
		it.addLeg(l)
	}
	span.SetAttributes(attribute.String("signals", it.signals.String()))
	if e.metrics != nil {
		e.metrics.IntentStarted(KindRoute.String())
	}

	var (
		cmds       []*command
		byKey      = make(map[cmdKey]*command)
		superseded []*Intent
	)

	e.mu.Lock()
	for _, l := range legs {
		if l.failed {
			log.Info(ctx, "signal not routable", logging.String("signal", l.flag.String()), logging.String("reason", l.reason))
			continue
		}
		path, err := e.finder.FindPath(l.src, l.dst, l.flag, tenant)
		if err != nil {
			l.fail(ReasonNoPath, err)
			continue
		}
		if path == nil {
			l.fail(ReasonNoPath, nil)
			log.Info(ctx, "no path for signal",
				logging.String("signal", l.flag.String()),
				logging.String("source", l.src.String()),
				logging.String("destination", l.dst.String()),
			)
			continue
		}

		legCmds, ok := e.planRouteLocked(ctx, log, it, l, path)
		if !ok {
			continue
		}
		l.path = path

		key := activeKey{tenant: tenant, dest: l.dst, flag: l.flag}
		if prev, exists := e.active[key]; exists && prev.intent != it {
			e.active[key] = &activeRoute{intent: it, source: l.src, path: path}
			e.releaseLocked(tenant, l.flag, prev.path.LinkIDs())
			if prev.intent.markSuperseded(l.flag) && !slices.Contains(superseded, prev.intent) {
				superseded = append(superseded, prev.intent)
			}
		} else {
			e.active[key] = &activeRoute{intent: it, source: l.src, path: path}
		}

		for _, c := range legCmds {
			if existing, ok := byKey[c.key]; ok {
				existing.mask |= c.mask
				continue
			}
			byKey[c.key] = c
			cmds = append(cmds, c)
		}
	}
	for _, c := range cmds {
		for _, flag := range c.mask.Flags() {
			it.legs[flag].outstanding++
		}
	}
	it.pending = len(cmds)
	e.trackLocked(it)
	e.mu.Unlock()

	for _, prev := range superseded {
		log.Info(ctx, "intent superseded", logging.String("superseded_intent", prev.id))
		e.complete(ctx, prev, ReasonSuperseded)
	}

	log.Debug(ctx, "route planned", logging.Int("commands", len(cmds)))
	e.issue(ctx, it, cmds)
	if len(cmds) == 0 {
		e.complete(ctx, it, "")
	}

	if res, done := it.Result(); done && !res.Success {
		span.SetStatus(codes.Error, "route failed")
	}
	return it
}

// planRouteLocked claims the links of path for leg l and returns the
// commands needed at junctions whose current input differs. Junctions
// already in place are skipped, so repeating a route issues nothing.
// Caller must hold e.mu.
func (e *Executor) planRouteLocked(ctx context.Context, log logging.Logger, it *Intent, l *leg, path *model.Path) ([]*command, bool) {
	var cmds []*command
	for _, j := range path.Junctions() {
		sw, ok := e.devices.Switcher(j.Control)
		if !ok {
			l.fail(ReasonNotSwitcher, fmt.Errorf("control %s", j.Control))
			log.Warn(ctx, "path crosses a control that cannot switch",
				logging.String("signal", l.flag.String()),
				logging.String("control", j.Control.String()),
			)
			return nil, false
		}
		if cur, ok := sw.CurrentInput(j.Output, l.flag); ok && cur == j.Input {
			continue
		}
		cmds = append(cmds, &command{
			key:  cmdKey{ctrl: j.Control, input: j.Input, output: j.Output},
			mask: l.flag,
			sw:   sw,
		})
	}

	var claimed []string
	for _, link := range path.Links {
		if err := e.ledger.Claim(link.ID, l.src, it.tenant, l.flag); err != nil {
			e.releaseLocked(it.tenant, l.flag, claimed)
			l.fail(ReasonUsageConflict, err)
			log.Info(ctx, "claim refused", logging.String("link_id", link.ID), logging.Err(err))
			return nil, false
		}
		claimed = append(claimed, link.ID)
	}
	return cmds, true
}

// Unroute disconnects dest for every flag in signals. For each flag the
// active path is walked backward from dest through the live crosspoints;
// the furthest-downstream crosspoint is cleared first and the walk stops
// at the first output that still feeds another destination.
func (e *Executor) Unroute(ctx context.Context, dest model.Endpoint, signals model.SignalType, tenant model.TenantID) (*Intent, error) {
	if signals == model.SignalNone {
		return nil, ErrNoSignals
	}
	v := e.topo.View()
	if len(v.LinksTo(dest)) == 0 {
		return nil, fmt.Errorf("%w: destination %s", ErrUnknownEndpoint, dest)
	}

	id := uuid.NewString()
	ctx, log := logging.WithIntentLogger(logging.ContextWithIntentID(ctx, id), e.log)
	ctx, span := observability.StartSpan(ctx, "Executor/Unroute", "intent", id,
		attribute.Int64("tenant", int64(tenant)),
		attribute.String("signals", signals.String()),
	)
	defer span.End()

	it := newIntent(id, KindUnroute, tenant, e.clock.Now())
	if e.metrics != nil {
		e.metrics.IntentStarted(KindUnroute.String())
	}

	type outKey struct {
		ctrl   model.ControlKey
		output string
	}
	planned := make(map[outKey]model.SignalType)
	var cmds []*command
	var superseded []*Intent
	byKey := make(map[cmdKey]*command)

	e.mu.Lock()
	for _, flag := range signals.Flags() {
		l := &leg{flag: flag, dst: dest}
		it.addLeg(l)

		src, chain, ok := v.TraceSource(dest, flag, e.devices)
		if ok {
			l.src = src
		} else {
			l.reason = ReasonNotRouted
		}

		skip := func(ctrl model.ControlKey, output string) bool {
			return planned[outKey{ctrl, output}].Has(flag)
		}
		for i := len(chain) - 1; i >= 1; i-- {
			out := chain[i].Source
			sw, ok := e.devices.Switcher(out.Control())
			if !ok {
				break
			}
			if e.servesOthers(v, out, flag, dest, skip) {
				log.Debug(ctx, "unroute stopped at fan-out",
					logging.String("signal", flag.String()),
					logging.String("output", out.String()),
				)
				break
			}
			planned[outKey{out.Control(), out.Address}] |= flag
			k := cmdKey{ctrl: out.Control(), output: out.Address}
			if c, exists := byKey[k]; exists {
				c.mask |= flag
				continue
			}
			c := &command{key: k, mask: flag, sw: sw}
			byKey[k] = c
			cmds = append(cmds, c)
		}

		key := activeKey{tenant: tenant, dest: dest, flag: flag}
		if prev, exists := e.active[key]; exists {
			delete(e.active, key)
			e.releaseLocked(tenant, flag, prev.path.LinkIDs())
			if prev.intent.markSuperseded(flag) && !slices.Contains(superseded, prev.intent) {
				superseded = append(superseded, prev.intent)
			}
		}
		ids := make([]string, 0, len(chain))
		for _, link := range chain {
			ids = append(ids, link.ID)
		}
		e.releaseLocked(tenant, flag, ids)
	}
	for _, c := range cmds {
		for _, flag := range c.mask.Flags() {
			it.legs[flag].outstanding++
		}
	}
	it.pending = len(cmds)
	e.trackLocked(it)
	e.mu.Unlock()

	for _, prev := range superseded {
		log.Info(ctx, "intent superseded", logging.String("superseded_intent", prev.id))
		e.complete(ctx, prev, ReasonSuperseded)
	}

	log.Debug(ctx, "unroute planned", logging.Int("commands", len(cmds)))
	e.issue(ctx, it, cmds)
	if len(cmds) == 0 {
		e.complete(ctx, it, "")
	}
	return it, nil
}

// servesOthers reports whether output still feeds any destination other
// than dest through the live crosspoints, ignoring outputs about to be
// cleared.
func (e *Executor) servesOthers(v *core.View, output model.Endpoint, flag model.SignalType, dest model.Endpoint, skip core.OutputFilter) bool {
	for _, link := range v.LinksFrom(output) {
		if !link.Carries(flag) {
			continue
		}
		for _, d := range v.ForwardDestinations(link.ID, flag, e.devices, skip) {
			if d != dest {
				return true
			}
		}
	}
	return false
}

// trackLocked registers a new intent as pending and arms its timeout.
// Caller must hold e.mu.
func (e *Executor) trackLocked(it *Intent) {
	e.pending[it.id] = it
	if e.timeout > 0 {
		id := it.id
		it.mu.Lock()
		it.timer = e.clock.AfterFunc(e.timeout, func() { e.expire(id, ReasonTimeout) })
		it.mu.Unlock()
	}
	if e.metrics != nil {
		e.metrics.SetPendingIntents(len(e.pending))
	}
}

// issue sends cmds outside any executor lock. Devices may acknowledge
// before Route returns.
func (e *Executor) issue(ctx context.Context, it *Intent, cmds []*command) {
	for _, c := range cmds {
		ack := func(err error) { e.ack(ctx, it, c, err) }

		var err error
		if c.kind() == "clear" {
			e.sbiMetrics.IncClearSent()
			err = c.sw.ClearOutput(ctx, c.key.output, c.mask, ack)
		} else {
			e.sbiMetrics.IncRouteSent()
			err = c.sw.Route(ctx, c.key.input, c.key.output, c.mask, ack)
		}
		if e.metrics != nil {
			e.metrics.CommandIssued(c.kind())
		}
		if err != nil {
			e.sbiMetrics.IncRejected()
			e.ackWithReason(ctx, it, c, err, ReasonCommandRejected)
		}
	}
}

func (e *Executor) ack(ctx context.Context, it *Intent, c *command, err error) {
	e.ackWithReason(ctx, it, c, err, ReasonCommandFailed)
}

func (e *Executor) ackWithReason(ctx context.Context, it *Intent, c *command, err error, reason string) {
	if e.metrics != nil {
		e.metrics.CommandFinished(c.kind(), err)
	}

	it.mu.Lock()
	if it.settled {
		it.mu.Unlock()
		e.sbiMetrics.IncLateAck()
		e.log.Debug(ctx, "late acknowledgement ignored",
			logging.String("intent_id", it.id),
			logging.String("control", c.key.ctrl.String()),
		)
		return
	}
	if reason != ReasonCommandRejected {
		e.sbiMetrics.IncAck(err)
	}
	for _, flag := range c.mask.Flags() {
		l := it.legs[flag]
		l.outstanding--
		if err != nil {
			l.fail(reason, err)
		}
	}
	it.pending--
	// Commands still out only for superseded flags do not hold the intent.
	done := it.pending == 0 || it.onlySupersededLeftLocked()
	it.mu.Unlock()

	if err != nil {
		e.log.Warn(ctx, "device command failed",
			logging.String("intent_id", it.id),
			logging.String("control", c.key.ctrl.String()),
			logging.String("output", c.key.output),
			logging.Err(err),
		)
	}
	if done {
		e.complete(ctx, it, "")
	}
}

// complete settles it exactly once, drops the standing routes of failed
// route flags and notifies OnRouteFinished subscribers. Done is closed only
// after the executor state reflects the outcome.
func (e *Executor) complete(ctx context.Context, it *Intent, reason string) {
	e.mu.Lock()
	it.mu.Lock()
	if !it.settleLocked(reason, e.clock.Now()) {
		it.mu.Unlock()
		e.mu.Unlock()
		return
	}
	res := it.result
	elapsed := it.settle.Sub(it.created)
	it.mu.Unlock()

	delete(e.pending, it.id)
	e.history.Add(it.id, it)
	var displaced []model.SignalType
	if it.kind == KindRoute {
		for flag, sr := range res.Signals {
			key := activeKey{tenant: it.tenant, dest: sr.Destination, flag: flag}
			ar, ok := e.active[key]
			if !ok || ar.intent != it {
				continue
			}
			if sr.Succeeded {
				// Events seen while the intent was pending were not checked.
				if !e.displacedLocked(ar, flag, nil) {
					continue
				}
				displaced = append(displaced, flag)
			}
			delete(e.active, key)
			e.releaseLocked(it.tenant, flag, ar.path.LinkIDs())
		}
	}
	pending := len(e.pending)
	subs := e.subscribersLocked()
	e.mu.Unlock()
	close(it.done)

	if e.metrics != nil {
		e.metrics.IntentSettled(it.kind.String(), res.Success, reason, elapsed)
		e.metrics.SetPendingIntents(pending)
	}
	fields := []logging.Field{
		logging.String("intent_id", it.id),
		logging.String("kind", it.kind.String()),
		logging.Any("success", res.Success),
	}
	if reason != "" {
		fields = append(fields, logging.String("reason", reason))
	}
	if failed := res.Failed(); len(failed) > 0 {
		var mask model.SignalType
		for _, f := range failed {
			mask |= f
		}
		fields = append(fields, logging.String("failed_signals", mask.String()))
	}
	e.log.Info(ctx, "intent settled", fields...)
	for _, flag := range displaced {
		e.log.Info(ctx, "standing route displaced",
			logging.String("intent_id", it.id),
			logging.String("signal", flag.String()),
		)
	}

	for _, fn := range subs {
		fn(it)
	}
}

// releaseLocked drops tenant's claims on ids for flag, except links still
// used by another standing route of the same tenant. Caller must hold e.mu.
func (e *Executor) releaseLocked(tenant model.TenantID, flag model.SignalType, ids []string) {
	for _, id := range ids {
		if e.linkInUseLocked(tenant, flag, id) {
			continue
		}
		e.ledger.Release(id, tenant, flag)
	}
}

func (e *Executor) linkInUseLocked(tenant model.TenantID, flag model.SignalType, id string) bool {
	for k, ar := range e.active {
		if k.tenant != tenant || k.flag != flag {
			continue
		}
		if slices.Contains(ar.path.LinkIDs(), id) {
			return true
		}
	}
	return false
}

// Expire ends a pending intent now, failing every signal still waiting for
// a device. Late acknowledgements are ignored. It reports whether the
// intent was pending.
func (e *Executor) Expire(id string) bool {
	return e.expire(id, ReasonExpired)
}

func (e *Executor) expire(id, reason string) bool {
	e.mu.Lock()
	it, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.complete(context.Background(), it, reason)
	return true
}

// Intent returns a pending or recently settled intent.
func (e *Executor) Intent(id string) (*Intent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if it, ok := e.pending[id]; ok {
		return it, true
	}
	return e.history.Get(id)
}

// Pending returns the number of intents waiting for devices.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ActiveRoute returns the path of the standing route tenant holds to dest
// for flag.
func (e *Executor) ActiveRoute(tenant model.TenantID, dest model.Endpoint, flag model.SignalType) (*model.Path, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.active[activeKey{tenant: tenant, dest: dest, flag: flag}]
	if !ok {
		return nil, false
	}
	return ar.path, true
}

// OnRouteFinished registers fn to run after every intent settles. It
// returns an unsubscribe function.
func (e *Executor) OnRouteFinished(fn func(*Intent)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Executor) subscribersLocked() []func(*Intent) {
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(*Intent), len(ids))
	for i, id := range ids {
		out[i] = e.subs[id]
	}
	return out
}

// HandleEvent drops standing routes whose crosspoint was changed by
// someone else, e.g. an operator at the panel or a static route.
func (e *Executor) HandleEvent(ctx context.Context, ev sbi.Event) {
	if ev.Kind != sbi.EventCrosspointChanged {
		return
	}

	e.mu.Lock()
	var displaced []string
	for key, ar := range e.active {
		if key.flag != ev.Signal || ar.intent.Pending() {
			continue
		}
		if e.displacedLocked(ar, key.flag, &ev) {
			delete(e.active, key)
			e.releaseLocked(key.tenant, key.flag, ar.path.LinkIDs())
			displaced = append(displaced, ar.intent.id)
		}
	}
	e.mu.Unlock()

	for _, id := range displaced {
		e.log.Info(ctx, "standing route displaced",
			logging.String("intent_id", id),
			logging.String("control", ev.Control.String()),
			logging.String("output", ev.Output),
			logging.String("signal", ev.Signal.String()),
		)
	}
}

// displacedLocked reports whether a junction of ar no longer has its input
// on the device. When ev is set only the junction it names is checked.
// Caller must hold e.mu.
func (e *Executor) displacedLocked(ar *activeRoute, flag model.SignalType, ev *sbi.Event) bool {
	for _, j := range ar.path.Junctions() {
		if ev != nil && (j.Control != ev.Control || j.Output != ev.Output) {
			continue
		}
		// Events may trail the live state; trust the device.
		if cur, ok := e.devices.CurrentInput(j.Control, j.Output, flag); !ok || cur != j.Input {
			return true
		}
	}
	return false
}
