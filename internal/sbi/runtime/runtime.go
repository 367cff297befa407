// Package runtime assembles the routing components around one topology and
// owns their lifecycle.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/internal/observability"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi/controller"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi/sim"
	"github.com/signalsfoundry/crosspoint-router/internal/state"
	"github.com/signalsfoundry/crosspoint-router/internal/usage"
	"github.com/signalsfoundry/crosspoint-router/kb"
	"github.com/signalsfoundry/crosspoint-router/model"
)

// Options tunes New. The zero value is usable.
type Options struct {
	Logger        logging.Logger
	Metrics       *observability.RouterCollector
	Clock         clock.Clock
	IntentTimeout time.Duration
	// Fleet configures the simulated controls created for each scenario.
	Fleet sim.FleetConfig
}

// Runtime holds every routing component. Device events flow through the
// bus to the state cache, the usage ledger, the executor and the static
// route enforcer, in that order, so each consumer sees the effects of the
// ones before it.
type Runtime struct {
	Topology  *core.Topology
	Devices   *sbi.Registry
	Bus       *sbi.Bus
	Ledger    *usage.Ledger
	State     *state.Cache
	Executor  *controller.Executor
	Static    *controller.StaticRoutes
	Directory *kb.Directory
	// Traffic counts commands, acknowledgements and delivered events.
	Traffic *sbi.SBIMetrics

	log      logging.Logger
	fleetCfg sim.FleetConfig

	// applying suppresses the topology subscription while ApplyScenario
	// performs the same work itself.
	applying atomic.Bool

	mu     sync.Mutex
	fleets []*sim.Fleet
	unsubs []func()
	cancel context.CancelFunc
	closed bool
}

// New wires an empty runtime. Call ApplyScenario to load a topology.
func New(ctx context.Context, opts Options) *Runtime {
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithCancel(ctx)
	traffic := sbi.NewSBIMetrics()

	var topoOpts []core.Option
	topoOpts = append(topoOpts, core.WithLogger(log))
	var cacheOpts []state.CacheOption
	execOpts := []controller.ExecutorOption{
		controller.WithLogger(log),
		controller.WithIntentTimeout(opts.IntentTimeout),
		controller.WithSBIMetrics(traffic),
	}
	var staticOpts []controller.StaticOption
	if opts.Metrics != nil {
		topoOpts = append(topoOpts, core.WithMetricsRecorder(opts.Metrics))
		cacheOpts = append(cacheOpts, state.WithMetricsRecorder(opts.Metrics))
		execOpts = append(execOpts, controller.WithMetrics(opts.Metrics))
		staticOpts = append(staticOpts, controller.WithStaticMetrics(opts.Metrics))
		if err := opts.Metrics.ExportSBICounters(trafficCounts(traffic)); err != nil {
			log.Warn(ctx, "device traffic counters not exported", logging.Err(err))
		}
	}
	if opts.Clock != nil {
		execOpts = append(execOpts, controller.WithClock(opts.Clock))
	}

	r := &Runtime{
		Topology:  core.NewTopology(topoOpts...),
		Devices:   sbi.NewRegistry(),
		Bus:       sbi.NewBus(ctx, log, sbi.WithBusMetrics(traffic)),
		Directory: kb.NewDirectory(),
		Traffic:   traffic,
		log:       log,
		fleetCfg:  opts.Fleet,
		cancel:    cancel,
	}
	cacheOpts = append(cacheOpts, state.WithDevices(r.Devices))
	execOpts = append(execOpts, controller.WithDirectory(r.Directory))

	r.Ledger = usage.NewLedger(r.Topology, r.Devices, log)
	r.State = state.NewCache(r.Topology, r.Devices, log, cacheOpts...)
	r.Executor = controller.NewExecutor(r.Topology, r.Ledger, r.Devices, execOpts...)
	r.Static = controller.NewStaticRoutes(r.Topology, r.Devices, log, staticOpts...)

	r.unsubs = append(r.unsubs,
		r.Bus.Subscribe(r.State.HandleEvent),
		r.Bus.Subscribe(r.Ledger.HandleEvent),
		r.Bus.Subscribe(r.Executor.HandleEvent),
		r.Bus.Subscribe(r.Static.HandleEvent),
		r.Topology.Subscribe(func(ev core.Event) {
			if r.applying.Load() {
				return
			}
			r.log.Debug(ctx, "topology changed",
				logging.String("kind", ev.Kind.String()),
				logging.Int("links", len(ev.LinkIDs)),
			)
			r.resync(ctx)
		}),
	)
	return r
}

func trafficCounts(m *sbi.SBIMetrics) func() observability.SBICounts {
	return func() observability.SBICounts {
		s := m.Snapshot()
		return observability.SBICounts{
			RouteSent:       s.NumRouteSent,
			ClearSent:       s.NumClearSent,
			Rejected:        s.NumRejected,
			AcksOK:          s.NumAcksOK,
			AcksError:       s.NumAcksError,
			LateAcks:        s.NumLateAcks,
			EventsDelivered: s.NumEventsDelivered,
		}
	}
}

// ApplyScenario replaces the topology, directory and static routes with
// those of sc and creates simulated controls for any new device. Existing
// crosspoints are kept; ledger and state are recomputed from them.
func (r *Runtime) ApplyScenario(ctx context.Context, sc *core.Scenario) error {
	if sc == nil {
		return fmt.Errorf("ApplyScenario: nil scenario")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("ApplyScenario: runtime closed")
	}

	ctx, span := observability.StartSpan(ctx, "Runtime/ApplyScenario", "scenario", "")
	defer span.End()

	r.applying.Store(true)
	err := r.Topology.ReplaceAll(sc.Links)
	r.applying.Store(false)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ApplyScenario: %w", err)
	}

	fleet, err := sim.Populate(r.Topology.View(), r.Devices, r.Bus, r.fleetCfg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ApplyScenario: populate devices: %w", err)
	}
	r.fleets = append(r.fleets, fleet)
	r.Directory.Replace(sc.Sources, sc.Destinations)

	if err := r.Static.Replace(sc.StaticRoutes); err != nil {
		r.log.Warn(ctx, "static routes partially applied", logging.Err(err))
	}
	r.resync(ctx)

	r.log.Info(ctx, "scenario applied",
		logging.Int("links", len(sc.Links)),
		logging.Int("sources", len(sc.Sources)),
		logging.Int("destinations", len(sc.Destinations)),
		logging.Int("static_routes", len(sc.StaticRoutes)),
		logging.Int("new_switchers", len(fleet.Switchers)),
	)
	return nil
}

// LoadFile reads a topology file and applies it.
func (r *Runtime) LoadFile(ctx context.Context, path string) error {
	sc, err := core.LoadTopologyFile(path)
	if err != nil {
		return err
	}
	return r.ApplyScenario(ctx, sc)
}

// Switcher returns the simulated switcher registered for key, if any.
func (r *Runtime) Switcher(key model.ControlKey) (*sim.Switcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Devices.Get(key)
	if !ok {
		return nil, false
	}
	for _, f := range r.fleets {
		if sw, ok := f.Switchers[key]; ok && sbi.Control(sw) == c {
			return sw, true
		}
	}
	return nil, false
}

// resync recomputes everything derived from the topology and re-asserts
// static crosspoints.
func (r *Runtime) resync(ctx context.Context) {
	r.Ledger.Resync(ctx)
	r.State.Rebuild(ctx)
	if err := r.Static.Reindex(); err != nil {
		r.log.Warn(ctx, "static routes need attention", logging.Err(err))
	}
	if err := r.Static.EnforceAll(ctx); err != nil {
		r.log.Warn(ctx, "static route enforcement failed", logging.Err(err))
	}
}

// Close stops event delivery. Pending intents are left to their timeouts.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	r.Bus.Close()
	r.cancel()
}
