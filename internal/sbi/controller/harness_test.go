package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi/sim"
	"github.com/signalsfoundry/crosspoint-router/internal/state"
	"github.com/signalsfoundry/crosspoint-router/internal/usage"
	"github.com/signalsfoundry/crosspoint-router/model"
)

const (
	video = model.SignalVideo
	audio = model.SignalAudio
)

func ep(dev, addr string) model.Endpoint {
	return model.Endpoint{DeviceID: dev, Address: addr}
}

func ctrl(dev string) model.ControlKey {
	return model.ControlKey{DeviceID: dev}
}

// singleMatrix is two cameras and two monitors around one matrix.
//
//	camA.out -> mtx.in1      mtx.out1 -> monX.in
//	camB.out -> mtx.in2      mtx.out2 -> monY.in
func singleMatrix() []*model.Link {
	return []*model.Link{
		{ID: "A-M", Source: ep("camA", "out"), Destination: ep("mtx", "in1"), Signals: model.SignalAll},
		{ID: "B-M", Source: ep("camB", "out"), Destination: ep("mtx", "in2"), Signals: model.SignalAll},
		{ID: "M-X", Source: ep("mtx", "out1"), Destination: ep("monX", "in"), Signals: model.SignalAll},
		{ID: "M-Y", Source: ep("mtx", "out2"), Destination: ep("monY", "in"), Signals: model.SignalAll},
	}
}

// twoStage chains an edge matrix into a core matrix feeding two monitors.
//
//	camA.out -> edge.in1 ; edge.out1 -> core.in1 ; core.out1 -> monX.in
//	camB.out -> edge.in2 ; edge.out2 -> core.in2 ; core.out2 -> monY.in
func twoStage() []*model.Link {
	return []*model.Link{
		{ID: "A-E", Source: ep("camA", "out"), Destination: ep("edge", "in1"), Signals: model.SignalAll},
		{ID: "B-E", Source: ep("camB", "out"), Destination: ep("edge", "in2"), Signals: model.SignalAll},
		{ID: "E1-C", Source: ep("edge", "out1"), Destination: ep("core", "in1"), Signals: model.SignalAll},
		{ID: "E2-C", Source: ep("edge", "out2"), Destination: ep("core", "in2"), Signals: model.SignalAll},
		{ID: "C-X", Source: ep("core", "out1"), Destination: ep("monX", "in"), Signals: model.SignalAll},
		{ID: "C-Y", Source: ep("core", "out2"), Destination: ep("monY", "in"), Signals: model.SignalAll},
	}
}

// rig wires the same consumers, in the same order, as the runtime does.
type rig struct {
	topo   *core.Topology
	bus    *sbi.Bus
	reg    *sbi.Registry
	fleet  *sim.Fleet
	ledger *usage.Ledger
	cache  *state.Cache
	exec   *Executor
	static *StaticRoutes
}

func newRig(t *testing.T, links []*model.Link, mode sim.AckMode, opts ...ExecutorOption) *rig {
	t.Helper()
	r := &rig{topo: core.NewTopology()}
	if err := r.topo.AddLinks(links...); err != nil {
		t.Fatalf("AddLinks: %v", err)
	}

	r.bus = sbi.NewBus(context.Background(), nil)
	t.Cleanup(r.bus.Close)
	r.reg = sbi.NewRegistry()
	fleet, err := sim.Populate(r.topo.View(), r.reg, r.bus, sim.FleetConfig{AckMode: mode})
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	r.fleet = fleet

	r.ledger = usage.NewLedger(r.topo, r.reg, nil)
	r.cache = state.NewCache(r.topo, r.reg, nil, state.WithDevices(r.reg))
	r.exec = NewExecutor(r.topo, r.ledger, r.reg, opts...)
	r.static = NewStaticRoutes(r.topo, r.reg, nil)

	r.bus.Subscribe(r.cache.HandleEvent)
	r.bus.Subscribe(r.ledger.HandleEvent)
	r.bus.Subscribe(r.exec.HandleEvent)
	r.bus.Subscribe(r.static.HandleEvent)

	ctx := context.Background()
	r.ledger.Resync(ctx)
	r.cache.Rebuild(ctx)
	if err := r.static.Reindex(); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	return r
}

func (r *rig) sw(dev string) *sim.Switcher {
	return r.fleet.Switchers[ctrl(dev)]
}

func (r *rig) settle() { r.bus.Flush() }

func waitIntent(t *testing.T, it *Intent) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := it.Wait(ctx)
	if err != nil {
		t.Fatalf("intent %s did not settle: %v", it.ID(), err)
	}
	return res
}

func routeReq(src, dst model.Endpoint, signals model.SignalType, tenant model.TenantID) model.RouteIntent {
	return model.RouteIntent{Source: src, Destination: dst, Signals: signals, Tenant: tenant}
}

// usageMismatch reports the first link and flag where the ledger's flowing
// source differs from the live crosspoints, or from the source the state
// cache traces to the link's destination.
func usageMismatch(r *rig) error {
	v := r.topo.View()
	for _, link := range r.topo.Links() {
		for _, flag := range link.Signals.Flags() {
			ledgerSrc, ledgerOK := r.ledger.CurrentSource(link.ID, flag)
			flowSrc, flowOK := v.FlowingSource(link.ID, flag, r.reg)
			if ledgerOK != flowOK || ledgerSrc != flowSrc {
				return fmt.Errorf("link %s %s: ledger=(%v,%t) live=(%v,%t)", link.ID, flag, ledgerSrc, ledgerOK, flowSrc, flowOK)
			}
			if !flowOK {
				continue
			}
			traced, _, ok := r.cache.TraceSource(link.Destination, flag)
			if ok && traced != ledgerSrc && len(v.LinksTo(link.Destination)) == 1 {
				return fmt.Errorf("link %s %s: ledger source %v, state traced %v", link.ID, flag, ledgerSrc, traced)
			}
		}
	}
	return nil
}

func assertUsageMatchesState(t *testing.T, r *rig) {
	t.Helper()
	if err := usageMismatch(r); err != nil {
		t.Fatal(err)
	}
}
