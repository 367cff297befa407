package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/observability"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/model"
)

const plant = `
links:
  - id: A-M
    from: {device: camA, address: out}
    to: {device: mtx, address: in1}
    signals: [video, audio]
  - id: B-M
    from: {device: camB, address: out}
    to: {device: mtx, address: in2}
    signals: [video, audio]
  - id: M-X
    from: {device: mtx, address: out1}
    to: {device: monX, address: in}
    signals: [video, audio]
  - id: M-Y
    from: {device: mtx, address: out2}
    to: {device: monY, address: in}
    signals: [video, audio]
sources:
  - name: cam-a
    endpoints:
      - {device: camA, address: out, signals: [all]}
destinations:
  - name: mon-x
    endpoints:
      - {device: monX, address: in, signals: [all]}
static_routes:
  - name: confidence
    links: [B-M, M-Y]
    signals: [audio]
`

func scenario(t *testing.T, doc string) *core.Scenario {
	t.Helper()
	sc, err := core.LoadTopology(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	return sc
}

func newRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	r := New(context.Background(), opts)
	t.Cleanup(r.Close)
	if err := r.ApplyScenario(context.Background(), scenario(t, plant)); err != nil {
		t.Fatalf("ApplyScenario: %v", err)
	}
	r.Bus.Flush()
	return r
}

func mtx() model.ControlKey { return model.ControlKey{DeviceID: "mtx"} }

func TestRuntime_ApplyScenarioEnforcesStaticRoutes(t *testing.T) {
	collector, err := observability.NewRouterCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewRouterCollector: %v", err)
	}
	r := newRuntime(t, Options{Metrics: collector})

	sw, ok := r.Switcher(mtx())
	if !ok {
		t.Fatalf("no simulated switcher for mtx")
	}
	if in, _ := sw.CurrentInput("out2", model.SignalAudio); in != "in2" {
		t.Fatalf("out2 audio = %q, want in2", in)
	}
	if got := testutil.ToFloat64(collector.StaticReassertions); got != 1 {
		t.Fatalf("static reassertions metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.TopologyLinks); got != 4 {
		t.Fatalf("topology links metric = %v, want 4", got)
	}
	monY := model.Endpoint{DeviceID: "monY", Address: "in"}
	if got := r.State.RoutedSourcesFor(monY, model.SignalAudio); len(got) != 1 || got[0].DeviceID != "camB" {
		t.Fatalf("RoutedSourcesFor(monY) = %v, want camB", got)
	}
}

func TestRuntime_ExportsDeviceTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewRouterCollector(reg)
	if err != nil {
		t.Fatalf("NewRouterCollector: %v", err)
	}
	r := newRuntime(t, Options{Metrics: collector, IntentTimeout: time.Second})

	it, err := r.Executor.RouteByName(context.Background(), "cam-a", "mon-x", model.SignalVideo, 1)
	if err != nil {
		t.Fatalf("RouteByName: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if res, err := it.Wait(waitCtx); err != nil || !res.Success {
		t.Fatalf("route result = %+v, %v", res, err)
	}
	r.Bus.Flush()

	snap := r.Traffic.Snapshot()
	if snap.NumRouteSent != 1 || snap.NumAcksOK != 1 {
		t.Fatalf("traffic = %s, want one route sent and acknowledged", r.Traffic)
	}
	if snap.NumEventsDelivered < 2 {
		t.Fatalf("events delivered = %d, want at least the static and routed crosspoint changes", snap.NumEventsDelivered)
	}
	if r.Executor.SBIMetrics() != r.Traffic {
		t.Fatalf("executor and bus count on different traffic counters")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var delivered float64
	for _, mf := range families {
		if mf.GetName() != "router_sbi_messages_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "counter" && lp.GetValue() == "events_delivered" {
					delivered = m.GetCounter().GetValue()
				}
			}
		}
	}
	if delivered != float64(snap.NumEventsDelivered) {
		t.Fatalf("exported events_delivered = %v, want %d", delivered, snap.NumEventsDelivered)
	}
}

func TestRuntime_RouteByNameThenRemoveLink(t *testing.T) {
	r := newRuntime(t, Options{IntentTimeout: time.Second})
	ctx := context.Background()

	it, err := r.Executor.RouteByName(ctx, "cam-a", "mon-x", model.SignalVideo, 1)
	if err != nil {
		t.Fatalf("RouteByName: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := it.Wait(waitCtx)
	if err != nil || !res.Success {
		t.Fatalf("route result = %+v, %v", res, err)
	}
	r.Bus.Flush()

	monX := model.Endpoint{DeviceID: "monX", Address: "in"}
	if got := r.State.RoutedSourcesFor(monX, model.SignalVideo); len(got) != 1 || got[0].DeviceID != "camA" {
		t.Fatalf("RoutedSourcesFor(monX) = %v, want camA", got)
	}
	if src, ok := r.Ledger.CurrentSource("M-X", model.SignalVideo); !ok || src.DeviceID != "camA" {
		t.Fatalf("ledger M-X = %v,%t, want camA", src, ok)
	}

	// Removing M-X through the topology directly still resyncs everything.
	if err := r.Topology.RemoveLinks("M-X"); err != nil {
		t.Fatalf("RemoveLinks: %v", err)
	}
	if hop, err := r.Topology.Reachable("A-M", "M-X", model.SignalVideo); err != nil || hop != nil {
		t.Fatalf("Reachable to a removed link = %v, %v, want nil", hop, err)
	}
	if got := r.State.RoutedSourcesFor(monX, model.SignalVideo); len(got) != 0 {
		t.Fatalf("RoutedSourcesFor(monX) after removal = %v, want none", got)
	}
	if _, ok := r.Ledger.CurrentSource("M-X", model.SignalVideo); ok {
		t.Fatalf("ledger still tracks removed link")
	}
}

func TestRuntime_ReapplyKeepsDevicesAndCrosspoints(t *testing.T) {
	r := newRuntime(t, Options{})
	sw, _ := r.Switcher(mtx())

	grown := strings.Replace(plant, "links:\n", `links:
  - id: C-M
    from: {device: camC, address: out}
    to: {device: mtx, address: in3}
    signals: [video]
`, 1)
	// mtx is already registered, so its simulated control is kept.
	if err := r.ApplyScenario(context.Background(), scenario(t, grown)); err != nil {
		t.Fatalf("ApplyScenario: %v", err)
	}
	r.Bus.Flush()

	if again, _ := r.Switcher(mtx()); again != sw {
		t.Fatalf("switcher replaced on reapply")
	}
	if _, ok := r.Devices.Source(model.ControlKey{DeviceID: "camC"}); !ok {
		t.Fatalf("new source camC not registered")
	}
	if in, _ := sw.CurrentInput("out2", model.SignalAudio); in != "in2" {
		t.Fatalf("static crosspoint lost on reapply: %q", in)
	}
	if got := len(sw.Commands()); got != 1 {
		t.Fatalf("commands = %d, want only the initial static route", got)
	}
}

func TestRuntime_ReapplyReplacesControlWhoseRoleChanged(t *testing.T) {
	r := newRuntime(t, Options{})
	camA := model.ControlKey{DeviceID: "camA"}
	if _, ok := r.Switcher(camA); ok {
		t.Fatalf("camA is a switcher before it has inputs")
	}

	grown := strings.Replace(plant, "links:\n", `links:
  - id: G-A
    from: {device: gen, address: out}
    to: {device: camA, address: in}
    signals: [video]
`, 1)
	if err := r.ApplyScenario(context.Background(), scenario(t, grown)); err != nil {
		t.Fatalf("ApplyScenario: %v", err)
	}
	r.Bus.Flush()

	sw, ok := r.Switcher(camA)
	if !ok {
		t.Fatalf("camA not replaced by a switcher")
	}
	if c, _ := r.Devices.Get(camA); c != sbi.Control(sw) {
		t.Fatalf("registered camA control is not the new switcher")
	}
	if err := sw.Route(context.Background(), "in", "out", model.SignalVideo, nil); err != nil {
		t.Fatalf("Route on camA: %v", err)
	}
}

func TestRuntime_ApplyAfterClose(t *testing.T) {
	r := New(context.Background(), Options{})
	r.Close()
	r.Close()
	if err := r.ApplyScenario(context.Background(), scenario(t, plant)); err == nil {
		t.Fatalf("ApplyScenario after Close succeeded")
	}
}
