package core

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/crosspoint-router/model"
)

func mkEndpoint(dev, addr string) model.Endpoint {
	return model.Endpoint{DeviceID: dev, Address: addr}
}

func mkLink(id, srcDev, srcAddr, dstDev, dstAddr string, signals model.SignalType) *model.Link {
	return &model.Link{
		ID:          id,
		Source:      mkEndpoint(srcDev, srcAddr),
		Destination: mkEndpoint(dstDev, dstAddr),
		Signals:     signals,
	}
}

// matrixLinks is camA/camB into mtx, mtx out to monX/monY.
func matrixLinks() []*model.Link {
	return []*model.Link{
		mkLink("A-M", "camA", "out", "mtx", "in1", model.SignalVideo|model.SignalAudio),
		mkLink("B-M", "camB", "out", "mtx", "in2", model.SignalVideo),
		mkLink("M-X", "mtx", "out1", "monX", "in", model.SignalVideo|model.SignalAudio),
		mkLink("M-Y", "mtx", "out2", "monY", "in", model.SignalVideo),
	}
}

func newTestTopology(t *testing.T, links []*model.Link, opts ...Option) *Topology {
	t.Helper()
	topo := NewTopology(opts...)
	if err := topo.AddLinks(links...); err != nil {
		t.Fatalf("AddLinks: %v", err)
	}
	return topo
}

type recordingMetrics struct {
	links, midpoints, entries int
	rebuilds                  int
	paths                     int
	hits, negatives           int
}

func (m *recordingMetrics) SetTopologyCounts(links, midpoints, entries int) {
	m.links, m.midpoints, m.entries = links, midpoints, entries
}
func (m *recordingMetrics) ObserveReachabilityRebuild(time.Duration) { m.rebuilds++ }
func (m *recordingMetrics) ObservePathComputation(time.Duration)     { m.paths++ }
func (m *recordingMetrics) ObserveReachabilityLookup(found bool) {
	if found {
		m.hits++
	} else {
		m.negatives++
	}
}

func TestTopology_AddLinksIsAtomic(t *testing.T) {
	topo := newTestTopology(t, matrixLinks())

	err := topo.AddLinks(
		mkLink("M-Z", "mtx", "out3", "monZ", "in", model.SignalVideo),
		mkLink("A-M", "camA", "out", "mtx", "in1", model.SignalVideo),
	)
	if !errors.Is(err, ErrLinkExists) {
		t.Fatalf("AddLinks duplicate err = %v, want ErrLinkExists", err)
	}
	if topo.Link("M-Z") != nil {
		t.Fatalf("partial add leaked M-Z")
	}
	if got := len(topo.Links()); got != 4 {
		t.Fatalf("links = %d, want 4", got)
	}
}

func TestTopology_RejectsBadLinks(t *testing.T) {
	cases := map[string]struct {
		link *model.Link
		want error
	}{
		"nil":        {nil, ErrLinkBadInput},
		"empty id":   {mkLink("", "a", "o", "b", "i", model.SignalVideo), ErrEmptyLinkID},
		"no signals": {mkLink("x", "a", "o", "b", "i", model.SignalNone), ErrLinkBadInput},
		"loop":       {mkLink("x", "a", "o", "a", "i", model.SignalVideo), ErrLinkBadInput},
		"unset end":  {&model.Link{ID: "x", Source: mkEndpoint("a", "o"), Signals: model.SignalVideo}, ErrLinkBadInput},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if err := NewTopology().AddLinks(tc.link); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestTopology_RemoveLinks(t *testing.T) {
	topo := newTestTopology(t, matrixLinks())

	if err := topo.RemoveLinks("M-X", "nope"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("RemoveLinks unknown err = %v, want ErrLinkNotFound", err)
	}
	if topo.Link("M-X") == nil {
		t.Fatalf("failed remove dropped M-X anyway")
	}
	if err := topo.RemoveLinks(""); !errors.Is(err, ErrEmptyLinkID) {
		t.Fatalf("RemoveLinks empty err = %v", err)
	}

	// A→M→X is reachable until M→X goes.
	if hop, err := topo.Reachable("A-M", "M-X", model.SignalVideo); err != nil || hop == nil || hop.ID != "M-X" {
		t.Fatalf("Reachable before removal = %v, %v", hop, err)
	}
	if err := topo.RemoveLinks("M-X"); err != nil {
		t.Fatalf("RemoveLinks: %v", err)
	}
	if hop, err := topo.Reachable("A-M", "M-X", model.SignalVideo); err != nil || hop != nil {
		t.Fatalf("Reachable after removal = %v, %v, want nil", hop, err)
	}
	if got := topo.LinkTo(mkEndpoint("monX", "in"), model.SignalVideo); got != nil {
		t.Fatalf("LinkTo(monX) = %v, want nil", got)
	}
}

func TestTopology_SubscribeSeesEveryMutation(t *testing.T) {
	topo := NewTopology()
	var events []Event
	unsubscribe := topo.Subscribe(func(ev Event) {
		// Callbacks run unlocked and may read the topology.
		_ = topo.Links()
		events = append(events, ev)
	})

	if err := topo.AddLinks(matrixLinks()...); err != nil {
		t.Fatalf("AddLinks: %v", err)
	}
	if err := topo.SetAdmission("A-M", []string{"camA"}, nil); err != nil {
		t.Fatalf("SetAdmission: %v", err)
	}
	if err := topo.RemoveLinks("M-Y"); err != nil {
		t.Fatalf("RemoveLinks: %v", err)
	}
	if err := topo.ReplaceAll(matrixLinks()[:2]); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	want := []EventKind{EventLinksAdded, EventAdmissionChanged, EventLinksRemoved, EventReplaced}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %d", events, len(want))
	}
	for i, ev := range events {
		if ev.Kind != want[i] {
			t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, want[i])
		}
		if ev.Generation != uint64(i+1) {
			t.Fatalf("event %d generation = %d, want %d", i, ev.Generation, i+1)
		}
	}

	unsubscribe()
	if err := topo.RemoveLinks("B-M"); err != nil {
		t.Fatalf("RemoveLinks: %v", err)
	}
	if len(events) != len(want) {
		t.Fatalf("event delivered after unsubscribe")
	}
}

func TestTopology_SetAdmissionKeepsReachability(t *testing.T) {
	topo := newTestTopology(t, matrixLinks())
	before := topo.View()

	if err := topo.SetAdmission("M-X", nil, []model.TenantID{7}); err != nil {
		t.Fatalf("SetAdmission: %v", err)
	}
	after := topo.View()
	if after.reach != before.reach {
		t.Fatalf("admission change rebuilt reachability")
	}
	if got := topo.Link("M-X").Tenants; len(got) != 1 || got[0] != 7 {
		t.Fatalf("tenants = %v", got)
	}
	// The previous snapshot is immutable.
	if len(before.Link("M-X").Tenants) != 0 {
		t.Fatalf("old view saw admission change")
	}
	if err := topo.SetAdmission("nope", nil, nil); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("SetAdmission unknown err = %v", err)
	}
}

func TestTopology_ReachableLookups(t *testing.T) {
	metrics := &recordingMetrics{}
	topo := newTestTopology(t, matrixLinks(), WithMetricsRecorder(metrics))

	if metrics.links != 4 || metrics.midpoints != 1 || metrics.rebuilds != 1 {
		t.Fatalf("counts = %+v", metrics)
	}

	if hop, _ := topo.Reachable("A-M", "A-M", model.SignalVideo); hop == nil || hop.ID != "A-M" {
		t.Fatalf("Reachable(self) = %v, want A-M", hop)
	}
	// Audio does not cross M-Y.
	if hop, _ := topo.Reachable("A-M", "M-Y", model.SignalAudio); hop != nil {
		t.Fatalf("Reachable(A-M, M-Y, audio) = %v, want nil", hop)
	}
	// Links into the matrix never reach each other.
	if hop, _ := topo.Reachable("A-M", "B-M", model.SignalVideo); hop != nil {
		t.Fatalf("Reachable(A-M, B-M) = %v, want nil", hop)
	}
	if _, err := topo.Reachable("A-M", "M-X", model.SignalAll); !errors.Is(err, ErrSignalNotSingle) {
		t.Fatalf("multi-flag err = %v, want ErrSignalNotSingle", err)
	}
	if metrics.hits != 1 || metrics.negatives != 2 {
		t.Fatalf("lookups hits=%d negatives=%d, want 1/2", metrics.hits, metrics.negatives)
	}
}

func TestTopology_ReachableTwoStage(t *testing.T) {
	topo := newTestTopology(t, []*model.Link{
		mkLink("A-E", "camA", "out", "edge", "in1", model.SignalVideo),
		mkLink("E1-C", "edge", "out1", "core", "in1", model.SignalVideo),
		mkLink("E2-C", "edge", "out2", "core", "in2", model.SignalVideo),
		mkLink("C-X", "core", "out1", "monX", "in", model.SignalVideo),
	})

	hop, err := topo.Reachable("A-E", "C-X", model.SignalVideo)
	if err != nil || hop == nil {
		t.Fatalf("Reachable(A-E, C-X) = %v, %v", hop, err)
	}
	// Equal-length paths tie-break on declaration order.
	if hop.ID != "E1-C" {
		t.Fatalf("first hop = %s, want E1-C", hop.ID)
	}
	if got := topo.View().Midpoints(); len(got) != 2 {
		t.Fatalf("midpoints = %v, want edge and core", got)
	}
}

func TestTopology_PointLookups(t *testing.T) {
	topo := newTestTopology(t, matrixLinks())
	mtx := model.ControlKey{DeviceID: "mtx"}

	if !topo.IsMidpoint(mtx) || topo.IsMidpoint(model.ControlKey{DeviceID: "camA"}) {
		t.Fatalf("IsMidpoint wrong for mtx/camA")
	}
	if got := topo.LinksFrom(mkEndpoint("mtx", "out1")); len(got) != 1 || got[0].ID != "M-X" {
		t.Fatalf("LinksFrom(mtx out1) = %v", got)
	}
	if got := topo.LinksTo(mkEndpoint("mtx", "in2")); len(got) != 1 || got[0].ID != "B-M" {
		t.Fatalf("LinksTo(mtx in2) = %v", got)
	}
	if l := topo.LinkTo(mkEndpoint("monY", "in"), model.SignalAudio); l != nil {
		t.Fatalf("LinkTo(monY, audio) = %s, want nil", l.ID)
	}
	if l := topo.LinkFrom(mkEndpoint("camA", "out"), model.SignalAudio); l == nil || l.ID != "A-M" {
		t.Fatalf("LinkFrom(camA, audio) = %v", l)
	}
	if got := topo.LinksFromDevice(mtx); len(got) != 2 {
		t.Fatalf("LinksFromDevice(mtx) = %d, want 2", len(got))
	}
	if got := topo.LinksToDevice(mtx); len(got) != 2 {
		t.Fatalf("LinksToDevice(mtx) = %d, want 2", len(got))
	}
}
