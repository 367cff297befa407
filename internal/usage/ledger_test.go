package usage

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/model"
)

const video = model.SignalVideo

type xpKey struct {
	dev, output string
	flag        model.SignalType
}

// crosspoints is a settable crosspoint table where every midpoint switches.
type crosspoints map[xpKey]string

func (c crosspoints) IsSwitcher(model.ControlKey) bool { return true }

func (c crosspoints) CurrentInput(ctrl model.ControlKey, output string, flag model.SignalType) (string, bool) {
	in, ok := c[xpKey{ctrl.DeviceID, output, flag}]
	return in, ok
}

func ep(dev, addr string) model.Endpoint { return model.Endpoint{DeviceID: dev, Address: addr} }

func link(id, sd, sa, dd, da string) *model.Link {
	return &model.Link{ID: id, Source: ep(sd, sa), Destination: ep(dd, da), Signals: model.SignalVideo | model.SignalAudio}
}

// chain is camA/camB -> edge -> core -> monX/monY.
func chain() []*model.Link {
	return []*model.Link{
		link("A-E", "camA", "out", "edge", "in1"),
		link("B-E", "camB", "out", "edge", "in2"),
		link("E-C", "edge", "out1", "core", "in1"),
		link("C-X", "core", "out1", "monX", "in"),
		link("C-Y", "core", "out2", "monY", "in"),
	}
}

func newLedger(t *testing.T) (*Ledger, *core.Topology, crosspoints) {
	t.Helper()
	topo := core.NewTopology()
	if err := topo.AddLinks(chain()...); err != nil {
		t.Fatalf("AddLinks: %v", err)
	}
	xp := crosspoints{}
	return NewLedger(topo, xp, nil), topo, xp
}

func ctrl(dev string) model.ControlKey { return model.ControlKey{DeviceID: dev} }

func TestLedger_ClaimAndAdmission(t *testing.T) {
	l, topo, _ := newLedger(t)
	ce := topo.Link("E-C")

	if !l.CanRoute(ce, ep("camA", "out"), 1, video) {
		t.Fatalf("unclaimed link refused")
	}
	if err := l.Claim("E-C", ep("camA", "out"), 1, video); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Same tenant may move its own claim.
	if !l.CanRoute(ce, ep("camB", "out"), 1, video) {
		t.Fatalf("owner refused its own link")
	}
	// Another tenant may share only the same source.
	if !l.CanRoute(ce, ep("camA", "out"), 2, video) {
		t.Fatalf("sharing the same source refused")
	}
	if l.CanRoute(ce, ep("camB", "out"), 2, video) {
		t.Fatalf("different source admitted over a claimed link")
	}
	if err := l.Claim("E-C", ep("camA", "out"), 2, video); err != nil {
		t.Fatalf("shared Claim: %v", err)
	}
	if err := l.Claim("E-C", ep("camB", "out"), 1, video); !errors.Is(err, ErrUsageConflict) {
		t.Fatalf("moving a shared claim err = %v, want ErrUsageConflict", err)
	}
	// Audio is tracked separately.
	if !l.CanRoute(ce, ep("camB", "out"), 2, model.SignalAudio) {
		t.Fatalf("audio blocked by a video claim")
	}

	rec, ok := l.Record("E-C", video)
	if !ok || rec.Claim != ep("camA", "out") || len(rec.Tenants) != 2 || rec.Tenants[0] != 1 {
		t.Fatalf("Record = %+v, %t", rec, ok)
	}

	if err := l.Claim("E-C", ep("camA", "out"), 1, model.SignalAll); !errors.Is(err, core.ErrSignalNotSingle) {
		t.Fatalf("multi-flag claim err = %v", err)
	}
	if err := l.Claim("nope", ep("camA", "out"), 1, video); !errors.Is(err, core.ErrLinkNotFound) {
		t.Fatalf("unknown link claim err = %v", err)
	}
}

func TestLedger_Release(t *testing.T) {
	l, _, _ := newLedger(t)
	for _, tenant := range []model.TenantID{1, 2} {
		if err := l.Claim("E-C", ep("camA", "out"), tenant, video); err != nil {
			t.Fatalf("Claim: %v", err)
		}
	}
	if err := l.Claim("C-X", ep("camA", "out"), 1, video); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	l.Release("E-C", 1, video)
	if rec, _ := l.Record("E-C", video); len(rec.Tenants) != 1 || rec.Tenants[0] != 2 {
		t.Fatalf("after Release tenants = %v", rec.Tenants)
	}
	l.ReleaseTenant(2)
	if _, ok := l.Record("E-C", video); ok {
		t.Fatalf("empty record kept")
	}
	if _, ok := l.Record("C-X", video); !ok {
		t.Fatalf("tenant 1's other claim dropped")
	}
	l.Release("C-X", 9, video) // not a claimant
	l.Release("missing", 1, video)
	if rec, _ := l.Record("C-X", video); len(rec.Tenants) != 1 {
		t.Fatalf("unrelated release changed C-X: %+v", rec)
	}
}

func TestLedger_CrosspointChangedPropagates(t *testing.T) {
	l, _, xp := newLedger(t)
	ctx := context.Background()

	// Core is routed first; nothing flows until edge is.
	xp[xpKey{"core", "out1", video}] = "in1"
	l.CrosspointChanged(ctx, ctrl("core"), "out1", video)
	if _, ok := l.CurrentSource("C-X", video); ok {
		t.Fatalf("C-X has a source before edge is routed")
	}

	xp[xpKey{"edge", "out1", video}] = "in2"
	l.CrosspointChanged(ctx, ctrl("edge"), "out1", video)
	for _, id := range []string{"E-C", "C-X"} {
		if src, ok := l.CurrentSource(id, video); !ok || src != ep("camB", "out") {
			t.Fatalf("%s source = %v, %t, want camB", id, src, ok)
		}
	}
	if _, ok := l.CurrentSource("C-Y", video); ok {
		t.Fatalf("C-Y has a source but core out2 is unrouted")
	}

	// Clearing the edge crosspoint empties the whole chain.
	delete(xp, xpKey{"edge", "out1", video})
	l.HandleEvent(ctx, sbi.Event{Kind: sbi.EventCrosspointChanged, Control: ctrl("edge"), Output: "out1", Signal: video})
	if _, ok := l.CurrentSource("C-X", video); ok {
		t.Fatalf("C-X still has a source after edge cleared")
	}
}

func TestLedger_ConfirmedClaimClearedWhenSourceMoves(t *testing.T) {
	l, topo, xp := newLedger(t)
	ctx := context.Background()

	if err := l.Claim("E-C", ep("camA", "out"), 1, video); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Out-of-order: a different source is seen before the claim is realised.
	xp[xpKey{"edge", "out1", video}] = "in2"
	l.CrosspointChanged(ctx, ctrl("edge"), "out1", video)
	if rec, _ := l.Record("E-C", video); len(rec.Tenants) != 1 {
		t.Fatalf("unconfirmed claim dropped: %+v", rec)
	}

	xp[xpKey{"edge", "out1", video}] = "in1"
	l.CrosspointChanged(ctx, ctrl("edge"), "out1", video)
	if rec, _ := l.Record("E-C", video); len(rec.Tenants) != 1 || rec.Source != ep("camA", "out") {
		t.Fatalf("claim not confirmed: %+v", rec)
	}

	// Operator moves the crosspoint away from the claimed source.
	xp[xpKey{"edge", "out1", video}] = "in2"
	l.CrosspointChanged(ctx, ctrl("edge"), "out1", video)
	rec, ok := l.Record("E-C", video)
	if !ok || len(rec.Tenants) != 0 || rec.Source != ep("camB", "out") {
		t.Fatalf("after move = %+v, %t; want no claim, source camB", rec, ok)
	}
	if !l.CanRoute(topo.Link("E-C"), ep("camB", "out"), 2, video) {
		t.Fatalf("released link refused")
	}
}

func TestLedger_HandleEventIgnoresOtherKinds(t *testing.T) {
	l, _, xp := newLedger(t)
	xp[xpKey{"edge", "out1", video}] = "in1"
	l.HandleEvent(context.Background(), sbi.Event{Kind: sbi.EventTransmissionChanged, Control: ctrl("edge"), Address: "out1", Signal: video})
	if _, ok := l.CurrentSource("E-C", video); ok {
		t.Fatalf("state event updated the ledger")
	}
}

func TestLedger_ResyncAfterTopologyChange(t *testing.T) {
	l, topo, xp := newLedger(t)
	ctx := context.Background()
	xp[xpKey{"edge", "out1", video}] = "in1"
	xp[xpKey{"core", "out1", video}] = "in1"
	l.Resync(ctx)

	if src, ok := l.CurrentSource("C-X", video); !ok || src != ep("camA", "out") {
		t.Fatalf("C-X after Resync = %v, %t", src, ok)
	}
	if src, ok := l.CurrentSource("A-E", video); !ok || src != ep("camA", "out") {
		t.Fatalf("A-E after Resync = %v, %t", src, ok)
	}

	if err := topo.RemoveLinks("C-X"); err != nil {
		t.Fatalf("RemoveLinks: %v", err)
	}
	l.Resync(ctx)
	if _, ok := l.Record("C-X", video); ok {
		t.Fatalf("record for removed link kept")
	}
}

// Links leaving plain sources never see a crosspoint event, so their
// source has to be known from the start.
func TestLedger_NewLedgerRecordsSourcesOfNonSwitchingControls(t *testing.T) {
	l, _, xp := newLedger(t)
	for id, want := range map[string]model.Endpoint{"A-E": ep("camA", "out"), "B-E": ep("camB", "out")} {
		if src, ok := l.CurrentSource(id, video); !ok || src != want {
			t.Fatalf("%s source = %v, %t, want %v", id, src, ok, want)
		}
	}
	if _, ok := l.CurrentSource("E-C", video); ok {
		t.Fatalf("E-C has a source before edge is routed")
	}

	// Routing edge then core is enough for the whole chain to agree with
	// the live crosspoints; no Resync is needed.
	ctx := context.Background()
	xp[xpKey{"edge", "out1", video}] = "in1"
	l.CrosspointChanged(ctx, ctrl("edge"), "out1", video)
	xp[xpKey{"core", "out1", video}] = "in1"
	l.CrosspointChanged(ctx, ctrl("core"), "out1", video)
	for _, id := range []string{"A-E", "E-C", "C-X"} {
		if src, ok := l.CurrentSource(id, video); !ok || src != ep("camA", "out") {
			t.Fatalf("%s source = %v, %t, want camA", id, src, ok)
		}
	}
}
