// Package usage implements the Usage Ledger: for every link and signal flag
// it records which source currently flows across the link and which tenants
// rely on it, and it refuses claims that would silently starve another
// tenant.
package usage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/logging"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/model"
)

// ErrUsageConflict is returned when a claim disagrees with the source other
// tenants already rely on.
var ErrUsageConflict = errors.New("link is in use by another tenant with a different source")

// Record is a copy of the ledger entry for one link and flag.
type Record struct {
	LinkID string
	Signal model.SignalType

	// Source is what currently flows over the link, derived from the live
	// crosspoints. HasSource is false when nothing flows.
	Source    model.Endpoint
	HasSource bool

	// Claim is the source the tenants below agreed on.
	Claim   model.Endpoint
	Tenants []model.TenantID
}

type key struct {
	linkID string
	flag   model.SignalType
}

type record struct {
	source    model.Endpoint
	hasSource bool

	claim   model.Endpoint
	tenants map[model.TenantID]struct{}
	// confirmed is set once the claimed source has actually been seen
	// flowing. Only a confirmed claim is dropped when the source moves away,
	// so crosspoint acknowledgements arriving out of order along a path do
	// not discard claims that are still being realised.
	confirmed bool
}

func (r *record) empty() bool {
	return !r.hasSource && len(r.tenants) == 0
}

func (r *record) claimedByOthers(tenant model.TenantID) bool {
	for t := range r.tenants {
		if t != tenant {
			return true
		}
	}
	return false
}

// Ledger is the Usage Ledger. It is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	records map[key]*record

	topo *core.Topology
	xp   core.Crosspoints
	log  logging.Logger
}

// NewLedger creates a ledger over topo, reading live crosspoints from xp.
// The flowing source of every existing link is recorded up front, including
// links leaving controls that never switch and so never report a crosspoint
// change. Later topology mutations must be followed by Resync.
func NewLedger(topo *core.Topology, xp core.Crosspoints, log logging.Logger) *Ledger {
	if log == nil {
		log = logging.Noop()
	}
	l := &Ledger{
		records: make(map[key]*record),
		topo:    topo,
		xp:      xp,
		log:     log,
	}
	l.Resync(context.Background())
	return l
}

// CanRoute reports whether tenant may rely on link to carry source for
// flag. A link is available when nobody else claims it, or when every other
// claimant agreed on the same source.
func (l *Ledger) CanRoute(link *model.Link, source model.Endpoint, tenant model.TenantID, flag model.SignalType) bool {
	if link == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[key{link.ID, flag}]
	if !ok || !r.claimedByOthers(tenant) {
		return true
	}
	return r.claim == source
}

// Claim records that tenant relies on link to carry source for flag. A
// tenant may move its own claim to another source; a claim that disagrees
// with other tenants is refused with ErrUsageConflict.
func (l *Ledger) Claim(linkID string, source model.Endpoint, tenant model.TenantID, flag model.SignalType) error {
	if !flag.IsSingle() {
		return fmt.Errorf("%w: got %s", core.ErrSignalNotSingle, flag)
	}
	if l.topo.Link(linkID) == nil {
		return fmt.Errorf("%w: %q", core.ErrLinkNotFound, linkID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{linkID, flag}
	r, ok := l.records[k]
	if !ok {
		r = &record{}
		l.records[k] = r
	}
	if r.claimedByOthers(tenant) && r.claim != source {
		return fmt.Errorf("%w: link %q claimed for %s", ErrUsageConflict, linkID, r.claim)
	}
	if r.tenants == nil {
		r.tenants = make(map[model.TenantID]struct{})
	}
	if r.claim != source {
		r.confirmed = false
	}
	r.claim = source
	r.confirmed = r.confirmed || (r.hasSource && r.source == source)
	r.tenants[tenant] = struct{}{}
	return nil
}

// Release drops tenant's claim on link for flag.
func (l *Ledger) Release(linkID string, tenant model.TenantID, flag model.SignalType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{linkID, flag}
	r, ok := l.records[k]
	if !ok {
		return
	}
	delete(r.tenants, tenant)
	if len(r.tenants) == 0 {
		r.claim, r.confirmed = model.Endpoint{}, false
	}
	if r.empty() {
		delete(l.records, k)
	}
}

// ReleaseTenant drops every claim held by tenant.
func (l *Ledger) ReleaseTenant(tenant model.TenantID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, r := range l.records {
		if _, ok := r.tenants[tenant]; !ok {
			continue
		}
		delete(r.tenants, tenant)
		if len(r.tenants) == 0 {
			r.claim, r.confirmed = model.Endpoint{}, false
		}
		if r.empty() {
			delete(l.records, k)
		}
	}
}

// CurrentSource returns what currently flows over link for flag.
func (l *Ledger) CurrentSource(linkID string, flag model.SignalType) (model.Endpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[key{linkID, flag}]
	if !ok || !r.hasSource {
		return model.Endpoint{}, false
	}
	return r.source, true
}

// Record returns a copy of the entry for link and flag.
func (l *Ledger) Record(linkID string, flag model.SignalType) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[key{linkID, flag}]
	if !ok {
		return Record{}, false
	}
	out := Record{
		LinkID:    linkID,
		Signal:    flag,
		Source:    r.source,
		HasSource: r.hasSource,
		Claim:     r.claim,
	}
	for t := range r.tenants {
		out.Tenants = append(out.Tenants, t)
	}
	slices.Sort(out.Tenants)
	return out, true
}

// CrosspointChanged propagates a crosspoint change on ctrl's output for
// flag forward through the chain of switchers. At every hop the flowing
// source is recomputed from the live crosspoints; the walk stops at the
// first hop whose recorded source did not change.
func (l *Ledger) CrosspointChanged(ctx context.Context, ctrl model.ControlKey, output string, flag model.SignalType) {
	v := l.topo.View()
	start := model.Endpoint{DeviceID: ctrl.DeviceID, ControlID: ctrl.ControlID, Address: output}

	l.mu.Lock()
	defer l.mu.Unlock()

	visited := make(map[string]bool)
	var queue []*model.Link
	for _, link := range v.LinksFrom(start) {
		if link.Carries(flag) {
			visited[link.ID] = true
			queue = append(queue, link)
		}
	}
	// first marks links of the changed output itself: they always continue.
	first := len(queue)

	for i := 0; i < len(queue); i++ {
		link := queue[i]
		src, ok := v.FlowingSource(link.ID, flag, l.xp)
		changed := l.setSourceLocked(ctx, link.ID, flag, src, ok)
		if !changed && i >= first {
			continue
		}

		dst := link.Destination.Control()
		if !v.IsMidpoint(dst) || l.xp == nil || !l.xp.IsSwitcher(dst) {
			continue
		}
		for _, next := range v.LinksFromControl(dst) {
			if visited[next.ID] || !next.Carries(flag) {
				continue
			}
			in, ok := l.xp.CurrentInput(dst, next.Source.Address, flag)
			if !ok || in != link.Destination.Address {
				continue
			}
			visited[next.ID] = true
			queue = append(queue, next)
		}
	}
}

// HandleEvent is the bus handler form of CrosspointChanged.
func (l *Ledger) HandleEvent(ctx context.Context, ev sbi.Event) {
	if ev.Kind != sbi.EventCrosspointChanged {
		return
	}
	l.CrosspointChanged(ctx, ev.Control, ev.Output, ev.Signal)
}

// Resync recomputes the flowing source of every link and drops entries for
// links that no longer exist. It is used after the topology is replaced.
func (l *Ledger) Resync(ctx context.Context) {
	v := l.topo.View()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k := range l.records {
		if link := v.Link(k.linkID); link == nil || !link.Carries(k.flag) {
			delete(l.records, k)
		}
	}
	for _, link := range v.Links() {
		for _, flag := range link.Signals.Flags() {
			src, ok := v.FlowingSource(link.ID, flag, l.xp)
			l.setSourceLocked(ctx, link.ID, flag, src, ok)
		}
	}
}

// setSourceLocked stores the flowing source of a link and reports whether
// it changed. A confirmed claim is invalidated once a different source (or
// nothing) flows. Caller must hold l.mu.
func (l *Ledger) setSourceLocked(ctx context.Context, linkID string, flag model.SignalType, src model.Endpoint, ok bool) bool {
	k := key{linkID, flag}
	r, exists := l.records[k]
	if !exists {
		if !ok {
			return false
		}
		r = &record{}
		l.records[k] = r
	}
	if r.hasSource == ok && r.source == src {
		return false
	}
	r.source, r.hasSource = src, ok

	switch {
	case len(r.tenants) == 0:
	case ok && src == r.claim:
		r.confirmed = true
	case r.confirmed:
		l.log.Debug(ctx, "link source moved away from claim; clearing usage",
			logging.String("link_id", linkID),
			logging.String("signal", flag.String()),
			logging.String("claim", r.claim.String()),
		)
		r.tenants = nil
		r.claim, r.confirmed = model.Endpoint{}, false
	}
	if r.empty() {
		delete(l.records, k)
	}
	return true
}
