package core

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/crosspoint-router/model"
)

// Admitter decides whether a request may rely on a link. The Usage Ledger
// implements it.
type Admitter interface {
	CanRoute(link *model.Link, source model.Endpoint, tenant model.TenantID, flag model.SignalType) bool
}

type admitAll struct{}

func (admitAll) CanRoute(*model.Link, model.Endpoint, model.TenantID, model.SignalType) bool {
	return true
}

// PathFinder computes fewest-hop paths over a Topology.
type PathFinder struct {
	topo    *Topology
	admit   Admitter
	metrics MetricsRecorder
}

// NewPathFinder creates a path finder. A nil admitter admits every link.
func NewPathFinder(topo *Topology, admit Admitter) *PathFinder {
	if admit == nil {
		admit = admitAll{}
	}
	return &PathFinder{topo: topo, admit: admit, metrics: topo.metrics}
}

// FindPath returns the fewest-hop path from the output start to the input
// end for a single flag, or nil if none exists for this tenant.
func (pf *PathFinder) FindPath(start, end model.Endpoint, flag model.SignalType, tenant model.TenantID) (*model.Path, error) {
	paths, err := pf.FindPathsToMany(start, []model.Endpoint{end}, flag, tenant)
	if err != nil {
		return nil, err
	}
	return paths[end], nil
}

// FindPathsToMany searches once from start and returns a path for every
// end that can be reached. Ends that cannot be reached are absent from the
// result.
func (pf *PathFinder) FindPathsToMany(start model.Endpoint, ends []model.Endpoint, flag model.SignalType, tenant model.TenantID) (map[model.Endpoint]*model.Path, error) {
	if !flag.IsSingle() {
		return nil, fmt.Errorf("%w: got %s", ErrSignalNotSingle, flag)
	}
	if pf.metrics != nil {
		began := time.Now()
		defer func() { pf.metrics.ObservePathComputation(time.Since(began)) }()
	}

	v := pf.topo.View()
	result := make(map[model.Endpoint]*model.Path)

	// target link index -> the end endpoint it terminates at
	targets := make(map[int]model.Endpoint)
	remaining := make(map[model.Endpoint]bool)
	for _, end := range ends {
		if end == start {
			continue
		}
		for _, idx := range v.inputs[end] {
			if v.links[idx].Carries(flag) {
				targets[idx] = end
				remaining[end] = true
			}
		}
	}
	if len(targets) == 0 {
		return result, nil
	}

	usable := func(idx int) bool {
		l := v.links[idx]
		if !l.Carries(flag) || !l.AvailableToSource(start.DeviceID) || !l.AvailableToTenant(tenant) {
			return false
		}
		if !pf.reachesAny(v, idx, targets, remaining, flag) {
			return false
		}
		return pf.admit.CanRoute(l, start, tenant, flag)
	}

	parent := make(map[int]int)
	var queue []int
	for _, idx := range v.outputs[start] {
		if usable(idx) {
			parent[idx] = -1
			queue = append(queue, idx)
		}
	}

	for len(queue) > 0 && len(remaining) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if end, ok := targets[cur]; ok && remaining[end] {
			result[end] = buildPath(v, parent, cur, flag)
			delete(remaining, end)
			if len(remaining) == 0 {
				break
			}
		}

		ctrl := v.links[cur].Destination.Control()
		if !v.IsMidpoint(ctrl) {
			continue
		}
		for _, next := range v.fromControl[ctrl] {
			if _, seen := parent[next]; seen {
				continue
			}
			if !usable(next) {
				continue
			}
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	return result, nil
}

// reachesAny prunes expansions that cannot lead to any end still wanted.
func (pf *PathFinder) reachesAny(v *View, idx int, targets map[int]model.Endpoint, remaining map[model.Endpoint]bool, flag model.SignalType) bool {
	for t, end := range targets {
		if remaining[end] && v.reachable(idx, t, flag) {
			return true
		}
	}
	return false
}

func buildPath(v *View, parent map[int]int, last int, flag model.SignalType) *model.Path {
	var rev []*model.Link
	for cur := last; cur >= 0; cur = parent[cur] {
		rev = append(rev, v.links[cur])
	}
	links := make([]*model.Link, len(rev))
	for i, l := range rev {
		links[len(rev)-1-i] = l
	}
	return &model.Path{Signal: flag, Links: links}
}
