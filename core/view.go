package core

import (
	"fmt"
	"slices"

	"github.com/signalsfoundry/crosspoint-router/model"
)

// View is an immutable snapshot of the topology: the link arena in
// declaration order, point indices keyed by endpoint and control, and the
// reachability cache built for exactly this link set.
//
// Links returned from a View are shared; callers MUST treat them as
// read-only.
type View struct {
	generation uint64

	links []*model.Link
	index map[string]int

	outputs     map[model.Endpoint][]int
	inputs      map[model.Endpoint][]int
	fromControl map[model.ControlKey][]int
	toControl   map[model.ControlKey][]int

	reach *reachability
}

func buildView(links []*model.Link, generation uint64) *View {
	v := &View{
		generation:  generation,
		links:       links,
		index:       make(map[string]int, len(links)),
		outputs:     make(map[model.Endpoint][]int),
		inputs:      make(map[model.Endpoint][]int),
		fromControl: make(map[model.ControlKey][]int),
		toControl:   make(map[model.ControlKey][]int),
	}
	for i, l := range links {
		v.index[l.ID] = i
		v.outputs[l.Source] = append(v.outputs[l.Source], i)
		v.inputs[l.Destination] = append(v.inputs[l.Destination], i)
		v.fromControl[l.Source.Control()] = append(v.fromControl[l.Source.Control()], i)
		v.toControl[l.Destination.Control()] = append(v.toControl[l.Destination.Control()], i)
	}
	v.reach = buildReachability(v)
	return v
}

// Generation identifies the mutation that produced this view.
func (v *View) Generation() uint64 { return v.generation }

// Len returns the number of links.
func (v *View) Len() int { return len(v.links) }

// Link returns a link by ID, or nil if not found.
func (v *View) Link(id string) *model.Link {
	idx, ok := v.index[id]
	if !ok {
		return nil
	}
	return v.links[idx]
}

// Links returns all links in declaration order.
func (v *View) Links() []*model.Link {
	return slices.Clone(v.links)
}

// LinksFrom returns every link leaving the output endpoint.
func (v *View) LinksFrom(output model.Endpoint) []*model.Link {
	return v.collect(v.outputs[output], model.SignalNone)
}

// LinkFrom returns the first link leaving output that carries flag.
func (v *View) LinkFrom(output model.Endpoint, flag model.SignalType) *model.Link {
	return v.first(v.outputs[output], flag)
}

// LinksTo returns every link entering the input endpoint.
func (v *View) LinksTo(input model.Endpoint) []*model.Link {
	return v.collect(v.inputs[input], model.SignalNone)
}

// LinkTo returns the first link entering input that carries flag.
func (v *View) LinkTo(input model.Endpoint, flag model.SignalType) *model.Link {
	return v.first(v.inputs[input], flag)
}

// LinksFromControl returns the links leaving any output of the control.
func (v *View) LinksFromControl(ctrl model.ControlKey) []*model.Link {
	return v.collect(v.fromControl[ctrl], model.SignalNone)
}

// LinksToControl returns the links entering any input of the control.
func (v *View) LinksToControl(ctrl model.ControlKey) []*model.Link {
	return v.collect(v.toControl[ctrl], model.SignalNone)
}

// IsMidpoint reports whether the control is both the destination and the
// source of some link, i.e. a switcher or pass-through.
func (v *View) IsMidpoint(ctrl model.ControlKey) bool {
	return len(v.fromControl[ctrl]) > 0 && len(v.toControl[ctrl]) > 0
}

// Controls returns every control referenced by a link, in first-seen order.
func (v *View) Controls() []model.ControlKey {
	seen := make(map[model.ControlKey]bool)
	var out []model.ControlKey
	add := func(k model.ControlKey) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, l := range v.links {
		add(l.Source.Control())
		add(l.Destination.Control())
	}
	return out
}

// Midpoints returns every midpoint control, in first-seen order.
func (v *View) Midpoints() []model.ControlKey {
	var out []model.ControlKey
	for _, k := range v.Controls() {
		if v.IsMidpoint(k) {
			out = append(out, k)
		}
	}
	return out
}

// Reachable returns the first hop after fromID on the best path from the
// link fromID to the link toID for flag. It returns the link itself when
// fromID == toID, and nil when no path exists. Results come from the
// cache; nothing is searched.
func (v *View) Reachable(fromID, toID string, flag model.SignalType) (*model.Link, error) {
	if !flag.IsSingle() {
		return nil, fmt.Errorf("%w: got %s", ErrSignalNotSingle, flag)
	}
	from, ok := v.index[fromID]
	if !ok {
		return nil, nil
	}
	to, ok := v.index[toID]
	if !ok {
		return nil, nil
	}
	hop, ok := v.reach.lookup(from, to, flag)
	if !ok {
		return nil, nil
	}
	return v.links[hop], nil
}

// reachable is the index-based form of Reachable used by the path finder.
func (v *View) reachable(from, to int, flag model.SignalType) bool {
	_, ok := v.reach.lookup(from, to, flag)
	return ok
}

// ReachabilityEntries returns the number of positive entries cached.
func (v *View) ReachabilityEntries() int {
	return v.reach.entries
}

func (v *View) midpointCount() int {
	n := 0
	for k := range v.fromControl {
		if len(v.toControl[k]) > 0 {
			n++
		}
	}
	return n
}

func (v *View) collect(idxs []int, flag model.SignalType) []*model.Link {
	if len(idxs) == 0 {
		return nil
	}
	out := make([]*model.Link, 0, len(idxs))
	for _, i := range idxs {
		if flag == model.SignalNone || v.links[i].Carries(flag) {
			out = append(out, v.links[i])
		}
	}
	return out
}

func (v *View) first(idxs []int, flag model.SignalType) *model.Link {
	for _, i := range idxs {
		if v.links[i].Carries(flag) {
			return v.links[i]
		}
	}
	return nil
}
