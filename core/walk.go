package core

import (
	"slices"

	"github.com/signalsfoundry/crosspoint-router/model"
)

// Crosspoints reads the live crosspoint configuration of switching
// controls. The device registry implements it by asking each switcher.
type Crosspoints interface {
	// IsSwitcher reports whether the control exposes switching capability.
	IsSwitcher(ctrl model.ControlKey) bool
	// CurrentInput returns the input currently feeding output for flag.
	CurrentInput(ctrl model.ControlKey, output string, flag model.SignalType) (string, bool)
}

// switches reports whether live walks pass through ctrl.
func (v *View) switches(ctrl model.ControlKey, xp Crosspoints) bool {
	return v.IsMidpoint(ctrl) && xp != nil && xp.IsSwitcher(ctrl)
}

// TraceSource walks upstream from the input endpoint through the current
// crosspoints and returns the originating output endpoint together with the
// active chain of links, upstream first.
func (v *View) TraceSource(input model.Endpoint, flag model.SignalType, xp Crosspoints) (model.Endpoint, []*model.Link, bool) {
	visited := make(map[int]bool)
	for _, idx := range v.inputs[input] {
		if !v.links[idx].Carries(flag) {
			continue
		}
		if src, chain, ok := v.traceLink(idx, flag, xp, visited); ok {
			return src, chain, true
		}
	}
	return model.Endpoint{}, nil, false
}

// TraceSources returns the distinct origins currently reaching input over
// any of its links for flag, in link declaration order.
func (v *View) TraceSources(input model.Endpoint, flag model.SignalType, xp Crosspoints) []model.Endpoint {
	var out []model.Endpoint
	for _, idx := range v.inputs[input] {
		if !v.links[idx].Carries(flag) {
			continue
		}
		src, _, ok := v.traceLink(idx, flag, xp, make(map[int]bool))
		if ok && !slices.Contains(out, src) {
			out = append(out, src)
		}
	}
	return out
}

// FlowingSource returns the origin of whatever currently flows over the
// link for flag.
func (v *View) FlowingSource(linkID string, flag model.SignalType, xp Crosspoints) (model.Endpoint, bool) {
	idx, ok := v.index[linkID]
	if !ok || !v.links[idx].Carries(flag) {
		return model.Endpoint{}, false
	}
	src, _, ok := v.traceLink(idx, flag, xp, make(map[int]bool))
	return src, ok
}

func (v *View) traceLink(idx int, flag model.SignalType, xp Crosspoints, visited map[int]bool) (model.Endpoint, []*model.Link, bool) {
	var chain []*model.Link
	cur := idx
	for {
		if visited[cur] {
			return model.Endpoint{}, nil, false
		}
		visited[cur] = true
		link := v.links[cur]
		chain = append(chain, link)

		ctrl := link.Source.Control()
		if !v.switches(ctrl, xp) {
			reverse(chain)
			return link.Source, chain, true
		}
		in, ok := xp.CurrentInput(ctrl, link.Source.Address, flag)
		if !ok {
			return model.Endpoint{}, nil, false
		}
		upstream := v.first(v.inputs[model.Endpoint{DeviceID: ctrl.DeviceID, ControlID: ctrl.ControlID, Address: in}], flag)
		if upstream == nil {
			return model.Endpoint{}, nil, false
		}
		cur = v.index[upstream.ID]
	}
}

// OutputFilter excludes a (control, output) pair from a forward walk.
type OutputFilter func(ctrl model.ControlKey, output string) bool

// ForwardDestinations returns every terminal input currently fed, through
// the live crosspoints, by the link linkID. Outputs rejected by skip are
// treated as if they were already cleared.
func (v *View) ForwardDestinations(linkID string, flag model.SignalType, xp Crosspoints, skip OutputFilter) []model.Endpoint {
	idx, ok := v.index[linkID]
	if !ok || !v.links[idx].Carries(flag) {
		return nil
	}
	var out []model.Endpoint
	seen := make(map[model.Endpoint]bool)
	visited := map[int]bool{idx: true}
	queue := []int{idx}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		link := v.links[cur]
		ctrl := link.Destination.Control()
		if !v.switches(ctrl, xp) {
			if !seen[link.Destination] {
				seen[link.Destination] = true
				out = append(out, link.Destination)
			}
			continue
		}
		for _, next := range v.fromControl[ctrl] {
			nl := v.links[next]
			if visited[next] || !nl.Carries(flag) {
				continue
			}
			if skip != nil && skip(ctrl, nl.Source.Address) {
				continue
			}
			in, ok := xp.CurrentInput(ctrl, nl.Source.Address, flag)
			if !ok || in != link.Destination.Address {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return out
}

// TerminalDestinations returns every input endpoint that live walks stop
// at, in declaration order.
func (v *View) TerminalDestinations(xp Crosspoints) []model.Endpoint {
	seen := make(map[model.Endpoint]bool)
	var out []model.Endpoint
	for _, l := range v.links {
		if v.switches(l.Destination.Control(), xp) || seen[l.Destination] {
			continue
		}
		seen[l.Destination] = true
		out = append(out, l.Destination)
	}
	return out
}

func reverse(links []*model.Link) {
	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}
}
