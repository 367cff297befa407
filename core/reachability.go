package core

import "github.com/signalsfoundry/crosspoint-router/model"

type reachKey struct {
	from int
	flag model.SignalType
}

// reachability caches, for every link and every flag it carries, the first
// hop towards each link it can reach through midpoints.
//
// Each row is produced by a complete breadth-first search, so a pair that
// is missing from a computed row is a definitive negative: repeated queries
// for an unreachable pair never search again until the next rebuild.
type reachability struct {
	rows    map[reachKey]map[int]int
	entries int
}

func buildReachability(v *View) *reachability {
	r := &reachability{rows: make(map[reachKey]map[int]int)}
	for from, link := range v.links {
		for _, flag := range link.Signals.Flags() {
			row := r.search(v, from, flag)
			r.rows[reachKey{from: from, flag: flag}] = row
			r.entries += len(row)
		}
	}
	return r
}

// search runs a BFS forward from link `from`, only continuing through
// midpoint controls. Neighbours are expanded in link declaration order, so
// ties between equally short paths always resolve the same way.
func (r *reachability) search(v *View, from int, flag model.SignalType) map[int]int {
	row := map[int]int{from: from}
	if !v.IsMidpoint(v.links[from].Destination.Control()) {
		return row
	}

	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		ctrl := v.links[cur].Destination.Control()
		if !v.IsMidpoint(ctrl) {
			continue
		}
		for _, next := range v.fromControl[ctrl] {
			if !v.links[next].Carries(flag) {
				continue
			}
			if _, seen := row[next]; seen {
				continue
			}
			if cur == from {
				row[next] = next
			} else {
				row[next] = row[cur]
			}
			queue = append(queue, next)
		}
	}
	return row
}

// lookup returns the first hop from -> to for flag. A missing row means
// from does not carry flag, which is also a negative.
func (r *reachability) lookup(from, to int, flag model.SignalType) (int, bool) {
	row, ok := r.rows[reachKey{from: from, flag: flag}]
	if !ok {
		return 0, false
	}
	hop, ok := row[to]
	return hop, ok
}
