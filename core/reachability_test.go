package core

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/signalsfoundry/crosspoint-router/model"
)

const (
	propControls = 4
	propSignals  = 15 // every non-empty mask over the four flags
)

// decodeLinks turns generated integers into links between a handful of
// controls, so graphs are dense enough to have midpoints and cycles.
func decodeLinks(codes []int) []*model.Link {
	links := make([]*model.Link, 0, len(codes))
	for i, c := range codes {
		src := c % propControls
		dst := (c / propControls) % propControls
		signals := model.SignalType(c/(propControls*propControls)%propSignals + 1)
		if src == dst {
			continue
		}
		links = append(links, mkLink(
			fmt.Sprintf("L%d", i),
			fmt.Sprintf("dev%d", src), fmt.Sprintf("out%d", i),
			fmt.Sprintf("dev%d", dst), fmt.Sprintf("in%d", i),
			signals,
		))
	}
	return links
}

// bruteReach answers reachability by searching from scratch, without any
// cache.
func bruteReach(links []*model.Link, from, to *model.Link, flag model.SignalType) bool {
	if !from.Carries(flag) || !to.Carries(flag) {
		return false
	}
	midpoint := func(ctrl model.ControlKey) bool {
		var in, out bool
		for _, l := range links {
			in = in || l.Destination.Control() == ctrl
			out = out || l.Source.Control() == ctrl
		}
		return in && out
	}
	seen := map[string]bool{from.ID: true}
	queue := []*model.Link{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.ID == to.ID {
			return true
		}
		ctrl := cur.Destination.Control()
		if !midpoint(ctrl) {
			continue
		}
		for _, next := range links {
			if next.Source.Control() == ctrl && next.Carries(flag) && !seen[next.ID] {
				seen[next.ID] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// agreesWithBruteForce checks every ordered pair of links and every flag.
func agreesWithBruteForce(topo *Topology) error {
	links := topo.Links()
	for _, from := range links {
		for _, to := range links {
			for _, flag := range model.SignalAll.Flags() {
				hop, err := topo.Reachable(from.ID, to.ID, flag)
				if err != nil {
					return err
				}
				want := bruteReach(links, from, to, flag)
				if (hop != nil) != want {
					return fmt.Errorf("%s->%s %s: cached=%v brute=%t", from.ID, to.ID, flag, hop, want)
				}
				if hop == nil {
					continue
				}
				if from.ID == to.ID {
					if hop.ID != from.ID {
						return fmt.Errorf("%s->self hop = %s", from.ID, hop.ID)
					}
					continue
				}
				if hop.Source.Control() != from.Destination.Control() || !bruteReach(links, hop, to, flag) {
					return fmt.Errorf("%s->%s %s: hop %s is not a next step", from.ID, to.ID, flag, hop.ID)
				}
			}
		}
	}
	return nil
}

func TestReachability_MatchesBruteForce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	codeGen := gen.SliceOfN(10, gen.IntRange(0, propControls*propControls*propSignals-1))

	properties.Property("cache equals from-scratch search after add", prop.ForAll(
		func(codes []int) bool {
			topo := NewTopology()
			if err := topo.AddLinks(decodeLinks(codes)...); err != nil {
				t.Logf("AddLinks: %v", err)
				return false
			}
			if err := agreesWithBruteForce(topo); err != nil {
				t.Log(err)
				return false
			}
			return true
		},
		codeGen,
	))

	properties.Property("cache equals from-scratch search after removal", prop.ForAll(
		func(codes []int, drop uint16) bool {
			links := decodeLinks(codes)
			topo := NewTopology()
			if err := topo.AddLinks(links...); err != nil {
				return false
			}
			var ids []string
			for i, l := range links {
				if drop&(1<<uint(i%16)) != 0 {
					ids = append(ids, l.ID)
				}
			}
			if err := topo.RemoveLinks(ids...); err != nil {
				t.Logf("RemoveLinks: %v", err)
				return false
			}
			if err := agreesWithBruteForce(topo); err != nil {
				t.Log(err)
				return false
			}
			return true
		},
		codeGen,
		gen.UInt16(),
	))

	properties.TestingRun(t)
}

// TestReachability_NegativeIsStable repeats a miss and checks nothing
// changes between lookups.
func TestReachability_NegativeIsStable(t *testing.T) {
	topo := newTestTopology(t, matrixLinks())
	v := topo.View()
	entries := v.ReachabilityEntries()
	for i := 0; i < 3; i++ {
		if hop, _ := topo.Reachable("M-X", "A-M", model.SignalVideo); hop != nil {
			t.Fatalf("Reachable(M-X, A-M) = %v, want nil", hop)
		}
	}
	if topo.View() != v || v.ReachabilityEntries() != entries {
		t.Fatalf("negative lookups changed the cache")
	}
}
