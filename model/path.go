package model

import "strings"

// Path is an ordered walk of links for exactly one signal flag. Adjacent
// links meet at a shared control; that junction is where a crosspoint
// command is issued.
type Path struct {
	Signal SignalType
	Links  []*Link
}

// Junction is a single crosspoint needed to realise a path.
type Junction struct {
	Control ControlKey
	Input   string
	Output  string
}

// Start returns the output endpoint the path leaves from.
func (p *Path) Start() Endpoint {
	if p == nil || len(p.Links) == 0 {
		return Endpoint{}
	}
	return p.Links[0].Source
}

// End returns the input endpoint the path arrives at.
func (p *Path) End() Endpoint {
	if p == nil || len(p.Links) == 0 {
		return Endpoint{}
	}
	return p.Links[len(p.Links)-1].Destination
}

// Hops returns the number of links on the path.
func (p *Path) Hops() int {
	if p == nil {
		return 0
	}
	return len(p.Links)
}

// Junctions lists the crosspoints along the path, upstream first.
func (p *Path) Junctions() []Junction {
	if p == nil || len(p.Links) < 2 {
		return nil
	}
	out := make([]Junction, 0, len(p.Links)-1)
	for i := 0; i+1 < len(p.Links); i++ {
		in, next := p.Links[i], p.Links[i+1]
		out = append(out, Junction{
			Control: in.Destination.Control(),
			Input:   in.Destination.Address,
			Output:  next.Source.Address,
		})
	}
	return out
}

// LinkIDs returns the ids of the links on the path in order.
func (p *Path) LinkIDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, len(p.Links))
	for i, l := range p.Links {
		ids[i] = l.ID
	}
	return ids
}

func (p *Path) String() string {
	if p == nil {
		return "<nil>"
	}
	return p.Signal.String() + "[" + strings.Join(p.LinkIDs(), " -> ") + "]"
}
