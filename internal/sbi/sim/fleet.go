package sim

import (
	"errors"
	"sort"

	"github.com/signalsfoundry/crosspoint-router/core"
	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/model"
)

// Fleet is the set of simulated controls created for a topology.
type Fleet struct {
	Sources      map[model.ControlKey]*Source
	Destinations map[model.ControlKey]*Destination
	Switchers    map[model.ControlKey]*Switcher
}

// FleetConfig tunes the controls created by Populate.
type FleetConfig struct {
	AckMode AckMode
	// Transmitting starts every source output transmitting all its signals.
	Transmitting bool
}

// Populate creates a simulated control for every control referenced by the
// view and registers it. Midpoints become switchers, controls with only
// outgoing links sources, and controls with only incoming links
// destinations.
//
// Populate can be called again after the topology changes. A simulated
// control that keeps its role has its ports refreshed in place and is not
// part of the returned fleet. One whose role changed is replaced by a new
// control of the right kind. Controls registered by anything other than
// this package are left untouched.
func Populate(v *core.View, reg *sbi.Registry, bus *sbi.Bus, cfg FleetConfig) (*Fleet, error) {
	f := &Fleet{
		Sources:      make(map[model.ControlKey]*Source),
		Destinations: make(map[model.ControlKey]*Destination),
		Switchers:    make(map[model.ControlKey]*Switcher),
	}

	for _, key := range v.Controls() {
		outputs := ports(v.LinksFromControl(key), func(l *model.Link) string { return l.Source.Address })
		inputs := ports(v.LinksToControl(key), func(l *model.Link) string { return l.Destination.Address })

		if existing, ok := reg.Get(key); ok {
			if refresh(existing, inputs, outputs) {
				continue
			}
			if !simulated(existing) {
				continue
			}
			reg.Unregister(key)
		}

		var c sbi.Control
		switch {
		case len(outputs) > 0 && len(inputs) > 0:
			sw := NewSwitcher(key, bus, inputs, outputs, cfg.AckMode)
			f.Switchers[key] = sw
			c = sw
		case len(outputs) > 0:
			src := NewSource(key, bus, outputs)
			if cfg.Transmitting {
				for _, p := range outputs {
					src.SetTransmitting(p.Address, p.Signals, true)
				}
			}
			f.Sources[key] = src
			c = src
		default:
			dst := NewDestination(key, bus, inputs)
			f.Destinations[key] = dst
			c = dst
		}
		if err := reg.Register(c); err != nil && !errors.Is(err, sbi.ErrControlExists) {
			return nil, err
		}
	}
	return f, nil
}

// refresh updates the ports of a simulated control whose role matches the
// ports it is given. It reports false when c must be replaced or is not
// simulated.
func refresh(c sbi.Control, inputs, outputs []model.Connector) bool {
	hasIn, hasOut := len(inputs) > 0, len(outputs) > 0
	switch c := c.(type) {
	case *Switcher:
		if hasIn && hasOut {
			c.setPorts(inputs, outputs)
			return true
		}
	case *Source:
		if hasOut && !hasIn {
			c.setOutputs(outputs)
			return true
		}
	case *Destination:
		if hasIn && !hasOut {
			c.setInputs(inputs)
			return true
		}
	}
	return false
}

func simulated(c sbi.Control) bool {
	switch c.(type) {
	case *Switcher, *Source, *Destination:
		return true
	}
	return false
}

// ports merges the links touching one control into connectors, one per
// address, carrying the union of the links' signals.
func ports(links []*model.Link, addr func(*model.Link) string) []model.Connector {
	bySignal := make(map[string]model.SignalType)
	for _, l := range links {
		bySignal[addr(l)] |= l.Signals
	}
	out := make([]model.Connector, 0, len(bySignal))
	for a, s := range bySignal {
		out = append(out, model.Connector{Address: a, Signals: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
