package core

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/crosspoint-router/model"
)

// ErrTopologyInvalid wraps every semantic problem found in a topology file.
var ErrTopologyInvalid = errors.New("invalid topology file")

var validate = validator.New()

// Scenario is everything a topology file defines, converted to model types.
type Scenario struct {
	Links        []*model.Link
	Sources      []model.LogicalEndpoint
	Destinations []model.LogicalEndpoint
	StaticRoutes []model.StaticRoute
}

// File shapes, unexported so the format can evolve independently.
type topologyFile struct {
	Links        []linkSpec        `yaml:"links" validate:"dive"`
	Sources      []logicalSpec     `yaml:"sources" validate:"dive"`
	Destinations []logicalSpec     `yaml:"destinations" validate:"dive"`
	StaticRoutes []staticRouteSpec `yaml:"static_routes" validate:"dive"`
}

type endpointSpec struct {
	Device  string `yaml:"device" validate:"required"`
	Control uint32 `yaml:"control"`
	Address string `yaml:"address" validate:"required"`
}

type linkSpec struct {
	ID            string       `yaml:"id" validate:"required"`
	From          endpointSpec `yaml:"from"`
	To            endpointSpec `yaml:"to"`
	Signals       []string     `yaml:"signals" validate:"required,min=1,dive,required"`
	SourceDevices []string     `yaml:"source_devices" validate:"dive,required"`
	Tenants       []uint32     `yaml:"tenants"`
}

type connectionSpec struct {
	At      endpointSpec `yaml:",inline"`
	Signals []string     `yaml:"signals" validate:"required,min=1,dive,required"`
}

type logicalSpec struct {
	Name      string           `yaml:"name" validate:"required"`
	Endpoints []connectionSpec `yaml:"endpoints" validate:"required,min=1,dive"`
}

type staticRouteSpec struct {
	Name    string   `yaml:"name" validate:"required"`
	Links   []string `yaml:"links" validate:"required,min=1,dive,required"`
	Signals []string `yaml:"signals" validate:"required,min=1,dive,required"`
}

// LoadTopologyFile reads and validates the topology file at path.
func LoadTopologyFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadTopologyFile: %w", err)
	}
	defer f.Close()
	return LoadTopology(f)
}

// LoadTopology decodes a YAML topology from r, validates it and converts it
// to model types. Unknown keys are rejected. Every semantic problem is
// reported, not just the first.
func LoadTopology(r io.Reader) (*Scenario, error) {
	var payload topologyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("LoadTopology: decode failed: %w", err)
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopologyInvalid, err)
	}

	var errs error
	sc := &Scenario{Links: make([]*model.Link, 0, len(payload.Links))}
	byID := make(map[string]*model.Link, len(payload.Links))

	for _, ls := range payload.Links {
		if _, dup := byID[ls.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("duplicate link id %q", ls.ID))
			continue
		}
		signals, err := model.ParseSignals(ls.Signals)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("link %q: %w", ls.ID, err))
			continue
		}
		link := &model.Link{
			ID:            ls.ID,
			Source:        ls.From.endpoint(),
			Destination:   ls.To.endpoint(),
			Signals:       signals,
			SourceDevices: ls.SourceDevices,
		}
		for _, t := range ls.Tenants {
			link.Tenants = append(link.Tenants, model.TenantID(t))
		}
		if err := validateLink(link); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		byID[link.ID] = link
		sc.Links = append(sc.Links, link)
	}

	sources, err := convertLogical("source", payload.Sources)
	errs = multierr.Append(errs, err)
	sc.Sources = sources
	destinations, err := convertLogical("destination", payload.Destinations)
	errs = multierr.Append(errs, err)
	sc.Destinations = destinations

	for _, rs := range payload.StaticRoutes {
		route, err := convertStaticRoute(rs, byID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sc.StaticRoutes = append(sc.StaticRoutes, route)
	}

	if errs != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopologyInvalid, errs)
	}
	return sc, nil
}

func (e endpointSpec) endpoint() model.Endpoint {
	return model.Endpoint{DeviceID: e.Device, ControlID: e.Control, Address: e.Address}
}

func convertLogical(kind string, specs []logicalSpec) ([]model.LogicalEndpoint, error) {
	var errs error
	seen := make(map[string]bool, len(specs))
	out := make([]model.LogicalEndpoint, 0, len(specs))
	for _, s := range specs {
		if seen[s.Name] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate %s name %q", kind, s.Name))
			continue
		}
		seen[s.Name] = true
		le := model.LogicalEndpoint{Name: s.Name}
		for _, c := range s.Endpoints {
			signals, err := model.ParseSignals(c.Signals)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s %q: %w", kind, s.Name, err))
				continue
			}
			le.Endpoints = append(le.Endpoints, model.Connection{Endpoint: c.At.endpoint(), Signals: signals})
		}
		out = append(out, le)
	}
	return out, errs
}

// convertStaticRoute checks that the named links exist and join up, so the
// route describes a real chain of crosspoints.
func convertStaticRoute(rs staticRouteSpec, byID map[string]*model.Link) (model.StaticRoute, error) {
	signals, err := model.ParseSignals(rs.Signals)
	if err != nil {
		return model.StaticRoute{}, fmt.Errorf("static route %q: %w", rs.Name, err)
	}
	var prev *model.Link
	for _, id := range rs.Links {
		link, ok := byID[id]
		if !ok {
			return model.StaticRoute{}, fmt.Errorf("static route %q: %w: %q", rs.Name, ErrLinkNotFound, id)
		}
		if prev != nil && prev.Destination.Control() != link.Source.Control() {
			return model.StaticRoute{}, fmt.Errorf("static route %q: link %q does not continue from %q", rs.Name, id, prev.ID)
		}
		if link.Signals&signals == 0 {
			return model.StaticRoute{}, fmt.Errorf("static route %q: link %q carries none of %s", rs.Name, id, signals)
		}
		prev = link
	}
	return model.StaticRoute{Name: rs.Name, LinkIDs: rs.Links, Signals: signals}, nil
}
