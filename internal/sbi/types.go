package sbi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/crosspoint-router/model"
)

var (
	// ErrControlExists is returned when a control is registered twice.
	ErrControlExists = errors.New("control already registered")
	// ErrUnknownAddress is returned by devices for commands naming a port
	// they do not have.
	ErrUnknownAddress = errors.New("unknown port address")
)

// Control is one control surface of a device, as seen by the controller.
// Which of the capability interfaces below it also implements decides how
// the controller may use it.
type Control interface {
	Key() model.ControlKey
}

// SourceControl is a control with outputs that originate signals.
type SourceControl interface {
	Control
	Outputs() []model.Connector
	TransmissionState(output string, flag model.SignalType) bool
}

// DestinationControl is a control with inputs that consume signals.
type DestinationControl interface {
	Control
	Inputs() []model.Connector
	SignalDetected(input string, flag model.SignalType) bool
	InputActive(input string, flag model.SignalType) bool
}

// SwitcherControl is a control that can connect any of its inputs to any of
// its outputs, independently per signal flag.
//
// Route and ClearOutput are fire-and-forget: a returned error means the
// command was rejected outright and ack will not be called. Otherwise ack
// is called exactly once when the device finishes the command, and the new
// crosspoint state is announced on the Bus as EventCrosspointChanged.
type SwitcherControl interface {
	SourceControl
	DestinationControl
	CurrentInput(output string, flag model.SignalType) (string, bool)
	Route(ctx context.Context, input, output string, signals model.SignalType, ack func(error)) error
	ClearOutput(ctx context.Context, output string, signals model.SignalType, ack func(error)) error
}

// Registry holds the registered controls and looks up their capabilities.
// It implements core.Crosspoints for live walks.
type Registry struct {
	mu       sync.RWMutex
	controls map[model.ControlKey]Control
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		controls: make(map[model.ControlKey]Control),
	}
}

// Register adds a control. Returns an error if its key is already taken.
func (r *Registry) Register(c Control) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := c.Key()
	if _, exists := r.controls[key]; exists {
		return fmt.Errorf("%w: %s", ErrControlExists, key)
	}
	r.controls[key] = c
	return nil
}

// Get retrieves a control by key.
func (r *Registry) Get(key model.ControlKey) (Control, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controls[key]
	return c, ok
}

// Unregister removes a control.
func (r *Registry) Unregister(key model.ControlKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controls, key)
}

// Keys returns every registered key, sorted.
func (r *Registry) Keys() []model.ControlKey {
	r.mu.RLock()
	keys := make([]model.ControlKey, 0, len(r.controls))
	for k := range r.controls {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DeviceID != keys[j].DeviceID {
			return keys[i].DeviceID < keys[j].DeviceID
		}
		return keys[i].ControlID < keys[j].ControlID
	})
	return keys
}

// Switcher returns the control at key if it can switch.
func (r *Registry) Switcher(key model.ControlKey) (SwitcherControl, bool) {
	c, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	sw, ok := c.(SwitcherControl)
	return sw, ok
}

// Source returns the control at key if it has outputs.
func (r *Registry) Source(key model.ControlKey) (SourceControl, bool) {
	c, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	src, ok := c.(SourceControl)
	return src, ok
}

// Destination returns the control at key if it has inputs.
func (r *Registry) Destination(key model.ControlKey) (DestinationControl, bool) {
	c, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	dst, ok := c.(DestinationControl)
	return dst, ok
}

// IsSwitcher reports whether the control at key can switch.
func (r *Registry) IsSwitcher(key model.ControlKey) bool {
	_, ok := r.Switcher(key)
	return ok
}

// CurrentInput asks the switcher at key which input feeds output for flag.
func (r *Registry) CurrentInput(key model.ControlKey, output string, flag model.SignalType) (string, bool) {
	sw, ok := r.Switcher(key)
	if !ok {
		return "", false
	}
	return sw.CurrentInput(output, flag)
}
