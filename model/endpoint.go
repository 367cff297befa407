package model

import "fmt"

// ControlKey identifies one control surface of one device. Crosspoint
// commands are addressed to a ControlKey, and two adjacent links of a path
// join at the ControlKey shared by the first link's destination and the
// second link's source.
type ControlKey struct {
	DeviceID  string
	ControlID uint32
}

func (k ControlKey) String() string {
	return fmt.Sprintf("%s/%d", k.DeviceID, k.ControlID)
}

// Endpoint identifies one physical port. It is a plain value: comparable,
// usable as a map key, with no lifecycle of its own.
type Endpoint struct {
	DeviceID  string
	ControlID uint32
	Address   string
}

// Control returns the control surface the endpoint belongs to.
func (e Endpoint) Control() ControlKey {
	return ControlKey{DeviceID: e.DeviceID, ControlID: e.ControlID}
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%d:%s", e.DeviceID, e.ControlID, e.Address)
}

// Connector describes the capabilities of a single port at a point in time.
type Connector struct {
	Address string
	Signals SignalType
}

// TenantID scopes admission of routing requests (a room or partition).
type TenantID uint32
