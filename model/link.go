package model

import "slices"

// Link is a directed, signal-typed edge from an output endpoint to an input
// endpoint. Links come from static topology configuration. Only the two
// admission lists may change after a link is added to a topology.
type Link struct {
	ID          string
	Source      Endpoint
	Destination Endpoint
	Signals     SignalType

	// SourceDevices restricts which originating source devices may be
	// carried over this link. Empty means any.
	SourceDevices []string
	// Tenants restricts which tenants may claim this link. Empty means any.
	Tenants []TenantID
}

// Carries reports whether the link carries the given signal flag.
func (l *Link) Carries(flag SignalType) bool {
	return l != nil && l.Signals.Has(flag)
}

// AvailableToSource reports whether a signal originating at deviceID may use
// this link.
func (l *Link) AvailableToSource(deviceID string) bool {
	if l == nil {
		return false
	}
	return len(l.SourceDevices) == 0 || slices.Contains(l.SourceDevices, deviceID)
}

// AvailableToTenant reports whether tenant may claim this link.
func (l *Link) AvailableToTenant(tenant TenantID) bool {
	if l == nil {
		return false
	}
	return len(l.Tenants) == 0 || slices.Contains(l.Tenants, tenant)
}

// Clone returns a deep copy of the link.
func (l *Link) Clone() *Link {
	if l == nil {
		return nil
	}
	c := *l
	c.SourceDevices = slices.Clone(l.SourceDevices)
	c.Tenants = slices.Clone(l.Tenants)
	return &c
}
