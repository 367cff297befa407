package model

// RouteIntent asks for Source to be connected to Destination for every flag
// in Signals, on behalf of Tenant. ID correlates the asynchronous completion.
type RouteIntent struct {
	ID          string
	Source      Endpoint
	Destination Endpoint
	Signals     SignalType
	Tenant      TenantID
}

// StaticRoute is a chain of links that must stay connected regardless of
// dynamic routing activity, for every flag in Signals.
type StaticRoute struct {
	Name    string
	LinkIDs []string
	Signals SignalType
}

// LogicalEndpoint is a named source or destination made of one or more
// physical endpoints, each contributing some of the signal kinds.
type LogicalEndpoint struct {
	Name      string
	Endpoints []Connection
}

// Connection binds a physical endpoint to the signals it provides for a
// logical endpoint.
type Connection struct {
	Endpoint Endpoint
	Signals  SignalType
}
