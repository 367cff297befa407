package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterCollector bundles the Prometheus metrics of the routing engine. It
// satisfies the metrics recorder interfaces of the topology, the executor,
// the state cache and the static route enforcer.
type RouterCollector struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	IntentsStarted   *prometheus.CounterVec
	IntentsSettled   *prometheus.CounterVec
	IntentDurations  *prometheus.HistogramVec
	CommandsIssued   *prometheus.CounterVec
	CommandsFinished *prometheus.CounterVec
	PendingIntents   prometheus.Gauge

	PathComputationDuration prometheus.Histogram
	ReachabilityRebuild     prometheus.Histogram
	ReachabilityEntries     prometheus.Gauge
	ReachabilityLookups     *prometheus.CounterVec
	TopologyLinks           prometheus.Gauge
	TopologyMidpoints       prometheus.Gauge

	RouteChanges       prometheus.Counter
	RoutedDestinations prometheus.Gauge
	StaticReassertions prometheus.Counter
}

// NewRouterCollector registers router metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRouterCollector(reg prometheus.Registerer) (*RouterCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &RouterCollector{reg: reg, gatherer: gatherer}

	var err error
	if c.IntentsStarted, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_intents_started_total",
		Help: "Route and unroute intents accepted, labeled by kind.",
	}, []string{"kind"}), "router_intents_started_total"); err != nil {
		return nil, err
	}
	if c.IntentsSettled, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_intents_settled_total",
		Help: "Settled intents, labeled by kind, result and early-termination reason.",
	}, []string{"kind", "result", "reason"}), "router_intents_settled_total"); err != nil {
		return nil, err
	}
	if c.IntentDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "router_intent_duration_seconds",
		Help:    "Time from accepting an intent to its settlement.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind"}), "router_intent_duration_seconds"); err != nil {
		return nil, err
	}
	if c.CommandsIssued, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_device_commands_total",
		Help: "Crosspoint commands sent to devices, labeled by kind (route or clear).",
	}, []string{"kind"}), "router_device_commands_total"); err != nil {
		return nil, err
	}
	if c.CommandsFinished, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_device_command_results_total",
		Help: "Device command outcomes, labeled by kind and result.",
	}, []string{"kind", "result"}), "router_device_command_results_total"); err != nil {
		return nil, err
	}
	if c.PendingIntents, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_pending_intents",
		Help: "Intents waiting for device acknowledgements.",
	}), "router_pending_intents"); err != nil {
		return nil, err
	}

	if c.PathComputationDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_path_computation_duration_seconds",
		Help:    "Duration of path finder searches.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "router_path_computation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ReachabilityRebuild, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_reachability_rebuild_duration_seconds",
		Help:    "Duration of topology index and reachability cache rebuilds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}), "router_reachability_rebuild_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ReachabilityEntries, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_reachability_entries",
		Help: "Positive entries held by the reachability cache.",
	}), "router_reachability_entries"); err != nil {
		return nil, err
	}
	if c.ReachabilityLookups, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_reachability_lookups_total",
		Help: "Reachability cache lookups, labeled by result (hit or negative).",
	}, []string{"result"}), "router_reachability_lookups_total"); err != nil {
		return nil, err
	}
	if c.TopologyLinks, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_topology_links",
		Help: "Links in the current topology.",
	}), "router_topology_links"); err != nil {
		return nil, err
	}
	if c.TopologyMidpoints, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_topology_midpoints",
		Help: "Controls with both incoming and outgoing links.",
	}), "router_topology_midpoints"); err != nil {
		return nil, err
	}

	if c.RouteChanges, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_route_changes_total",
		Help: "RouteChanged notifications emitted by the state cache.",
	}), "router_route_changes_total"); err != nil {
		return nil, err
	}
	if c.RoutedDestinations, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_routed_destinations",
		Help: "Destination and signal pairs that currently receive a source.",
	}), "router_routed_destinations"); err != nil {
		return nil, err
	}
	if c.StaticReassertions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_static_reassertions_total",
		Help: "Crosspoint commands re-issued to restore static routes.",
	}), "router_static_reassertions_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RouterCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RouterCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetTopologyCounts updates the topology gauges after a rebuild.
func (c *RouterCollector) SetTopologyCounts(links, midpoints, reachabilityEntries int) {
	if c == nil {
		return
	}
	c.TopologyLinks.Set(float64(links))
	c.TopologyMidpoints.Set(float64(midpoints))
	c.ReachabilityEntries.Set(float64(reachabilityEntries))
}

// ObserveReachabilityRebuild records a rebuild duration.
func (c *RouterCollector) ObserveReachabilityRebuild(d time.Duration) {
	if c == nil {
		return
	}
	c.ReachabilityRebuild.Observe(d.Seconds())
}

// ObserveReachabilityLookup counts one cache lookup.
func (c *RouterCollector) ObserveReachabilityLookup(found bool) {
	if c == nil {
		return
	}
	result := "negative"
	if found {
		result = "hit"
	}
	c.ReachabilityLookups.WithLabelValues(result).Inc()
}

// ObservePathComputation records a path computation duration measurement.
func (c *RouterCollector) ObservePathComputation(d time.Duration) {
	if c == nil {
		return
	}
	c.PathComputationDuration.Observe(d.Seconds())
}

func (c *RouterCollector) IntentStarted(kind string) {
	if c == nil {
		return
	}
	c.IntentsStarted.WithLabelValues(kind).Inc()
}

func (c *RouterCollector) IntentSettled(kind string, success bool, reason string, d time.Duration) {
	if c == nil {
		return
	}
	c.IntentsSettled.WithLabelValues(kind, resultLabel(success), reason).Inc()
	c.IntentDurations.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *RouterCollector) CommandIssued(kind string) {
	if c == nil {
		return
	}
	c.CommandsIssued.WithLabelValues(kind).Inc()
}

func (c *RouterCollector) CommandFinished(kind string, err error) {
	if c == nil {
		return
	}
	c.CommandsFinished.WithLabelValues(kind, resultLabel(err == nil)).Inc()
}

func (c *RouterCollector) SetPendingIntents(n int) {
	if c == nil {
		return
	}
	c.PendingIntents.Set(float64(n))
}

func (c *RouterCollector) IncRouteChanges(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RouteChanges.Add(float64(n))
}

func (c *RouterCollector) SetRoutedDestinations(n int) {
	if c == nil {
		return
	}
	c.RoutedDestinations.Set(float64(n))
}

func (c *RouterCollector) IncStaticReassertions(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.StaticReassertions.Add(float64(n))
}

// SBICounts is a reading of the in-memory device traffic counters.
type SBICounts struct {
	RouteSent       uint64
	ClearSent       uint64
	Rejected        uint64
	AcksOK          uint64
	AcksError       uint64
	LateAcks        uint64
	EventsDelivered uint64
}

var sbiCountersDesc = prometheus.NewDesc(
	"router_sbi_messages_total",
	"Controller and device traffic, labeled by counter.",
	[]string{"counter"}, nil,
)

// sbiCounters reads the counters at scrape time.
type sbiCounters struct {
	read func() SBICounts
}

func (s *sbiCounters) Describe(ch chan<- *prometheus.Desc) { ch <- sbiCountersDesc }

func (s *sbiCounters) Collect(ch chan<- prometheus.Metric) {
	c := s.read()
	for _, v := range []struct {
		label string
		n     uint64
	}{
		{"route_sent", c.RouteSent},
		{"clear_sent", c.ClearSent},
		{"rejected", c.Rejected},
		{"acks_ok", c.AcksOK},
		{"acks_error", c.AcksError},
		{"late_acks", c.LateAcks},
		{"events_delivered", c.EventsDelivered},
	} {
		ch <- prometheus.MustNewConstMetric(sbiCountersDesc, prometheus.CounterValue, float64(v.n), v.label)
	}
}

// ExportSBICounters publishes the counters returned by read as
// router_sbi_messages_total. A later call replaces the earlier source.
func (c *RouterCollector) ExportSBICounters(read func() SBICounts) error {
	if c == nil || read == nil {
		return nil
	}
	col := &sbiCounters{read: read}
	err := c.reg.Register(col)
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		c.reg.Unregister(are.ExistingCollector)
		err = c.reg.Register(col)
	}
	if err != nil {
		return fmt.Errorf("register router_sbi_messages_total: %w", err)
	}
	return nil
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
