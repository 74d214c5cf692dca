// Package metrics is a collaborator plugin (spec.md §6.3): it exposes
// the Database's CostAccountant snapshot and per-resource operation
// counts as Prometheus metrics.
//
// Grounded on the metric-vector/registration style in the retrieval
// pack's pkg/metrics package (GaugeVec/CounterVec definitions,
// promhttp.Handler for scraping), adapted to use a private
// prometheus.Registry per Plugin instance rather than the pack's
// package-level global registry, since CostAccountant is explicitly
// per-Database rather than a singleton (spec.md §9 redesign flag).
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/plugin"
)

// Metrics is the plugin: it polls a CostAccountant on demand for
// Collect and counts resource operations via the EventBus.
type Metrics struct {
	id         string
	accountant *cost.Accountant

	registry *prometheus.Registry

	requestsTotal   *prometheus.GaugeVec
	requestBytes    prometheus.Gauge
	responseBytes   prometheus.Gauge
	storedBytes     prometheus.Gauge
	estimatedCost   prometheus.Gauge
	operationsTotal *prometheus.CounterVec

	mu  sync.Mutex
	bus *eventbus.Bus
	sub uint64
}

// New builds a Metrics plugin reporting on accountant's running totals.
func New(id string, accountant *cost.Accountant) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		id:         id,
		accountant: accountant,
		registry:   registry,
		requestsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "s3db_store_requests",
			Help: "Cumulative object store requests by command",
		}, []string{"command"}),
		requestBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3db_store_request_bytes_total",
			Help: "Cumulative bytes sent to the object store",
		}),
		responseBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3db_store_response_bytes_total",
			Help: "Cumulative bytes received from the object store",
		}),
		storedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3db_stored_bytes",
			Help: "Estimated bytes currently stored",
		}),
		estimatedCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3db_estimated_cost_usd",
			Help: "Estimated cumulative object store cost in USD",
		}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3db_resource_operations_total",
			Help: "Resource operations by resource name and operation",
		}, []string{"resource", "op"}),
	}

	registry.MustRegister(
		m.requestsTotal, m.requestBytes, m.responseBytes,
		m.storedBytes, m.estimatedCost, m.operationsTotal,
	)
	return m
}

func (m *Metrics) ID() string { return m.id }

// Setup subscribes to every resource's after-events so operation
// counts reflect real traffic rather than a polling sample.
func (m *Metrics) Setup(ctx context.Context, host *plugin.Framework) error {
	m.bus = host.Events()
	m.sub = m.bus.On("*:after:*", m.onEvent)
	return nil
}

func (m *Metrics) Start(ctx context.Context) error { return nil }

func (m *Metrics) Stop(ctx context.Context) error {
	if m.bus != nil {
		m.bus.Off(m.sub)
	}
	return nil
}

func (m *Metrics) onEvent(event string, payload any) {
	parts := splitEventName(event)
	if len(parts) != 3 {
		return
	}
	m.operationsTotal.WithLabelValues(parts[0], parts[2]).Inc()
}

func splitEventName(event string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(event); i++ {
		if event[i] == ':' {
			parts = append(parts, event[start:i])
			start = i + 1
		}
	}
	parts = append(parts, event[start:])
	return parts
}

// Collect refreshes the gauges from the CostAccountant's current
// snapshot; call this before a scrape (e.g. from a periodic ticker or
// from the handler's ServeHTTP).
func (m *Metrics) Collect() {
	snap := m.accountant.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	for cmd, n := range snap.RequestCounts {
		m.requestsTotal.WithLabelValues(string(cmd)).Set(float64(n))
	}
	m.requestBytes.Set(float64(snap.RequestBytes))
	m.responseBytes.Set(float64(snap.ResponseBytes))
	m.storedBytes.Set(float64(snap.StoredBytes))
	m.estimatedCost.Set(snap.EstimatedCost)
}

// Handler returns an http.Handler serving this plugin's registry in
// the Prometheus exposition format, refreshing gauges on every scrape.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Collect()
		inner.ServeHTTP(w, r)
	})
}
