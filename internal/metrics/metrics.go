// Package metrics records operation outcomes for transformations, replica
// synchronization and the hub.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives operation outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// Observe records one finished operation such as "transform.process_all"
	// or "hub.upload_changeset".
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	// Entities adds n entities of a kind written with op ("Insert",
	// "Update", "Delete").
	Entities(kind, op string, n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Observe(context.Context, string, bool, time.Duration) {}
func (Nop) Entities(string, string, int)                         {}

// Prometheus exports operation counts, durations and entity counts.
type Prometheus struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	entities   *prometheus.CounterVec
}

// NewPrometheus registers the briefsync collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "briefsync",
			Name:      "operations_total",
			Help:      "Finished operations by name and status.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "briefsync",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "briefsync",
			Name:      "entities_written_total",
			Help:      "Entities written to target replicas by kind and op.",
		}, []string{"kind", "op"}),
	}
	p.registry.MustRegister(p.operations, p.durations, p.entities)
	return p
}

// Observe implements Recorder.
func (p *Prometheus) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	p.operations.WithLabelValues(operation, status).Inc()
	p.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// Entities implements Recorder.
func (p *Prometheus) Entities(kind, op string, n int) {
	if n <= 0 {
		return
	}
	p.entities.WithLabelValues(kind, op).Add(float64(n))
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Since observes an operation started at start. Use with defer:
//
//	defer metrics.Since(ctx, rec, "replica.push", time.Now(), &err)
func Since(ctx context.Context, rec Recorder, operation string, start time.Time, errp *error) {
	if rec == nil {
		return
	}
	rec.Observe(ctx, operation, errp == nil || *errp == nil, time.Since(start))
}
