// Package metrics exports Prometheus metrics about the sync session.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "vaultsync"

// Label names.
const (
	LabelState  = "state"
	LabelVerb   = "verb"
	LabelResult = "result"
)

// Collector records session metrics.
type Collector struct {
	transitions       *prometheus.CounterVec
	declarations      *prometheus.CounterVec
	transfers         *prometheus.CounterVec
	commits           prometheus.Counter
	integrityFailures prometheus.Counter
	currentState      prometheus.Gauge
	busyWorkers       prometheus.Gauge
}

// NewCollector creates a collector whose metrics are registered with `reg`.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "the number of times the session entered each state",
		}, []string{LabelState}),

		declarations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "declarations_total",
			Help:      "the number of operations declared to the server",
		}, []string{LabelVerb, LabelResult}),

		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "the number of uploads and downloads run by the workers",
		}, []string{LabelVerb, LabelResult}),

		commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "the number of transactions committed",
		}),

		integrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "the number of times the server failed an integrity check",
		}),

		currentState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_state",
			Help:      "the id of the state the session is in",
		}),

		busyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_workers",
			Help:      "the number of workers running a transfer",
		}),
	}
}

// StateEntered records a state transition.
func (c *Collector) StateEntered(name string, id int) {
	c.transitions.With(prometheus.Labels{LabelState: name}).Inc()
	c.currentState.Set(float64(id))
}

// Declared records the server's answer to a declaration.
func (c *Collector) Declared(verb string, authorized bool) {
	c.declarations.With(prometheus.Labels{LabelVerb: verb, LabelResult: result(authorized)}).Inc()
}

// Transferred records the outcome of a transfer.
func (c *Collector) Transferred(verb string, ok bool) {
	c.transfers.With(prometheus.Labels{LabelVerb: verb, LabelResult: result(ok)}).Inc()
}

// Committed records a successful commit.
func (c *Collector) Committed() {
	c.commits.Inc()
}

// IntegrityFailure records an integrity violation.
func (c *Collector) IntegrityFailure() {
	c.integrityFailures.Inc()
}

// SetBusyWorkers records the number of busy workers.
func (c *Collector) SetBusyWorkers(n int) {
	c.busyWorkers.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// Serve exposes the metrics in `gatherer` at `addr` until `ctx` is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.WithField("address", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
