// Package metrics holds the Prometheus collectors of the driver and the
// reference server. A nil *Driver or *Server records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Query outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeCompile   = "compile_error"
	OutcomeServer    = "server_error"
	OutcomeNetwork   = "network_error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Driver records client side activity.
type Driver struct {
	queries     *prometheus.CounterVec
	latency     prometheus.Histogram
	inFlight    prometheus.Gauge
	connections prometheus.Gauge
	bytesOut    prometheus.Counter
	bytesIn     prometheus.Counter
	stops       prometheus.Counter
	dropped     prometheus.Counter
}

// NewDriver creates the driver collectors and registers them on reg. A nil
// reg leaves them unregistered. Registering twice on the same registry
// reuses the existing collectors, so several connections share one set.
func NewDriver(reg prometheus.Registerer) *Driver {
	return &Driver{
		queries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reql_client_queries_total",
			Help: "Total number of queries run, by outcome",
		}, []string{"outcome"})),
		latency: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reql_client_query_duration_seconds",
			Help:    "Query latency from send to completion in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		inFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reql_client_queries_in_flight",
			Help: "Queries awaiting a response",
		})),
		connections: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reql_client_connections",
			Help: "Open connections",
		})),
		bytesOut: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reql_client_sent_bytes_total",
			Help: "Bytes written to server connections, frame headers included",
		})),
		bytesIn: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reql_client_received_bytes_total",
			Help: "Bytes read from server connections, frame headers included",
		})),
		stops: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reql_client_stops_total",
			Help: "STOP queries sent for abandoned tokens",
		})),
		dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reql_client_late_responses_total",
			Help: "Responses dropped because their query was abandoned",
		})),
	}
}

func (d *Driver) QueryStarted() {
	if d == nil {
		return
	}
	d.inFlight.Inc()
}

// QueryFinished records the outcome of a query started with QueryStarted.
func (d *Driver) QueryFinished(outcome string, elapsed time.Duration) {
	if d == nil {
		return
	}
	d.inFlight.Dec()
	d.queries.WithLabelValues(outcome).Inc()
	d.latency.Observe(elapsed.Seconds())
}

// CompileFailed records a query rejected before it was sent.
func (d *Driver) CompileFailed() {
	if d == nil {
		return
	}
	d.queries.WithLabelValues(OutcomeCompile).Inc()
}

func (d *Driver) ConnOpened() {
	if d == nil {
		return
	}
	d.connections.Inc()
}

func (d *Driver) ConnClosed() {
	if d == nil {
		return
	}
	d.connections.Dec()
}

func (d *Driver) Sent(n int) {
	if d == nil {
		return
	}
	d.bytesOut.Add(float64(n))
}

func (d *Driver) Received(n int) {
	if d == nil {
		return
	}
	d.bytesIn.Add(float64(n))
}

func (d *Driver) StopSent() {
	if d == nil {
		return
	}
	d.stops.Inc()
}

func (d *Driver) LateResponse() {
	if d == nil {
		return
	}
	d.dropped.Inc()
}

// Server records reference server activity.
type Server struct {
	connections prometheus.Gauge
	queries     *prometheus.CounterVec
	evalTime    prometheus.Histogram
	stops       prometheus.Counter
}

func NewServer(reg prometheus.Registerer) *Server {
	return &Server{
		connections: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reql_server_connections",
			Help: "Open client connections",
		})),
		queries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reql_server_queries_total",
			Help: "Queries answered, by response type",
		}, []string{"response"})),
		evalTime: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reql_server_eval_duration_seconds",
			Help:    "Query evaluation time in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		stops: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reql_server_stops_total",
			Help: "STOP queries received",
		})),
	}
}

func (s *Server) ConnOpened() {
	if s == nil {
		return
	}
	s.connections.Inc()
}

func (s *Server) ConnClosed() {
	if s == nil {
		return
	}
	s.connections.Dec()
}

func (s *Server) Answered(response string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.queries.WithLabelValues(response).Inc()
	s.evalTime.Observe(elapsed.Seconds())
}

func (s *Server) StopReceived() {
	if s == nil {
		return
	}
	s.stops.Inc()
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
