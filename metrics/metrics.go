// Package metrics exposes ingest counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/sensor-ingest/logger"
)

const namespace = "sensor_ingest"

// Metrics groups the collectors updated by the ingest server. Each instance
// has its own registry, so several servers can run in one process.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	Records           prometheus.Counter
	RecordBytes       prometheus.Counter
	AppendFailures    prometheus.Counter
	DecodeErrors      prometheus.Counter
	SentinelCloses    prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers the ingest collectors.
func New() *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted client connections.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently being handled.",
		}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records appended to the session log.",
		}),
		RecordBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_bytes_total",
			Help:      "Payload bytes appended to the session log.",
		}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_failures_total",
			Help:      "Records dropped because the session log write failed.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Connections closed because a record was not valid UTF-8.",
		}),
		SentinelCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentinel_closes_total",
			Help:      "Connections closed by the client sentinel.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.Records,
		m.RecordBytes,
		m.AppendFailures,
		m.DecodeErrors,
		m.SentinelCloses,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the collectors in the prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
//
// Parameters:
//   - ctx: Cancelling ctx shuts the HTTP server down
//   - addr: Listen address, e.g. ":9100"
//   - m: The metrics to expose
//   - log: Logger for start and stop messages
//
// Returns:
//   - nil after a clean shutdown, or the listen/serve error
func Serve(ctx context.Context, addr string, m *Metrics, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics endpoint started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Info("metrics endpoint stopped")
	return nil
}
