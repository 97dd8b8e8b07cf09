// Package metrics exposes the subsystem's Prometheus metrics and the
// standalone metrics listener the servers mount it on.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IoOperations counts interceptor operations by kind and policy mode.
	IoOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confio_operations_total",
		Help: "I/O operations processed, by operation and protection mode",
	}, []string{"op", "mode"})

	// PolicyDenials counts operations rejected by BLOCK policy.
	PolicyDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confio_policy_denials_total",
		Help: "Operations denied by policy",
	})

	// DiscardedWrites counts IGNORE-mode writes that reported success
	// without persisting.
	DiscardedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confio_discarded_writes_total",
		Help: "Writes accepted but not persisted under IGNORE policy",
	})

	// AuthFailures counts sealed objects rejected for failing
	// authentication.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confio_auth_failures_total",
		Help: "Sealed objects that failed authentication",
	})

	// SealedBytes counts plaintext bytes sealed into objects.
	SealedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confio_sealed_bytes_total",
		Help: "Plaintext bytes sealed",
	})

	// KeyDerivations counts subkey issuances by outcome.
	KeyDerivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confio_key_derivations_total",
		Help: "Subkey derivation requests, by result",
	}, []string{"result"})

	// KeyRotations counts completed subkey rotations.
	KeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confio_key_rotations_total",
		Help: "Completed subkey rotations",
	})
)

// MetricsServer serves the Prometheus scrape endpoint on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service on the given address.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}, nil
}

// ListenAndServe blocks serving scrapes until Shutdown.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
