package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-confidential-io/interfaces"
)

// MultiStorageBackend implements interfaces.ObjectStore over multiple backends
// with fallback. Writes go to every available backend; reads return the first
// hit.
type MultiStorageBackend struct {
	backends []interfaces.ObjectStore
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback.
func NewMultiStorageBackend(backends []interfaces.ObjectStore, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Put stores the object to all available backends. It succeeds if at least one
// backend accepted the write.
func (m *MultiStorageBackend) Put(ctx context.Context, path string, data []byte) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Put(ctx, path, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}

		if !success {
			success = true
			m.log.Debug("Stored object",
				slog.String("backend_name", backend.Name()),
				slog.Duration("duration", time.Since(start)))
		}
	}

	if !success {
		m.log.Error("All backends failed to store object",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("all backends failed to store object: %v", errs)
	}
	return nil
}

// Get retrieves the object from the first backend that has it.
func (m *MultiStorageBackend) Get(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	var errs []error
	missing := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		data, err := backend.Get(ctx, path)
		if err == nil {
			m.log.Debug("Fetched object",
				slog.String("backend_name", backend.Name()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if errors.Is(err, interfaces.ErrObjectNotFound) {
			missing++
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrObjectNotFound
	}

	m.log.Error("All backends failed to fetch object",
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return nil, fmt.Errorf("all backends failed to fetch object: %v", errs)
}

// Delete removes the object from every backend that has it. The first hard
// failure is returned after all backends were attempted.
func (m *MultiStorageBackend) Delete(ctx context.Context, path string) error {
	var firstErr error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		if err := backend.Delete(ctx, path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", backend.Name(), err)
		}
	}
	return firstErr
}

// Available checks if any backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the combined URI of all aggregated backends.
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
