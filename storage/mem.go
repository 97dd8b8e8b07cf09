package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-confidential-io/interfaces"
)

// MemBackend implements an in-process object store. Used for tests and for
// ephemeral runs where sealed objects should not outlive the process.
type MemBackend struct {
	log *slog.Logger

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend(log *slog.Logger) *MemBackend {
	return &MemBackend{
		log:     log,
		objects: make(map[string][]byte),
	}
}

// Put stores sealed object bytes under the logical path.
func (b *MemBackend) Put(ctx context.Context, path string, data []byte) error {
	b.mu.Lock()
	b.objects[path] = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

// Get retrieves the sealed object bytes for the logical path.
func (b *MemBackend) Get(ctx context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	data, ok := b.objects[path]
	b.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the object at the logical path, if present.
func (b *MemBackend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	delete(b.objects, path)
	b.mu.Unlock()
	return nil
}

// Available always reports true for the in-memory backend.
func (b *MemBackend) Available(ctx context.Context) bool { return true }

// Name returns a unique identifier for this storage backend.
func (b *MemBackend) Name() string { return "mem" }

// LocationURI returns the URI that identifies this storage backend.
func (b *MemBackend) LocationURI() string { return "mem://" }
