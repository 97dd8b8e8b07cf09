package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.DiscardHandler)

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLog)
	require.NoError(t, err, "Failed to create file backend")

	ctx := context.Background()
	data := []byte("sealed object bytes")

	require.NoError(t, backend.Put(ctx, "/workspace/models/model.bin", data))

	got, err := backend.Get(ctx, "/workspace/models/model.bin")
	require.NoError(t, err, "Get after Put should succeed")
	assert.Equal(t, data, got)

	_, err = backend.Get(ctx, "/workspace/models/other.bin")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound, "Missing object should be reported as not found")

	require.NoError(t, backend.Delete(ctx, "/workspace/models/model.bin"))
	_, err = backend.Get(ctx, "/workspace/models/model.bin")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound, "Get after Delete should report not found")

	assert.True(t, backend.Available(ctx), "File backend should be available")
}

func TestFileBackendOverwrite(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLog)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "/obj", []byte("v1")))
	require.NoError(t, backend.Put(ctx, "/obj", []byte("v2")))

	got, err := backend.Get(ctx, "/obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got, "Put should replace the previous object")
}

func TestMemBackend(t *testing.T) {
	backend := NewMemBackend(testLog)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "/obj", []byte("data")))
	got, err := backend.Get(ctx, "/obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	// Mutating the returned slice must not affect the stored object.
	got[0] = 'X'
	again, err := backend.Get(ctx, "/obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), again, "Stored object must not alias returned slices")

	require.NoError(t, backend.Delete(ctx, "/obj"))
	_, err = backend.Get(ctx, "/obj")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound)
}

// failingBackend simulates an unavailable or erroring store.
type failingBackend struct {
	available bool
}

func (f *failingBackend) Put(ctx context.Context, path string, data []byte) error {
	return errors.New("backend down")
}
func (f *failingBackend) Get(ctx context.Context, path string) ([]byte, error) {
	return nil, errors.New("backend down")
}
func (f *failingBackend) Delete(ctx context.Context, path string) error {
	return errors.New("backend down")
}
func (f *failingBackend) Available(ctx context.Context) bool { return f.available }
func (f *failingBackend) Name() string                       { return "failing" }
func (f *failingBackend) LocationURI() string                { return "failing://" }

func TestMultiBackendFallback(t *testing.T) {
	healthy := NewMemBackend(testLog)
	multi := NewMultiStorageBackend([]interfaces.ObjectStore{
		&failingBackend{available: false},
		&failingBackend{available: true},
		healthy,
	}, testLog)

	ctx := context.Background()

	err := multi.Put(ctx, "/obj", []byte("data"))
	require.NoError(t, err, "Put should succeed while one backend accepts the write")

	got, err := multi.Get(ctx, "/obj")
	require.NoError(t, err, "Get should fall through to the healthy backend")
	assert.Equal(t, []byte("data"), got)

	// Direct hit on the healthy backend confirms where the object landed.
	direct, err := healthy.Get(ctx, "/obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), direct)
}

func TestMultiBackendAllFail(t *testing.T) {
	multi := NewMultiStorageBackend([]interfaces.ObjectStore{
		&failingBackend{available: true},
	}, testLog)

	err := multi.Put(context.Background(), "/obj", []byte("data"))
	assert.Error(t, err, "Put must fail when every backend fails")
}

func TestMultiBackendNotFound(t *testing.T) {
	multi := NewMultiStorageBackend([]interfaces.ObjectStore{
		NewMemBackend(testLog),
		NewMemBackend(testLog),
	}, testLog)

	_, err := multi.Get(context.Background(), "/missing")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound,
		"A clean miss on every backend is not-found, not a backend failure")
}

// wrappingMissBackend reports misses as a wrapped not-found error, the way
// remote backends annotate the sentinel with context.
type wrappingMissBackend struct{}

func (w *wrappingMissBackend) Put(ctx context.Context, path string, data []byte) error { return nil }
func (w *wrappingMissBackend) Get(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("fetching %s: %w", path, interfaces.ErrObjectNotFound)
}
func (w *wrappingMissBackend) Delete(ctx context.Context, path string) error { return nil }
func (w *wrappingMissBackend) Available(ctx context.Context) bool            { return true }
func (w *wrappingMissBackend) Name() string                                  { return "wrapping" }
func (w *wrappingMissBackend) LocationURI() string                           { return "wrapping://" }

func TestMultiBackendWrappedNotFound(t *testing.T) {
	multi := NewMultiStorageBackend([]interfaces.ObjectStore{
		&wrappingMissBackend{},
	}, testLog)

	_, err := multi.Get(context.Background(), "/missing")
	assert.ErrorIs(t, err, interfaces.ErrObjectNotFound,
		"A wrapped not-found must count as a clean miss, not a backend failure")
}

func TestFactorySchemes(t *testing.T) {
	factory := NewStorageBackendFactory(testLog)

	mem, err := factory.StorageBackendFor("mem://")
	require.NoError(t, err)
	assert.Equal(t, "mem", mem.Name())

	file, err := factory.StorageBackendFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, file.LocationURI(), "file://")

	_, err = factory.StorageBackendFor("gopher://example")
	assert.Error(t, err, "Unsupported schemes must be rejected")
}

func TestFactoryMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(testLog)

	store, err := factory.CreateMultiBackend([]string{"mem://", "bad-uri://"})
	require.NoError(t, err, "Multi backend creation should tolerate invalid URIs")
	assert.Equal(t, "mem", store.Name(), "A single valid backend should be returned directly")

	_, err = factory.CreateMultiBackend([]string{"nope://"})
	assert.Error(t, err, "No valid backends must be an error")
}
