package interfaces

import "context"

// ObjectStore is the real underlying storage the interceptor writes sealed
// objects to and reads them from. Backends are addressed by URI through the
// storage factory (file://, mem://, s3://).
type ObjectStore interface {
	// Put stores the sealed object bytes under the logical path,
	// replacing any previous object.
	Put(ctx context.Context, path string, data []byte) error

	// Get retrieves the sealed object bytes for the logical path.
	// Returns ErrObjectNotFound if no object exists.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes the object at the logical path, if present.
	Delete(ctx context.Context, path string) error

	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool

	// Name returns a unique identifier for this backend.
	Name() string

	// LocationURI returns the URI this backend was created from.
	LocationURI() string
}
