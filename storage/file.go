package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-confidential-io/interfaces"
)

// FileBackend implements an object store using the local file system. Objects
// are stored under digest-derived file names so a directory listing reveals
// nothing about the protected paths.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at the given directory,
// creating it if needed. Objects are written with owner-only permissions.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	objectsDir := filepath.Join(baseDir, "objects")
	if err := os.MkdirAll(objectsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create objects directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Put stores sealed object bytes under the logical path, replacing any
// previous object atomically via a rename.
func (b *FileBackend) Put(ctx context.Context, path string, data []byte) error {
	filePath := b.objectPath(path)

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set object permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}

	b.log.Debug("Stored object in file backend",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return nil
}

// Get retrieves the sealed object bytes for the logical path. Returns
// ErrObjectNotFound if no object exists.
func (b *FileBackend) Get(ctx context.Context, path string) ([]byte, error) {
	filePath := b.objectPath(path)

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	b.log.Debug("Fetched object from file backend",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// Delete removes the object at the logical path, if present.
func (b *FileBackend) Delete(ctx context.Context, path string) error {
	err := os.Remove(b.objectPath(path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Available checks if the backend is accessible by verifying the base
// directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// objectPath maps a logical path onto an opaque file name.
func (b *FileBackend) objectPath(path string) string {
	digest := sha256.Sum256([]byte(path))
	return filepath.Join(b.baseDir, "objects", fmt.Sprintf("%x", digest))
}
