package securemem

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/ruteri/tee-confidential-io/interfaces"
)

// DefaultCeiling bounds total tracked secure memory. Locked pages count
// against RLIMIT_MEMLOCK, so the ceiling is deliberately small.
const DefaultCeiling = 64 * 1024 * 1024

// SecureBuffer is one tracked allocation. Key material buffers are always
// memguard-locked; staging buffers may run unlocked if the platform refuses
// to lock pages.
type SecureBuffer struct {
	id     interfaces.BufferID
	kind   interfaces.BufferKind
	locked bool

	// mu serializes access against wipe. Readers hold RLock for the
	// duration of a WithBytes callback; WipeAndFree takes the write lock.
	mu       sync.RWMutex
	guarded  *memguard.LockedBuffer
	fallback []byte
	released bool
}

// ID returns the buffer's registry id.
func (b *SecureBuffer) ID() interfaces.BufferID { return b.id }

// Kind returns the buffer's kind.
func (b *SecureBuffer) Kind() interfaces.BufferKind { return b.kind }

// Locked reports whether the backing pages are excluded from swap.
func (b *SecureBuffer) Locked() bool { return b.locked }

// Size returns the buffer length in bytes.
func (b *SecureBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.guarded != nil {
		return b.guarded.Size()
	}
	return len(b.fallback)
}

// bytes returns the live backing slice. Caller must hold b.mu.
func (b *SecureBuffer) bytes() []byte {
	if b.guarded != nil {
		return b.guarded.Bytes()
	}
	return b.fallback
}

// Manager allocates, tracks and releases secure buffers. Safe for concurrent
// use; allocation and release are serialized on the registry, while data
// access only contends per buffer.
type Manager struct {
	log     *slog.Logger
	ceiling int

	mu        sync.Mutex
	buffers   map[interfaces.BufferID]*SecureBuffer
	allocated int
}

// NewManager creates a manager with the given total ceiling. A ceiling of 0
// uses DefaultCeiling.
func NewManager(log *slog.Logger, ceiling int) *Manager {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Manager{
		log:     log,
		ceiling: ceiling,
		buffers: make(map[interfaces.BufferID]*SecureBuffer),
	}
}

// allocGuarded wraps memguard allocation, converting its panic on lock or
// allocation failure into an error the caller can apply policy to.
func allocGuarded(size int) (lb *memguard.LockedBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			lb = nil
			err = fmt.Errorf("%w: %v", interfaces.ErrLockFailed, r)
		}
	}()
	return memguard.NewBuffer(size), nil
}

// Allocate creates a zeroed buffer of the given size and kind.
//
// Zero or negative sizes fail with ErrInvalidArgument; sizes that would push
// the manager over its ceiling fail with ErrOutOfMemory. A page-lock failure
// is fatal for KeyMaterial and a logged warning for PlaintextStaging.
func (m *Manager) Allocate(size int, kind interfaces.BufferKind) (*SecureBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation size %d", interfaces.ErrInvalidArgument, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allocated+size > m.ceiling {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			interfaces.ErrOutOfMemory, size, m.allocated, m.ceiling)
	}

	buf := &SecureBuffer{kind: kind}
	uid := uuid.New()
	copy(buf.id[:], uid[:])

	guarded, err := allocGuarded(size)
	switch {
	case err == nil:
		buf.guarded = guarded
		buf.locked = true
	case kind == interfaces.KeyMaterial:
		// Never fall back to pageable memory for key bytes.
		return nil, fmt.Errorf("locking key material pages: %w", err)
	default:
		m.log.Warn("staging buffer running unlocked",
			"err", err, slog.Int("size", size))
		buf.fallback = make([]byte, size)
	}

	m.buffers[buf.id] = buf
	m.allocated += size
	return buf, nil
}

// Seal copies data into a new buffer of the given kind and wipes the source
// slice, so the only live copy is the tracked one.
func (m *Manager) Seal(data []byte, kind interfaces.BufferKind) (*SecureBuffer, error) {
	buf, err := m.Allocate(len(data), kind)
	if err != nil {
		return nil, err
	}

	buf.mu.Lock()
	copy(buf.bytes(), data)
	buf.mu.Unlock()

	memguard.WipeBytes(data)
	return buf, nil
}

// WithBytes invokes fn with the buffer contents. The slice is valid only
// inside fn; retaining or copying it out of the manager's tracking violates
// the key-isolation invariant.
func (m *Manager) WithBytes(id interfaces.BufferID, fn func([]byte) error) error {
	buf, err := m.get(id)
	if err != nil {
		return err
	}

	buf.mu.RLock()
	defer buf.mu.RUnlock()
	if buf.released {
		return interfaces.ErrBufferReleased
	}
	return fn(buf.bytes())
}

// Append grows a staging buffer by reallocating and wiping the old region.
// Key material buffers are fixed-size and cannot be appended to.
func (m *Manager) Append(id interfaces.BufferID, data []byte) error {
	buf, err := m.get(id)
	if err != nil {
		return err
	}
	if buf.kind != interfaces.PlaintextStaging {
		return fmt.Errorf("%w: append to %s buffer", interfaces.ErrInvalidArgument, buf.kind)
	}
	if len(data) == 0 {
		return nil
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.released {
		return interfaces.ErrBufferReleased
	}

	old := buf.bytes()
	newSize := len(old) + len(data)

	m.mu.Lock()
	if m.allocated+len(data) > m.ceiling {
		m.mu.Unlock()
		return fmt.Errorf("%w: staging growth to %d bytes", interfaces.ErrOutOfMemory, newSize)
	}
	m.allocated += len(data)
	m.mu.Unlock()

	grown, err := allocGuarded(newSize)
	if err != nil {
		grown = nil
	}

	if grown != nil {
		copy(grown.Bytes(), old)
		copy(grown.Bytes()[len(old):], data)
		if buf.guarded != nil {
			buf.guarded.Destroy()
		} else {
			memguard.WipeBytes(buf.fallback)
		}
		buf.guarded = grown
		buf.fallback = nil
		buf.locked = true
		return nil
	}

	replacement := make([]byte, newSize)
	copy(replacement, old)
	copy(replacement[len(old):], data)
	if buf.guarded != nil {
		buf.guarded.Destroy()
		buf.guarded = nil
	} else {
		memguard.WipeBytes(buf.fallback)
	}
	buf.fallback = replacement
	buf.locked = false
	return nil
}

// WipeAndFree overwrites the buffer and removes it from tracking. A second
// wipe of the same id is a logic error and returns ErrBufferReleased rather
// than racing a legitimate reuse of the slot.
func (m *Manager) WipeAndFree(id interfaces.BufferID) error {
	m.mu.Lock()
	buf, ok := m.buffers[id]
	if ok {
		delete(m.buffers, id)
	}
	m.mu.Unlock()

	if !ok {
		return interfaces.ErrBufferReleased
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	size := len(buf.bytes())
	if buf.guarded != nil {
		buf.guarded.Destroy()
		buf.guarded = nil
	} else {
		memguard.WipeBytes(buf.fallback)
		buf.fallback = nil
	}
	buf.released = true

	m.mu.Lock()
	m.allocated -= size
	m.mu.Unlock()
	return nil
}

// Tracked reports whether the id refers to a live buffer.
func (m *Manager) Tracked(id interfaces.BufferID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buffers[id]
	return ok
}

// InUse returns the total bytes currently tracked.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// Shutdown wipes and releases every tracked buffer. Called at service stop;
// after it returns no key or staging bytes remain addressable.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]interfaces.BufferID, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.WipeAndFree(id); err != nil {
			m.log.Warn("buffer already released during shutdown", "buffer", id.String())
		}
	}
}

func (m *Manager) get(id interfaces.BufferID) (*SecureBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[id]
	if !ok {
		return nil, interfaces.ErrBufferReleased
	}
	return buf, nil
}
