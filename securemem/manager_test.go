package securemem

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestManager_Allocate(t *testing.T) {
	m := NewManager(testLogger(), 0)
	defer m.Shutdown()

	buf, err := m.Allocate(32, interfaces.KeyMaterial)
	require.NoError(t, err, "Allocation within ceiling should succeed")
	assert.Equal(t, 32, buf.Size(), "Buffer should have requested size")
	assert.Equal(t, interfaces.KeyMaterial, buf.Kind(), "Kind should be preserved")
	assert.True(t, buf.Locked(), "Key material must be page-locked")
	assert.True(t, m.Tracked(buf.ID()), "Buffer should be tracked")

	// Zero-size requests are caller errors.
	_, err = m.Allocate(0, interfaces.PlaintextStaging)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument, "Zero size should be rejected")

	_, err = m.Allocate(-1, interfaces.PlaintextStaging)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument, "Negative size should be rejected")
}

func TestManager_Ceiling(t *testing.T) {
	m := NewManager(testLogger(), 1024)
	defer m.Shutdown()

	_, err := m.Allocate(512, interfaces.PlaintextStaging)
	require.NoError(t, err, "First allocation should fit")

	_, err = m.Allocate(1024, interfaces.PlaintextStaging)
	assert.ErrorIs(t, err, interfaces.ErrOutOfMemory, "Allocation over ceiling should fail")

	assert.Equal(t, 512, m.InUse(), "Failed allocation must not count against ceiling")
}

func TestManager_SealWipesSource(t *testing.T) {
	m := NewManager(testLogger(), 0)
	defer m.Shutdown()

	secret := []byte("0123456789abcdef0123456789abcdef")
	buf, err := m.Seal(secret, interfaces.KeyMaterial)
	require.NoError(t, err, "Seal should succeed")

	assert.Equal(t, bytes.Repeat([]byte{0}, 32), secret,
		"Source slice must be wiped after sealing")

	err = m.WithBytes(buf.ID(), func(b []byte) error {
		assert.Equal(t, "0123456789abcdef0123456789abcdef", string(b),
			"Sealed contents should be readable through the manager")
		return nil
	})
	require.NoError(t, err)
}

func TestManager_WipeAndFree(t *testing.T) {
	m := NewManager(testLogger(), 0)

	buf, err := m.Allocate(64, interfaces.PlaintextStaging)
	require.NoError(t, err)

	require.NoError(t, m.WipeAndFree(buf.ID()), "First wipe should succeed")
	assert.False(t, m.Tracked(buf.ID()), "Wiped buffer must leave the registry")
	assert.Equal(t, 0, m.InUse(), "Accounting should drop to zero")

	// Double wipe is a logic error, not a no-op.
	err = m.WipeAndFree(buf.ID())
	assert.ErrorIs(t, err, interfaces.ErrBufferReleased, "Double wipe should be rejected")

	err = m.WithBytes(buf.ID(), func([]byte) error { return nil })
	assert.ErrorIs(t, err, interfaces.ErrBufferReleased, "Access after wipe should fail")
}

func TestManager_Append(t *testing.T) {
	m := NewManager(testLogger(), 0)
	defer m.Shutdown()

	buf, err := m.Seal([]byte("hello "), interfaces.PlaintextStaging)
	require.NoError(t, err)

	require.NoError(t, m.Append(buf.ID(), []byte("world")), "Append should succeed")

	err = m.WithBytes(buf.ID(), func(b []byte) error {
		assert.Equal(t, "hello world", string(b), "Appended contents should concatenate")
		return nil
	})
	require.NoError(t, err)

	// Key material is fixed-size by contract.
	key, err := m.Allocate(32, interfaces.KeyMaterial)
	require.NoError(t, err)
	err = m.Append(key.ID(), []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument, "Key material must not be appendable")
}

func TestManager_ConcurrentAllocFree(t *testing.T) {
	m := NewManager(testLogger(), 0)
	defer m.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				buf, err := m.Allocate(128, interfaces.PlaintextStaging)
				if !assert.NoError(t, err) {
					return
				}
				_ = m.WithBytes(buf.ID(), func(b []byte) error {
					b[0] = 0xaa
					return nil
				})
				assert.NoError(t, m.WipeAndFree(buf.ID()))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.InUse(), "All concurrent allocations should be released")
}

func TestManager_ShutdownReleasesEverything(t *testing.T) {
	m := NewManager(testLogger(), 0)

	ids := make([]interfaces.BufferID, 0, 4)
	for i := 0; i < 4; i++ {
		buf, err := m.Allocate(32, interfaces.KeyMaterial)
		require.NoError(t, err)
		ids = append(ids, buf.ID())
	}

	m.Shutdown()

	for _, id := range ids {
		assert.False(t, m.Tracked(id), "Shutdown must release every buffer")
	}
	assert.Equal(t, 0, m.InUse(), "No bytes should remain tracked after shutdown")
}
