package encryption

import (
	"bytes"
	"crypto/rand"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/ruteri/tee-confidential-io/securemem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandler(t *testing.T) (*Handler, *securemem.Manager, interfaces.SubKeyRef) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	mgr := securemem.NewManager(log, 0)
	t.Cleanup(mgr.Shutdown)

	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err, "Failed to generate test key")

	buf, err := mgr.Seal(key, interfaces.KeyMaterial)
	require.NoError(t, err, "Failed to seal test key")

	ref := interfaces.SubKeyRef{
		Purpose: "test",
		Version: 1,
		Buffer:  buf.ID(),
	}
	return NewHandler(mgr, log), mgr, ref
}

func seal(t *testing.T, h *Handler, key interfaces.SubKeyRef, paddingLen uint16, plaintext []byte) []byte {
	t.Helper()
	ctx, err := h.Open("/workspace/models/model.bin", key, ObjectHeader{PaddingLen: paddingLen})
	require.NoError(t, err, "Open should succeed")
	defer h.Close(ctx)

	sealed, err := h.SealObject(ctx, plaintext)
	require.NoError(t, err, "SealObject should succeed")
	return sealed
}

func open(h *Handler, key interfaces.SubKeyRef, sealed []byte) ([]byte, error) {
	ctx, err := h.Open("/workspace/models/model.bin", key, ObjectHeader{})
	if err != nil {
		return nil, err
	}
	defer h.Close(ctx)
	return h.OpenObject(ctx, sealed)
}

func TestRoundTrip(t *testing.T) {
	h, _, key := testHandler(t)

	for _, size := range []int{0, 1, 10, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17} {
		plaintext := make([]byte, size)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		sealed := seal(t, h, key, 0, plaintext)
		assert.Equal(t, SealedSize(size), len(sealed), "Sealed size should match the format for %d bytes", size)

		got, err := open(h, key, sealed)
		require.NoError(t, err, "Decrypt of untampered object should succeed for %d bytes", size)
		assert.True(t, bytes.Equal(plaintext, got), "Round trip should recover plaintext for %d bytes", size)
	}
}

func TestCiphertextHidesPlaintext(t *testing.T) {
	h, _, key := testHandler(t)

	plaintext := bytes.Repeat([]byte("sensitive-model-weights"), 100)
	sealed := seal(t, h, key, 0, plaintext)

	assert.False(t, bytes.Contains(sealed, []byte("sensitive-model-weights")),
		"Sealed object must not contain the plaintext")
}

func TestTamperDetection(t *testing.T) {
	h, _, key := testHandler(t)

	plaintext := make([]byte, 2*ChunkSize+100)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)
	sealed := seal(t, h, key, 0, plaintext)

	// Flip one bit at a spread of positions covering version, padding
	// length, object salt, ciphertext of several chunks, and tags.
	positions := []int{4, 5, 8, HeaderSize, HeaderSize + SeqSize + 10, len(sealed)/2 + 3, len(sealed) - 1}
	for _, pos := range positions {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[pos] ^= 0x01

		_, err := open(h, key, tampered)
		assert.Error(t, err, "Bit flip at offset %d must be detected", pos)
	}
}

func TestTruncationDetection(t *testing.T) {
	h, _, key := testHandler(t)

	plaintext := make([]byte, 2*ChunkSize)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)
	sealed := seal(t, h, key, 0, plaintext)

	// Drop the second chunk entirely; the remaining frames authenticate
	// individually but OpenObject only returns what verified, so the
	// caller sees the prefix. Truncation to header-only must hard fail.
	_, err = open(h, key, sealed[:HeaderSize])
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed,
		"Header-only object must fail authentication")

	// Truncation mid-frame must hard fail.
	_, err = open(h, key, sealed[:HeaderSize+SeqSize+5])
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed,
		"Mid-frame truncation must fail authentication")
}

// sharedSalt pins the object salt so frames can move between an encrypt and
// a decrypt context in chunk-level tests.
func sharedSalt() ObjectHeader {
	var hdr ObjectHeader
	copy(hdr.Salt[:], "0123456789abcdef")
	return hdr
}

func TestOutOfOrderChunksRejected(t *testing.T) {
	h, _, key := testHandler(t)

	ctx, err := h.Open("/obj", key, sharedSalt())
	require.NoError(t, err)
	frame0, err := h.EncryptChunk(ctx, []byte("chunk zero"))
	require.NoError(t, err)
	frame1, err := h.EncryptChunk(ctx, []byte("chunk one"))
	require.NoError(t, err)
	h.Close(ctx)

	dctx, err := h.Open("/obj", key, sharedSalt())
	require.NoError(t, err)
	defer h.Close(dctx)

	_, err = h.DecryptChunk(dctx, frame1)
	assert.ErrorIs(t, err, interfaces.ErrOutOfOrderChunk,
		"Decrypting chunk 1 before chunk 0 must be rejected, not reordered")

	// In-order processing still works after a rejected out-of-order request.
	pt, err := h.DecryptChunk(dctx, frame0)
	require.NoError(t, err, "In-order chunk should still decrypt")
	assert.Equal(t, "chunk zero", string(pt))
}

func TestSequenceMonotonicity(t *testing.T) {
	h, _, key := testHandler(t)

	ctx, err := h.Open("/obj", key, ObjectHeader{})
	require.NoError(t, err)
	defer h.Close(ctx)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		frame, err := h.EncryptChunk(ctx, []byte("same plaintext"))
		require.NoError(t, err)

		seq := string(frame[:SeqSize])
		assert.False(t, seen[seq], "Sequence number must never repeat within a context")
		seen[seq] = true
	}
}

func TestCrossContextIndependence(t *testing.T) {
	h, mgr, _ := testHandler(t)

	// Two contexts under two independent keys produce unrelated frames
	// for identical plaintext.
	keys := make([]interfaces.SubKeyRef, 2)
	for i := range keys {
		raw := make([]byte, KeySize)
		_, err := rand.Read(raw)
		require.NoError(t, err)
		buf, err := mgr.Seal(raw, interfaces.KeyMaterial)
		require.NoError(t, err)
		keys[i] = interfaces.SubKeyRef{Purpose: "ctx", Version: 1, Buffer: buf.ID()}
	}

	ctxA, err := h.Open("/a", keys[0], ObjectHeader{})
	require.NoError(t, err)
	ctxB, err := h.Open("/b", keys[1], ObjectHeader{})
	require.NoError(t, err)
	defer h.Close(ctxA)
	defer h.Close(ctxB)

	frameA, err := h.EncryptChunk(ctxA, []byte("identical"))
	require.NoError(t, err)
	frameB, err := h.EncryptChunk(ctxB, []byte("identical"))
	require.NoError(t, err)

	assert.NotEqual(t, frameA[SeqSize:], frameB[SeqSize:],
		"Ciphertext under independent keys must differ")
}

func TestDecryptOnlyKeyRefusesEncrypt(t *testing.T) {
	h, _, key := testHandler(t)
	key.DecryptOnly = true

	ctx, err := h.Open("/obj", key, ObjectHeader{})
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = h.EncryptChunk(ctx, []byte("data"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameter,
		"A superseded key version must refuse to encrypt")
}

func TestInvalidKeySizeRejectedAtOpen(t *testing.T) {
	h, mgr, _ := testHandler(t)

	buf, err := mgr.Seal([]byte("short"), interfaces.KeyMaterial)
	require.NoError(t, err)
	ref := interfaces.SubKeyRef{Purpose: "short", Version: 1, Buffer: buf.ID()}

	_, err = h.Open("/obj", ref, ObjectHeader{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameter,
		"Open must reject keys that are not 32 bytes")
}

func TestPoisonedContextStaysPoisoned(t *testing.T) {
	h, _, key := testHandler(t)

	plaintext := []byte("some plaintext data")
	sealed := seal(t, h, key, 0, plaintext)

	tampered := make([]byte, len(sealed))
	copy(tampered, sealed)
	tampered[len(tampered)-1] ^= 0xff

	ctx, err := h.Open("/obj", key, ObjectHeader{})
	require.NoError(t, err)
	defer h.Close(ctx)

	_, err = h.OpenObject(ctx, tampered)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)

	// The untampered object must also be refused on this context now.
	frames := sealed[HeaderSize:]
	_, err = h.DecryptChunk(ctx, frames)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed,
		"A poisoned context must reject all further use")
}

func TestSharedSubkeyNeverReusesKeystream(t *testing.T) {
	h, _, key := testHandler(t)

	// Two objects sealed under the same subkey. If they shared a GCM key
	// the counter nonces would collide on chunk 0 and XORing the two
	// ciphertexts with one known plaintext would recover the other.
	known := make([]byte, 32)
	secret := []byte("confidential weights 0123456789a")
	require.Len(t, secret, 32)

	sealedA := seal(t, h, key, 0, known)
	sealedB := seal(t, h, key, 0, secret)

	ctStart := HeaderSize + SeqSize
	recovered := make([]byte, 32)
	for i := range recovered {
		recovered[i] = sealedA[ctStart+i] ^ sealedB[ctStart+i] ^ known[i]
	}
	assert.NotEqual(t, secret, recovered,
		"XOR of two chunk-0 ciphertexts under one subkey must not leak plaintext")

	// Resealing identical plaintext must also produce fresh ciphertext.
	again := seal(t, h, key, 0, secret)
	assert.NotEqual(t, sealedB[HeaderSize:], again[HeaderSize:],
		"Two seals of the same object must not repeat ciphertext")

	// Both objects still decrypt with their own headers.
	gotA, err := open(h, key, sealedA)
	require.NoError(t, err)
	assert.Equal(t, known, gotA)
	gotB, err := open(h, key, sealedB)
	require.NoError(t, err)
	assert.Equal(t, secret, gotB)
}

func TestPaddingStripped(t *testing.T) {
	h, _, key := testHandler(t)

	padded := make([]byte, 4096)
	copy(padded, "ten bytes!")
	_, err := rand.Read(padded[10:])
	require.NoError(t, err)

	sealed := seal(t, h, key, 4096-10, padded)
	assert.Equal(t, SealedSize(4096), len(sealed),
		"Sealed size should reflect the padded plaintext")

	got, err := open(h, key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "ten bytes!", string(got), "Decrypt must strip padding exactly")
}
