package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/ruteri/tee-confidential-io/interfaces"
	"golang.org/x/crypto/hkdf"
)

// Handler performs chunked authenticated encryption for sealed objects. It
// resolves SubKeyRefs through the secure buffer manager per operation and
// never retains key bytes or schedules between calls.
type Handler struct {
	keys interfaces.SecureBufferAccess
	log  *slog.Logger
}

// NewHandler creates an encryption handler backed by the given secure buffer
// access.
func NewHandler(keys interfaces.SecureBufferAccess, log *slog.Logger) *Handler {
	return &Handler{keys: keys, log: log}
}

// Context is the per-object cryptographic state: the opaque key reference,
// the header bound into the first chunk, the object salt, and the monotonic
// chunk counter. A context serves either an encrypt or a decrypt stream;
// chunks must be applied in strict sequence order.
type Context struct {
	path   string
	key    interfaces.SubKeyRef
	header []byte
	salt   []byte

	mu       sync.Mutex
	nextSeq  uint64
	closed   bool
	poisoned bool
}

// Path returns the logical object name the context was opened for.
func (c *Context) Path() string { return c.path }

// Open creates a fresh encryption context for an object. The key must
// resolve to a 32-byte AES-256 key; anything else fails with
// ErrInvalidParameter before any chunk is processed. A zero header salt is
// replaced with a fresh random one, so every context encrypts under its own
// object key even when the subkey is shared.
func (h *Handler) Open(path string, key interfaces.SubKeyRef, header ObjectHeader) (*Context, error) {
	if err := interfaces.ValidatePath(path); err != nil {
		return nil, err
	}
	if header.Version == 0 {
		header.Version = FormatVersion
	}
	if header.Salt == ([SaltSize]byte{}) {
		if _, err := rand.Read(header.Salt[:]); err != nil {
			return nil, fmt.Errorf("generating object salt: %w", err)
		}
	}

	err := h.keys.WithBytes(key.Buffer, func(raw []byte) error {
		if len(raw) != KeySize {
			return fmt.Errorf("%w: subkey is %d bytes, need %d", interfaces.ErrInvalidParameter, len(raw), KeySize)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Context{
		path:   path,
		key:    key,
		header: header.Marshal(),
		salt:   append([]byte(nil), header.Salt[:]...),
	}, nil
}

// Close releases the context. Further chunk operations fail with
// ErrContextClosed.
func (h *Handler) Close(ctx *Context) {
	ctx.mu.Lock()
	ctx.closed = true
	ctx.mu.Unlock()
}

// EncryptChunk seals one plaintext chunk under the context's key and next
// sequence number, returning the full chunk frame. Plaintext above ChunkSize
// is rejected; chunk boundaries are part of the object format.
func (h *Handler) EncryptChunk(ctx *Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) > ChunkSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes over %d", interfaces.ErrInvalidParameter, len(plaintext), ChunkSize)
	}
	if ctx.key.DecryptOnly {
		return nil, fmt.Errorf("%w: key version %d is decrypt-only", interfaces.ErrInvalidParameter, ctx.key.Version)
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if err := ctx.usable(); err != nil {
		return nil, err
	}

	seq := ctx.nextSeq
	frame := make([]byte, SeqSize, SeqSize+len(plaintext)+TagSize)
	binary.BigEndian.PutUint64(frame, seq)

	err := h.withAEAD(ctx, func(aead cipher.AEAD) error {
		frame = aead.Seal(frame, seqNonce(seq), plaintext, chunkAAD(ctx.header, seq))
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx.nextSeq++
	return frame, nil
}

// DecryptChunk opens one chunk frame. The frame's sequence number must match
// the context's position exactly; out-of-order frames are rejected rather
// than reordered. A tag mismatch poisons the context for good.
func (h *Handler) DecryptChunk(ctx *Context, frame []byte) ([]byte, error) {
	if len(frame) < frameOverhead {
		return nil, fmt.Errorf("%w: truncated chunk frame", interfaces.ErrAuthenticationFailed)
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if err := ctx.usable(); err != nil {
		return nil, err
	}

	seq := binary.BigEndian.Uint64(frame[:SeqSize])
	if seq != ctx.nextSeq {
		return nil, fmt.Errorf("%w: got sequence %d, expected %d", interfaces.ErrOutOfOrderChunk, seq, ctx.nextSeq)
	}

	var plaintext []byte
	err := h.withAEAD(ctx, func(aead cipher.AEAD) error {
		pt, err := aead.Open(nil, seqNonce(seq), frame[SeqSize:], chunkAAD(ctx.header, seq))
		if err != nil {
			return interfaces.ErrAuthenticationFailed
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		ctx.poisoned = true
		h.log.Error("sealed object failed authentication",
			slog.String("path", ctx.path),
			slog.Uint64("seq", seq))
		return nil, fmt.Errorf("chunk %d of %s: %w", seq, ctx.path, interfaces.ErrAuthenticationFailed)
	}

	ctx.nextSeq++
	return plaintext, nil
}

// SealObject produces a complete sealed object from plaintext. The plaintext
// is split into fixed-size chunks; an empty plaintext still emits one chunk
// so that a header-only object is always detectable as truncated.
func (h *Handler) SealObject(ctx *Context, plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, SealedSize(len(plaintext)))
	out = append(out, ctx.header...)

	for first := true; first || len(plaintext) > 0; first = false {
		n := len(plaintext)
		if n > ChunkSize {
			n = ChunkSize
		}
		frame, err := h.EncryptChunk(ctx, plaintext[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
		plaintext = plaintext[n:]
	}
	return out, nil
}

// OpenObject verifies and decrypts a complete sealed object, returning the
// plaintext with padding stripped. Any chunk failing authentication, a
// missing first chunk, or leftover padding longer than the plaintext all
// surface as ErrAuthenticationFailed.
func (h *Handler) OpenObject(ctx *Context, sealed []byte) ([]byte, error) {
	header, err := ParseHeader(sealed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ctx.path, err)
	}

	// Bind the context to the object's own header and salt; the first
	// chunk's AAD authenticates the header, so a tampered header or salt
	// surfaces as an auth failure.
	ctx.mu.Lock()
	ctx.header = append([]byte(nil), sealed[:HeaderSize]...)
	ctx.salt = append([]byte(nil), header.Salt[:]...)
	ctx.mu.Unlock()

	frames, err := chunkFrames(sealed[HeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ctx.path, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %s has no chunks", interfaces.ErrAuthenticationFailed, ctx.path)
	}

	var plaintext []byte
	for _, frame := range frames {
		pt, err := h.DecryptChunk(ctx, frame)
		if err != nil {
			return nil, err
		}
		plaintext = append(plaintext, pt...)
	}

	if int(header.PaddingLen) > len(plaintext) {
		ctx.mu.Lock()
		ctx.poisoned = true
		ctx.mu.Unlock()
		return nil, fmt.Errorf("%w: padding length %d exceeds plaintext", interfaces.ErrAuthenticationFailed, header.PaddingLen)
	}
	return plaintext[:len(plaintext)-int(header.PaddingLen)], nil
}

// withAEAD resolves the context key, expands it with the object salt into
// the per-object encryption key, and runs fn with a fresh AEAD instance.
// The object key and cipher state live only for the duration of the call, so
// neither key bytes nor expanded schedules outlive the operation. Because
// the object key is unique per salt, the sequence-counter nonces never repeat
// under any one GCM key even though subkeys are shared across objects.
func (h *Handler) withAEAD(ctx *Context, fn func(cipher.AEAD) error) error {
	return h.keys.WithBytes(ctx.key.Buffer, func(raw []byte) error {
		objKey := make([]byte, KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, raw, ctx.salt, []byte("object-key")), objKey); err != nil {
			return fmt.Errorf("deriving object key: %w", err)
		}
		defer memguard.WipeBytes(objKey)

		block, err := aes.NewCipher(objKey)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrInvalidParameter, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrInvalidParameter, err)
		}
		return fn(aead)
	})
}

func (c *Context) usable() error {
	if c.closed {
		return interfaces.ErrContextClosed
	}
	if c.poisoned {
		return fmt.Errorf("%w: context poisoned by earlier failure", interfaces.ErrAuthenticationFailed)
	}
	return nil
}
