package encryption

import (
	"encoding/binary"
	"fmt"

	"github.com/ruteri/tee-confidential-io/interfaces"
)

const (
	// FormatVersion is the current sealed object format version.
	FormatVersion = 1

	// HeaderSize is magic(4) + version(1) + padding_len(2) + salt(16).
	HeaderSize = 23

	// SaltSize is the per-object key separation salt width.
	SaltSize = 16

	// ChunkSize is the fixed plaintext size of every chunk except the
	// last. Boundaries inside a sealed object are computed from it, so it
	// is part of the on-disk format.
	ChunkSize = 64 * 1024

	// SeqSize is the per-chunk sequence number width.
	SeqSize = 8

	// TagSize is the GCM authentication tag width.
	TagSize = 16

	// NonceSize is the GCM nonce width. The chunk counter maps onto it
	// directly; nonce uniqueness across objects comes from the per-object
	// key, not the nonce itself.
	NonceSize = 12

	// KeySize is the AES-256 key width.
	KeySize = 32

	// frameOverhead is the non-plaintext portion of one chunk frame.
	frameOverhead = SeqSize + TagSize
)

// Magic identifies a sealed object.
var Magic = [4]byte{'N', 'V', 'S', 'E'}

// ObjectHeader is the integrity-protected prefix of every sealed object.
// PaddingLen records how many trailing padding bytes decryption must strip
// to recover the exact original plaintext. Salt separates the object's
// encryption key from every other object sealed under the same subkey; the
// subkey alone never keys GCM directly.
type ObjectHeader struct {
	Version    uint8
	PaddingLen uint16
	Salt       [SaltSize]byte
}

// Marshal encodes the header into its 23-byte wire form.
func (h ObjectHeader) Marshal() []byte {
	out := make([]byte, HeaderSize)
	copy(out[:4], Magic[:])
	out[4] = h.Version
	binary.BigEndian.PutUint16(out[5:7], h.PaddingLen)
	copy(out[7:], h.Salt[:])
	return out
}

// ParseHeader decodes and validates an object header prefix.
func ParseHeader(data []byte) (ObjectHeader, error) {
	if len(data) < HeaderSize {
		return ObjectHeader{}, fmt.Errorf("%w: object shorter than header", interfaces.ErrAuthenticationFailed)
	}
	if [4]byte(data[:4]) != Magic {
		return ObjectHeader{}, fmt.Errorf("%w: bad magic", interfaces.ErrAuthenticationFailed)
	}
	h := ObjectHeader{
		Version:    data[4],
		PaddingLen: binary.BigEndian.Uint16(data[5:7]),
	}
	copy(h.Salt[:], data[7:HeaderSize])
	if h.Version != FormatVersion {
		return ObjectHeader{}, fmt.Errorf("%w: unsupported object version %d", interfaces.ErrInvalidParameter, h.Version)
	}
	return h, nil
}

// chunkFrames splits the chunk region of a sealed object into frames. Every
// frame except the last covers exactly ChunkSize plaintext bytes, so the
// boundaries follow from the total length alone.
func chunkFrames(body []byte) ([][]byte, error) {
	full := SeqSize + ChunkSize + TagSize
	var frames [][]byte
	for len(body) > 0 {
		n := full
		if len(body) < full {
			n = len(body)
		}
		if n < frameOverhead {
			return nil, fmt.Errorf("%w: truncated chunk frame", interfaces.ErrAuthenticationFailed)
		}
		frames = append(frames, body[:n])
		body = body[n:]
	}
	return frames, nil
}

// seqNonce maps a sequence number onto the 96-bit GCM nonce space.
func seqNonce(seq uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint64(nonce[NonceSize-SeqSize:], seq)
	return nonce
}

// chunkAAD builds the associated data binding a chunk to its position, and
// the first chunk to the object header.
func chunkAAD(header []byte, seq uint64) []byte {
	var aad []byte
	if seq == 0 {
		aad = append(aad, header...)
	}
	var seqBytes [SeqSize]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(aad, seqBytes[:]...)
}

// SealedSize returns the sealed object size for a given padded plaintext
// length: header plus one frame per chunk. Empty plaintext still carries one
// empty chunk, so a header-only object is always detectable as truncated.
func SealedSize(plaintextLen int) int {
	if plaintextLen == 0 {
		return HeaderSize + frameOverhead
	}
	chunks := (plaintextLen + ChunkSize - 1) / ChunkSize
	return HeaderSize + plaintextLen + chunks*frameOverhead
}
