// Package encryption implements the chunked authenticated encryption layer
// for sealed objects.
//
// Each object is framed as
//
//	magic(4) | version(1) | padding_len(2) | salt(16) | chunk_1 ... chunk_n
//
// where every chunk carries an 8-byte big-endian sequence number, the
// AES-256-GCM ciphertext and a 16-byte authentication tag. The sequence
// number feeds the nonce and is bound into the tag as associated data, which
// makes reordering or replaying chunks within an object detectable. The
// object header is additionally bound into the first chunk's associated
// data, so header tampering and truncation to zero chunks both fail
// authentication on open.
//
// Objects do not encrypt under the subkey directly. The header salt is
// expanded with the subkey into a per-object key, so a (key, nonce) pair is
// never reused even when many objects, or many reseals of one path, share a
// subkey: the 96-bit counter only moves forward within a context, and every
// context keys GCM with its own salt. Superseded (decrypt-only) key versions
// refuse to encrypt at all. Authentication failure is fatal for the object;
// the context is poisoned and no partial plaintext is ever returned.
//
// The handler holds no key bytes. It resolves opaque SubKeyRefs through the
// secure buffer manager for the duration of a single chunk operation.
package encryption
