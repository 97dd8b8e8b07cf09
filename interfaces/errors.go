package interfaces

import "errors"

// Error taxonomy for the protection subsystem.
//
// Local, caller-fixable errors (invalid input) are distinct from policy-driven
// denials (expected control flow, reported as structured events) and from
// cryptographic or attestation failures, which are fatal for the affected
// object or service and are never downgraded to warnings or retried.
var (
	// ErrInvalidArgument indicates a malformed path, size or parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNameTooLong indicates a path above the configured ceiling.
	ErrNameTooLong = errors.New("path name too long")

	// ErrPolicyDenied is returned for operations on paths in BLOCK mode.
	// No underlying I/O is performed.
	ErrPolicyDenied = errors.New("operation denied by policy")

	// ErrInvalidParameter indicates an invalid key size or nonce at
	// encryption context creation.
	ErrInvalidParameter = errors.New("invalid cryptographic parameter")

	// ErrAuthenticationFailed indicates tampering or corruption detected on
	// decrypt. It is fatal for the object: no partial plaintext is returned
	// and the context rejects further use.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrOutOfOrderChunk indicates a decrypt request whose sequence number
	// does not match the context's expected position.
	ErrOutOfOrderChunk = errors.New("chunk out of order")

	// ErrContextClosed indicates use of a closed or poisoned context.
	ErrContextClosed = errors.New("context closed")

	// ErrKeyRevoked indicates a derive request for a revoked purpose label.
	ErrKeyRevoked = errors.New("key revoked")

	// ErrAttestationFailed indicates the measurement provider could not
	// produce, or produced an unexpected, platform measurement. Fatal for
	// service start-up; the system never proceeds with a default key.
	ErrAttestationFailed = errors.New("attestation failed")

	// ErrOutOfMemory indicates a secure allocation above the configured
	// ceiling.
	ErrOutOfMemory = errors.New("secure memory ceiling exceeded")

	// ErrLockFailed indicates the platform refused to lock pages. Hard
	// failure for key material, soft warning for staging buffers.
	ErrLockFailed = errors.New("memory lock failed")

	// ErrBufferReleased indicates use (or double wipe) of an already
	// released secure buffer.
	ErrBufferReleased = errors.New("secure buffer already released")

	// ErrObjectNotFound indicates the requested object does not exist in
	// the underlying store.
	ErrObjectNotFound = errors.New("object not found")
)
