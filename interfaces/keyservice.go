package interfaces

// MeasurementProvider reads the vendor-specific CPU attestation evidence.
// Implementations are thin adapters over the vendor SDKs; the subsystem only
// consumes the measurement registers, never the quote signature.
type MeasurementProvider interface {
	// Vendor identifies the provider.
	Vendor() Vendor

	// Measurement reads the current platform measurement. Absence or
	// failure must surface as an error; callers treat it as fatal.
	Measurement() (MeasurementReport, error)
}

// PCRReader reads TPM platform configuration registers. The TPM stack is an
// external collaborator; this is its entire surface as far as the key
// hierarchy is concerned.
type PCRReader interface {
	// ReadPCRs returns the SHA-256 digests of the requested registers.
	ReadPCRs(indices []int) (PcrValues, error)
}

// KeyService is the key hierarchy boundary consumed by the encryption handler
// and by operational tooling. Implementations never return raw key bytes;
// SubKeyRef handles are resolved internally through the secure buffer manager.
type KeyService interface {
	// DeriveSubKey issues the active subkey for a purpose label, deriving
	// it on first use. A revoked label fails with ErrKeyRevoked.
	DeriveSubKey(purpose PurposeLabel) (SubKeyRef, error)

	// SubKeyForVersion returns a decrypt-only reference to a specific key
	// version, used for objects sealed before a rotation.
	SubKeyForVersion(purpose PurposeLabel, version uint32) (SubKeyRef, error)

	// Rotate issues a new version for the purpose label. The previous
	// version stays valid for decryption until it expires.
	Rotate(purpose PurposeLabel) (SubKeyRef, error)

	// Revoke permanently disables a key id. Terminal.
	Revoke(id KeyID) error
}

// SecureBufferAccess is the narrow view of the secure memory manager the
// encryption handler uses to resolve SubKeyRefs into bytes for the duration
// of a single operation.
type SecureBufferAccess interface {
	// WithBytes invokes fn with the buffer's contents. The slice is only
	// valid inside fn and must not be retained or copied out.
	WithBytes(id BufferID, fn func([]byte) error) error
}
