// Package keyhierarchy derives and manages the subsystem's key material.
//
// The hierarchy has three levels. The hardware key is derived from the CPU
// attestation measurement registers, the platform key from TPM PCR digests,
// and the master key from both. Purpose-scoped subkeys hang off the master
// key, one slot per purpose label, versioned by rotation.
//
// Roots are regenerated on every service start. Derivation is deterministic
// for identical hardware and TPM state, so keys survive reboots without ever
// being stored; a changed measurement authors a different key, which is the
// intended tamper response rather than a failure of the derivation itself.
//
// Only subkeys leave this package, and only as opaque SubKeyRefs pointing
// into the secure buffer manager. The master key and roots never leave the
// service; intermediate derivation state is wiped before derivation returns.
//
// Per-slot state machine:
//
//	UNDERIVED → ACTIVE → (ROTATING → ACTIVE) | REVOKED
//
// REVOKED is terminal. Rotation keeps the superseded version available for
// decryption only, until it ages past the rotation interval.
package keyhierarchy
