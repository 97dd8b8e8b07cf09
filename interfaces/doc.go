// Package interfaces defines the core types, interfaces and error taxonomy for
// the confidential I/O protection subsystem. It provides the contract between
// components without implementation details.
//
// The subsystem is layered, leaves first:
//
//   - securemem implements SecureBufferManager: locked, wiped memory for key
//     material and plaintext staging.
//   - keyhierarchy implements KeyService: hardware-bound key derivation from
//     attestation measurements and TPM PCRs, subkey issuance, rotation and
//     revocation.
//   - encryption consumes SubKeyRefs and performs chunked authenticated
//     encryption over object byte streams.
//   - interceptor sits on top: it classifies paths against a policy and routes
//     allowed operations through the encryption handler onto an ObjectStore.
//
// Raw key bytes never cross any of these boundaries. Components exchange opaque
// SubKeyRef handles and resolve them internally through the secure buffer
// manager.
package interfaces
