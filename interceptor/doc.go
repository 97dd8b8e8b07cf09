// Package interceptor is the policy-driven I/O layer of the subsystem. It
// decides, per logical path, whether data is encrypted, silently discarded or
// blocked, and moves sealed objects between the caller and the object store.
//
// Paths listed in the policy whitelist are protected: writes are staged in
// secure memory, sealed under a purpose-scoped subkey and persisted on close;
// reads fetch, authenticate and decrypt the sealed object. Paths outside the
// whitelist fall to the configured default mode. IGNORE reports write success
// without persisting anything, which mirrors the best-effort contract of the
// system this layer fronts; BLOCK denies the operation outright.
//
// The interceptor has an explicit New/Shutdown lifecycle with injected
// dependencies. There is no process-global hook; callers route their I/O
// through an Interceptor instance.
package interceptor
