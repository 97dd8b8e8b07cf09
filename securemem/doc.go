// Package securemem manages the locked, wiped memory regions that hold key
// material and plaintext staging data for the protection subsystem.
//
// Buffers are backed by memguard locked allocations: guarded pages, excluded
// from swap and core dumps, and overwritten before release. The manager
// tracks every allocation by id so that key material provably never lives
// outside its registry, and so that release is observable on every exit path.
//
// The two buffer kinds differ in failure policy. KeyMaterial allocations must
// lock or fail hard; the service never silently falls back to pageable memory
// for keys. PlaintextStaging allocations degrade to a wiped-but-unlocked
// fallback with a logged warning, since staging data is transient and the
// alternative would be denying I/O on machines with a low RLIMIT_MEMLOCK.
package securemem
