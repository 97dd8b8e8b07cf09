// Package keyhandler exposes the key hierarchy's management surface over
// HTTP: derive, rotate, revoke and status for purpose-scoped subkeys.
//
// The surface is metadata-only. Responses carry key ids, versions and slot
// state; key bytes never cross this boundary, they stay inside the secure
// buffer manager of the serving process. The listener is meant for local
// operational tooling, not for remote key distribution.
package keyhandler
