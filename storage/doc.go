// Package storage provides the object store backends sealed objects are
// persisted to. Backends are created from location URIs through
// StorageBackendFactory and all implement interfaces.ObjectStore, keyed by
// the logical object path.
//
// Supported schemes:
//
//	file:///var/lib/ioguard         local filesystem
//	mem://                          in-process, for tests and ephemeral runs
//	s3://bucket/prefix?region=...   Amazon S3 or compatible object storage
//
// Objects are stored under opaque digest-derived keys, so backend listings
// never reveal the protected path names. A multi-backend aggregates several
// stores for redundancy: writes go to every available backend, reads return
// the first hit.
package storage
