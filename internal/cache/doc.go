// Package cache defines the named, versioned stores that back the cache
// coordinator. A Storage holds any number of generation stores keyed by name
// (for example "surya-abadi-v1.0.2"); each Generation maps an exact request
// identity (method + URL) to a captured response Record. Three drivers share
// the same semantics: a filesystem layout (temp file + rename per record), a
// LevelDB database and a process-local memory store. Writes are idempotent
// per key and the last write wins; deleting a store drops every record in it
// at once.
package cache
