// Package cache implements the persistent, generation-scoped response store.
// Each generation is a named directory under StoragePath/generations holding
// request/response snapshots. Writes go through temp file + rename so readers
// never observe partial entries, and keys are enumerated in insertion order.
// The proxy resolves requests against every resident generation, while the
// lifecycle controller creates, reconciles and deletes generations by name.
package cache
