// Package state defines the per-user game state records, the persisted
// statement snapshots, the shallow merge applied by realtime updates, and the
// error taxonomy shared by every layer above the stores.
//
// # Records and statements
//
// A Record is the single mutable copy of a user's state. It lives in the fast
// store and carries a Version that counts successful merges since the record
// was created or last flushed.
//
// A Statement is an immutable snapshot in the durable store. The current
// persisted state for a user is the statement with the greatest ID.
//
// # Merge
//
// Merge replaces top-level keys only. Nested objects are values like any
// other: a patch that sets "inventory" replaces the whole inventory object.
// There is no delete-by-patch; a null value is stored as null.
package state
