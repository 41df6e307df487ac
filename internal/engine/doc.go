// Package engine is the write-behind state core.
//
// Realtime patches are merged into a per-user record in the fast store
// (ApplyPatch). A flush moves that record into the durable store as a new
// immutable statement (Flush). Reads answer from the fast store when it holds
// a record and from the latest statement otherwise (GetState).
//
// CONCURRENCY:
//
// ApplyPatch and Flush for the same user are totally ordered by a per-user
// lock. The lock is a weighted semaphore acquired with the caller's context,
// so a caller that gives up while waiting never holds it, and a user whose
// critical section is blocked on store I/O holds no thread. Different users
// never contend beyond a short map lookup.
//
// GetState takes no lock. It relies on the fast store returning whole records
// for a single key, so a reader sees either the state before a write or the
// state after it.
//
// FAILURE ATOMICITY:
//
// Every store call runs under the store timeout. A failed merge leaves the
// previous record in place. A flush takes the record before writing it, and
// if the durable write fails after retries the taken record is restored, so
// the state is never in neither store except when the restore itself fails;
// that case is logged at error level with the full document.
package engine
