// Package store provides the SQL-backed durable store for game statements.
//
// The store is append-only for statements:
//   - game_statements: full state snapshots, one row per flush
//   - game_statement_summaries: reporting columns derived from each snapshot
//   - users: api tokens read by token verification
//
// The current persisted state for a user is the statement with the greatest
// id. Statement rows are never updated or deleted.
//
// # Dialects
//
// Two drivers are supported:
//   - sqlite3 (github.com/mattn/go-sqlite3): WAL mode, synchronous=NORMAL,
//     busy_timeout=5000, foreign_keys=ON, a single connection, and
//     migrations tracked with PRAGMA user_version.
//   - postgres (github.com/lib/pq): idempotent DDL, $n placeholders.
//
// Queries are written once with ? placeholders and rebound per dialect.
//
// Statement ids come from AUTOINCREMENT (sqlite) or BIGSERIAL (postgres), so
// they increase and are never reused, though gaps are possible.
package store
