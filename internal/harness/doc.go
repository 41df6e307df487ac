// Package harness runs scripted state scenarios against a real engine.
//
// A scenario is a YAML file listing users, steps and assertions:
//
//	name: save-after-updates
//	description: Two updates are merged and persisted by one save.
//	users:
//	  - {id: 3, msisdn: "959000111", token: tok-3}
//	steps:
//	  - {op: update, user: 3, token: tok-3, patch: {coins: 100}, expect: {version: 1}}
//	  - {op: save, user: 3, token: tok-3, expect: {statement_id: 1, written: true}}
//	assertions:
//	  - {type: statement_count, user: 3, count: 1}
//
// Each run gets a fresh in-memory SQLite store, an in-memory cache and a
// deterministic clock. Every step produces one TraceEvent; the trace is
// compared with a golden file by RunWithGolden so behavioural changes show
// up as diffs.
//
// The fail_durable step makes the next N statement inserts fail, which is
// how scenarios exercise retry and restore-on-failure.
package harness
