// Package jsondoc holds the JSON documents that make up a user's game state.
//
// A Document is a plain map[string]any restricted to JSON-representable values:
// nil, bool, string, json.Number, Go integer and float kinds, []any and nested
// map[string]any. Decoding always uses json.Number so large integers survive a
// cache round trip without float64 rounding.
//
// Marshal produces a deterministic encoding (sorted keys, no HTML escaping)
// that keeps every key and string byte for byte. Every document written to
// the fast store or the durable store goes through it. Canonical additionally
// NFC-normalises text and is only used for scenario traces.
package jsondoc
