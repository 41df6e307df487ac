package jsondoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
)

// MaxDepth bounds how deeply values may nest. Values built in Go can contain
// reference cycles; the bound turns those into an error instead of a stack
// overflow.
const MaxDepth = 256

// Document is a JSON object keyed by top-level state field.
type Document map[string]any

var (
	// ErrEmpty is returned by CheckPatch for a nil or empty patch.
	ErrEmpty = errors.New("patch is empty")

	// ErrNotObject is returned when a decoded document is not a JSON object.
	ErrNotObject = errors.New("document is not a JSON object")
)

// Decode reads one JSON object from r.
func Decode(r io.Reader) (Document, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode document: trailing data after object")
	}
	return asDocument(raw)
}

// DecodeBytes parses a JSON object from data.
func DecodeBytes(data []byte) (Document, error) {
	return Decode(bytes.NewReader(data))
}

// FromAny converts a value decoded elsewhere (for example a field of a request
// body) into a Document.
func FromAny(v any) (Document, error) {
	return asDocument(v)
}

func asDocument(raw any) (Document, error) {
	switch m := raw.(type) {
	case Document:
		return m, nil
	case map[string]any:
		return Document(m), nil
	default:
		return nil, ErrNotObject
	}
}

// CheckPatch verifies that p can be merged: at least one key, no empty keys,
// and only JSON-representable values.
func CheckPatch(p Document) error {
	if len(p) == 0 {
		return ErrEmpty
	}
	for k, v := range p {
		if k == "" {
			return fmt.Errorf("patch has an empty key")
		}
		if err := checkValue(v, 1); err != nil {
			return fmt.Errorf("patch key %q: %w", k, err)
		}
	}
	return nil
}

// Check verifies that every value in d is JSON-representable. Unlike
// CheckPatch an empty document is valid.
func Check(d Document) error {
	for k, v := range d {
		if err := checkValue(v, 1); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

func checkValue(v any, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("value nests deeper than %d levels", MaxDepth)
	}
	switch val := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case float32:
		return checkFloat(float64(val))
	case float64:
		return checkFloat(val)
	case []any:
		for i, elem := range val {
			if err := checkValue(elem, depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, elem := range val {
			if err := checkValue(elem, depth+1); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		return nil
	case Document:
		return checkValue(map[string]any(val), depth)
	default:
		return fmt.Errorf("unsupported type %s", reflect.TypeOf(v))
	}
}

func checkFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v", f)
	}
	return nil
}

// Clone returns a deep copy of d. A nil document clones to an empty one.
func Clone(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a single JSON value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = CloneValue(elem)
		}
		return out
	case Document:
		return map[string]any(Clone(val))
	default:
		return val
	}
}

// Equal reports whether a and b encode to the same bytes.
func Equal(a, b Document) bool {
	ab, err := Marshal(a)
	if err != nil {
		return false
	}
	bb, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
