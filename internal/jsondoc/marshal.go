package jsondoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal encodes v deterministically. Keys and strings are written exactly
// as given, so a stored document decodes back to the same bytes.
//
// Differences from json.Marshal:
//  1. Object keys are sorted by their raw bytes.
//  2. <, > and & are not HTML-escaped.
//  3. Unsupported Go types are rejected instead of reflected.
func Marshal(v any) ([]byte, error) {
	var e encoder
	if err := e.writeValue(v, 1); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// MarshalString is Marshal for callers that store documents as TEXT.
func MarshalString(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Canonical is Marshal with every key and string NFC-normalised, so that
// visually identical text compares equal. It is for comparing and
// fingerprinting traces, never for storing user state.
//
// When two keys of one object share an NFC form, the one that sorts last by
// raw bytes wins.
func Canonical(v any) ([]byte, error) {
	e := encoder{nfc: true}
	if err := e.writeValue(v, 1); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type encoder struct {
	buf bytes.Buffer
	nfc bool
}

func (e *encoder) text(s string) string {
	if e.nfc {
		return norm.NFC.String(s)
	}
	return s
}

func (e *encoder) writeValue(v any, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("value nests deeper than %d levels", MaxDepth)
	}
	buf := &e.buf
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		return e.writeString(val)
	case json.Number:
		if !json.Valid([]byte(val)) {
			return fmt.Errorf("invalid number literal %q", string(val))
		}
		buf.WriteString(string(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return e.writeFloat(float64(val))
	case float64:
		return e.writeFloat(val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeValue(elem, depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return e.writeObject(val, depth)
	case Document:
		return e.writeObject(val, depth)
	default:
		return fmt.Errorf("unsupported type %s", reflect.TypeOf(v))
	}
	return nil
}

func (e *encoder) writeObject(obj map[string]any, depth int) error {
	rawKeys := make([]string, 0, len(obj))
	for k := range obj {
		rawKeys = append(rawKeys, k)
	}
	slices.Sort(rawKeys)

	// Later raw keys overwrite earlier ones that share an output key.
	out := make(map[string]any, len(obj))
	for _, k := range rawKeys {
		out[e.text(k)] = obj[k]
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.writeString(k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		e.buf.WriteByte(':')
		if err := e.writeValue(out[k], depth+1); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) writeString(s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.text(s)); err != nil {
		return err
	}
	// Encoder appends a newline.
	e.buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func (e *encoder) writeFloat(f float64) error {
	if err := checkFloat(f); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	e.buf.Write(data)
	return nil
}
