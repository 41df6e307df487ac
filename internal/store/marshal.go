package store

import (
	"fmt"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
)

// marshalStatement converts a snapshot to TEXT for storage.
// Uses the deterministic jsondoc encoding so equal states store equal bytes.
func marshalStatement(data jsondoc.Document) (string, error) {
	if data == nil {
		data = jsondoc.Document{}
	}
	out, err := jsondoc.MarshalString(data)
	if err != nil {
		return "", fmt.Errorf("marshal statement: %w", err)
	}
	return out, nil
}

// unmarshalStatement parses stored TEXT back into a document.
// Numbers decode as json.Number to avoid float64 precision loss.
func unmarshalStatement(data string) (jsondoc.Document, error) {
	if data == "" || data == "{}" {
		return jsondoc.Document{}, nil
	}
	doc, err := jsondoc.DecodeBytes([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal statement: %w", err)
	}
	return doc, nil
}
