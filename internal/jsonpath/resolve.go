package jsonpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a path does not exist in the document.
var ErrNotFound = errors.New("jsonpath: field not found")

// Normalize strips an optional "$." prefix. "$" alone (or "") selects the
// whole document and normalizes to "".
func Normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "$" {
		return ""
	}
	return strings.TrimPrefix(path, "$.")
}

// Extract returns the raw JSON of the value at path inside doc, leaving the
// bytes of the selected value untouched. An empty path returns doc itself
// after checking it is valid JSON.
func Extract(doc []byte, path string) (json.RawMessage, error) {
	path = Normalize(path)
	if path == "" {
		if !json.Valid(doc) {
			return nil, errors.New("jsonpath: document is not valid JSON")
		}
		return json.RawMessage(doc), nil
	}

	current := json.RawMessage(doc)
	for _, part := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, fmt.Errorf("path %q: cannot traverse into non-object at %q: %w", path, part, err)
		}
		next, ok := obj[part]
		if !ok {
			return nil, fmt.Errorf("path %q: field %q: %w", path, part, ErrNotFound)
		}
		current = next
	}
	return current, nil
}
