// Package canonjson serializes values to deterministic JSON by recursively
// sorting map keys, so logically equivalent structures always hash the same.
package canonjson

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal converts a value to canonical JSON. The value is round-tripped
// through encoding/json first so struct fields and maps normalize the same way.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to reparse value: %w", err)
	}

	normalized, err := normalizeValue(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical JSON: %w", err)
	}
	return data, nil
}

// normalizeValue recursively converts maps to sorted representations
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return normalizeSortedMap(val)

	case []any:
		// Process array elements but preserve order
		normalized := make([]any, len(val))
		for i, item := range val {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			normalized[i] = n
		}
		return normalized, nil

	default:
		// Primitives pass through
		return v, nil
	}
}

// sortedMap is a JSON-marshalable type that maintains key ordering
type sortedMap struct {
	keys   []string
	values map[string]any
}

func (sm *sortedMap) MarshalJSON() ([]byte, error) {
	if len(sm.keys) == 0 {
		return []byte("{}"), nil
	}

	out := []byte{'{'}
	for i, key := range sm.keys {
		if i > 0 {
			out = append(out, ',')
		}

		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(sm.values[key])
		if err != nil {
			return nil, err
		}

		out = append(out, keyJSON...)
		out = append(out, ':')
		out = append(out, valJSON...)
	}
	out = append(out, '}')
	return out, nil
}

func normalizeSortedMap(m map[string]any) (*sortedMap, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalized := make(map[string]any, len(m))
	for _, k := range keys {
		n, err := normalizeValue(m[k])
		if err != nil {
			return nil, err
		}
		normalized[k] = n
	}

	return &sortedMap{
		keys:   keys,
		values: normalized,
	}, nil
}
