package preview

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Hash computes the deduplication digest over (tool, action, args, detail).
// The digest is independent of key insertion order in args and detail, so it
// is stable across process restarts and machines for the same logical input.
func Hash(tool, action string, args json.RawMessage, detail map[string]any) (string, error) {
	var argsVal any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsVal); err != nil {
			return "", fmt.Errorf("decode args: %w", err)
		}
	}

	payload := []any{tool, action, argsVal, detail}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v with map keys in sorted order at every depth.
func canonicalJSON(v any) ([]byte, error) {
	cv, err := canonicalizeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cv)
}

func canonicalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		// Flatten to an ordered [k1, v1, k2, v2, ...] list so the marshaled
		// bytes do not depend on Go map iteration order.
		ordered := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			cv, err := canonicalizeValue(x[k])
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, k, cv)
		}
		return ordered, nil

	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			cv, err := canonicalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil

	default:
		return v, nil
	}
}
