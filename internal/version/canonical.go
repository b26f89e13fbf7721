package version

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Checksums are compared across client and server, so the serialization has
// to be identical wherever it is computed: object keys sorted, numbers in
// their shortest decimal form regardless of how they were decoded.

// CanonicalJSON returns the canonical serialization of a data snapshot.
func CanonicalJSON(data map[string]any) ([]byte, error) {
	normalized, err := normalize(data)
	if err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return raw, nil
}

// Checksum returns the hex sha256 of the canonical serialization.
func Checksum(data map[string]any) (string, error) {
	raw, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalize rewrites every numeric value as float64 so "1", "1.0" and
// json.Number all serialize the same way.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("canonical number %q: %w", t.String(), err)
		}
		return f, nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	default:
		return v, nil
	}
}
