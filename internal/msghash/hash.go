// Package msghash computes the content digest used for global message
// deduplication. Two messages with the same identity fields always hash the
// same, across processes and across runs.
package msghash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// identityKeys are the payload fields that define a message's identity.
// Everything else (read receipts, categories, bodies) is peripheral and
// excluded on purpose.
var identityKeys = []string{"subject", "from", "to", "cc", "bcc", "receivedDateTime"}

// Digest returns the lowercase hex SHA-256 of the canonical form of the
// identity fields of payload. Keys missing from the payload are encoded as
// JSON null, so "absent" and "empty string" hash differently.
func Digest(payload map[string]any) string {
	reduced := make(map[string]any, len(identityKeys))
	for _, k := range identityKeys {
		v, ok := payload[k]
		if !ok {
			reduced[k] = nil
			continue
		}
		reduced[k] = canonical(v)
	}

	// encoding/json serializes map keys in sorted order, which gives us the
	// canonical serialization for free.
	b, err := json.Marshal(reduced)
	if err != nil {
		// Only reachable for values that are not JSON-representable; fall
		// back to their string form so the digest stays deterministic.
		b = []byte(fmt.Sprintf("%v", reduced))
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonical replaces values encoding/json cannot represent with their string
// form. JSON-native values (from a decoded payload) pass through unchanged.
func canonical(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonical(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonical(val)
		}
		return out
	default:
		if _, err := json.Marshal(t); err == nil {
			return t
		}
		return fmt.Sprintf("%v", t)
	}
}
