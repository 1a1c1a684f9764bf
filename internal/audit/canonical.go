package audit

import (
	"encoding/json"
	"fmt"
)

// Canonicalize serializes an audit payload deterministically. encoding/json
// sorts map keys and uses the shortest round-trip representation for float64,
// so the same payload always yields the same bytes. Payload values must stay
// within JSON-native types (strings, numbers, booleans, nested maps/slices);
// anything else would make re-verification depend on type-specific encoding.
func Canonicalize(payload map[string]any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize audit payload: %w", err)
	}
	return b, nil
}
