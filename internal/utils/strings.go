package utils

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxStringLength is the default maximum length for truncated strings.
const DefaultMaxStringLength = 500

// JSONToString serializes object to compact JSON. On marshalling failure it
// returns a JSON-formatted error string rather than panicking, so the result
// is always safe to embed in log output.
func JSONToString(object any) string {
	encoded, err := json.Marshal(object)
	if err != nil {
		return `{"error": "failed to marshal to JSON: ` + err.Error() + `"}`
	}
	return string(encoded)
}

// TruncateString shortens s to at most maxLen characters, appending a suffix
// that records the original total length. A non-positive maxLen falls back
// to [DefaultMaxStringLength].
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxStringLength
	}
	if len(s) <= maxLen {
		return s
	}
	return fmt.Sprintf("%s... (truncated, total: %d chars)", s[:maxLen], len(s))
}

// Ptr returns a pointer to v, avoiding a temporary variable when the address
// of a literal is needed.
func Ptr[T any](v T) *T {
	return &v
}
