package utils

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// ParseObject decodes content as a JSON object. When plain decoding fails it
// attempts a jsonrepair pass first, since models occasionally emit almost-JSON
// with single quotes, unquoted keys or trailing commas, and retries. An
// error is returned only when the repaired form still is not an object.
func ParseObject(content string) (map[string]any, error) {
	var result map[string]any

	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return result, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(content)
	if repairErr != nil {
		return nil, fmt.Errorf("content is not a JSON object and could not be repaired: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return nil, fmt.Errorf("repaired content is not a JSON object: %w", err)
	}
	return result, nil
}

// ParseRaw is like [ParseObject] but returns the object as raw JSON bytes,
// suitable for embedding into an outgoing wire payload without re-ordering
// keys more than once.
func ParseRaw(content string) (json.RawMessage, error) {
	obj, err := ParseObject(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}
