package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// identityFields never take part in dedup: equivalent requests from
// different callers must share a cache key.
var identityFields = []string{"id", "requester", "username", "token", "status", "opalUsername", "opalUserToken"}

// Normalize strips caller-specific fields from req and returns the canonical
// document together with its sha256 dedup key.
func Normalize(req *JobRequest) (map[string]any, string, error) {
	if req == nil || req.Document == nil {
		return nil, "", fmt.Errorf("job request required")
	}
	normalized := make(map[string]any, len(req.Document))
	for k, v := range req.Document {
		normalized[k] = v
	}
	for _, field := range identityFields {
		delete(normalized, field)
	}
	if _, ok := normalized["type"]; !ok {
		normalized["type"] = string(req.Type)
	}
	// encoding/json sorts map keys at every depth, so this form is canonical.
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, "", fmt.Errorf("encode normalized job: %w", err)
	}
	sum := sha256.Sum256(data)
	return normalized, hex.EncodeToString(sum[:]), nil
}
