package config

import (
	"encoding/json"
	"hash/fnv"
)

func hashBytes(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	hash := fnv.New64a()
	_, _ = hash.Write(data)
	return hash.Sum64()
}

// canonicalHashJSON hashes payload after a decode/encode round-trip, so
// two payloads that differ only in whitespace or key order hash the
// same. Invalid JSON hashes as-is.
func canonicalHashJSON(payload json.RawMessage) uint64 {
	if len(payload) == 0 {
		return 0
	}
	var v any
	if json.Unmarshal(payload, &v) == nil {
		if b, err := json.Marshal(v); err == nil {
			return hashBytes(b)
		}
	}
	return hashBytes(payload)
}
