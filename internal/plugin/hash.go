package plugin

import (
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
	"io"
)

// Plugin config blobs are compared by hash rather than by bytes, so a reload
// that only reorders YAML keys does not count as a change.
//
// internal/config carries its own copy of the byte/JSON helpers; sharing one
// implementation would couple plugin logic to config internals.

func hashBytes(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	d := fnv.New64a()
	_, _ = d.Write(data)
	return d.Sum64()
}

// canonicalHashJSON hashes the decode/encode round-trip of blob, which strips
// whitespace and normalizes key order. Input that is not valid JSON is hashed
// as-is.
func canonicalHashJSON(blob json.RawMessage) uint64 {
	if len(blob) == 0 {
		return 0
	}
	var decoded any
	if json.Unmarshal(blob, &decoded) != nil {
		return hashBytes(blob)
	}
	normalized, err := json.Marshal(decoded)
	if err != nil {
		return hashBytes(blob)
	}
	return hashBytes(normalized)
}

// sharedConfigHash digests the few global config values plugins observe
// through deps: the owner list and the log group. Reconcile reapplies plugin
// config when this digest moves, and only then, so unrelated reloads do not
// poke every running plugin.
func sharedConfigHash(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	d := fnv.New64a()
	_, _ = io.WriteString(d, cfg.Telegram.GroupLog)
	var buf [8]byte
	for _, id := range cfg.Telegram.OwnerUserIDs {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
