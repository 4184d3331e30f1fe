package crawlerkit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Record is the unit of storage: field name to scalar or nested value.
//
// Field order is not preserved by the map; the relational adapter reads
// and writes columns in declared order instead.
type Record map[string]interface{}

// Identity returns the value stored under key, or nil.
func (r Record) Identity(key string) interface{} {
	if r == nil {
		return nil
	}
	return r[key]
}

// Clone returns a deep copy of nested records, maps and slices.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Record:
		return t.Clone()
	case map[string]interface{}:
		return map[string]interface{}(Record(t).Clone())
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Lookup walks nested maps along path. It returns nil when any level is
// missing or is not a map.
func (r Record) Lookup(path ...string) interface{} {
	var cur interface{} = r
	for _, key := range path {
		switch m := cur.(type) {
		case Record:
			cur = m[key]
		case map[string]interface{}:
			cur = m[key]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Merge copies every field of patch into r, overwriting existing fields.
func (r Record) Merge(patch Record) {
	for k, v := range patch {
		r[k] = v
	}
}

// Fingerprint is the SHA-256 hex digest of the record's JSON encoding.
// encoding/json sorts map keys, so equal records share a fingerprint.
func (r Record) Fingerprint() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Records converts plain maps, as produced by encoding/json, into Records.
func Records(maps []map[string]interface{}) []Record {
	out := make([]Record, len(maps))
	for i, m := range maps {
		out[i] = Record(m)
	}
	return out
}
