package pipeline

import (
	"sort"
)

// Record is the canonical data shape flowing through the engine: a mapping
// from field names to dynamically typed values (nil, bool, int64, float64,
// string, time.Time, []any, or a nested Record as map[string]any).
type Record = map[string]any

// CloneRecord returns a shallow copy of the record. Enrichments mutate the
// working record in place, so the orchestrator copies the caller's input once
// on entry and the rule pre-pass copies again to stay read-only.
func CloneRecord(in Record) Record {
	out := make(Record, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SortedKeys returns the record's keys in lexical order. Used wherever a
// deterministic iteration order matters (hashing, logging, tests).
func SortedKeys(in Record) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TypeName derives the logical type name of a record for targetType gating.
// Records carry their type in a "type" field by convention; records without
// one report the generic "Record".
func TypeName(in Record) string {
	if in == nil {
		return "Record"
	}
	if t, ok := in["type"].(string); ok && t != "" {
		return t
	}
	return "Record"
}
