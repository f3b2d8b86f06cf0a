// Package state implements the in-memory, keyed materialized view: a
// model -> primary_key -> record map with secondary indexes, lock-free reads,
// and per-model write serialization.
package state

// Record is a materialized entity: a mapping from field name to value under
// a primary key, carrying an opaque version token for optimistic concurrency.
type Record struct {
	Key     string
	Fields  map[string]interface{}
	Version uint64
}

// Clone returns a deep-enough copy safe to publish as a new immutable
// version (callers mutate the clone, never the original).
func (r *Record) Clone() *Record {
	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{Key: r.Key, Fields: fields, Version: r.Version}
}
