package state

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/schema"
)

// snapshot is the immutable published view of one model: its keyed records
// plus every secondary/composite index, replaced wholesale on each apply so
// readers either see the whole old view or the whole new one.
type snapshot struct {
	records map[string]*Record
	indexes map[string]*secondaryIndex // field name -> index
}

func emptySnapshot() *snapshot {
	return &snapshot{records: map[string]*Record{}, indexes: map[string]*secondaryIndex{}}
}

// modelState is the lock-free-read, serialized-write container for one model.
type modelState struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

func newModelState() *modelState {
	ms := &modelState{}
	ms.current.Store(emptySnapshot())
	return ms
}

// Engine is the keyed, concurrent materialized state: model -> primary_key
// -> record, with secondary indexes.
type Engine struct {
	modelsMu sync.RWMutex
	models   map[string]*modelState

	readCache *lru.Cache[string, *Record]
}

// New creates an engine with a bounded read-through cache of the given size
// (0 disables caching).
func New(readCacheSize int) *Engine {
	e := &Engine{models: map[string]*modelState{}}
	if readCacheSize > 0 {
		c, err := lru.New[string, *Record](readCacheSize)
		if err == nil {
			e.readCache = c
		}
	}
	return e
}

func (e *Engine) modelState(model string) *modelState {
	e.modelsMu.RLock()
	ms, ok := e.models[model]
	e.modelsMu.RUnlock()
	if ok {
		return ms
	}

	e.modelsMu.Lock()
	defer e.modelsMu.Unlock()
	if ms, ok := e.models[model]; ok {
		return ms
	}
	ms = newModelState()
	e.models[model] = ms
	return ms
}

func cacheKey(model, key string) string { return model + "\x00" + key }

// Get returns the current record for (model, key), lock-free. A hit
// populates the read cache so a subsequent Get for the same key skips the
// snapshot lookup entirely until the next write invalidates it.
func (e *Engine) Get(model, key string) (*Record, bool) {
	ck := cacheKey(model, key)
	if e.readCache != nil {
		if r, ok := e.readCache.Get(ck); ok {
			return r, true
		}
	}
	snap := e.modelState(model).current.Load()
	r, ok := snap.records[key]
	if ok && e.readCache != nil {
		e.readCache.Add(ck, r)
	}
	return r, ok
}

// Scan returns every record currently held for model, in an unspecified but
// internally consistent order (a single atomic snapshot read).
func (e *Engine) Scan(model string) []*Record {
	snap := e.modelState(model).current.Load()
	out := make([]*Record, 0, len(snap.records))
	for _, r := range snap.records {
		out = append(out, r)
	}
	return out
}

// IndexLookup returns the primary keys currently holding value in the named
// secondary index.
func (e *Engine) IndexLookup(model, index, value string) []string {
	snap := e.modelState(model).current.Load()
	idx, ok := snap.indexes[index]
	if !ok {
		return nil
	}
	return idx.lookup(value)
}

// ApplyCreate inserts a new record, validating against spec, and publishes a
// new snapshot atomically. Fails with Validation on constraint violation or
// Conflict if the key already exists.
func (e *Engine) ApplyCreate(spec *schema.Model, key string, fields map[string]interface{}) (*Record, error) {
	ms := e.modelState(spec.Name)
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	old := ms.current.Load()
	if _, exists := old.records[key]; exists {
		return nil, lerrors.New(lerrors.Conflict, fmt.Sprintf("%s/%s already exists", spec.Name, key))
	}

	rec := &Record{Key: key, Fields: map[string]interface{}{}, Version: 1}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	if err := e.validate(spec, rec, nil); err != nil {
		return nil, err
	}

	next := cloneSnapshot(old)
	if err := indexRecord(spec, next, rec, nil); err != nil {
		return nil, lerrors.New(lerrors.Validation, err.Error())
	}
	next.records[key] = rec

	ms.current.Store(next)
	e.invalidate(spec.Name, key)
	return rec, nil
}

// ApplyUpdate mutates an existing record's fields, checking expectedVersion
// for optimistic concurrency (0 means "don't check").
func (e *Engine) ApplyUpdate(spec *schema.Model, key string, patch map[string]interface{}, expectedVersion uint64) (*Record, error) {
	ms := e.modelState(spec.Name)
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	old := ms.current.Load()
	existing, ok := old.records[key]
	if !ok {
		return nil, lerrors.New(lerrors.Validation, fmt.Sprintf("update on missing record %s/%s", spec.Name, key))
	}
	if expectedVersion != 0 && existing.Version != expectedVersion {
		return nil, lerrors.New(lerrors.Conflict, fmt.Sprintf("version mismatch on %s/%s: have %d want %d", spec.Name, key, existing.Version, expectedVersion))
	}

	updated := existing.Clone()
	for k, v := range patch {
		updated.Fields[k] = v
	}
	updated.Version = existing.Version + 1

	if err := e.validate(spec, updated, existing); err != nil {
		return nil, err
	}

	next := cloneSnapshot(old)
	if err := indexRecord(spec, next, updated, existing); err != nil {
		return nil, lerrors.New(lerrors.Validation, err.Error())
	}
	next.records[key] = updated

	ms.current.Store(next)
	e.invalidate(spec.Name, key)
	return updated, nil
}

// ApplyDelete removes a record and its index entries.
func (e *Engine) ApplyDelete(spec *schema.Model, key string) error {
	ms := e.modelState(spec.Name)
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	old := ms.current.Load()
	existing, ok := old.records[key]
	if !ok {
		return lerrors.New(lerrors.Validation, fmt.Sprintf("delete on missing record %s/%s", spec.Name, key))
	}

	next := cloneSnapshot(old)
	unindexRecord(spec, next, existing)
	delete(next.records, key)

	ms.current.Store(next)
	e.invalidate(spec.Name, key)
	return nil
}

// Models returns the names of every model with any published state, for the
// Snapshot Manager's full-state walk.
func (e *Engine) Models() []string {
	e.modelsMu.RLock()
	defer e.modelsMu.RUnlock()
	out := make([]string, 0, len(e.models))
	for name := range e.models {
		out = append(out, name)
	}
	return out
}

// InstallSnapshot replaces a model's entire published state in one atomic
// publish, rebuilding its secondary indexes from spec. Used only by
// snapshot install, never by normal event application.
func (e *Engine) InstallSnapshot(spec *schema.Model, records []*Record) error {
	ms := e.modelState(spec.Name)
	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	next := emptySnapshot()
	for _, r := range records {
		next.records[r.Key] = r
		if err := indexRecord(spec, next, r, nil); err != nil {
			return lerrors.New(lerrors.Integrity, fmt.Sprintf("snapshot index rebuild: %v", err))
		}
	}
	ms.current.Store(next)
	if e.readCache != nil {
		e.readCache.Purge()
	}
	return nil
}

func (e *Engine) invalidate(model, key string) {
	if e.readCache != nil {
		e.readCache.Remove(cacheKey(model, key))
	}
}

func cloneSnapshot(old *snapshot) *snapshot {
	next := &snapshot{
		records: make(map[string]*Record, len(old.records)),
		indexes: make(map[string]*secondaryIndex, len(old.indexes)),
	}
	for k, v := range old.records {
		next.records[k] = v
	}
	for k, v := range old.indexes {
		next.indexes[k] = v.clone()
	}
	return next
}

func indexRecord(spec *schema.Model, snap *snapshot, rec *Record, previous *Record) error {
	for _, f := range spec.Fields {
		if !f.Indexed && !f.Unique {
			continue
		}
		idx, ok := snap.indexes[f.Name]
		if !ok {
			idx = newSecondaryIndex(f.Unique)
			snap.indexes[f.Name] = idx
		}
		if previous != nil {
			if old, ok := previous.Fields[f.Name]; ok {
				idx.remove(fmt.Sprint(old), rec.Key)
			}
		}
		val, ok := rec.Fields[f.Name]
		if !ok || val == nil {
			continue
		}
		if err := idx.add(fmt.Sprint(val), rec.Key); err != nil {
			return err
		}
	}
	return nil
}

func unindexRecord(spec *schema.Model, snap *snapshot, rec *Record) {
	for _, f := range spec.Fields {
		idx, ok := snap.indexes[f.Name]
		if !ok {
			continue
		}
		if val, ok := rec.Fields[f.Name]; ok && val != nil {
			idx.remove(fmt.Sprint(val), rec.Key)
		}
	}
}
