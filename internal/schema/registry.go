package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lithair/lithair/internal/lerrors"
)

// Mode selects how the registry reacts to a detected, not-yet-approved
// change set for a model.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
	ModeStrict Mode = "strict"
	ModeWarn   Mode = "warn"
)

// Pending is a change set awaiting approval in manual mode.
type Pending struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Changes []Change  `json:"changes"`
	Created time.Time `json:"created"`
}

// LockState is the on-disk `.schema/lock.json` document.
type LockState struct {
	Locked       bool       `json:"locked"`
	Reason       string     `json:"reason,omitempty"`
	Unlocker     string     `json:"unlocker,omitempty"`
	AutoRelockAt *time.Time `json:"auto_relock_at,omitempty"`
}

// HistoryEntry is one line of `.schema/history.json`, appended on every
// MigrationCommit.
type HistoryEntry struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	FromVer    int       `json:"from_version"`
	ToVer      int       `json:"to_version"`
	Timestamp  time.Time `json:"timestamp"`
	Operations []Change  `json:"operations"`
}

// MigrationEmission is the sequence of consensus payloads a registry
// approval produces: one MigrationBegin, one MigrationStep per change, one
// MigrationCommit. Reconcile and Approve only return it; appending it through
// the consensus log, so every replica applies the identical sequence, is left
// to the caller, and the command gateway has no path that does so.
type MigrationEmission struct {
	Begin  MigrationBegin
	Steps  []MigrationStep
	Commit MigrationCommit
}

type MigrationBegin struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
}

type MigrationStep struct {
	ID     string `json:"id"`
	Change Change `json:"change"`
}

type MigrationCommit struct {
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
}

// Registry owns the on-disk model specifications under dataDir/.schema and
// coordinates their evolution.
type Registry struct {
	mu      sync.Mutex
	dir     string
	mode    Mode
	log     *logrus.Entry
	models  map[string]*Model
	pending map[string]*Pending
}

// Open loads (or initializes) the registry rooted at dataDir.
func Open(dataDir string, mode Mode, log *logrus.Entry) (*Registry, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dir := filepath.Join(dataDir, ".schema")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "create schema dir", err)
	}

	r := &Registry{
		dir:     dir,
		mode:    mode,
		log:     log,
		models:  map[string]*Model{},
		pending: map[string]*Pending{},
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.IO, "list schema dir", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		name := ent.Name()
		if name == "history.json" || name == "lock.json" || name == "pending.json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, lerrors.Wrap(lerrors.IO, "read model spec", err)
		}
		var m Model
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, lerrors.Wrap(lerrors.Integrity, "decode model spec "+name, err)
		}
		r.models[m.Name] = &m
	}

	if b, err := os.ReadFile(filepath.Join(dir, "pending.json")); err == nil {
		var list []*Pending
		if err := json.Unmarshal(b, &list); err == nil {
			for _, p := range list {
				r.pending[p.ID] = p
			}
		}
	}

	return r, nil
}

// Stored returns the currently stored (on-disk) specification for model, if any.
func (r *Registry) Stored(model string) (*Model, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[model]
	return m, ok
}

// Reconcile compares compiled against whatever is stored for compiled.Name
// and, per the registry's mode, either returns a pending change set (manual),
// applies immediately and returns the emission to append (auto), refuses
// with a Validation error (strict, if any breaking change exists), or logs
// and proceeds treating it as auto (warn).
func (r *Registry) Reconcile(compiled *Model) (*Pending, *MigrationEmission, error) {
	r.mu.Lock()
	locked, lockReason := r.lockedLocked()
	stored, existed := r.models[compiled.Name]
	r.mu.Unlock()

	if !existed {
		// First sight of a model: write it straight through, no migration needed.
		if err := r.writeModel(compiled); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	changes := Diff(stored, compiled)
	if len(changes) == 0 {
		return nil, nil, nil
	}

	worst := WorstClass(changes)

	if locked {
		return nil, nil, lerrors.New(lerrors.Validation, fmt.Sprintf("schema changes locked: %s", lockReason))
	}

	switch r.mode {
	case ModeStrict:
		if worst == Breaking {
			return nil, nil, lerrors.New(lerrors.Validation, "breaking schema change refused under strict mode")
		}
		return r.applyNow(compiled, stored, changes)
	case ModeAuto:
		return r.applyNow(compiled, stored, changes)
	case ModeWarn:
		r.log.WithField("model", compiled.Name).Warn("applying schema change under warn mode")
		return r.applyNow(compiled, stored, changes)
	default: // ModeManual
		p := &Pending{ID: uuid.NewString(), Model: compiled.Name, Changes: changes, Created: time.Now()}
		r.mu.Lock()
		r.pending[p.ID] = p
		err := r.savePending()
		r.mu.Unlock()
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}
}

// Approve applies a previously pending change set by id, returning the
// consensus emission for the caller to append.
func (r *Registry) Approve(id string, compiled *Model) (*MigrationEmission, error) {
	r.mu.Lock()
	p, ok := r.pending[id]
	stored := r.models[compiled.Name]
	r.mu.Unlock()
	if !ok {
		return nil, lerrors.New(lerrors.Validation, "unknown pending migration id")
	}

	_, emission, err := r.applyNow(compiled, stored, p.Changes)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	delete(r.pending, id)
	_ = r.savePending()
	r.mu.Unlock()

	return emission, nil
}

// Reject discards a pending change set without applying it.
func (r *Registry) Reject(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return lerrors.New(lerrors.Validation, "unknown pending migration id")
	}
	delete(r.pending, id)
	return r.savePending()
}

// Pendings lists all outstanding pending change sets.
func (r *Registry) Pendings() []*Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	return out
}

func (r *Registry) applyNow(compiled, stored *Model, changes []Change) (*Pending, *MigrationEmission, error) {
	id := uuid.NewString()
	steps := make([]MigrationStep, len(changes))
	for i, c := range changes {
		steps[i] = MigrationStep{ID: id, Change: c}
	}
	emission := &MigrationEmission{
		Begin: MigrationBegin{ID: id, Model: compiled.Name, FromVersion: stored.Version, ToVersion: compiled.Version},
		Steps: steps,
		Commit: MigrationCommit{ID: id, Checksum: fmt.Sprintf("%x", checksumModel(compiled))},
	}

	if err := r.writeModel(compiled); err != nil {
		return nil, nil, err
	}
	if err := r.appendHistory(HistoryEntry{
		ID: id, Model: compiled.Name, FromVer: stored.Version, ToVer: compiled.Version,
		Timestamp: time.Now(), Operations: changes,
	}); err != nil {
		return nil, nil, err
	}

	return nil, emission, nil
}

func (r *Registry) writeModel(m *Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "encode model spec", err)
	}
	path := filepath.Join(r.dir, m.Name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return lerrors.Wrap(lerrors.IO, "write model spec", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return lerrors.Wrap(lerrors.IO, "install model spec", err)
	}
	r.models[m.Name] = m.Clone()
	return nil
}

func (r *Registry) appendHistory(entry HistoryEntry) error {
	path := filepath.Join(r.dir, "history.json")
	var history []HistoryEntry
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &history)
	}
	history = append(history, entry)
	b, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "encode schema history", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return lerrors.Wrap(lerrors.IO, "write schema history", err)
	}
	return nil
}

func (r *Registry) savePending() error {
	list := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		list = append(list, p)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "encode pending migrations", err)
	}
	return os.WriteFile(filepath.Join(r.dir, "pending.json"), b, 0644)
}

// InstallCommittedSpec writes a model spec that arrived as an already-
// approved MigrationCommit through the consensus log, used by followers
// (and the leader's own apply path) to converge without re-running
// Reconcile/Approve, which are leader-only decision points.
func (r *Registry) InstallCommittedSpec(m *Model) error {
	return r.writeModel(m)
}

// Lock suspends all migrations regardless of mode. The auto-relock deadline
// is set through Unlock.
func (r *Registry) Lock(reason, unlocker string) error {
	return r.writeLock(LockState{Locked: true, Reason: reason, Unlocker: unlocker})
}

// Unlock releases the lock, optionally scheduling an auto-relock at deadline.
func (r *Registry) Unlock(autoRelockAt *time.Time) error {
	return r.writeLock(LockState{Locked: false, AutoRelockAt: autoRelockAt})
}

func (r *Registry) writeLock(l LockState) error {
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "encode lock state", err)
	}
	return os.WriteFile(filepath.Join(r.dir, "lock.json"), b, 0644)
}

// lockedLocked reads the current lock state, auto-relocking if the deadline
// has passed. Callers hold r.mu.
func (r *Registry) lockedLocked() (bool, string) {
	b, err := os.ReadFile(filepath.Join(r.dir, "lock.json"))
	if err != nil {
		return false, ""
	}
	var l LockState
	if err := json.Unmarshal(b, &l); err != nil {
		return false, ""
	}
	if !l.Locked && l.AutoRelockAt != nil && time.Now().After(*l.AutoRelockAt) {
		return true, "auto-relock deadline reached"
	}
	return l.Locked, l.Reason
}

func checksumModel(m *Model) uint32 {
	b, _ := json.Marshal(m)
	var h uint32 = 2166136261
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}
