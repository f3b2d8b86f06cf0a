package raft

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/lithair/lithair/internal/lerrors"
)

// persistentState is the on-disk `./node/state.json` document: the only
// fields that must survive a restart for safety (term and vote).
type persistentState struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    int    `json:"voted_for"` // -1 means no vote cast this term
	NodeID      int    `json:"node_id"`
}

func statePath(dataDir string) string {
	return filepath.Join(dataDir, "node", "state.json")
}

func loadPersistentState(dataDir string, nodeID int) (persistentState, error) {
	path := statePath(dataDir)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return persistentState{NodeID: nodeID, VotedFor: -1}, nil
	}
	if err != nil {
		return persistentState{}, lerrors.Wrap(lerrors.IO, "read node state", err)
	}
	var ps persistentState
	if err := json.Unmarshal(b, &ps); err != nil {
		return persistentState{}, lerrors.Wrap(lerrors.Integrity, "decode node state", err)
	}
	return ps, nil
}

func savePersistentState(dataDir string, ps persistentState) error {
	dir := filepath.Join(dataDir, "node")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return lerrors.Wrap(lerrors.IO, "create node state dir", err)
	}
	b, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return lerrors.Wrap(lerrors.IO, "encode node state", err)
	}
	tmp := statePath(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return lerrors.Wrap(lerrors.IO, "write node state", err)
	}
	return os.Rename(tmp, statePath(dataDir))
}
