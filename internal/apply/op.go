// Package apply implements the deterministic (state, event) -> state'
// transition: the single path by which materialized state mutates.
package apply

import (
	"encoding/json"
	"fmt"

	"github.com/lithair/lithair/internal/schema"
)

// Kind names one of the recognized event kinds. Any kind not in this set is
// an error on a follower, triggering divergence handling.
type Kind string

const (
	KindCreate            Kind = "create"
	KindUpdate            Kind = "update"
	KindDelete            Kind = "delete"
	KindMigrationBegin    Kind = "migration_begin"
	KindMigrationStep     Kind = "migration_step"
	KindMigrationCommit   Kind = "migration_commit"
	KindMigrationRollback Kind = "migration_rollback"
	KindNoOp              Kind = "no_op"
)

// Envelope is the wire shape of every apply-able payload: a kind tag plus
// its kind-specific body, so decoding is a single dispatch rather than a
// type switch over raw bytes.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type CreateOp struct {
	Model  string                 `json:"model"`
	Key    string                 `json:"key"`
	Fields map[string]interface{} `json:"fields"`
}

type UpdateOp struct {
	Model           string                 `json:"model"`
	Key             string                 `json:"key"`
	Patch           map[string]interface{} `json:"patch"`
	ExpectedVersion uint64                 `json:"expected_version"`
}

type DeleteOp struct {
	Model string `json:"model"`
	Key   string `json:"key"`
}

type MigrationBeginOp struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
}

type MigrationStepOp struct {
	ID     string        `json:"id"`
	Change schema.Change `json:"change"`
}

type MigrationCommitOp struct {
	ID       string        `json:"id"`
	Checksum string        `json:"checksum"`
	Spec     *schema.Model `json:"spec"`
}

type MigrationRollbackOp struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type NoOpOp struct {
	Reason string `json:"reason"`
}

// Encode wraps op in an Envelope and marshals it to the bytes stored as an
// Event's payload.
func Encode(kind Kind, op interface{}) ([]byte, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Body: body})
}

// Decode unwraps an Envelope and returns its kind plus the still-encoded
// body, letting Apply do the final per-kind unmarshal.
func Decode(payload []byte) (Kind, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Kind, env.Body, nil
}
