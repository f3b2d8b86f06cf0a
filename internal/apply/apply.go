package apply

import (
	"encoding/json"
	"fmt"

	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/schema"
	"github.com/lithair/lithair/internal/state"
)

// Applier is the deterministic transition function for one replica: it owns
// the materialized state engine and the schema registry that Create/Update/
// Delete validate against and that migration events mutate. Calling Apply
// with the same ordered event stream on any replica yields byte-identical
// state across replicas.
type Applier struct {
	Engine   *state.Engine
	Registry *schema.Registry
}

// Apply decodes payload and applies it to the engine, returning the engine's
// outcome unchanged (Validation/Conflict errors are the caller's structured
// rejection reasons, not internal failures).
func (a *Applier) Apply(payload []byte) error {
	kind, body, err := Decode(payload)
	if err != nil {
		return lerrors.Wrap(lerrors.Integrity, "decode event payload", err)
	}

	switch kind {
	case KindCreate:
		var op CreateOp
		if err := json.Unmarshal(body, &op); err != nil {
			return lerrors.Wrap(lerrors.Integrity, "decode create op", err)
		}
		spec, ok := a.Registry.Stored(op.Model)
		if !ok {
			return lerrors.New(lerrors.Validation, fmt.Sprintf("unknown model %q", op.Model))
		}
		_, err := a.Engine.ApplyCreate(spec, op.Key, op.Fields)
		return err

	case KindUpdate:
		var op UpdateOp
		if err := json.Unmarshal(body, &op); err != nil {
			return lerrors.Wrap(lerrors.Integrity, "decode update op", err)
		}
		spec, ok := a.Registry.Stored(op.Model)
		if !ok {
			return lerrors.New(lerrors.Validation, fmt.Sprintf("unknown model %q", op.Model))
		}
		_, err := a.Engine.ApplyUpdate(spec, op.Key, op.Patch, op.ExpectedVersion)
		return err

	case KindDelete:
		var op DeleteOp
		if err := json.Unmarshal(body, &op); err != nil {
			return lerrors.Wrap(lerrors.Integrity, "decode delete op", err)
		}
		spec, ok := a.Registry.Stored(op.Model)
		if !ok {
			return lerrors.New(lerrors.Validation, fmt.Sprintf("unknown model %q", op.Model))
		}
		return a.Engine.ApplyDelete(spec, op.Key)

	case KindMigrationBegin:
		// Bookkeeping only: the schema mutation itself lands on
		// MigrationCommit, once every step has been logged, so a crash
		// mid-migration leaves the stored spec at its last-committed version.
		return nil

	case KindMigrationStep:
		return nil

	case KindMigrationCommit:
		var op MigrationCommitOp
		if err := json.Unmarshal(body, &op); err != nil {
			return lerrors.Wrap(lerrors.Integrity, "decode migration commit", err)
		}
		if op.Spec == nil {
			return lerrors.New(lerrors.Integrity, "migration commit missing spec")
		}
		return a.Registry.InstallCommittedSpec(op.Spec)

	case KindMigrationRollback:
		return nil

	case KindNoOp:
		return nil

	default:
		return lerrors.New(lerrors.Integrity, fmt.Sprintf("unrecognized event kind %q", kind))
	}
}
