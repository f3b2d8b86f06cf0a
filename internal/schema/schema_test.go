package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiffClassifiesAddedFields(t *testing.T) {
	stored := &Model{Name: "Order", Version: 1, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
	}}

	compiled := &Model{Name: "Order", Version: 2, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "notes", Type: TypeString, Nullable: true},
		{Name: "total", Type: TypeFloat, HasDefault: true, Default: 0.0},
		{Name: "required_flag", Type: TypeBoolean},
	}}

	changes := Diff(stored, compiled)
	require.Len(t, changes, 3)

	byField := map[string]Change{}
	for _, c := range changes {
		byField[c.Field] = c
	}
	require.Equal(t, Additive, byField["notes"].Class)
	require.Equal(t, Versioned, byField["total"].Class)
	require.Equal(t, Breaking, byField["required_flag"].Class)
	require.Equal(t, Breaking, WorstClass(changes))
}

func TestDiffDetectsRemovedAndTypeChangedFields(t *testing.T) {
	stored := &Model{Name: "Order", Version: 1, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "amount", Type: TypeInteger},
		{Name: "legacy", Type: TypeString},
	}}
	compiled := &Model{Name: "Order", Version: 2, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "amount", Type: TypeFloat},
	}}

	changes := Diff(stored, compiled)
	var sawRemove, sawTypeChange bool
	for _, c := range changes {
		if c.Kind == RemoveField && c.Field == "legacy" {
			sawRemove = true
		}
		if c.Kind == ChangeType && c.Field == "amount" {
			sawTypeChange = true
			require.Equal(t, Breaking, c.Class)
		}
	}
	require.True(t, sawRemove)
	require.True(t, sawTypeChange)
}

func TestDiffNoChangesReturnsEmpty(t *testing.T) {
	m := &Model{Name: "Order", Version: 1, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
	}}
	require.Empty(t, Diff(m, m.Clone()))
}

func TestReconcileFirstSightWritesThrough(t *testing.T) {
	r, err := Open(t.TempDir(), ModeManual, nil)
	require.NoError(t, err)

	pending, emission, err := r.Reconcile(&Model{Name: "Order", Version: 1, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
	}})
	require.NoError(t, err)
	require.Nil(t, pending)
	require.Nil(t, emission)

	stored, ok := r.Stored("Order")
	require.True(t, ok)
	require.Equal(t, 1, stored.Version)
}

func TestReconcileManualModeQueuesPending(t *testing.T) {
	r, err := Open(t.TempDir(), ModeManual, nil)
	require.NoError(t, err)

	base := &Model{Name: "Order", Version: 1, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
	}}
	_, _, err = r.Reconcile(base)
	require.NoError(t, err)

	changed := &Model{Name: "Order", Version: 2, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "notes", Type: TypeString, Nullable: true},
	}}
	pending, emission, err := r.Reconcile(changed)
	require.NoError(t, err)
	require.Nil(t, emission)
	require.NotNil(t, pending)
	require.Len(t, r.Pendings(), 1)

	stored, _ := r.Stored("Order")
	require.Equal(t, 1, stored.Version) // not applied yet
}

func TestApproveAppliesPendingMigration(t *testing.T) {
	r, err := Open(t.TempDir(), ModeManual, nil)
	require.NoError(t, err)

	base := &Model{Name: "Order", Version: 1, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
	}}
	_, _, err = r.Reconcile(base)
	require.NoError(t, err)

	changed := &Model{Name: "Order", Version: 2, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "notes", Type: TypeString, Nullable: true},
	}}
	pending, _, err := r.Reconcile(changed)
	require.NoError(t, err)
	require.NotNil(t, pending)

	emission, err := r.Approve(pending.ID, changed)
	require.NoError(t, err)
	require.NotNil(t, emission)
	require.Equal(t, 1, emission.Begin.FromVersion)
	require.Equal(t, 2, emission.Begin.ToVersion)
	require.Empty(t, r.Pendings())

	stored, _ := r.Stored("Order")
	require.Equal(t, 2, stored.Version)
}

func TestRejectDiscardsPending(t *testing.T) {
	r, err := Open(t.TempDir(), ModeManual, nil)
	require.NoError(t, err)

	base := &Model{Name: "Order", Version: 1, Fields: []Field{{Name: "id", Type: TypeString, PrimaryKey: true}}}
	_, _, err = r.Reconcile(base)
	require.NoError(t, err)

	changed := &Model{Name: "Order", Version: 2, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "notes", Type: TypeString, Nullable: true},
	}}
	pending, _, err := r.Reconcile(changed)
	require.NoError(t, err)

	require.NoError(t, r.Reject(pending.ID))
	require.Empty(t, r.Pendings())

	err = r.Reject(pending.ID)
	require.Error(t, err)
}

func TestStrictModeRefusesBreakingChange(t *testing.T) {
	r, err := Open(t.TempDir(), ModeStrict, nil)
	require.NoError(t, err)

	base := &Model{Name: "Order", Version: 1, Fields: []Field{{Name: "id", Type: TypeString, PrimaryKey: true}}}
	_, _, err = r.Reconcile(base)
	require.NoError(t, err)

	breaking := &Model{Name: "Order", Version: 2, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "required_flag", Type: TypeBoolean},
	}}
	_, _, err = r.Reconcile(breaking)
	require.Error(t, err)
}

func TestLockPreventsReconcile(t *testing.T) {
	r, err := Open(t.TempDir(), ModeAuto, nil)
	require.NoError(t, err)

	base := &Model{Name: "Order", Version: 1, Fields: []Field{{Name: "id", Type: TypeString, PrimaryKey: true}}}
	_, _, err = r.Reconcile(base)
	require.NoError(t, err)

	require.NoError(t, r.Lock("maintenance window", "ops"))

	changed := &Model{Name: "Order", Version: 2, Fields: []Field{
		{Name: "id", Type: TypeString, PrimaryKey: true},
		{Name: "notes", Type: TypeString, Nullable: true},
	}}
	_, _, err = r.Reconcile(changed)
	require.Error(t, err)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, r.Unlock(&past))
	_, _, err = r.Reconcile(changed)
	require.Error(t, err) // auto-relock deadline already passed
}

func TestInstallCommittedSpecConverges(t *testing.T) {
	r, err := Open(t.TempDir(), ModeAuto, nil)
	require.NoError(t, err)

	spec := &Model{Name: "Order", Version: 3, Fields: []Field{{Name: "id", Type: TypeString, PrimaryKey: true}}}
	require.NoError(t, r.InstallCommittedSpec(spec))

	stored, ok := r.Stored("Order")
	require.True(t, ok)
	require.Equal(t, 3, stored.Version)
}
