package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair/internal/eventlog"
	"github.com/lithair/lithair/internal/schema"
	"github.com/lithair/lithair/internal/state"
)

func widgetSpec() *schema.Model {
	return &schema.Model{
		Name:    "Widget",
		Version: 1,
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, PrimaryKey: true},
			{Name: "label", Type: schema.TypeString, Indexed: true},
		},
	}
}

func newManager(t *testing.T) (*Manager, *state.Engine, *schema.Registry) {
	t.Helper()
	dir := t.TempDir()

	registry, err := schema.Open(dir, schema.ModeAuto, nil)
	require.NoError(t, err)
	_, _, err = registry.Reconcile(widgetSpec())
	require.NoError(t, err)

	engine := state.New(64)
	spec, ok := registry.Stored("Widget")
	require.True(t, ok)
	_, err = engine.ApplyCreate(spec, "w1", map[string]interface{}{"id": "w1", "label": "gear"})
	require.NoError(t, err)
	_, err = engine.ApplyCreate(spec, "w2", map[string]interface{}{"id": "w2", "label": "bolt"})
	require.NoError(t, err)

	mgr, err := New(dir, engine, registry, nil)
	require.NoError(t, err)
	return mgr, engine, registry
}

func TestProduceInstallRoundTrip(t *testing.T) {
	mgr, _, _ := newManager(t)

	path, err := mgr.Produce(42, 3, map[string]*eventlog.Log{})
	require.NoError(t, err)
	require.NotEmpty(t, path)

	// Install into a fresh engine/registry pair to confirm the snapshot alone
	// reconstitutes the state that produced it.
	fresh := state.New(64)
	freshRegistry, err := schema.Open(t.TempDir(), schema.ModeAuto, nil)
	require.NoError(t, err)
	mgr2 := &Manager{dir: mgr.dir, log: mgr.log, engine: fresh, registry: freshRegistry}

	lastIndex, lastTerm, err := mgr2.Install(path)
	require.NoError(t, err)
	require.Equal(t, uint64(42), lastIndex)
	require.Equal(t, uint64(3), lastTerm)

	spec, ok := freshRegistry.Stored("Widget")
	require.True(t, ok)
	require.Equal(t, 1, spec.Version)

	rec, ok := fresh.Get("Widget", "w1")
	require.True(t, ok)
	require.Equal(t, "gear", rec.Fields["label"])
}

func TestInstallRejectsTamperedPayload(t *testing.T) {
	mgr, _, _ := newManager(t)

	path, err := mgr.Produce(1, 1, map[string]*eventlog.Log{})
	require.NoError(t, err)

	hdr, body, err := readFile(path)
	require.NoError(t, err)
	body[len(body)-1] ^= 0xFF
	require.NoError(t, writeAtomic(path, hdr, body))

	_, _, err = mgr.Install(path)
	require.Error(t, err)
}

func TestLatestReturnsMostRecentSnapshot(t *testing.T) {
	mgr, _, _ := newManager(t)

	_, found := mgr.Latest()
	require.False(t, found)

	_, err := mgr.Produce(1, 1, map[string]*eventlog.Log{})
	require.NoError(t, err)
	_, err = mgr.Produce(2, 1, map[string]*eventlog.Log{})
	require.NoError(t, err)

	latest, found := mgr.Latest()
	require.True(t, found)
	idx, err := ParseIndexFromName(latest)
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)
}

func TestShouldProduceThresholds(t *testing.T) {
	require.False(t, ShouldProduce(9, 10))
	require.True(t, ShouldProduce(10, 10))
	require.True(t, ShouldProduce(11, 10))
}
