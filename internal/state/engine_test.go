package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/schema"
)

func productSpec() *schema.Model {
	return &schema.Model{
		Name:    "Product",
		Version: 1,
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, PrimaryKey: true},
			{Name: "name", Type: schema.TypeString, Indexed: true},
			{Name: "sku", Type: schema.TypeString, Unique: true},
			{Name: "price", Type: schema.TypeFloat, Nullable: true},
		},
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	e := New(0)
	spec := productSpec()

	rec, err := e.ApplyCreate(spec, "p1", map[string]interface{}{
		"id": "p1", "name": "Widget", "sku": "SKU-1", "price": 9.99,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Version)

	got, ok := e.Get("Product", "p1")
	require.True(t, ok)
	require.Equal(t, "Widget", got.Fields["name"])
}

func TestCreateDuplicateKeyConflict(t *testing.T) {
	e := New(0)
	spec := productSpec()
	_, err := e.ApplyCreate(spec, "p1", map[string]interface{}{"id": "p1", "name": "A", "sku": "SKU-A"})
	require.NoError(t, err)

	_, err = e.ApplyCreate(spec, "p1", map[string]interface{}{"id": "p1", "name": "B", "sku": "SKU-B"})
	require.Error(t, err)
	require.True(t, lerrors.Is(err, lerrors.Conflict))
}

func TestUniqueIndexViolation(t *testing.T) {
	e := New(0)
	spec := productSpec()
	_, err := e.ApplyCreate(spec, "p1", map[string]interface{}{"id": "p1", "name": "A", "sku": "SKU-X"})
	require.NoError(t, err)

	_, err = e.ApplyCreate(spec, "p2", map[string]interface{}{"id": "p2", "name": "B", "sku": "SKU-X"})
	require.Error(t, err)
	require.True(t, lerrors.Is(err, lerrors.Validation))
}

func TestUpdateRequiresExistingRecord(t *testing.T) {
	e := New(0)
	spec := productSpec()
	_, err := e.ApplyUpdate(spec, "missing", map[string]interface{}{"name": "x"}, 0)
	require.Error(t, err)
	require.True(t, lerrors.Is(err, lerrors.Validation))
}

func TestUpdateVersionConflict(t *testing.T) {
	e := New(0)
	spec := productSpec()
	rec, err := e.ApplyCreate(spec, "p1", map[string]interface{}{"id": "p1", "name": "A", "sku": "SKU-A"})
	require.NoError(t, err)

	_, err = e.ApplyUpdate(spec, "p1", map[string]interface{}{"name": "B"}, rec.Version+1)
	require.Error(t, err)
	require.True(t, lerrors.Is(err, lerrors.Conflict))

	updated, err := e.ApplyUpdate(spec, "p1", map[string]interface{}{"name": "B"}, rec.Version)
	require.NoError(t, err)
	require.Equal(t, "B", updated.Fields["name"])
	require.Equal(t, rec.Version+1, updated.Version)
}

func TestIndexLookupReflectsUpdates(t *testing.T) {
	e := New(0)
	spec := productSpec()
	_, err := e.ApplyCreate(spec, "p1", map[string]interface{}{"id": "p1", "name": "Widget", "sku": "SKU-1"})
	require.NoError(t, err)

	keys := e.IndexLookup("Product", "name", "Widget")
	require.Equal(t, []string{"p1"}, keys)

	_, err = e.ApplyUpdate(spec, "p1", map[string]interface{}{"name": "Gadget"}, 0)
	require.NoError(t, err)

	require.Empty(t, e.IndexLookup("Product", "name", "Widget"))
	require.Equal(t, []string{"p1"}, e.IndexLookup("Product", "name", "Gadget"))
}

func TestDeleteRemovesRecordAndIndexEntries(t *testing.T) {
	e := New(0)
	spec := productSpec()
	_, err := e.ApplyCreate(spec, "p1", map[string]interface{}{"id": "p1", "name": "Widget", "sku": "SKU-1"})
	require.NoError(t, err)

	require.NoError(t, e.ApplyDelete(spec, "p1"))
	_, ok := e.Get("Product", "p1")
	require.False(t, ok)
	require.Empty(t, e.IndexLookup("Product", "name", "Widget"))
}

func TestMissingRequiredFieldRejected(t *testing.T) {
	e := New(0)
	spec := productSpec()
	_, err := e.ApplyCreate(spec, "p1", map[string]interface{}{"id": "p1", "sku": "SKU-1"})
	require.Error(t, err)
	require.True(t, lerrors.Is(err, lerrors.Validation))
}
