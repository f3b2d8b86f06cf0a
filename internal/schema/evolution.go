package schema

import "fmt"

// Class classifies how safe a detected schema change is to apply.
type Class string

const (
	Additive  Class = "additive"
	Versioned Class = "versioned"
	Breaking  Class = "breaking"
)

// ChangeKind names the shape of a single detected difference.
type ChangeKind string

const (
	AddField       ChangeKind = "add_field"
	RemoveField    ChangeKind = "remove_field"
	ChangeType     ChangeKind = "change_type"
	AddUnique      ChangeKind = "add_unique"
	AddNonNull     ChangeKind = "add_non_null"
	AddIndex       ChangeKind = "add_index"
	AddForeignKey  ChangeKind = "add_foreign_key"
)

// Change is one detected difference between the compiled-in spec and the
// stored spec for a model.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Field   string     `json:"field,omitempty"`
	Class   Class      `json:"class"`
	Detail  string     `json:"detail"`
}

// Diff compares stored (on-disk) against compiled (in the running binary)
// and classifies every difference.
func Diff(stored, compiled *Model) []Change {
	var changes []Change

	storedFields := map[string]Field{}
	for _, f := range stored.Fields {
		storedFields[f.Name] = f
	}
	compiledFields := map[string]Field{}
	for _, f := range compiled.Fields {
		compiledFields[f.Name] = f
	}

	for name, cf := range compiledFields {
		sf, existed := storedFields[name]
		if !existed {
			changes = append(changes, classifyAddedField(cf))
			continue
		}
		if sf.Type != cf.Type {
			changes = append(changes, Change{
				Kind: ChangeType, Field: name, Class: Breaking,
				Detail: fmt.Sprintf("%s: %s -> %s", name, sf.Type, cf.Type),
			})
		}
		if cf.Unique && !sf.Unique {
			changes = append(changes, Change{Kind: AddUnique, Field: name, Class: Breaking,
				Detail: fmt.Sprintf("%s becomes unique", name)})
		}
		if !cf.Nullable && sf.Nullable {
			changes = append(changes, Change{Kind: AddNonNull, Field: name, Class: Breaking,
				Detail: fmt.Sprintf("%s becomes non-null", name)})
		}
		if cf.Indexed && !sf.Indexed {
			changes = append(changes, Change{Kind: AddIndex, Field: name, Class: Additive,
				Detail: fmt.Sprintf("%s gains a secondary index", name)})
		}
		if cf.ForeignKey != "" && sf.ForeignKey == "" {
			changes = append(changes, Change{Kind: AddForeignKey, Field: name, Class: Breaking,
				Detail: fmt.Sprintf("%s gains foreign key -> %s", name, cf.ForeignKey)})
		}
	}

	for name := range storedFields {
		if _, stillPresent := compiledFields[name]; !stillPresent {
			changes = append(changes, Change{Kind: RemoveField, Field: name, Class: Breaking,
				Detail: fmt.Sprintf("%s removed", name)})
		}
	}

	return changes
}

// classifyAddedField applies the rule: a new nullable field or new
// non-unique index is additive; a new non-null field with a default is
// versioned (safe, backfilled); a new non-null field without a default, or a
// new unique field, is breaking.
func classifyAddedField(f Field) Change {
	switch {
	case f.Unique:
		return Change{Kind: AddField, Field: f.Name, Class: Breaking,
			Detail: fmt.Sprintf("new unique field %s", f.Name)}
	case f.Nullable:
		return Change{Kind: AddField, Field: f.Name, Class: Additive,
			Detail: fmt.Sprintf("new nullable field %s", f.Name)}
	case f.HasDefault:
		return Change{Kind: AddField, Field: f.Name, Class: Versioned,
			Detail: fmt.Sprintf("new field %s with default", f.Name)}
	default:
		return Change{Kind: AddField, Field: f.Name, Class: Breaking,
			Detail: fmt.Sprintf("new non-null field %s without a default", f.Name)}
	}
}

// WorstClass returns the most severe class among changes, or Additive if
// changes is empty.
func WorstClass(changes []Change) Class {
	worst := Additive
	for _, c := range changes {
		switch c.Class {
		case Breaking:
			return Breaking
		case Versioned:
			worst = Versioned
		}
	}
	return worst
}
