package state

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/schema"
)

// validate type-checks and constraint-checks rec against spec, filling in
// declared defaults for missing fields first: every field is type-checked,
// non-nullability is enforced unless the field is nullable, foreign-key
// existence is enforced when the referenced model is resident, and declared
// value constraints are checked. previous is nil on create.
func (e *Engine) validate(spec *schema.Model, rec *Record, previous *Record) error {
	for _, f := range spec.Fields {
		val, present := rec.Fields[f.Name]

		if !present && f.HasDefault {
			val = f.Default
			rec.Fields[f.Name] = val
			present = true
		}

		if !present || val == nil {
			if !f.Nullable {
				return lerrors.New(lerrors.Validation, fmt.Sprintf("%s.%s: required field missing", spec.Name, f.Name))
			}
			continue
		}

		if err := checkType(f, val); err != nil {
			return lerrors.New(lerrors.Validation, fmt.Sprintf("%s.%s: %v", spec.Name, f.Name, err))
		}
		for _, v := range f.Validators {
			if err := checkValidator(v, val); err != nil {
				return lerrors.New(lerrors.Validation, fmt.Sprintf("%s.%s: %v", spec.Name, f.Name, err))
			}
		}
		if f.ForeignKey != "" {
			e.modelsMu.RLock()
			_, resident := e.models[f.ForeignKey]
			e.modelsMu.RUnlock()
			if resident {
				if _, ok := e.Get(f.ForeignKey, fmt.Sprint(val)); !ok {
					return lerrors.New(lerrors.Validation, fmt.Sprintf("%s.%s: foreign key %v not found in %s", spec.Name, f.Name, val, f.ForeignKey))
				}
			}
		}
	}
	return nil
}

func checkType(f schema.Field, val interface{}) error {
	switch f.Type {
	case schema.TypeString, schema.TypeUUID, schema.TypeTimestamp:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
	case schema.TypeInteger:
		switch val.(type) {
		case int, int32, int64, float64: // JSON decode yields float64
		default:
			return fmt.Errorf("expected integer, got %T", val)
		}
	case schema.TypeFloat:
		switch val.(type) {
		case float32, float64, int, int64:
		default:
			return fmt.Errorf("expected float, got %T", val)
		}
	case schema.TypeBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
	case schema.TypeBytes:
		switch val.(type) {
		case []byte, string:
		default:
			return fmt.Errorf("expected bytes, got %T", val)
		}
	case schema.TypeOptional:
		if f.Of == nil {
			return nil
		}
		return checkType(*f.Of, val)
	case schema.TypeList:
		list, ok := val.([]interface{})
		if !ok {
			return fmt.Errorf("expected list, got %T", val)
		}
		if f.Of == nil {
			return nil
		}
		for _, elem := range list {
			if err := checkType(*f.Of, elem); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkValidator(v schema.Validator, val interface{}) error {
	switch v.Kind {
	case schema.ValidatorMin:
		n, err := toFloat(val)
		if err != nil {
			return err
		}
		min, _ := strconv.ParseFloat(v.Arg, 64)
		if n < min {
			return fmt.Errorf("value %v below minimum %v", val, min)
		}
	case schema.ValidatorMax:
		n, err := toFloat(val)
		if err != nil {
			return err
		}
		max, _ := strconv.ParseFloat(v.Arg, 64)
		if n > max {
			return fmt.Errorf("value %v above maximum %v", val, max)
		}
	case schema.ValidatorRegex:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("regex validator requires a string value")
		}
		re, err := regexp.Compile(v.Arg)
		if err != nil {
			return fmt.Errorf("invalid regex validator %q: %w", v.Arg, err)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("value %q does not match pattern %q", s, v.Arg)
		}
	}
	return nil
}

func toFloat(val interface{}) (float64, error) {
	switch n := val.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}
