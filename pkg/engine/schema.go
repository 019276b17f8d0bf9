package engine

import (
	"fmt"
)

// AttrType is the structural type an attribute value must have.
type AttrType string

const (
	// TypeString accepts scalar strings.
	TypeString AttrType = "string"

	// TypeInt accepts scalar integers.
	TypeInt AttrType = "int"

	// TypeFloat accepts integers and floats.
	TypeFloat AttrType = "float"

	// TypeBool accepts scalar booleans.
	TypeBool AttrType = "bool"

	// TypeList accepts lists.
	TypeList AttrType = "list"

	// TypeMap accepts nested maps.
	TypeMap AttrType = "map"

	// TypeAny accepts any well-formed value.
	TypeAny AttrType = "any"
)

// AttrSchema describes one attribute of a kind.
type AttrSchema struct {
	// Type is the structural type the value must have.
	Type AttrType `json:"type"`

	// Required attributes must be declared unless a default exists.
	Required bool `json:"required,omitempty"`

	// Immutable attributes cannot change in place; a change forces a
	// replace.
	Immutable bool `json:"immutable,omitempty"`

	// Computed attributes are assigned by the provider and ignored when
	// comparing desired against recorded attributes.
	Computed bool `json:"computed,omitempty"`

	// Default is filled in during validation when the attribute is
	// absent.
	Default Value `json:"default,omitempty"`
}

// KindSchema describes the attributes and lifecycle policy of a
// resource kind.
type KindSchema struct {
	// Kind is the kind this schema describes.
	Kind string `json:"kind"`

	// Attributes maps attribute names to their schemas.
	Attributes map[string]AttrSchema `json:"attributes"`

	// CreateBeforeDestroy reverses replace ordering: the new instance
	// is created before the old one is destroyed.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`
}

// ValidateResource checks a declared resource against its kind's schema
// and fills in defaults. Validation is structural: missing required
// attributes without a default, undeclared attributes, and wrong value
// shapes all fail with a SCHEMA_VIOLATION error. References pass every
// shape check since their shape is unknown until resolution.
func (s *KindSchema) ValidateResource(res *Resource) error {
	if res.Attrs == nil {
		res.Attrs = make(Map)
	}

	for _, name := range res.Attrs.SortedKeys() {
		attr, declared := s.Attributes[name]
		if !declared {
			return NewSchemaViolation(
				fmt.Sprintf("attribute %q is not part of kind %s", name, s.Kind),
				res.Identity)
		}
		if err := checkShape(res.Attrs[name], attr.Type); err != nil {
			return NewSchemaViolation(
				fmt.Sprintf("attribute %q: %s", name, err),
				res.Identity)
		}
	}

	// Fill defaults and enforce required attributes.
	for name, attr := range s.Attributes {
		if _, present := res.Attrs[name]; present {
			continue
		}
		if attr.Default != nil {
			res.Attrs[name] = attr.Default
			continue
		}
		if attr.Required && !attr.Computed {
			return NewSchemaViolation(
				fmt.Sprintf("required attribute %q is missing and has no default", name),
				res.Identity)
		}
	}

	return nil
}

// checkShape verifies a value against a structural type. Nested lists
// and maps are checked for well-formedness only; per-element typing is
// deep semantic validation and out of scope.
func checkShape(v Value, t AttrType) error {
	if v == nil {
		return fmt.Errorf("value is null")
	}
	if _, isRef := v.(Ref); isRef {
		return nil
	}
	if t == TypeAny {
		return nil
	}

	switch t {
	case TypeString:
		if _, ok := v.(String); !ok {
			return fmt.Errorf("expected string, got %s", describe(v))
		}
	case TypeInt:
		if _, ok := v.(Int); !ok {
			return fmt.Errorf("expected int, got %s", describe(v))
		}
	case TypeFloat:
		switch v.(type) {
		case Int, Float:
		default:
			return fmt.Errorf("expected number, got %s", describe(v))
		}
	case TypeBool:
		if _, ok := v.(Bool); !ok {
			return fmt.Errorf("expected bool, got %s", describe(v))
		}
	case TypeList:
		if _, ok := v.(List); !ok {
			return fmt.Errorf("expected list, got %s", describe(v))
		}
	case TypeMap:
		if _, ok := v.(Map); !ok {
			return fmt.Errorf("expected map, got %s", describe(v))
		}
	default:
		return fmt.Errorf("unknown attribute type %q", t)
	}
	return nil
}

// describe names a value's variant for error messages.
func describe(v Value) string {
	switch v.(type) {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case List:
		return "list"
	case Map:
		return "map"
	case Ref:
		return "reference"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// AttrsEqual compares desired attributes against recorded attributes
// under the kind's equality policy: computed attributes are ignored,
// everything else must match deeply. Desired-side references compare
// equal to whatever the recorded side holds, since the recorded side
// stores the resolved value.
func (s *KindSchema) AttrsEqual(desired, recorded Map) bool {
	for name, attr := range s.Attributes {
		if attr.Computed {
			continue
		}
		dv, dok := desired[name]
		rv, rok := recorded[name]
		if dok != rok {
			return false
		}
		if !dok {
			continue
		}
		if _, isRef := dv.(Ref); isRef {
			// A reference's resolved value lives on the recorded side;
			// re-resolution happens at apply time, not during diffing.
			continue
		}
		if !ValuesEqual(dv, rv) {
			return false
		}
	}
	return true
}

// ImmutableChanges returns the names of immutable attributes whose
// desired value differs from the recorded value, in lexical order.
func (s *KindSchema) ImmutableChanges(desired, recorded Map) []string {
	var changed []string
	for _, name := range desired.SortedKeys() {
		attr, declared := s.Attributes[name]
		if !declared || !attr.Immutable {
			continue
		}
		if _, isRef := desired[name].(Ref); isRef {
			continue
		}
		if !ValuesEqual(desired[name], recorded[name]) {
			changed = append(changed, name)
		}
	}
	return changed
}
