// Package archetype defines the templates that specifications conform to.
// An archetype bundles a field schema, bound rule references, cross-entity
// reference constraints, solver invariants, and an optional declared state
// machine.
package archetype

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/specfold/specfold/internal/behavior"
	"github.com/specfold/specfold/internal/solver"
)

var (
	// ErrNotFound indicates the archetype does not exist.
	ErrNotFound = errors.New("archetype: not found")
	// ErrNilArchetype indicates a nil archetype was stored or validated.
	ErrNilArchetype = errors.New("archetype: nil archetype")
)

// FieldKind identifies the type of a schema field.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldInt    FieldKind = "int"
	FieldBool   FieldKind = "bool"
	FieldEnum   FieldKind = "enum"
)

// Field declares one attribute of a conforming specification.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
	// Values enumerates the legal values of an enum field.
	Values []string
}

// Reference constrains links from a specification field to entities of
// another aggregate type.
type Reference struct {
	// Field names the attribute holding the referenced IDs.
	Field string
	// TargetType is the aggregate type the IDs must resolve against.
	TargetType string
	// MinCount and MaxCount bound the reference cardinality. MaxCount zero
	// means unbounded.
	MinCount int
	MaxCount int
	// Unique forbids duplicate IDs within the field.
	Unique bool
}

// Archetype is one versioned template.
type Archetype struct {
	ID         string
	Name       string
	Version    uint64
	Fields     []Field
	RuleRefs   []string
	References []Reference
	Invariants solver.Set
	Machine    *behavior.Machine
}

// Validate checks the archetype is internally coherent.
func (a *Archetype) Validate() error {
	if a == nil {
		return ErrNilArchetype
	}
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("archetype: empty id")
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("archetype %s: empty name", a.ID)
	}
	seen := make(map[string]bool, len(a.Fields))
	for _, f := range a.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("archetype %s: field with empty name", a.ID)
		}
		if seen[f.Name] {
			return fmt.Errorf("archetype %s: field %q declared twice", a.ID, f.Name)
		}
		seen[f.Name] = true
		switch f.Kind {
		case FieldString, FieldInt, FieldBool:
		case FieldEnum:
			if len(f.Values) == 0 {
				return fmt.Errorf("archetype %s: enum field %q has no values", a.ID, f.Name)
			}
		default:
			return fmt.Errorf("archetype %s: field %q has unknown kind %q", a.ID, f.Name, f.Kind)
		}
	}
	for _, r := range a.References {
		if strings.TrimSpace(r.Field) == "" {
			return fmt.Errorf("archetype %s: reference with empty field", a.ID)
		}
		if strings.TrimSpace(r.TargetType) == "" {
			return fmt.Errorf("archetype %s: reference %q has empty target type", a.ID, r.Field)
		}
		if r.MinCount < 0 || (r.MaxCount != 0 && r.MaxCount < r.MinCount) {
			return fmt.Errorf("archetype %s: reference %q has invalid cardinality [%d, %d]", a.ID, r.Field, r.MinCount, r.MaxCount)
		}
	}
	for _, ref := range a.RuleRefs {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("archetype %s: empty rule ref", a.ID)
		}
	}
	return nil
}

// FieldByName returns the declared field, if any.
func (a *Archetype) FieldByName(name string) (Field, bool) {
	if a == nil {
		return Field{}, false
	}
	for _, f := range a.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Store persists archetypes by ID.
type Store interface {
	Get(ctx context.Context, id string) (*Archetype, error)
	Put(ctx context.Context, a *Archetype) error
	List(ctx context.Context) ([]*Archetype, error)
}
