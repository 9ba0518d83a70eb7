// Package schema defines the class catalogue of a repository. Schemas are
// written in CUE, compiled into Schema values and kept per replica in a Set.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/briefsync/internal/ir"
)

// ClassKind is the entity kind a class may be instantiated as.
type ClassKind string

const (
	ClassElement      ClassKind = "Element"
	ClassModel        ClassKind = "Model"
	ClassUniqueAspect ClassKind = "UniqueAspect"
	ClassMultiAspect  ClassKind = "MultiAspect"
	ClassRelationship ClassKind = "Relationship"
)

// EntityKind maps a class kind onto the entity kind that instantiates it.
func (k ClassKind) EntityKind() ir.Kind {
	switch k {
	case ClassElement:
		return ir.KindElement
	case ClassModel:
		return ir.KindModel
	case ClassUniqueAspect, ClassMultiAspect:
		return ir.KindAspect
	case ClassRelationship:
		return ir.KindRelationship
	default:
		return 0
	}
}

// Class is one compiled class. Name is the full "Schema:Class" name.
type Class struct {
	Name       string            `json:"name"`
	Kind       ClassKind         `json:"kind"`
	Base       string            `json:"base,omitempty"`
	Abstract   bool              `json:"abstract,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Schema is a named, versioned set of classes.
type Schema struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	References []string          `json:"references,omitempty"`
	Classes    map[string]*Class `json:"classes"`
}

// Checksum hashes the compiled definition. Two schemas with the same checksum
// are interchangeable.
func (s *Schema) Checksum() (string, error) {
	data, err := s.canonical()
	if err != nil {
		return "", err
	}
	return ir.SchemaChecksum(s.Name, string(data)), nil
}

func (s *Schema) canonical() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", s.Name, err)
	}
	v, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", s.Name, err)
	}
	return ir.MarshalCanonical(v)
}

// Encode serializes the schema for storage and changesets.
func (s *Schema) Encode() ([]byte, error) { return s.canonical() }

// Decode is the inverse of Encode.
func Decode(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("decode schema: missing name")
	}
	if s.Classes == nil {
		s.Classes = map[string]*Class{}
	}
	return &s, nil
}

// Without returns a copy of s lacking the named classes (short names).
func (s *Schema) Without(classes ...string) *Schema {
	out := &Schema{
		Name:       s.Name,
		Version:    s.Version,
		References: append([]string(nil), s.References...),
		Classes:    make(map[string]*Class, len(s.Classes)),
	}
	drop := make(map[string]bool, len(classes))
	for _, c := range classes {
		drop[c] = true
	}
	for short, c := range s.Classes {
		if !drop[short] {
			out.Classes[short] = c
		}
	}
	return out
}

// SplitName splits "Schema:Class" into its parts.
func SplitName(full string) (schemaName, className string, ok bool) {
	schemaName, className, ok = strings.Cut(full, ":")
	if !ok || schemaName == "" || className == "" {
		return "", "", false
	}
	return schemaName, className, true
}

// Set is the collection of schemas imported into one repository.
type Set struct {
	schemas map[string]*Schema
}

// NewSet builds a set from schemas; later duplicates replace earlier ones.
func NewSet(schemas ...*Schema) *Set {
	s := &Set{schemas: make(map[string]*Schema, len(schemas))}
	for _, sc := range schemas {
		s.schemas[sc.Name] = sc
	}
	return s
}

// Put adds or replaces a schema.
func (s *Set) Put(sc *Schema) { s.schemas[sc.Name] = sc }

// Get returns the schema with the given name.
func (s *Set) Get(name string) (*Schema, bool) {
	sc, ok := s.schemas[name]
	return sc, ok
}

// Names returns the schema names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.schemas))
	for n := range s.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Class resolves a full class name.
func (s *Set) Class(full string) (*Class, bool) {
	schemaName, className, ok := SplitName(full)
	if !ok {
		return nil, false
	}
	sc, ok := s.schemas[schemaName]
	if !ok {
		return nil, false
	}
	c, ok := sc.Classes[className]
	return c, ok
}

// HasClass reports whether the full class name resolves.
func (s *Set) HasClass(full string) bool {
	_, ok := s.Class(full)
	return ok
}

// IsA reports whether class equals base or derives from it.
func (s *Set) IsA(class, base string) bool {
	seen := map[string]bool{}
	for name := class; name != "" && !seen[name]; {
		if name == base {
			return true
		}
		seen[name] = true
		c, ok := s.Class(name)
		if !ok {
			return false
		}
		name = c.Base
	}
	return false
}

// CheckEntity verifies that e names a concrete class of the matching kind and
// that every declared property it carries has the declared type.
func (s *Set) CheckEntity(e ir.Entity) error {
	kind := e.EntityKind()
	if kind == ir.KindCodeSpec {
		return nil
	}
	name := ir.ClassOf(e)
	c, ok := s.Class(name)
	if !ok {
		return ir.NewSchemaViolation(kind, e.EntityID(), "unknown class %q", name)
	}
	if c.Kind.EntityKind() != kind {
		return ir.NewSchemaViolation(kind, e.EntityID(), "class %q is a %s class", name, c.Kind)
	}
	if c.Abstract {
		return ir.NewSchemaViolation(kind, e.EntityID(), "class %q is abstract", name)
	}
	return s.checkProperties(e, c)
}

func (s *Set) checkProperties(e ir.Entity, c *Class) error {
	var props ir.Object
	switch v := e.(type) {
	case *ir.Element:
		props = v.Properties
	case *ir.Model:
		props = v.Properties
	case *ir.Aspect:
		props = v.Properties
	case *ir.Relationship:
		props = v.Properties
	}
	for cls := c; cls != nil; {
		for key, want := range cls.Properties {
			v, present := props[key]
			if !present {
				continue
			}
			if !propertyMatches(want, v) {
				return ir.NewSchemaViolation(e.EntityKind(), e.EntityID(),
					"property %q of class %q must be %s, got %T", key, c.Name, want, v)
			}
		}
		if cls.Base == "" {
			break
		}
		base, ok := s.Class(cls.Base)
		if !ok {
			break
		}
		cls = base
	}
	return nil
}

func propertyMatches(want string, v ir.Value) bool {
	if _, isNull := v.(ir.Null); isNull {
		return true
	}
	switch want {
	case "string":
		_, ok := v.(ir.String)
		return ok
	case "int":
		_, ok := v.(ir.Int)
		return ok
	case "number":
		switch v.(type) {
		case ir.Int, ir.Float:
			return true
		}
		return false
	case "bool":
		_, ok := v.(ir.Bool)
		return ok
	case "object":
		_, ok := v.(ir.Object)
		return ok
	case "array":
		_, ok := v.(ir.Array)
		return ok
	case "id":
		s, ok := v.(ir.String)
		if !ok {
			return false
		}
		_, err := ir.ParseID(string(s))
		return err == nil
	default:
		return true
	}
}

// IsUniqueAspect reports whether the class allows at most one instance per
// element.
func (s *Set) IsUniqueAspect(full string) bool {
	c, ok := s.Class(full)
	return ok && c.Kind == ClassUniqueAspect
}
