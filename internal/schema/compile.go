package schema

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/briefsync/internal/ir"
)

// definitions constrains the shape of a schema file before it is decoded.
const definitions = `
#PropertyType: "string" | "int" | "number" | "bool" | "object" | "array" | "id"

#Class: {
	kind:      "Element" | "Model" | "UniqueAspect" | "MultiAspect" | "Relationship"
	base?:     string
	abstract?: bool
	properties?: [string]: #PropertyType
}

#Schema: {
	version: string | *"01.00.00"
	references?: [...string]
	classes: [string]: #Class
}
`

// CompileError reports a schema file that does not compile, with the CUE
// position when one is known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(field string, err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Field: field, Message: err.Error()}
	}
	first := errs[0]
	ce := &CompileError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

type classDef struct {
	Kind       string            `json:"kind"`
	Base       string            `json:"base"`
	Abstract   bool              `json:"abstract"`
	Properties map[string]string `json:"properties"`
}

type schemaDef struct {
	Version    string              `json:"version"`
	References []string            `json:"references"`
	Classes    map[string]classDef `json:"classes"`
}

// CompileFile reads and compiles a CUE schema file.
func CompileFile(path string) ([]*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Compile(path, src)
}

// Compile compiles CUE source declaring one or more schemas under the
// top-level "schema" field:
//
//	schema: Widgets: {
//		version: "01.00.00"
//		classes: Widget: {kind: "Element", base: "Core:PhysicalElement"}
//	}
//
// Schemas are returned sorted by name.
func Compile(filename string, src []byte) ([]*Schema, error) {
	ctx := cuecontext.New()
	defs := ctx.CompileString(definitions, cue.Filename("definitions.cue"))
	if err := defs.Err(); err != nil {
		return nil, formatCUEError("definitions", err)
	}
	shape := defs.LookupPath(cue.ParsePath("#Schema"))

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError("cue", err)
	}
	root := v.LookupPath(cue.ParsePath("schema"))
	if !root.Exists() {
		return nil, &CompileError{Field: "schema", Message: "no schema declared", Pos: v.Pos()}
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError("schema", err)
	}
	var out []*Schema
	for iter.Next() {
		name := iter.Label()
		sc, err := compileSchema(name, shape.Unify(iter.Value()))
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, &CompileError{Field: "schema", Message: "no schema declared", Pos: root.Pos()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func compileSchema(name string, v cue.Value) (*Schema, error) {
	field := "schema." + name
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(field, err)
	}
	var def schemaDef
	if err := v.Decode(&def); err != nil {
		return nil, formatCUEError(field, err)
	}

	sc := &Schema{
		Name:       name,
		Version:    def.Version,
		References: def.References,
		Classes:    make(map[string]*Class, len(def.Classes)),
	}
	for short, cd := range def.Classes {
		sc.Classes[short] = &Class{
			Name:       name + ":" + short,
			Kind:       ClassKind(cd.Kind),
			Base:       cd.Base,
			Abstract:   cd.Abstract,
			Properties: cd.Properties,
		}
	}
	if err := validateBases(sc); err != nil {
		return nil, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
	}
	return sc, nil
}

// validateBases checks that bases within the same schema exist and share the
// derived class's entity kind. Bases in referenced schemas are checked when
// the schema is imported into a repository.
func validateBases(sc *Schema) error {
	set := NewSet(sc)
	for _, short := range sortedClassNames(sc) {
		c := sc.Classes[short]
		if c.Base == "" {
			continue
		}
		baseSchema, _, ok := SplitName(c.Base)
		if !ok {
			return fmt.Errorf("class %s: base %q is not a full class name", c.Name, c.Base)
		}
		if baseSchema != sc.Name {
			continue
		}
		base, ok := set.Class(c.Base)
		if !ok {
			return fmt.Errorf("class %s: base %q not declared", c.Name, c.Base)
		}
		if base.Kind.EntityKind() != c.Kind.EntityKind() {
			return fmt.Errorf("class %s: base %q is a %s class", c.Name, c.Base, base.Kind)
		}
		if set.IsA(c.Base, c.Name) {
			return fmt.Errorf("class %s: inheritance cycle through %q", c.Name, c.Base)
		}
	}
	return nil
}

// Validate checks a schema against the set it is about to join: references
// and cross-schema bases must resolve.
func (s *Set) Validate(sc *Schema) error {
	for _, ref := range sc.References {
		if ref == sc.Name {
			continue
		}
		if _, ok := s.Get(ref); !ok {
			return ir.NewSchemaViolation(0, ir.InvalidID, "schema %s references unknown schema %s", sc.Name, ref)
		}
	}
	merged := NewSet()
	for _, n := range s.Names() {
		other, _ := s.Get(n)
		merged.Put(other)
	}
	merged.Put(sc)
	for _, short := range sortedClassNames(sc) {
		c := sc.Classes[short]
		if c.Base == "" {
			continue
		}
		base, ok := merged.Class(c.Base)
		if !ok {
			return ir.NewSchemaViolation(0, ir.InvalidID, "class %s derives from unknown class %s", c.Name, c.Base)
		}
		if base.Kind.EntityKind() != c.Kind.EntityKind() {
			return ir.NewSchemaViolation(0, ir.InvalidID, "class %s derives from %s class %s", c.Name, base.Kind, c.Base)
		}
	}
	return nil
}

func sortedClassNames(sc *Schema) []string {
	names := make([]string, 0, len(sc.Classes))
	for n := range sc.Classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
