package cli

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/roach88/briefsync/internal/schema"
)

// LoadError represents an error that occurred while loading schema files.
type LoadError struct {
	Path    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadSchemas compiles CUE schema files. Each path is a .cue file or a
// directory whose .cue files are read in name order. A schema declared
// twice is an error.
func LoadSchemas(paths ...string) ([]*schema.Schema, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, &LoadError{Path: p, Message: "schema path not found", Err: err}
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.cue"))
		if err != nil {
			return nil, &LoadError{Path: p, Message: "scanning directory", Err: err}
		}
		if len(matches) == 0 {
			return nil, &LoadError{Path: p, Message: "no CUE files found"}
		}
		slices.Sort(matches)
		files = append(files, matches...)
	}

	var out []*schema.Schema
	seen := map[string]string{}
	for _, f := range files {
		schemas, err := schema.CompileFile(f)
		if err != nil {
			return nil, &LoadError{Path: f, Message: "compiling schema", Err: err}
		}
		for _, s := range schemas {
			if prev, ok := seen[s.Name]; ok {
				return nil, &LoadError{Path: f, Message: fmt.Sprintf("schema %s already declared in %s", s.Name, prev)}
			}
			seen[s.Name] = f
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *schema.Schema) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}
