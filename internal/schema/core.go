package schema

import (
	_ "embed"
	"fmt"
	"sync"
)

// Names of built-in classes the engine relies on.
const (
	CoreSchemaName = "Core"

	ClassSubject                 = "Core:Subject"
	ClassPhysicalPartition       = "Core:PhysicalPartition"
	ClassDefinitionPartition     = "Core:DefinitionPartition"
	ClassPhysicalElement         = "Core:PhysicalElement"
	ClassRepositoryModel         = "Core:RepositoryModel"
	ClassDictionaryModel         = "Core:DictionaryModel"
	ClassPhysicalModel           = "Core:PhysicalModel"
	ClassExternalSourceAspect    = "Core:ExternalSourceAspect"
	ClassElementRefersToElements = "Core:ElementRefersToElements"
)

//go:embed core.cue
var coreSource []byte

var (
	coreOnce   sync.Once
	coreSchema *Schema
	coreErr    error
)

// Core returns a fresh copy of the built-in Core schema.
func Core() *Schema {
	coreOnce.Do(func() {
		schemas, err := Compile("core.cue", coreSource)
		if err != nil {
			coreErr = err
			return
		}
		coreSchema = schemas[0]
	})
	if coreErr != nil {
		panic(fmt.Sprintf("schema: built-in core schema does not compile: %v", coreErr))
	}
	return coreSchema.Without()
}

// CoreWithoutProvenance returns the Core schema lacking ExternalSourceAspect,
// for repositories that cannot record provenance.
func CoreWithoutProvenance() *Schema {
	return Core().Without("ExternalSourceAspect")
}
