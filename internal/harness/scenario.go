package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/briefsync/internal/concurrency"
	"github.com/roach88/briefsync/internal/ir"
)

// DefaultRepository is the repository id replicas share when a scenario
// does not name one.
const DefaultRepository = "scenario"

// Scenario defines a synchronization scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Repository is the repository id, DefaultRepository when empty.
	Repository string `yaml:"repository,omitempty"`

	// Schemas lists CUE schema files every replica is created with.
	Schemas []string `yaml:"schemas"`

	// Replicas are created in order, so the first gets replica number 1.
	Replicas []ReplicaSpec `yaml:"replicas"`

	// Flow is executed step by step after every replica exists.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ReplicaSpec declares one replica.
type ReplicaSpec struct {
	Name string `yaml:"name"`
	// Policy is "optimistic" or "pessimistic"; empty leaves the controller
	// without a policy, which behaves optimistically.
	Policy string `yaml:"policy,omitempty"`
}

// FlowStep is one action performed on one replica.
type FlowStep struct {
	Replica string         `yaml:"replica"`
	Action  string         `yaml:"action"`
	Args    map[string]any `yaml:"args,omitempty"`

	// Expect specifies the expected outcome. If nil the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Outcome is "ok" or an error code such as CONFLICT. Empty means "ok".
	Outcome string `yaml:"outcome,omitempty"`

	// Result is matched as a subset of the step's result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates the final state of a replica or the hub.
type Assertion struct {
	Type    string `yaml:"type"`
	Replica string `yaml:"replica,omitempty"`

	// Label, Class, Code and Exists are used by element; Class by count.
	Label  string `yaml:"label,omitempty"`
	Class  string `yaml:"class,omitempty"`
	Code   string `yaml:"code,omitempty"`
	Exists *bool  `yaml:"exists,omitempty"`

	// Count is used by count, locks and changesets.
	Count *int `yaml:"count,omitempty"`

	// Index is used by index.
	Index *int64 `yaml:"index,omitempty"`
}

// Action names.
const (
	ActionCodeSpec     = "codespec"
	ActionInsert       = "insert"
	ActionUpdate       = "update"
	ActionDelete       = "delete"
	ActionSave         = "save"
	ActionAbandon      = "abandon"
	ActionPush         = "push"
	ActionPull         = "pull"
	ActionImportSchema = "import_schema"
	ActionPolicy       = "policy"
)

// Assertion type constants.
const (
	AssertElement    = "element"
	AssertCount      = "count"
	AssertIndex      = "index"
	AssertLocks      = "locks"
	AssertChangeSets = "changesets"
)

// OutcomeOK is the outcome of a step that succeeded.
const OutcomeOK = "ok"

var knownActions = map[string]bool{
	ActionCodeSpec: true, ActionInsert: true, ActionUpdate: true, ActionDelete: true,
	ActionSave: true, ActionAbandon: true, ActionPush: true, ActionPull: true,
	ActionImportSchema: true, ActionPolicy: true,
}

var knownOutcomes = map[string]bool{
	OutcomeOK:                             true,
	string(ir.ErrCodeNotFound):            true,
	string(ir.ErrCodeConflict):            true,
	string(ir.ErrCodeSchemaViolation):     true,
	string(ir.ErrCodeDuplicateProvenance): true,
	string(ir.ErrCodeStaleReplica):        true,
	string(ir.ErrCodeStoreFailure):        true,
}

// LoadScenario reads and parses a scenario YAML file. Schema paths, and the
// path of import_schema steps, are resolved relative to the file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML, resolving relative paths against
// basePath.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	resolve := func(p string) string {
		if filepath.IsAbs(p) || basePath == "" {
			return p
		}
		return filepath.Join(basePath, p)
	}
	for i, p := range scenario.Schemas {
		scenario.Schemas[i] = resolve(p)
	}
	for _, step := range scenario.Flow {
		if p, ok := step.Args["path"].(string); ok && step.Action == ActionImportSchema {
			step.Args["path"] = resolve(p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Schemas) == 0 {
		return fmt.Errorf("schemas list is required and must be non-empty")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.Schemas {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", p)
		}
	}

	replicas := map[string]bool{}
	for i, r := range s.Replicas {
		if r.Name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if replicas[r.Name] {
			return fmt.Errorf("replicas[%d]: duplicate replica %q", i, r.Name)
		}
		replicas[r.Name] = true
		if r.Policy != "" {
			if _, err := concurrency.ParsePolicy(r.Policy); err != nil {
				return fmt.Errorf("replicas[%d]: %w", i, err)
			}
		}
	}

	for i, step := range s.Flow {
		if !replicas[step.Replica] {
			return fmt.Errorf("flow[%d]: unknown replica %q", i, step.Replica)
		}
		if !knownActions[step.Action] {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Action)
		}
		if err := validateArgs(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Expect != nil && step.Expect.Outcome != "" && !knownOutcomes[step.Expect.Outcome] {
			return fmt.Errorf("flow[%d].expect: unknown outcome %q", i, step.Expect.Outcome)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], replicas); err != nil {
			return err
		}
	}
	return nil
}

// validateArgs checks the arguments each action cannot do without.
func validateArgs(step FlowStep) error {
	var required []string
	switch step.Action {
	case ActionCodeSpec:
		required = []string{"name"}
	case ActionInsert:
		required = []string{"class", "label"}
	case ActionUpdate, ActionDelete:
		required = []string{"label"}
	case ActionImportSchema:
		required = []string{"path"}
	case ActionPolicy:
		required = []string{"policy"}
	}
	for _, key := range required {
		if _, ok := step.Args[key].(string); !ok {
			return fmt.Errorf("%s requires a string %q argument", step.Action, key)
		}
	}
	if step.Action == ActionPolicy {
		if _, err := concurrency.ParsePolicy(step.Args["policy"].(string)); err != nil {
			return err
		}
	}
	if _, ok := step.Args["code"]; ok && step.Action == ActionInsert {
		if _, ok := step.Args["code_spec"].(string); !ok {
			return fmt.Errorf("insert with a code requires a string \"code_spec\" argument")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, replicas map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	switch a.Type {
	case AssertElement, AssertCount, AssertIndex, AssertLocks, AssertChangeSets:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	needsReplica := a.Type != AssertChangeSets
	if needsReplica && !replicas[a.Replica] {
		return fmt.Errorf("assertions[%d]: unknown replica %q for %s", index, a.Replica, a.Type)
	}

	switch a.Type {
	case AssertElement:
		if a.Label == "" {
			return fmt.Errorf("assertions[%d]: label is required for element", index)
		}
	case AssertCount:
		if a.Class == "" {
			return fmt.Errorf("assertions[%d]: class is required for count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for count", index)
		}
	case AssertIndex:
		if a.Index == nil {
			return fmt.Errorf("assertions[%d]: index is required for index", index)
		}
	case AssertLocks, AssertChangeSets:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	}
	return nil
}
