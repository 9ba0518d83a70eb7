package harness

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/roach88/briefsync/internal/concurrency"
	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/hub/blob"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/replica"
	"github.com/roach88/briefsync/internal/schema"
	"github.com/roach88/briefsync/internal/store"
)

// OutcomeError is the outcome of a step that failed without an error code.
const OutcomeError = "ERROR"

// Harness runs one scenario. Every replica and the hub ledger live in dir.
type Harness struct {
	dir      string
	repo     string
	hub      *hub.Ledger
	sync     *replica.Synchronizer
	replicas map[string]*replica.Replica
}

// Run executes a scenario in dir, which should be empty, and returns the
// result. The error is reserved for failures to set the scenario up; step
// and assertion failures are reported in the result.
func Run(ctx context.Context, scenario *Scenario, dir string) (*Result, error) {
	var schemas []*schema.Schema
	for _, path := range scenario.Schemas {
		compiled, err := schema.CompileFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
		schemas = append(schemas, compiled...)
	}

	ledger, err := hub.OpenLedger(ctx,
		hub.LedgerConfig{Driver: hub.DriverSQLite, DSN: filepath.Join(dir, "hub.db")}, blob.NewMemory())
	if err != nil {
		return nil, fmt.Errorf("failed to open hub: %w", err)
	}
	defer ledger.Close()

	h := &Harness{
		dir:      dir,
		repo:     scenario.Repository,
		hub:      ledger,
		sync:     replica.NewSynchronizer(ledger),
		replicas: make(map[string]*replica.Replica, len(scenario.Replicas)),
	}
	if h.repo == "" {
		h.repo = DefaultRepository
	}
	defer h.close()

	for _, spec := range scenario.Replicas {
		if err := h.createReplica(ctx, spec, schemas); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		h.executeStep(ctx, i+1, step, result)
	}
	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			result.AddError("assertions[%d] (%s): %v", i, a.Type, err)
		}
	}
	return result, nil
}

func (h *Harness) createReplica(ctx context.Context, spec ReplicaSpec, schemas []*schema.Schema) error {
	st, err := h.sync.Create(ctx, filepath.Join(h.dir, spec.Name+".db"), h.repo, schemas)
	if err != nil {
		return fmt.Errorf("failed to create replica %s: %w", spec.Name, err)
	}
	control := concurrency.New(st, h.hub)
	if spec.Policy != "" {
		p, err := concurrency.ParsePolicy(spec.Policy)
		if err != nil {
			st.Close()
			return err
		}
		if err := control.SetPolicy(p); err != nil {
			st.Close()
			return err
		}
	}
	h.replicas[spec.Name] = replica.New(st, control)
	return nil
}

func (h *Harness) close() {
	for _, r := range h.replicas {
		r.Store().Close()
	}
}

// executeStep runs one flow step, traces it and checks its expect clause.
func (h *Harness) executeStep(ctx context.Context, n int, step FlowStep, result *Result) {
	r := h.replicas[step.Replica]
	res, err := h.perform(ctx, r, step)

	event := TraceEvent{Step: n, Replica: step.Replica, Action: step.Action, Outcome: OutcomeOK, Result: res}
	if err != nil {
		event.Outcome = string(ir.CodeOf(err))
		if event.Outcome == "" {
			event.Outcome = OutcomeError
		}
		event.Result = nil
	}
	result.AddTrace(event)

	want := OutcomeOK
	if step.Expect != nil && step.Expect.Outcome != "" {
		want = step.Expect.Outcome
	}
	if event.Outcome != want {
		result.AddError("flow[%d] %s %s: expected %s, got %s (%v)", n-1, step.Replica, step.Action, want, event.Outcome, err)
		return
	}
	if step.Expect != nil {
		for _, mismatch := range matchSubset(step.Expect.Result, event.Result) {
			result.AddError("flow[%d] %s %s: %s", n-1, step.Replica, step.Action, mismatch)
		}
	}
}

// perform executes the action and returns its deterministic result.
func (h *Harness) perform(ctx context.Context, r *replica.Replica, step FlowStep) (map[string]any, error) {
	st := r.Store()
	args := step.Args
	switch step.Action {
	case ActionCodeSpec:
		name := stringArg(args, "name")
		if _, err := st.InsertCodeSpec(ctx, &ir.CodeSpec{Name: name, Properties: ir.Object{}}); err != nil {
			return nil, err
		}
		return map[string]any{"name": name}, nil

	case ActionInsert:
		return h.insert(ctx, st, args)

	case ActionUpdate:
		return h.update(ctx, st, args)

	case ActionDelete:
		label := stringArg(args, "label")
		el, err := findElement(ctx, st, label)
		if err != nil {
			return nil, err
		}
		if err := st.DeleteElement(ctx, el.ID); err != nil {
			return nil, err
		}
		return map[string]any{"label": label}, nil

	case ActionSave:
		return nil, st.SaveChanges(ctx, stringArg(args, "message"))

	case ActionAbandon:
		return nil, st.AbandonChanges()

	case ActionPush:
		var describe func() string
		if msg := stringArg(args, "message"); msg != "" {
			describe = func() string { return msg }
		}
		res, err := h.sync.Push(ctx, r, describe)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pushed": res.Pushed, "index": res.Index}, nil

	case ActionPull:
		res, err := h.sync.Pull(ctx, r)
		if err != nil {
			return nil, err
		}
		return map[string]any{"applied": res.Applied, "index": res.Index}, nil

	case ActionImportSchema:
		schemas, err := schema.CompileFile(stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		changed, err := st.ImportSchemas(ctx, schemas...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"changed": changed}, nil

	case ActionPolicy:
		p, err := concurrency.ParsePolicy(stringArg(args, "policy"))
		if err != nil {
			return nil, err
		}
		return nil, r.Controller().SetPolicy(p)
	}
	return nil, fmt.Errorf("unknown action %q", step.Action)
}

func (h *Harness) insert(ctx context.Context, st *store.Store, args map[string]any) (map[string]any, error) {
	label := stringArg(args, "label")
	el := &ir.Element{
		ClassFullName: stringArg(args, "class"),
		ModelID:       ir.DictionaryModelID,
		UserLabel:     label,
	}
	if parent := stringArg(args, "parent"); parent != "" {
		p, err := findElement(ctx, st, parent)
		if err != nil {
			return nil, err
		}
		el.ParentID = p.ID
	}
	if value := stringArg(args, "code"); value != "" {
		spec, err := st.CodeSpecByName(ctx, stringArg(args, "code_spec"))
		if err != nil {
			return nil, err
		}
		el.Code = ir.Code{SpecID: spec.ID, ScopeID: ir.DictionaryModelID, Value: value}
	}
	props, err := objectArg(args, "properties")
	if err != nil {
		return nil, err
	}
	el.Properties = props
	if _, err := st.InsertElement(ctx, el); err != nil {
		return nil, err
	}
	return map[string]any{"label": label}, nil
}

func (h *Harness) update(ctx context.Context, st *store.Store, args map[string]any) (map[string]any, error) {
	label := stringArg(args, "label")
	el, err := findElement(ctx, st, label)
	if err != nil {
		return nil, err
	}
	if relabel := stringArg(args, "set_label"); relabel != "" {
		el.UserLabel = relabel
		label = relabel
	}
	if value, ok := args["code"].(string); ok {
		el.Code.Value = value
	}
	props, err := objectArg(args, "properties")
	if err != nil {
		return nil, err
	}
	if len(props) > 0 {
		if el.Properties == nil {
			el.Properties = ir.Object{}
		}
		for k, v := range props {
			el.Properties[k] = v
		}
	}
	if err := st.UpdateElement(ctx, el); err != nil {
		return nil, err
	}
	return map[string]any{"label": label}, nil
}

// findElement returns the element with a user label. Labels are unique
// within a scenario.
func findElement(ctx context.Context, st *store.Store, label string) (*ir.Element, error) {
	ids, err := st.ElementIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		el, err := st.GetElement(ctx, id)
		if err != nil {
			return nil, err
		}
		if el.UserLabel == label {
			return el, nil
		}
	}
	return nil, ir.NewNotFound(ir.KindElement, ir.InvalidID, "no element labelled %q", label)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func objectArg(args map[string]any, key string) (ir.Object, error) {
	raw, ok := args[key]
	if !ok {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a map, got %T", key, raw)
	}
	return ir.ObjectFromMap(m)
}

// matchSubset compares every expected key against the actual result and
// describes each mismatch.
func matchSubset(expected, actual map[string]any) []string {
	var mismatches []string
	for _, k := range slices.Sorted(maps.Keys(expected)) {
		want := expected[k]
		got, ok := actual[k]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("result has no %q", k))
			continue
		}
		if fmt.Sprint(want) != fmt.Sprint(got) {
			mismatches = append(mismatches, fmt.Sprintf("result %q: expected %v, got %v", k, want, got))
		}
	}
	return mismatches
}
