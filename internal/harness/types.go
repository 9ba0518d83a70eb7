package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// TraceEvent records one executed flow step.
type TraceEvent struct {
	Step    int    `json:"step"`
	Replica string `json:"replica"`
	Action  string `json:"action"`
	// Outcome is OutcomeOK or an error code.
	Outcome string         `json:"outcome"`
	Result  map[string]any `json:"result,omitempty"`
}

// String renders the event as one trace line with result keys sorted.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s %s", e.Step, e.Replica, e.Action, e.Outcome)
	for _, k := range slices.Sorted(maps.Keys(e.Result)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Result[k])
	}
	return b.String()
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

// TraceText renders the trace one event per line.
func (r *Result) TraceText() []byte {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
