package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/briefsync/internal/changeset"
	"github.com/roach88/briefsync/internal/ir"
)

// Mode tells full exports from incremental ones.
type Mode string

const (
	ModeFull    Mode = "full"
	ModeChanges Mode = "changes"
)

// KindCounts counts the planned operations of one kind.
type KindCounts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// Anomaly is a recovered problem met while planning.
type Anomaly struct {
	Ref     ir.Ref `json:"ref"`
	Message string `json:"message"`
}

// Summary describes a planned export.
type Summary struct {
	Mode       Mode                   `json:"mode"`
	ChangeSets int                    `json:"changeSets,omitempty"`
	Counts     map[ir.Kind]KindCounts `json:"counts"`
	// Excluded counts entities left out by class filters, including
	// dependents of excluded entities.
	Excluded        int                       `json:"excluded"`
	Anomalies       []Anomaly                 `json:"anomalies,omitempty"`
	ChangedElements []changeset.ElementChange `json:"changedElements,omitempty"`
	ChangedModels   []ir.ID                   `json:"changedModels,omitempty"`
}

// Total returns the number of planned operations.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c.Inserted + c.Updated + c.Deleted
	}
	return n
}

// count adds delta to the planned count of op.
func (s *Summary) count(op Operation, delta int) {
	c := s.Counts[op.Kind]
	switch op.Op {
	case changeset.OpInsert:
		c.Inserted += delta
	case changeset.OpUpdate:
		c.Updated += delta
	case changeset.OpDelete:
		c.Deleted += delta
	}
	s.Counts[op.Kind] = c
}

// loadFunc reads the current source state of one entity.
type loadFunc func(ctx context.Context, kind ir.Kind, id ir.ID) (ir.Entity, error)

// Stream hands out planned operations one at a time, reading the entity of
// each insert or update from the source as it goes.
type Stream struct {
	load    loadFunc
	ops     []Operation
	pos     int
	summary Summary
}

// Next returns the next operation, or io.EOF after the last one. An entity
// that left the source after planning is reported as an anomaly and
// skipped.
func (s *Stream) Next(ctx context.Context) (Operation, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Operation{}, err
		}
		if s.pos >= len(s.ops) {
			return Operation{}, io.EOF
		}
		op := s.ops[s.pos]
		if op.Op == changeset.OpDelete {
			s.pos++
			return op, nil
		}
		e, err := s.load(ctx, op.Kind, op.ID)
		if ir.IsNotFound(err) {
			s.pos++
			s.summary.count(op, -1)
			s.summary.Anomalies = append(s.summary.Anomalies, Anomaly{Ref: op.Ref(), Message: "removed from the source during export"})
			slog.Warn("export anomaly", "ref", op.Ref().String(), "reason", "removed during export")
			continue
		}
		if err != nil {
			return Operation{}, fmt.Errorf("export %s: %w", op.Ref(), err)
		}
		s.pos++
		op.Entity = e
		return op, nil
	}
}

// Len returns the number of operations not yet handed out.
func (s *Stream) Len() int { return len(s.ops) - s.pos }

// Summary returns the counts and anomalies of the export.
func (s *Stream) Summary() Summary { return s.summary }

// Collect drains the stream.
func Collect(ctx context.Context, s *Stream) ([]Operation, error) {
	var out []Operation
	for {
		op, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, op)
	}
}

// node is what planning keeps of an entity: enough to order and filter it.
type node struct {
	class string
	deps  []ir.Ref
}

func nodeOf(e ir.Entity) node {
	return node{class: ir.ClassOf(e), deps: dependencies(e)}
}

type staged struct {
	op  changeset.Op
	ref ir.Ref
}

// plan accumulates the operations of one export before they are streamed.
type plan struct {
	x       *Exporter
	summary Summary

	specs   []staged
	aspects []staged
	rels    []staged
	graph   *depGraph
	ops     map[ir.Ref]changeset.Op
	nodes   map[ir.Ref]node

	out      []Operation
	excluded map[ir.Ref]bool
}

func (x *Exporter) newPlan(mode Mode) *plan {
	return &plan{
		x:        x,
		summary:  Summary{Mode: mode, Counts: map[ir.Kind]KindCounts{}},
		graph:    newDepGraph(),
		ops:      map[ir.Ref]changeset.Op{},
		nodes:    map[ir.Ref]node{},
		excluded: map[ir.Ref]bool{},
	}
}

// stage records e for ordering. e itself is not kept.
func (p *plan) stage(op changeset.Op, e ir.Entity) {
	ref := ir.RefOf(e)
	n := nodeOf(e)
	p.nodes[ref] = n
	s := staged{op: op, ref: ref}
	switch ref.Kind {
	case ir.KindCodeSpec:
		p.specs = append(p.specs, s)
	case ir.KindAspect:
		p.aspects = append(p.aspects, s)
	case ir.KindRelationship:
		p.rels = append(p.rels, s)
	default:
		p.graph.add(ref, n.deps)
		p.ops[ref] = op
	}
}

func (p *plan) anomaly(ref ir.Ref, msg string) {
	slog.Warn("export anomaly", "ref", ref.String(), "reason", msg)
	p.summary.Anomalies = append(p.summary.Anomalies, Anomaly{Ref: ref, Message: msg})
}

// finish orders the staged inserts and updates.
func (p *plan) finish(ctx context.Context, missing missingFunc) error {
	if err := p.graph.link(ctx, missing); err != nil {
		return err
	}
	order, err := p.graph.order()
	if err != nil {
		return err
	}
	for _, s := range p.specs {
		if err := p.emit(ctx, s.op, s.ref); err != nil {
			return err
		}
	}
	for _, ref := range order {
		if err := p.emit(ctx, p.ops[ref], ref); err != nil {
			return err
		}
	}
	for _, group := range [][]staged{p.aspects, p.rels} {
		for _, s := range group {
			if err := p.emit(ctx, s.op, s.ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// deletes appends the ordered deletions of the given prior states.
func (p *plan) deletes(ctx context.Context, before []ir.Entity) error {
	refs, err := OrderDeletes(before)
	if err != nil {
		return err
	}
	for _, e := range before {
		p.nodes[ir.RefOf(e)] = nodeOf(e)
	}
	for _, ref := range refs {
		skip, err := p.isExcluded(ctx, ref)
		if err != nil {
			return err
		}
		if skip {
			p.summary.Excluded++
			continue
		}
		p.append(Operation{Op: changeset.OpDelete, Kind: ref.Kind, ID: ref.ID})
	}
	return nil
}

func (p *plan) emit(ctx context.Context, op changeset.Op, ref ir.Ref) error {
	skip, err := p.isExcluded(ctx, ref)
	if err != nil {
		return err
	}
	if skip {
		slog.Debug("export excluded", "ref", ref.String(), "class", p.nodes[ref].class)
		p.summary.Excluded++
		return nil
	}
	p.append(Operation{Op: op, Kind: ref.Kind, ID: ref.ID})
	return nil
}

func (p *plan) append(op Operation) {
	p.summary.count(op, 1)
	p.out = append(p.out, op)
}

// isExcluded reports whether the entity is filtered out by class or depends
// on an entity that is. Entities outside the plan are read from the source;
// a missing one counts as not excluded.
func (p *plan) isExcluded(ctx context.Context, ref ir.Ref) (bool, error) {
	if v, ok := p.excluded[ref]; ok {
		return v, nil
	}
	n, ok := p.nodes[ref]
	if !ok {
		e, err := p.x.src.Get(ctx, ref.Kind, ref.ID)
		if ir.IsNotFound(err) {
			p.excluded[ref] = false
			return false, nil
		}
		if err != nil {
			return false, err
		}
		n = nodeOf(e)
	}
	out := p.x.classExcluded(n.class)
	p.excluded[ref] = out
	if !out && len(p.x.excluded) > 0 {
		for _, dep := range n.deps {
			ex, err := p.isExcluded(ctx, dep)
			if err != nil {
				return false, err
			}
			if ex {
				out = true
				break
			}
		}
	}
	p.excluded[ref] = out
	return out, nil
}

func (p *plan) stream() *Stream {
	slog.Info("export planned",
		"repo", p.x.src.RepositoryID(),
		"mode", p.summary.Mode,
		"operations", len(p.out),
		"excluded", p.summary.Excluded,
		"anomalies", len(p.summary.Anomalies))
	return &Stream{load: p.x.src.Get, ops: p.out, summary: p.summary}
}
