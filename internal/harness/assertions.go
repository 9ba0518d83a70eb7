package harness

import (
	"context"
	"fmt"

	"github.com/roach88/briefsync/internal/ir"
)

// evaluate checks one assertion against the final state.
func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertElement:
		return h.assertElement(ctx, a)
	case AssertCount:
		return h.assertCount(ctx, a)
	case AssertIndex:
		return h.assertIndex(ctx, a)
	case AssertLocks:
		return h.assertLocks(ctx, a)
	case AssertChangeSets:
		return h.assertChangeSets(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertElement(ctx context.Context, a Assertion) error {
	st := h.replicas[a.Replica].Store()
	el, err := findElement(ctx, st, a.Label)
	wantExists := a.Exists == nil || *a.Exists
	switch {
	case ir.IsNotFound(err):
		if wantExists {
			return fmt.Errorf("%s has no element labelled %q", a.Replica, a.Label)
		}
		return nil
	case err != nil:
		return err
	case !wantExists:
		return fmt.Errorf("%s still has element labelled %q", a.Replica, a.Label)
	}

	if a.Class != "" && el.ClassFullName != a.Class {
		return fmt.Errorf("element %q has class %s, expected %s", a.Label, el.ClassFullName, a.Class)
	}
	if a.Code != "" && el.Code.Value != a.Code {
		return fmt.Errorf("element %q has code %q, expected %q", a.Label, el.Code.Value, a.Code)
	}
	return nil
}

func (h *Harness) assertCount(ctx context.Context, a Assertion) error {
	st := h.replicas[a.Replica].Store()
	ids, err := st.ElementIDs(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, id := range ids {
		el, err := st.GetElement(ctx, id)
		if err != nil {
			return err
		}
		if el.ClassFullName == a.Class {
			n++
		}
	}
	if n != *a.Count {
		return fmt.Errorf("%s has %d %s element(s), expected %d", a.Replica, n, a.Class, *a.Count)
	}
	return nil
}

func (h *Harness) assertIndex(ctx context.Context, a Assertion) error {
	index, _, err := h.replicas[a.Replica].Store().ParentChangeSet(ctx)
	if err != nil {
		return err
	}
	if index != *a.Index {
		return fmt.Errorf("%s is at index %d, expected %d", a.Replica, index, *a.Index)
	}
	return nil
}

// assertLocks checks the replica's lock mirror and the hub's record agree
// on the expected count.
func (h *Harness) assertLocks(ctx context.Context, a Assertion) error {
	st := h.replicas[a.Replica].Store()
	held, err := st.HeldLocks(ctx)
	if err != nil {
		return err
	}
	granted, err := h.hub.QueryLocks(ctx, h.repo, st.ReplicaNumber())
	if err != nil {
		return err
	}
	if len(held) != *a.Count {
		return fmt.Errorf("%s holds %d lock(s) %v, expected %d", a.Replica, len(held), held, *a.Count)
	}
	if len(granted) != *a.Count {
		return fmt.Errorf("hub grants %s %d lock(s) %v, expected %d", a.Replica, len(granted), granted, *a.Count)
	}
	return nil
}

func (h *Harness) assertChangeSets(ctx context.Context, a Assertion) error {
	entries, err := h.hub.GetChangeSets(ctx, h.repo, 0)
	if err != nil {
		return err
	}
	if len(entries) != *a.Count {
		return fmt.Errorf("hub has %d changeset(s), expected %d", len(entries), *a.Count)
	}
	return nil
}
