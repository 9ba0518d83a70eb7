package changeset

import (
	"strings"

	"github.com/roach88/briefsync/internal/ir"
)

// TypeOfChange flags what about an element changed.
type TypeOfChange uint8

const (
	// ChangeProperty covers class, code, label, federation guid and
	// properties other than geometry and placement.
	ChangeProperty TypeOfChange = 1 << iota
	ChangeGeometry
	ChangePlacement
	// ChangeIndirect marks an element whose aspects changed while its own
	// row did not.
	ChangeIndirect
	// ChangeHidden marks an update that touched only bookkeeping such as the
	// version counter.
	ChangeHidden
	ChangeParent
)

var changeNames = []struct {
	flag TypeOfChange
	name string
}{
	{ChangeProperty, "property"},
	{ChangeGeometry, "geometry"},
	{ChangePlacement, "placement"},
	{ChangeIndirect, "indirect"},
	{ChangeHidden, "hidden"},
	{ChangeParent, "parent"},
}

func (t TypeOfChange) String() string {
	if t == 0 {
		return "none"
	}
	var parts []string
	for _, n := range changeNames {
		if t&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every flag in f is set.
func (t TypeOfChange) Has(f TypeOfChange) bool { return t&f == f }

const (
	geometryKey  = "geometry"
	placementKey = "placement"
)

// Classify compares two states of one element.
func Classify(before, after *ir.Element) TypeOfChange {
	var t TypeOfChange
	if before.ParentID != after.ParentID || before.ModelID != after.ModelID {
		t |= ChangeParent
	}
	if before.ClassFullName != after.ClassFullName || before.Code != after.Code ||
		before.UserLabel != after.UserLabel || before.FederationGUID != after.FederationGUID {
		t |= ChangeProperty
	}
	if !valueEqual(before.Properties[geometryKey], after.Properties[geometryKey]) {
		t |= ChangeGeometry
	}
	if !valueEqual(before.Properties[placementKey], after.Properties[placementKey]) {
		t |= ChangePlacement
	}
	if !withoutKeys(before.Properties).Equal(withoutKeys(after.Properties)) {
		t |= ChangeProperty
	}
	if t == 0 {
		t = ChangeHidden
	}
	return t
}

func valueEqual(a, b ir.Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, errA := ir.MarshalCanonical(a)
	cb, errB := ir.MarshalCanonical(b)
	return errA == nil && errB == nil && string(ca) == string(cb)
}

func withoutKeys(o ir.Object) ir.Object {
	out := make(ir.Object, len(o))
	for k, v := range o {
		if k != geometryKey && k != placementKey {
			out[k] = v
		}
	}
	return out
}
