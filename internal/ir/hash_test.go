package ir

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testElement() *Element {
	return &Element{
		ID:            MakeID(2, 0x100),
		ClassFullName: "Generic:PhysicalObject",
		ModelID:       MakeID(2, 0x101),
		Code:          Code{SpecID: 0x1, ScopeID: 0x1, Value: "W-1"},
		Properties:    Object{"color": String("red")},
		LastMod:       1,
	}
}

func TestChecksumDeterminism(t *testing.T) {
	a := MustChecksum(testElement())
	b := MustChecksum(testElement())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	_, err := hex.DecodeString(a)
	assert.NoError(t, err)
}

func TestChecksumIgnoresVersionAndID(t *testing.T) {
	base := testElement()
	bumped := testElement()
	bumped.LastMod = 9
	bumped.ID = MakeID(3, 0x555)

	assert.Equal(t, MustChecksum(base), MustChecksum(bumped))
}

func TestChecksumChangesWithState(t *testing.T) {
	base := testElement()
	changed := testElement()
	changed.Properties["color"] = String("blue")

	assert.NotEqual(t, MustChecksum(base), MustChecksum(changed))
}

func TestChecksumPerKind(t *testing.T) {
	entities := []Entity{
		&CodeSpec{ID: 0x2, Name: "Widgets"},
		&Model{ID: 0x20, ClassFullName: "Core:PhysicalModel", ModeledElementID: 0x20, ParentModelID: RepositoryModelID},
		&Aspect{ID: 0x30, ClassFullName: "Core:Note", ElementID: 0x20},
		&Relationship{ID: 0x40, ClassFullName: "Core:Refers", SourceID: 0x20, TargetID: 0x21},
		testElement(),
	}

	seen := map[string]bool{}
	for _, e := range entities {
		sum, err := Checksum(e)
		require.NoError(t, err)
		assert.False(t, seen[sum], "checksum collision for %s", RefOf(e))
		seen[sum] = true
	}
}

func TestChecksumRejectsNonFinite(t *testing.T) {
	e := testElement()
	e.Properties["bad"] = Float(posInf())

	_, err := Checksum(e)
	assert.Error(t, err)
	assert.Panics(t, func() { MustChecksum(e) })
}

func TestChangeSetIDDependsOnParent(t *testing.T) {
	body := []byte(`{"x":1}`)
	assert.Equal(t, ChangeSetID("", body), ChangeSetID("", body))
	assert.NotEqual(t, ChangeSetID("", body), ChangeSetID("abc", body))
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("same")
	assert.NotEqual(t, hashWithDomain(DomainEntity, data), hashWithDomain(DomainChangeSet, data))
	assert.NotEqual(t, SchemaChecksum("a", "b"), SchemaChecksum("ab", ""))
}

func posInf() float64 {
	var zero float64
	return 1 / zero
}
