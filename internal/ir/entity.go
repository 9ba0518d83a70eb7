package ir

import "fmt"

// Kind enumerates the five entity kinds a repository holds. The declaration
// order is the export order for inserts and updates.
type Kind uint8

const (
	KindCodeSpec Kind = iota + 1
	KindElement
	KindModel
	KindAspect
	KindRelationship
)

// Kinds lists every entity kind in export order.
var Kinds = []Kind{KindCodeSpec, KindElement, KindModel, KindAspect, KindRelationship}

// String returns the kind name used in provenance records and error messages.
func (k Kind) String() string {
	switch k {
	case KindCodeSpec:
		return "CodeSpec"
	case KindElement:
		return "Element"
	case KindModel:
		return "Model"
	case KindAspect:
		return "ElementAspect"
	case KindRelationship:
		return "Relationship"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Code is the (spec, scope, value) triple naming an element. An element with
// an empty value has no code and is exempt from uniqueness.
type Code struct {
	SpecID  ID     `json:"spec"`
	ScopeID ID     `json:"scope"`
	Value   string `json:"value,omitempty"`
}

// IsEmpty reports whether the code carries no value.
func (c Code) IsEmpty() bool { return c.Value == "" }

// String renders the code for logs and conflict messages.
func (c Code) String() string {
	return fmt.Sprintf("%s/%s/%q", c.SpecID, c.ScopeID, c.Value)
}

// Entity is the closed set of things a repository stores: *CodeSpec,
// *Element, *Model, *Aspect and *Relationship. Code that dispatches on it uses
// a type switch with a default branch returning an error.
type Entity interface {
	EntityKind() Kind
	EntityID() ID
	isEntity()
}

// Element is a node of the entity graph.
type Element struct {
	ID             ID     `json:"id"`
	ClassFullName  string `json:"classFullName"`
	ModelID        ID     `json:"model"`
	ParentID       ID     `json:"parent,omitempty"`
	Code           Code   `json:"code"`
	FederationGUID string `json:"federationGuid,omitempty"`
	UserLabel      string `json:"userLabel,omitempty"`
	Properties     Object `json:"jsonProperties,omitempty"`
	// LastMod is a per-element version counter bumped on every update.
	LastMod int64 `json:"lastMod"`
}

func (*Element) isEntity() {}
func (*Element) EntityKind() Kind { return KindElement }
func (e *Element) EntityID() ID { return e.ID }

// Model is a container of elements. A model shares its id with the element it
// models.
type Model struct {
	ID               ID     `json:"id"`
	ClassFullName    string `json:"classFullName"`
	ModeledElementID ID     `json:"modeledElement"`
	ParentModelID    ID     `json:"parentModel"`
	IsPrivate        bool   `json:"isPrivate,omitempty"`
	Properties       Object `json:"jsonProperties,omitempty"`
}

func (*Model) isEntity() {}
func (*Model) EntityKind() Kind { return KindModel }
func (m *Model) EntityID() ID { return m.ID }

// Aspect is a property bag owned by one element.
type Aspect struct {
	ID            ID     `json:"id"`
	ClassFullName string `json:"classFullName"`
	ElementID     ID     `json:"element"`
	Properties    Object `json:"properties,omitempty"`
}

func (*Aspect) isEntity() {}
func (*Aspect) EntityKind() Kind { return KindAspect }
func (a *Aspect) EntityID() ID { return a.ID }

// Relationship is a typed directed edge between two elements.
type Relationship struct {
	ID            ID     `json:"id"`
	ClassFullName string `json:"classFullName"`
	SourceID      ID     `json:"sourceId"`
	TargetID      ID     `json:"targetId"`
	Properties    Object `json:"properties,omitempty"`
}

func (*Relationship) isEntity() {}
func (*Relationship) EntityKind() Kind { return KindRelationship }
func (r *Relationship) EntityID() ID { return r.ID }

// CodeSpec defines a namespace for element codes.
type CodeSpec struct {
	ID         ID     `json:"id"`
	Name       string `json:"name"`
	Properties Object `json:"jsonProperties,omitempty"`
}

func (*CodeSpec) isEntity() {}
func (*CodeSpec) EntityKind() Kind { return KindCodeSpec }
func (c *CodeSpec) EntityID() ID { return c.ID }

// Clone returns a deep copy of an entity.
func Clone(e Entity) Entity {
	switch v := e.(type) {
	case *Element:
		c := *v
		c.Properties = v.Properties.Clone()
		return &c
	case *Model:
		c := *v
		c.Properties = v.Properties.Clone()
		return &c
	case *Aspect:
		c := *v
		c.Properties = v.Properties.Clone()
		return &c
	case *Relationship:
		c := *v
		c.Properties = v.Properties.Clone()
		return &c
	case *CodeSpec:
		c := *v
		c.Properties = v.Properties.Clone()
		return &c
	default:
		panic(fmt.Sprintf("ir.Clone: unknown entity type %T", e))
	}
}

// ClassOf returns the class full name of an entity, or "" for code specs.
func ClassOf(e Entity) string {
	switch v := e.(type) {
	case *Element:
		return v.ClassFullName
	case *Model:
		return v.ClassFullName
	case *Aspect:
		return v.ClassFullName
	case *Relationship:
		return v.ClassFullName
	default:
		return ""
	}
}

// Ref names one entity without carrying its state.
type Ref struct {
	Kind Kind `json:"kind"`
	ID   ID   `json:"id"`
}

// String renders the ref as "Element 0x20".
func (r Ref) String() string { return r.Kind.String() + " " + r.ID.String() }

// RefOf returns the ref naming e.
func RefOf(e Entity) Ref { return Ref{Kind: e.EntityKind(), ID: e.EntityID()} }
