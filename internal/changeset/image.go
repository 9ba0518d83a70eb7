package changeset

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/briefsync/internal/ir"
)

// Image is the full state of one entity at a point in time, tagged with its
// kind so that it can be decoded back into the right variant.
type Image struct {
	Entity ir.Entity
}

type imageJSON struct {
	Kind   ir.Kind         `json:"kind"`
	Entity json.RawMessage `json:"entity"`
}

// Ref returns the ref naming the imaged entity.
func (img Image) Ref() ir.Ref { return ir.RefOf(img.Entity) }

// MarshalJSON implements json.Marshaler.
func (img Image) MarshalJSON() ([]byte, error) {
	if img.Entity == nil {
		return nil, fmt.Errorf("marshal image: nil entity")
	}
	body, err := json.Marshal(img.Entity)
	if err != nil {
		return nil, fmt.Errorf("marshal image %s: %w", ir.RefOf(img.Entity), err)
	}
	return json.Marshal(imageJSON{Kind: img.Entity.EntityKind(), Entity: body})
}

// UnmarshalJSON implements json.Unmarshaler.
func (img *Image) UnmarshalJSON(data []byte) error {
	var raw imageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal image: %w", err)
	}
	e, err := DecodeEntity(raw.Kind, raw.Entity)
	if err != nil {
		return err
	}
	img.Entity = e
	return nil
}

// EncodeEntity serializes an entity without its kind tag.
func EncodeEntity(e ir.Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ir.RefOf(e), err)
	}
	return data, nil
}

// DecodeEntity decodes an entity of a known kind.
func DecodeEntity(kind ir.Kind, data []byte) (ir.Entity, error) {
	var e ir.Entity
	switch kind {
	case ir.KindElement:
		e = &ir.Element{}
	case ir.KindModel:
		e = &ir.Model{}
	case ir.KindAspect:
		e = &ir.Aspect{}
	case ir.KindRelationship:
		e = &ir.Relationship{}
	case ir.KindCodeSpec:
		e = &ir.CodeSpec{}
	default:
		return nil, fmt.Errorf("decode entity: unknown kind %s", kind)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}
