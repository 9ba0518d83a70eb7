package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/briefsync/internal/ir"
)

// marshalProps converts a property bag to canonical JSON TEXT for storage.
func marshalProps(props ir.Object) (string, error) {
	data, err := ir.MarshalCanonical(props)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(data), nil
}

// unmarshalProps is the inverse of marshalProps. An empty bag reads back as
// nil.
func unmarshalProps(text string) (ir.Object, error) {
	var obj ir.Object
	if err := obj.UnmarshalJSON([]byte(text)); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return obj, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const elementColumns = `id, class, model_id, parent_id, code_spec, code_scope, code_value,
	federation_guid, user_label, properties, last_mod`

func scanElement(row rowScanner) (*ir.Element, error) {
	var (
		e                         ir.Element
		codeValue, fedGUID, label sql.NullString
		props                     string
	)
	if err := row.Scan(&e.ID, &e.ClassFullName, &e.ModelID, &e.ParentID, &e.Code.SpecID, &e.Code.ScopeID,
		&codeValue, &fedGUID, &label, &props, &e.LastMod); err != nil {
		return nil, err
	}
	e.Code.Value = codeValue.String
	e.FederationGUID = fedGUID.String
	e.UserLabel = label.String
	obj, err := unmarshalProps(props)
	if err != nil {
		return nil, err
	}
	e.Properties = obj
	return &e, nil
}

const modelColumns = `id, class, parent_model_id, is_private, properties`

func scanModel(row rowScanner) (*ir.Model, error) {
	var (
		m     ir.Model
		props string
	)
	if err := row.Scan(&m.ID, &m.ClassFullName, &m.ParentModelID, &m.IsPrivate, &props); err != nil {
		return nil, err
	}
	m.ModeledElementID = m.ID
	obj, err := unmarshalProps(props)
	if err != nil {
		return nil, err
	}
	m.Properties = obj
	return &m, nil
}

const aspectColumns = `id, class, element_id, properties`

func scanAspect(row rowScanner) (*ir.Aspect, error) {
	var (
		a     ir.Aspect
		props string
	)
	if err := row.Scan(&a.ID, &a.ClassFullName, &a.ElementID, &props); err != nil {
		return nil, err
	}
	obj, err := unmarshalProps(props)
	if err != nil {
		return nil, err
	}
	a.Properties = obj
	return &a, nil
}

const relationshipColumns = `id, class, source_id, target_id, properties`

func scanRelationship(row rowScanner) (*ir.Relationship, error) {
	var (
		r     ir.Relationship
		props string
	)
	if err := row.Scan(&r.ID, &r.ClassFullName, &r.SourceID, &r.TargetID, &props); err != nil {
		return nil, err
	}
	obj, err := unmarshalProps(props)
	if err != nil {
		return nil, err
	}
	r.Properties = obj
	return &r, nil
}

const codeSpecColumns = `id, name, properties`

func scanCodeSpec(row rowScanner) (*ir.CodeSpec, error) {
	var (
		c     ir.CodeSpec
		props string
	)
	if err := row.Scan(&c.ID, &c.Name, &props); err != nil {
		return nil, err
	}
	obj, err := unmarshalProps(props)
	if err != nil {
		return nil, err
	}
	c.Properties = obj
	return &c, nil
}
