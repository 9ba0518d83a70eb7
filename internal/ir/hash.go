package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashes. The version suffix leaves room
// for an algorithm change.
const (
	DomainEntity    = "briefsync/entity/v1"
	DomainChangeSet = "briefsync/changeset/v1"
	DomainSchema    = "briefsync/schema/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum hashes the state of an entity. Ids that differ between source and
// target are part of the state, so the checksum is only meaningful for
// comparing two states of the same entity in the same repository.
func Checksum(e Entity) (string, error) {
	canonical, err := MarshalCanonical(entityObject(e))
	if err != nil {
		return "", fmt.Errorf("Checksum: failed to marshal %s: %w", RefOf(e), err)
	}
	return hashWithDomain(DomainEntity, canonical), nil
}

// MustChecksum is like Checksum but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustChecksum(e Entity) string {
	sum, err := Checksum(e)
	if err != nil {
		panic(err)
	}
	return sum
}

// ChangeSetID derives a changeset id from its parent id and encoded body.
func ChangeSetID(parentID string, body []byte) string {
	data := make([]byte, 0, len(parentID)+1+len(body))
	data = append(data, parentID...)
	data = append(data, 0x00)
	data = append(data, body...)
	return hashWithDomain(DomainChangeSet, data)
}

// SchemaChecksum hashes the source text of a schema.
func SchemaChecksum(name, source string) string {
	return hashWithDomain(DomainSchema, []byte(name+"\x00"+source))
}

// entityObject renders an entity as an Object with stable keys. LastMod is
// excluded so that a version bump alone does not change the checksum.
func entityObject(e Entity) Object {
	props := func(o Object) Value {
		if o == nil {
			return Object{}
		}
		return o
	}
	switch v := e.(type) {
	case *Element:
		return Object{
			"kind":           String(KindElement.String()),
			"class":          String(v.ClassFullName),
			"model":          String(v.ModelID.String()),
			"parent":         String(v.ParentID.String()),
			"codeSpec":       String(v.Code.SpecID.String()),
			"codeScope":      String(v.Code.ScopeID.String()),
			"codeValue":      String(v.Code.Value),
			"federationGuid": String(v.FederationGUID),
			"userLabel":      String(v.UserLabel),
			"props":          props(v.Properties),
		}
	case *Model:
		return Object{
			"kind":        String(KindModel.String()),
			"class":       String(v.ClassFullName),
			"parentModel": String(v.ParentModelID.String()),
			"private":     Bool(v.IsPrivate),
			"props":       props(v.Properties),
		}
	case *Aspect:
		return Object{
			"kind":    String(KindAspect.String()),
			"class":   String(v.ClassFullName),
			"element": String(v.ElementID.String()),
			"props":   props(v.Properties),
		}
	case *Relationship:
		return Object{
			"kind":   String(KindRelationship.String()),
			"class":  String(v.ClassFullName),
			"source": String(v.SourceID.String()),
			"target": String(v.TargetID.String()),
			"props":  props(v.Properties),
		}
	case *CodeSpec:
		return Object{
			"kind":  String(KindCodeSpec.String()),
			"name":  String(v.Name),
			"props": props(v.Properties),
		}
	default:
		return Object{"kind": String(fmt.Sprintf("%T", e))}
	}
}
