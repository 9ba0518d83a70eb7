package ir

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID is a 64-bit entity identifier. The high 24 bits carry the number of the
// replica that allocated it and the low 40 bits a per-replica counter, so two
// replicas never hand out the same id.
type ID uint64

const (
	// InvalidID is the zero id; it never names an entity.
	InvalidID ID = 0

	// RootSubjectID is the root element of every repository.
	RootSubjectID ID = 0x1
	// RepositoryModelID is the model that contains the root subject. It is
	// modeled by the root subject itself.
	RepositoryModelID ID = 0x1
	// DictionaryModelID holds definition elements shared across the repository.
	DictionaryModelID ID = 0x10

	// FirstLocalID is the first counter value a replica allocates from.
	FirstLocalID uint64 = 0x100

	replicaShift = 40
	localMask    = (uint64(1) << replicaShift) - 1
	// MaxReplicaNumber bounds the numbers the hub may assign.
	MaxReplicaNumber uint32 = (1 << 24) - 1
)

// MakeID combines a replica number and a local counter value.
func MakeID(replica uint32, local uint64) ID {
	return ID(uint64(replica)<<replicaShift | (local & localMask))
}

// IsValid reports whether the id is non-zero.
func (id ID) IsValid() bool { return id != InvalidID }

// IsReserved reports whether the id is one of the fixed ids every repository
// is created with.
func (id ID) IsReserved() bool { return id.IsValid() && uint64(id) < FirstLocalID }

// Replica returns the number of the replica that allocated the id.
func (id ID) Replica() uint32 { return uint32(uint64(id) >> replicaShift) }

// Local returns the per-replica counter part of the id.
func (id ID) Local() uint64 { return uint64(id) & localMask }

// String renders the id as lower-case hex with a 0x prefix.
func (id ID) String() string {
	return "0x" + strconv.FormatUint(uint64(id), 16)
}

// ParseID parses the 0x-prefixed hex form produced by String.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return InvalidID, fmt.Errorf("parse id %q: missing 0x prefix", s)
	}
	n, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return InvalidID, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID(n), nil
}

// MustParseID is like ParseID but panics on error. Tests only.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// MarshalJSON renders the id as a hex string; InvalidID renders as "0".
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.IsValid() {
		return []byte(`"0"`), nil
	}
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts the hex string form, "0", or an empty string.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id must be a hex string: %w", err)
	}
	if s == "" || s == "0" {
		*id = InvalidID
		return nil
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalText lets ids serve as JSON map keys.
func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText is the inverse of MarshalText.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer. Ids are stored as signed 64-bit integers;
// the conversion is lossless in both directions. InvalidID is stored as NULL.
func (id ID) Value() (driver.Value, error) {
	if !id.IsValid() {
		return nil, nil
	}
	return int64(id), nil
}

// Scan implements sql.Scanner. NULL scans to InvalidID.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = InvalidID
	case int64:
		*id = ID(uint64(v))
	default:
		return fmt.Errorf("scan id: unsupported type %T", src)
	}
	return nil
}
