package ir

import "fmt"

// LockLevel orders lock strengths. A higher level satisfies a lower one.
type LockLevel uint8

const (
	LockNone LockLevel = iota
	LockShared
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockLevel(%d)", uint8(l))
	}
}

// LockObject names the kind of thing a lock covers.
type LockObject string

const (
	LockRepository LockObject = "Repository"
	LockModel      LockObject = "Model"
	LockElement    LockObject = "Element"
	LockCodeSpec   LockObject = "CodeSpec"
	LockSchema     LockObject = "Schema"
)

// Lock is a request for, or grant of, one lock.
type Lock struct {
	Object LockObject `json:"object"`
	ID     ID         `json:"id"`
	Level  LockLevel  `json:"level"`
}

// LockKey identifies the locked thing independent of level.
type LockKey struct {
	Object LockObject
	ID     ID
}

// Key returns the lock's key.
func (l Lock) Key() LockKey { return LockKey{Object: l.Object, ID: l.ID} }

func (l Lock) String() string {
	return fmt.Sprintf("%s %s %s", l.Level, l.Object, l.ID)
}

// SchemaLock is the replica-exclusive right to change schemas. Schema and
// repository locks are taken on the root subject id.
func SchemaLock() Lock {
	return Lock{Object: LockSchema, ID: RootSubjectID, Level: LockExclusive}
}

// RepositoryLock is the repository-wide lock every element or model lock
// implies.
func RepositoryLock(level LockLevel) Lock {
	return Lock{Object: LockRepository, ID: RootSubjectID, Level: level}
}

// Conflicts reports whether two replicas may not hold a and b at once: an
// exclusive lock excludes every other lock on the same object.
func (l Lock) Conflicts(other Lock) bool {
	if l.Key() != other.Key() || l.Level == LockNone || other.Level == LockNone {
		return false
	}
	return l.Level == LockExclusive || other.Level == LockExclusive
}
