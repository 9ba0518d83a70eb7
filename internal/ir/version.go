package ir

// Version constants for persisted formats.
const (
	// ChangeSetFormat is the version of the encoded changeset payload.
	ChangeSetFormat = "1"

	// EngineVersion is the briefsync engine version.
	EngineVersion = "0.1.0"
)
