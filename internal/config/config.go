// Package config loads the briefsync YAML configuration file and applies
// BRIEFSYNC_* environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/briefsync/internal/concurrency"
	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/hub/blob"
	"github.com/roach88/briefsync/internal/ir"
	"github.com/roach88/briefsync/internal/transform"
)

// Defaults used when neither the file nor the environment sets a value.
const (
	DefaultHubURL    = "ws://localhost:7420"
	DefaultListen    = ":7420"
	DefaultLedgerDSN = "hub.db"
	DefaultBlobRoot  = "changesets"
)

// Config is the whole configuration file.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Replica   ReplicaConfig   `yaml:"replica"`
	Transform TransformConfig `yaml:"transform"`
}

// HubConfig holds both sides of the hub: URL for clients, the rest for
// "hub serve".
type HubConfig struct {
	URL    string           `yaml:"url"`
	Listen string           `yaml:"listen"`
	Ledger hub.LedgerConfig `yaml:"ledger"`
	Blobs  blob.Config      `yaml:"blobs"`
}

// ReplicaConfig holds defaults for commands working on a replica file.
type ReplicaConfig struct {
	Path   string `yaml:"path"`
	Policy string `yaml:"policy"`
}

// TransformConfig mirrors transform.Options in file form.
type TransformConfig struct {
	Scope                   string            `yaml:"scope"`
	DetectDeletes           bool              `yaml:"detect_deletes"`
	IncludeSourceProvenance bool              `yaml:"include_source_provenance"`
	FederationGUIDs         string            `yaml:"federation_guids"`
	ClassRemap              map[string]string `yaml:"class_remap"`
	CodeSpecRemap           map[string]string `yaml:"codespec_remap"`
	ExcludedClasses         []string          `yaml:"excluded_classes"`
}

// Default returns the configuration used without a file.
func Default() Config {
	return Config{
		Hub: HubConfig{
			URL:    DefaultHubURL,
			Listen: DefaultListen,
			Ledger: hub.LedgerConfig{Driver: hub.DriverSQLite, DSN: DefaultLedgerDSN},
			Blobs:  blob.Config{Driver: blob.DriverFilesystem, Root: DefaultBlobRoot},
		},
		Replica: ReplicaConfig{Policy: concurrency.Optimistic.String()},
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file; a missing file is an error only when optional is
// false.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist) && optional:
		case err != nil:
			return cfg, fmt.Errorf("load config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}
	cfg = FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// FromEnv overlays environment variables on cfg:
//
//	BRIEFSYNC_HUB_URL        hub websocket url
//	BRIEFSYNC_HUB_LISTEN     hub serve address
//	BRIEFSYNC_LEDGER_DRIVER  sqlite3|pgx
//	BRIEFSYNC_LEDGER_DSN     ledger database
//	BRIEFSYNC_REPLICA        replica file
//	BRIEFSYNC_POLICY         optimistic|pessimistic
//
// and the BRIEFSYNC_BLOB_* variables blob.ConfigFromEnv reads.
func FromEnv(cfg Config) Config {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Hub.URL, "BRIEFSYNC_HUB_URL")
	set(&cfg.Hub.Listen, "BRIEFSYNC_HUB_LISTEN")
	set(&cfg.Hub.Ledger.Driver, "BRIEFSYNC_LEDGER_DRIVER")
	set(&cfg.Hub.Ledger.DSN, "BRIEFSYNC_LEDGER_DSN")
	set(&cfg.Replica.Path, "BRIEFSYNC_REPLICA")
	set(&cfg.Replica.Policy, "BRIEFSYNC_POLICY")
	cfg.Hub.Blobs = blob.ConfigFromEnv(cfg.Hub.Blobs)
	return cfg
}

// Validate checks the values a command would otherwise trip over late.
func (c Config) Validate() error {
	switch c.Hub.Ledger.Driver {
	case "", hub.DriverSQLite, hub.DriverPostgres:
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Hub.Ledger.Driver)
	}
	switch c.Hub.Blobs.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Hub.Blobs.S3.Bucket == "" {
			return errors.New("s3 blobs need a bucket")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Hub.Blobs.Driver)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.Transform.Options(); err != nil {
		return err
	}
	return nil
}

// Policy parses the replica's concurrency policy.
func (c Config) Policy() (concurrency.Policy, error) {
	return concurrency.ParsePolicy(c.Replica.Policy)
}

// Options converts the file form into transform options.
func (t TransformConfig) Options() (transform.Options, error) {
	opts := transform.Options{
		ClassRemap:              t.ClassRemap,
		CodeSpecRemap:           t.CodeSpecRemap,
		FederationGUIDs:         transform.FederationGUIDPolicy(t.FederationGUIDs),
		DetectDeletes:           t.DetectDeletes,
		IncludeSourceProvenance: t.IncludeSourceProvenance,
		ExcludedClasses:         t.ExcludedClasses,
	}
	switch opts.FederationGUIDs {
	case "", transform.FederationGUIDsKeep, transform.FederationGUIDsClear:
	default:
		return opts, fmt.Errorf("unknown federation guid policy %q", t.FederationGUIDs)
	}
	if t.Scope != "" {
		id, err := ir.ParseID(t.Scope)
		if err != nil {
			return opts, fmt.Errorf("transform scope: %w", err)
		}
		opts.Scope = id
	}
	return opts, nil
}
