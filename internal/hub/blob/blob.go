// Package blob stores changeset bytes for the hub. The ledger keeps the
// index and metadata; the bytes live here under "<repo>/<index>.cs" keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Driver identifies a blob backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverMemory     Driver = "memory"
	DriverS3         Driver = "s3"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("blob: not found")
	// ErrExists is returned by Put when the key is taken. Changesets are
	// immutable once uploaded.
	ErrExists = errors.New("blob: already exists")
)

// Store is a create-only key/value store for changeset bytes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Driver() Driver
}

// Config selects and configures a backend.
type Config struct {
	Driver Driver `yaml:"driver"`
	// Root is the directory of the fs driver.
	Root string `yaml:"root"`
	S3   S3Config `yaml:",inline"`
}

// Open returns the store cfg describes. The fs driver is the default.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.Root)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// ConfigFromEnv overlays BRIEFSYNC_BLOB_* variables on cfg:
//
//	BRIEFSYNC_BLOB_DRIVER      fs|memory|s3
//	BRIEFSYNC_BLOB_FS_ROOT     directory for fs
//	BRIEFSYNC_BLOB_S3_BUCKET   bucket for s3
//	BRIEFSYNC_BLOB_S3_REGION   region (default us-east-1)
//	BRIEFSYNC_BLOB_S3_ENDPOINT custom endpoint, e.g. MinIO
//	BRIEFSYNC_BLOB_S3_PATH_STYLE true|false
func ConfigFromEnv(cfg Config) Config {
	if v := os.Getenv("BRIEFSYNC_BLOB_DRIVER"); v != "" {
		cfg.Driver = Driver(v)
	}
	if v := os.Getenv("BRIEFSYNC_BLOB_FS_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("BRIEFSYNC_BLOB_S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("BRIEFSYNC_BLOB_S3_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("BRIEFSYNC_BLOB_S3_ENDPOINT"); v != "" {
		cfg.S3.Endpoint = v
	}
	if v := os.Getenv("BRIEFSYNC_BLOB_S3_PATH_STYLE"); v != "" {
		cfg.S3.PathStyle = strings.EqualFold(v, "true")
	}
	return cfg
}

// ChangeSetKey is the key of the changeset at index in repo.
func ChangeSetKey(repo string, index int64) string {
	return fmt.Sprintf("%s/%012d.cs", repo, index)
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("blob: empty key")
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("blob: invalid key %q", key)
	}
	return nil
}
