// Package backend provides the on-disk storage layout for the clone cache:
// staging directories for in-progress clones, atomic promotion of finished
// clones to their final path, and per-entry manifest blobs used to rebuild
// the index on startup.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// ErrNotFound is returned when an entry or manifest does not exist.
var ErrNotFound = errors.New("not found")

// Backend defines the storage layout interface for cache entries.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Root returns the base directory of the backend.
	Root() string

	// Kind identifies the backend for logs and metrics ("ephemeral" or "shared").
	Kind() string

	// EntryPath returns the final directory path for a key, whether or not
	// the directory exists yet.
	EntryPath(key string) string

	// Stage creates a fresh, empty staging directory for a key. The staging
	// directory lives on the same filesystem as the final path so that
	// promotion can use atomic rename.
	Stage(ctx context.Context, key string) (string, error)

	// DiscardStaging removes a staging directory and everything under it.
	// Removing an already-removed directory is not an error.
	DiscardStaging(ctx context.Context, staging string) error

	// Promote makes a staged directory visible under the key's final path.
	// adopted reports that another process promoted the same key first; in
	// that case the staging directory has been discarded and path names the
	// winner's directory. On error the staging directory is left in place
	// for the caller to discard.
	Promote(ctx context.Context, staging, key string) (path string, adopted bool, err error)

	// RemoveEntry deletes the entry directory tree for a key.
	// Returns nil if the directory does not exist (idempotent).
	RemoveEntry(ctx context.Context, key string) error

	// EntryExists reports whether the final directory for a key exists.
	EntryExists(ctx context.Context, key string) (bool, error)

	// ListEntryKeys returns the keys of all entry directories on disk,
	// including ones no index knows about.
	ListEntryKeys(ctx context.Context) ([]string, error)

	// WriteManifest atomically stores the manifest blob for a key.
	WriteManifest(ctx context.Context, key string, data []byte) error

	// ReadManifest retrieves the manifest blob for a key.
	// Returns ErrNotFound if no manifest exists.
	ReadManifest(ctx context.Context, key string) ([]byte, error)

	// DeleteManifest removes the manifest blob for a key.
	// Returns nil if no manifest exists (idempotent).
	DeleteManifest(ctx context.Context, key string) error

	// ListManifestKeys returns the keys of all stored manifests.
	ListManifestKeys(ctx context.Context) ([]string, error)
}

// DirSize walks a directory tree and returns the total size in bytes of
// the regular files beneath it.
func DirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing directory %s: %w", path, err)
	}
	return total, nil
}
