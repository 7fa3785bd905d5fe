package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	reposDir     = "repos"
	stagingDir   = "staging"
	manifestsDir = "manifests"

	manifestExt = ".json"
)

// layout holds the directory structure shared by both filesystem backends:
//
//	<root>/repos/<shard>/<key>    entry directory trees
//	<root>/staging/<key>-*        in-progress clone destinations
//	<root>/manifests/<key>.json   entry manifests
//
// Staging lives under the same root as repos so os.Rename never crosses a
// filesystem boundary.
type layout struct {
	root string
}

func newLayout(root string) (layout, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return layout{}, fmt.Errorf("resolving root path: %w", err)
	}
	for _, sub := range []string{reposDir, stagingDir, manifestsDir} {
		if err := os.MkdirAll(filepath.Join(absRoot, sub), 0o755); err != nil {
			return layout{}, fmt.Errorf("creating %s directory: %w", sub, err)
		}
	}
	return layout{root: absRoot}, nil
}

func (l layout) Root() string {
	return l.root
}

func (l layout) EntryPath(key string) string {
	return filepath.Join(l.root, reposDir, shard(key), key)
}

func shard(key string) string {
	if len(key) < 2 {
		return "__"
	}
	return key[:2]
}

func (l layout) Stage(_ context.Context, key string) (string, error) {
	dir, err := os.MkdirTemp(filepath.Join(l.root, stagingDir), key+"-*")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

func (l layout) DiscardStaging(_ context.Context, staging string) error {
	if staging == "" {
		return nil
	}
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("discarding staging directory: %w", err)
	}
	return nil
}

func (l layout) RemoveEntry(_ context.Context, key string) error {
	if err := os.RemoveAll(l.EntryPath(key)); err != nil {
		return fmt.Errorf("removing entry directory: %w", err)
	}
	return nil
}

func (l layout) EntryExists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.EntryPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking entry directory: %w", err)
}

func (l layout) ListEntryKeys(_ context.Context) ([]string, error) {
	shards, err := os.ReadDir(filepath.Join(l.root, reposDir))
	if err != nil {
		return nil, fmt.Errorf("listing repos directory: %w", err)
	}

	var keys []string
	for _, sh := range shards {
		if !sh.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(l.root, reposDir, sh.Name()))
		if err != nil {
			return nil, fmt.Errorf("listing shard %s: %w", sh.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				keys = append(keys, e.Name())
			}
		}
	}
	return keys, nil
}

// WriteManifest stores a manifest blob using the temp-file-and-rename
// pattern so readers never observe a partial write.
func (l layout) WriteManifest(_ context.Context, key string, data []byte) error {
	dir := filepath.Join(l.root, manifestsDir)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.manifestPath(key)); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func (l layout) ReadManifest(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.manifestPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return data, nil
}

func (l layout) DeleteManifest(_ context.Context, key string) error {
	err := os.Remove(l.manifestPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing manifest: %w", err)
	}
	return nil
}

func (l layout) ListManifestKeys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, manifestsDir))
	if err != nil {
		return nil, fmt.Errorf("listing manifests directory: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, manifestExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, manifestExt))
	}
	return keys, nil
}

func (l layout) manifestPath(key string) string {
	return filepath.Join(l.root, manifestsDir, key+manifestExt)
}

// Ephemeral is a process-local filesystem backend. Contents are lost on
// restart and no cross-process coordination is attempted.
type Ephemeral struct {
	layout
}

// NewEphemeral creates an ephemeral backend rooted at the given path,
// creating the directory tree if needed.
func NewEphemeral(root string) (*Ephemeral, error) {
	l, err := newLayout(root)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{layout: l}, nil
}

func (e *Ephemeral) Kind() string {
	return "ephemeral"
}

// Promote renames the staged directory into its final path. A pre-existing
// final directory can only be a leftover from an earlier crash, since the
// per-key lock guarantees no live owner in this process; it is removed and
// replaced.
func (e *Ephemeral) Promote(ctx context.Context, staging, key string) (string, bool, error) {
	final := e.EntryPath(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", false, fmt.Errorf("creating shard directory: %w", err)
	}

	if _, err := os.Stat(final); err == nil {
		if err := os.RemoveAll(final); err != nil {
			return "", false, fmt.Errorf("removing stale entry directory: %w", err)
		}
	}

	if err := os.Rename(staging, final); err != nil {
		return "", false, fmt.Errorf("promoting staging directory: %w", err)
	}
	return final, false, nil
}

// Shared is a filesystem backend on a pre-mounted durable path visible to
// multiple cache-owning processes. The only cross-process synchronization
// primitive relied upon is the filesystem's atomic rename.
type Shared struct {
	layout
}

// NewShared creates a shared backend rooted at the given path. The path
// must already exist; mounting it is the deployment's responsibility.
func NewShared(root string) (*Shared, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("shared mount %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("shared mount %s is not a directory", root)
	}
	l, err := newLayout(root)
	if err != nil {
		return nil, err
	}
	return &Shared{layout: l}, nil
}

func (s *Shared) Kind() string {
	return "shared"
}

// Promote renames the staged directory into its final path, handling the
// race where another process clones the same key concurrently. Existence
// is re-checked immediately before and after the rename attempt: whichever
// process renames first wins, and the loser discards its staging directory
// and adopts the winner's path.
func (s *Shared) Promote(ctx context.Context, staging, key string) (string, bool, error) {
	final := s.EntryPath(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", false, fmt.Errorf("creating shard directory: %w", err)
	}

	if _, err := os.Stat(final); err == nil {
		if err := s.DiscardStaging(ctx, staging); err != nil {
			return "", false, err
		}
		return final, true, nil
	}

	if err := os.Rename(staging, final); err != nil {
		// Rename onto a non-empty directory fails; if the final path exists
		// now, another process won the race between our check and rename.
		if _, statErr := os.Stat(final); statErr == nil {
			if derr := s.DiscardStaging(ctx, staging); derr != nil {
				return "", false, derr
			}
			return final, true, nil
		}
		return "", false, fmt.Errorf("promoting staging directory: %w", err)
	}
	return final, false, nil
}

// Compile-time interface checks
var (
	_ Backend = (*Ephemeral)(nil)
	_ Backend = (*Shared)(nil)
)
