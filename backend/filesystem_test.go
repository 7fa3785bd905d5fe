package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEphemeral(t *testing.T) *Ephemeral {
	t.Helper()
	be, err := NewEphemeral(t.TempDir())
	require.NoError(t, err)
	return be
}

func newTestShared(t *testing.T) *Shared {
	t.Helper()
	be, err := NewShared(t.TempDir())
	require.NoError(t, err)
	return be
}

// stageWithFile creates a staging directory for key containing a single file.
func stageWithFile(t *testing.T, be Backend, key, name, content string) string {
	t.Helper()
	staging, err := be.Stage(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staging, name), []byte(content), 0o644))
	return staging
}

func TestNewEphemeral(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "cache")

	be, err := NewEphemeral(root)
	require.NoError(t, err)

	require.Equal(t, root, be.Root())
	require.Equal(t, "ephemeral", be.Kind())

	// Layout directories were created
	for _, sub := range []string{"repos", "staging", "manifests"} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestNewShared(t *testing.T) {
	root := t.TempDir()

	be, err := NewShared(root)
	require.NoError(t, err)
	require.Equal(t, "shared", be.Kind())

	info, err := os.Stat(filepath.Join(root, "repos"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewShared_RequiresExistingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-mounted")

	_, err := NewShared(root)
	require.Error(t, err)
}

func TestNewShared_RootNotDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a-file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))

	_, err := NewShared(root)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a directory")
}

func TestEntryPathSharding(t *testing.T) {
	be := newTestEphemeral(t)

	p := be.EntryPath("ab12cd34")
	require.Equal(t, filepath.Join(be.Root(), "repos", "ab", "ab12cd34"), p)

	// Keys too short to shard fall into a catch-all directory
	p = be.EntryPath("a")
	require.Equal(t, filepath.Join(be.Root(), "repos", "__", "a"), p)
}

func TestStage(t *testing.T) {
	be := newTestEphemeral(t)

	staging, err := be.Stage(context.Background(), "ab12cd34")
	require.NoError(t, err)

	info, err := os.Stat(staging)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Staging directories live under <root>/staging and carry the key prefix
	require.Equal(t, filepath.Join(be.Root(), "staging"), filepath.Dir(staging))
	require.True(t, strings.HasPrefix(filepath.Base(staging), "ab12cd34-"))
}

func TestStage_DistinctDirectoriesPerCall(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()

	s1, err := be.Stage(ctx, "ab12cd34")
	require.NoError(t, err)
	s2, err := be.Stage(ctx, "ab12cd34")
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)
}

func TestDiscardStaging(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()

	staging := stageWithFile(t, be, "ab12cd34", "data.txt", "contents")

	require.NoError(t, be.DiscardStaging(ctx, staging))
	require.NoDirExists(t, staging)

	// Empty path is a no-op
	require.NoError(t, be.DiscardStaging(ctx, ""))
}

func TestEphemeralPromote(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()
	key := "ab12cd34"

	staging := stageWithFile(t, be, key, "HEAD", "ref: refs/heads/main")

	path, adopted, err := be.Promote(ctx, staging, key)
	require.NoError(t, err)
	require.False(t, adopted)
	require.Equal(t, be.EntryPath(key), path)

	// Staged contents moved into place, staging path is gone
	got, err := os.ReadFile(filepath.Join(path, "HEAD"))
	require.NoError(t, err)
	require.Equal(t, "ref: refs/heads/main", string(got))
	require.NoDirExists(t, staging)
}

func TestEphemeralPromote_ReplacesStaleEntry(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()
	key := "ab12cd34"

	// Simulate a leftover entry directory from a previous crash
	stale := be.EntryPath(key)
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "old.txt"), []byte("stale"), 0o644))

	staging := stageWithFile(t, be, key, "new.txt", "fresh")

	path, adopted, err := be.Promote(ctx, staging, key)
	require.NoError(t, err)
	require.False(t, adopted)

	_, err = os.Stat(filepath.Join(path, "old.txt"))
	require.True(t, os.IsNotExist(err))

	got, err := os.ReadFile(filepath.Join(path, "new.txt"))
	require.NoError(t, err)
	require.Equal(t, "fresh", string(got))
}

func TestSharedPromote(t *testing.T) {
	be := newTestShared(t)
	ctx := context.Background()
	key := "ab12cd34"

	staging := stageWithFile(t, be, key, "HEAD", "ref: refs/heads/main")

	path, adopted, err := be.Promote(ctx, staging, key)
	require.NoError(t, err)
	require.False(t, adopted)
	require.Equal(t, be.EntryPath(key), path)
	require.NoDirExists(t, staging)
}

func TestSharedPromote_AdoptsExistingEntry(t *testing.T) {
	be := newTestShared(t)
	ctx := context.Background()
	key := "ab12cd34"

	// Simulate another process having promoted the same key first
	winner := be.EntryPath(key)
	require.NoError(t, os.MkdirAll(winner, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(winner, "winner.txt"), []byte("theirs"), 0o644))

	staging := stageWithFile(t, be, key, "loser.txt", "ours")

	path, adopted, err := be.Promote(ctx, staging, key)
	require.NoError(t, err)
	require.True(t, adopted)
	require.Equal(t, winner, path)

	// The loser's staging directory is discarded and the winner's entry kept
	require.NoDirExists(t, staging)
	got, err := os.ReadFile(filepath.Join(path, "winner.txt"))
	require.NoError(t, err)
	require.Equal(t, "theirs", string(got))
	_, err = os.Stat(filepath.Join(path, "loser.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestRemoveEntry(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()
	key := "ab12cd34"

	staging := stageWithFile(t, be, key, "data.txt", "contents")
	path, _, err := be.Promote(ctx, staging, key)
	require.NoError(t, err)

	require.NoError(t, be.RemoveEntry(ctx, key))
	require.NoDirExists(t, path)

	// Removing an absent entry is not an error
	require.NoError(t, be.RemoveEntry(ctx, key))
}

func TestEntryExists(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()
	key := "ab12cd34"

	exists, err := be.EntryExists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	staging := stageWithFile(t, be, key, "data.txt", "contents")
	_, _, err = be.Promote(ctx, staging, key)
	require.NoError(t, err)

	exists, err = be.EntryExists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestListEntryKeys(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()

	keys, err := be.ListEntryKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	// Keys spanning multiple shard directories
	want := []string{"ab12cd34", "ab99ff00", "ff00aa11"}
	for _, key := range want {
		staging := stageWithFile(t, be, key, "data.txt", "contents")
		_, _, err := be.Promote(ctx, staging, key)
		require.NoError(t, err)
	}

	keys, err = be.ListEntryKeys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, want, keys)
}

func TestManifestWriteRead(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()
	key := "ab12cd34"
	data := []byte(`{"key":"ab12cd34","size_bytes":42}`)

	require.NoError(t, be.WriteManifest(ctx, key, data))

	got, err := be.ReadManifest(ctx, key)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestManifestOverwrite(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()
	key := "ab12cd34"

	require.NoError(t, be.WriteManifest(ctx, key, []byte("v1")))
	require.NoError(t, be.WriteManifest(ctx, key, []byte("v2")))

	got, err := be.ReadManifest(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
}

func TestManifestReadNotFound(t *testing.T) {
	be := newTestEphemeral(t)

	_, err := be.ReadManifest(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteManifest(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()
	key := "ab12cd34"

	require.NoError(t, be.WriteManifest(ctx, key, []byte("data")))
	require.NoError(t, be.DeleteManifest(ctx, key))

	_, err := be.ReadManifest(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent manifest is not an error
	require.NoError(t, be.DeleteManifest(ctx, key))
}

func TestListManifestKeys(t *testing.T) {
	be := newTestEphemeral(t)
	ctx := context.Background()

	require.NoError(t, be.WriteManifest(ctx, "ab12cd34", []byte("a")))
	require.NoError(t, be.WriteManifest(ctx, "ff00aa11", []byte("b")))

	// Abandoned temp files and stray files must be skipped
	manifests := filepath.Join(be.Root(), "manifests")
	require.NoError(t, os.WriteFile(filepath.Join(manifests, ".tmp-12345"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(manifests, "README"), []byte("stray"), 0o644))

	keys, err := be.ListManifestKeys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ab12cd34", "ff00aa11"}, keys)
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), make([]byte, 50), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep", "c.txt"), make([]byte, 25), 0o644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	require.EqualValues(t, 175, size)
}

func TestDirSize_Empty(t *testing.T) {
	size, err := DirSize(t.TempDir())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestDirSize_Missing(t *testing.T) {
	_, err := DirSize(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
