package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/clone-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with per-operation metrics recording.
type InstrumentedBackend struct {
	backend Backend
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b}
}

func (ib *InstrumentedBackend) Root() string {
	return ib.backend.Root()
}

func (ib *InstrumentedBackend) Kind() string {
	return ib.backend.Kind()
}

func (ib *InstrumentedBackend) EntryPath(key string) string {
	return ib.backend.EntryPath(key)
}

func (ib *InstrumentedBackend) Stage(ctx context.Context, key string) (string, error) {
	start := time.Now()
	dir, err := ib.backend.Stage(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "stage", outcomeFromError(err), time.Since(start))
	return dir, err
}

func (ib *InstrumentedBackend) DiscardStaging(ctx context.Context, staging string) error {
	start := time.Now()
	err := ib.backend.DiscardStaging(ctx, staging)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "discard_staging", outcomeFromError(err), time.Since(start))
	return err
}

func (ib *InstrumentedBackend) Promote(ctx context.Context, staging, key string) (string, bool, error) {
	start := time.Now()
	path, adopted, err := ib.backend.Promote(ctx, staging, key)
	op := "promote"
	if adopted {
		op = "promote_adopted"
	}
	telemetry.RecordBackendOp(ctx, ib.Kind(), op, outcomeFromError(err), time.Since(start))
	return path, adopted, err
}

func (ib *InstrumentedBackend) RemoveEntry(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.RemoveEntry(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "remove_entry", outcomeFromError(err), time.Since(start))
	return err
}

func (ib *InstrumentedBackend) EntryExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.EntryExists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "entry_exists", outcomeFromError(err), time.Since(start))
	return exists, err
}

func (ib *InstrumentedBackend) ListEntryKeys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.ListEntryKeys(ctx)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "list_entries", outcomeFromError(err), time.Since(start))
	return keys, err
}

func (ib *InstrumentedBackend) WriteManifest(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := ib.backend.WriteManifest(ctx, key, data)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "write_manifest", outcomeFromError(err), time.Since(start))
	return err
}

func (ib *InstrumentedBackend) ReadManifest(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := ib.backend.ReadManifest(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "read_manifest", outcomeFromError(err), time.Since(start))
	return data, err
}

func (ib *InstrumentedBackend) DeleteManifest(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.DeleteManifest(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "delete_manifest", outcomeFromError(err), time.Since(start))
	return err
}

func (ib *InstrumentedBackend) ListManifestKeys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.ListManifestKeys(ctx)
	telemetry.RecordBackendOp(ctx, ib.Kind(), "list_manifests", outcomeFromError(err), time.Since(start))
	return keys, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// Compile-time interface check
var _ Backend = (*InstrumentedBackend)(nil)
