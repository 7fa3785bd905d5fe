package clonecache

import "errors"

// Failure taxonomy for cache operations. Clone failures are classified
// into exactly one of the first four categories by the executor; quota
// and corruption failures originate inside the cache itself.
var (
	// ErrAuth indicates the credential was missing or rejected by the remote.
	ErrAuth = errors.New("authentication failed")

	// ErrNotFound indicates the repository or ref does not exist.
	ErrNotFound = errors.New("repository or ref not found")

	// ErrNetwork indicates a transient connectivity failure.
	ErrNetwork = errors.New("network failure")

	// ErrTimeout indicates the clone exceeded its time budget.
	ErrTimeout = errors.New("clone timed out")

	// ErrQuotaExceeded indicates eviction could not free enough space for a
	// new entry even after a full pass. This is a configuration problem, not
	// a transient condition.
	ErrQuotaExceeded = errors.New("cache quota exceeded")

	// ErrCorruptedEntry indicates the index claimed an entry whose directory
	// is missing or unreadable. The entry has been invalidated; the next
	// request for its key re-clones.
	ErrCorruptedEntry = errors.New("corrupted cache entry")
)

// Retryable reports whether err is a transient failure the caller may retry
// with backoff. Auth and not-found failures are not retryable without
// changing the input.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
