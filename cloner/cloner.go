// Package cloner materializes repository clones into staging directories.
//
// The Executor interface isolates the rest of the cache from the clone
// mechanism; the production implementation shells into go-git, and tests
// substitute a Func that fabricates entry contents.
package cloner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	clonecache "github.com/wolfeidau/clone-cache"
)

// Spec describes a single clone operation. Credentials travel only in
// this in-memory struct and the resulting transport headers; they are
// never part of the URL and never logged.
type Spec struct {
	// URL is the credential-free locator to clone from. Local filesystem
	// paths are accepted as well as http(s) remotes.
	URL string

	// Ref is the branch or tag to clone. Empty or "HEAD" selects the
	// remote's default branch.
	Ref string

	// Dir is the destination directory. It must exist and be empty.
	Dir string

	// Credential is an optional token presented as the password of an
	// HTTP basic auth exchange.
	Credential string

	// Depth limits history depth. Zero clones the full history.
	Depth int
}

// Executor runs clone operations.
type Executor interface {
	Clone(ctx context.Context, spec Spec) error
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, spec Spec) error

func (f Func) Clone(ctx context.Context, spec Spec) error {
	return f(ctx, spec)
}

// defaultAuthUsername is the username presented alongside token
// credentials. GitHub (and most forges) only inspect the password field
// for token auth.
const defaultAuthUsername = "x-access-token"

// Git clones repositories with go-git. All network and local-path
// transports supported by go-git are available.
type Git struct {
	log      *slog.Logger
	username string
}

// GitOption configures a Git executor.
type GitOption func(*Git)

// WithLogger sets the logger used for clone progress.
func WithLogger(log *slog.Logger) GitOption {
	return func(g *Git) {
		g.log = log
	}
}

// WithAuthUsername overrides the username presented with token
// credentials, for forges that key on it (for example GitLab's "oauth2").
func WithAuthUsername(username string) GitOption {
	return func(g *Git) {
		g.username = username
	}
}

// NewGit creates the production go-git executor.
func NewGit(opts ...GitOption) *Git {
	g := &Git{
		log:      slog.Default(),
		username: defaultAuthUsername,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Clone clones spec.URL at spec.Ref into spec.Dir. Named refs are tried
// as a branch first and as a tag second, since callers pass bare names
// like "main" or "v1.2.3" without the refs/ prefix. Failures are mapped
// onto the cache error taxonomy.
func (g *Git) Clone(ctx context.Context, spec Spec) error {
	opts := &git.CloneOptions{
		URL:          spec.URL,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if spec.Depth > 0 {
		opts.Depth = spec.Depth
	}
	if spec.Credential != "" {
		opts.Auth = &githttp.BasicAuth{
			Username: g.username,
			Password: spec.Credential,
		}
	}

	ref := spec.Ref
	if ref == "" {
		ref = clonecache.DefaultRef
	}

	// Log the normalized form only, since the raw URL may embed
	// credentials.
	logURL := clonecache.NormalizeLocator(spec.URL)
	g.log.Debug("cloning repository", "url", logURL, "ref", ref, "dir", spec.Dir)

	if ref == clonecache.DefaultRef {
		// Leave ReferenceName unset so the remote's HEAD decides.
		_, err := git.PlainCloneContext(ctx, spec.Dir, false, opts)
		return g.finish(ctx, spec, err)
	}

	opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	_, err := git.PlainCloneContext(ctx, spec.Dir, false, opts)
	if err != nil && isUnknownRef(err) {
		g.log.Debug("ref is not a branch, retrying as tag", "url", logURL, "ref", ref)
		if cerr := clearDir(spec.Dir); cerr != nil {
			return fmt.Errorf("resetting clone directory: %w", cerr)
		}
		opts.ReferenceName = plumbing.NewTagReferenceName(ref)
		_, err = git.PlainCloneContext(ctx, spec.Dir, false, opts)
	}
	return g.finish(ctx, spec, err)
}

func (g *Git) finish(ctx context.Context, spec Spec, err error) error {
	if err == nil {
		return nil
	}
	// The clone context carries the operation deadline; if it expired the
	// underlying transport error is just noise.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: cloning %s", clonecache.ErrTimeout, clonecache.NormalizeLocator(spec.URL))
	}
	return classify(err)
}

// classify maps go-git failures onto the cache error taxonomy. Anything
// unrecognized is treated as a network failure, the retryable default.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", clonecache.ErrTimeout, err)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %v", clonecache.ErrAuth, err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, git.NoMatchingRefSpecError{}):
		return fmt.Errorf("%w: %v", clonecache.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", clonecache.ErrNetwork, err)
	}
}

// isUnknownRef reports whether err means the requested ref does not
// exist on the remote, which triggers the branch-then-tag fallback.
func isUnknownRef(err error) bool {
	return errors.Is(err, plumbing.ErrReferenceNotFound) ||
		errors.Is(err, git.NoMatchingRefSpecError{})
}

// clearDir removes the contents of dir without removing dir itself,
// which is owned by the storage backend.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Compile-time interface checks
var (
	_ Executor = (*Git)(nil)
	_ Executor = (Func)(nil)
)
