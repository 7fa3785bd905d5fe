package credentials

import (
	"fmt"
	"log/slog"
	"strings"

	clonecache "github.com/wolfeidau/clone-cache"
)

// Router selects the clone token for a repository locator.
type Router struct {
	routes   []CloneRoute
	fallback string // token used when no route matches
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for the router.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithFallbackToken sets the token returned when no route matches. Leaving
// it unset means unmatched repositories are cloned anonymously.
func WithFallbackToken(token string) RouterOption {
	return func(r *Router) {
		r.fallback = token
	}
}

// NewRouter creates a clone token router with the given routes.
//
// Validation rules:
//   - Only the last route may have Any: true
//   - Every other route requires a repo_prefix ending with "/" to prevent
//     ambiguous matching
//   - RepoPrefix values are normalized to lowercase
//   - Prefixes must not be duplicated
//
// Routes may be empty, and a catch-all is optional: a locator that matches
// no route resolves to the fallback token, which defaults to anonymous.
func NewRouter(routes []CloneRoute, opts ...RouterOption) (*Router, error) {
	r := &Router{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(routes) == 0 {
		return r, nil
	}

	// Validate and normalize routes.
	seenPrefixes := make(map[string]bool)
	normalized := make([]CloneRoute, len(routes))

	for i, route := range routes {
		isLast := i == len(routes)-1

		if route.Match.Any {
			if !isLast {
				return nil, fmt.Errorf("clone route %d: only the last route may have any: true", i)
			}
			normalized[i] = route
			continue
		}

		if route.Match.RepoPrefix == "" {
			return nil, fmt.Errorf("clone route %d: repo_prefix is required (or use any: true for catch-all)", i)
		}

		if !strings.HasSuffix(route.Match.RepoPrefix, "/") {
			return nil, fmt.Errorf("clone route %d: repo_prefix %q must end with /", i, route.Match.RepoPrefix)
		}

		// Normalize to lowercase for case-insensitive host matching.
		lowerPrefix := strings.ToLower(route.Match.RepoPrefix)

		if seenPrefixes[lowerPrefix] {
			return nil, fmt.Errorf("clone route %d: duplicate repo_prefix %q", i, route.Match.RepoPrefix)
		}
		seenPrefixes[lowerPrefix] = true

		normalized[i] = CloneRoute{
			Match: CloneRouteMatch{RepoPrefix: lowerPrefix},
			Token: route.Token,
		}
	}

	r.routes = normalized
	return r, nil
}

// TokenFor returns the token for the given repository locator, or the
// fallback token when no route matches.
//
// Matching runs against the normalized locator with the scheme removed, so
// "https://github.com/OrgA/Repo.git" and "ssh://git@github.com/orgA/repo"
// both match a "github.com/orga/" prefix. Scp-style locators keep their
// "user@host:path" form and match routes written the same way.
func (r *Router) TokenFor(locator string) string {
	if len(r.routes) == 0 {
		return r.fallback
	}

	repoKey := repoKey(locator)

	for _, route := range r.routes {
		if route.Match.Any {
			return route.Token
		}
		if strings.HasPrefix(repoKey, route.Match.RepoPrefix) {
			return route.Token
		}
	}

	return r.fallback
}

// repoKey reduces a locator to the lowercase host/path form routes match on.
func repoKey(locator string) string {
	norm := clonecache.NormalizeLocator(locator)
	if _, rest, ok := strings.Cut(norm, "://"); ok {
		norm = rest
	}
	return strings.ToLower(norm)
}
