package clonecache

import (
	"fmt"
	"regexp"
	"strings"
)

// SourceKind discriminates the two shapes a repository identifier can take.
type SourceKind string

const (
	// SourceLocal is a directory already present on the local filesystem;
	// it is read in place and never enters the cache.
	SourceLocal SourceKind = "local"
	// SourceRemote is a repository locator that must be cloned through the
	// cache before it can be read.
	SourceRemote SourceKind = "remote"
)

// Source is a classified repository identifier. Classification happens once
// at the system boundary; everything downstream switches on Kind instead of
// re-testing the identifier's shape.
type Source struct {
	Kind SourceKind
	// Path is the filesystem directory, set for SourceLocal.
	Path string
	// Locator is the repository URL, set for SourceRemote.
	Locator string
}

var scpLikeRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9._-]+:`)

// ClassifySource classifies a raw repository identifier as either a local
// directory or a remote repository locator.
//
// Remote: http/https/git/ssh schemes, scp-like "user@host:path" forms, and
// bare "host.tld/path" forms whose first segment contains a dot.
// Local: file:// URLs, absolute paths, and "./" or "../" relative paths.
// Anything else is treated as a local path.
func ClassifySource(raw string) (Source, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Source{}, fmt.Errorf("empty repository identifier")
	}

	if rest, ok := strings.CutPrefix(s, "file://"); ok {
		if rest == "" {
			return Source{}, fmt.Errorf("file URL %q has no path", raw)
		}
		return Source{Kind: SourceLocal, Path: rest}, nil
	}

	lower := strings.ToLower(s)
	for _, scheme := range []string{"http://", "https://", "git://", "ssh://"} {
		if strings.HasPrefix(lower, scheme) {
			return Source{Kind: SourceRemote, Locator: s}, nil
		}
	}

	if scpLikeRe.MatchString(s) {
		return Source{Kind: SourceRemote, Locator: s}, nil
	}

	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") {
		return Source{Kind: SourceLocal, Path: s}, nil
	}

	// Bare "github.com/org/repo" style identifiers.
	if host, _, ok := strings.Cut(s, "/"); ok && strings.Contains(host, ".") {
		return Source{Kind: SourceRemote, Locator: "https://" + s}, nil
	}

	return Source{Kind: SourceLocal, Path: s}, nil
}

// String returns the canonical string form "kind:value".
func (s Source) String() string {
	switch s.Kind {
	case SourceLocal:
		return string(s.Kind) + ":" + s.Path
	case SourceRemote:
		return string(s.Kind) + ":" + s.Locator
	default:
		return string(s.Kind)
	}
}

// IsLocal reports whether the source is a local directory.
func (s Source) IsLocal() bool {
	return s.Kind == SourceLocal
}
