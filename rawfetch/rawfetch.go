// Package rawfetch retrieves single files straight from a repository
// host's raw content endpoint. It is the fast path for callers that need
// one file rather than a working tree; nothing it fetches enters the
// clone cache.
package rawfetch

import (
	"fmt"
	"net/url"
	"strings"
)

// FileRef identifies a file within a hosted repository.
type FileRef struct {
	Host  string
	Owner string
	Repo  string
	// Ref is the branch, tag, or commit. Empty means the remote's default
	// branch.
	Ref string
	// Path is the repository-relative file path. Empty when the URL named
	// the repository itself.
	Path string
	// IsDir is set when the URL named a directory (a /tree/ form), which
	// cannot be fetched as a file.
	IsDir bool
}

// RepoLocator returns the clone locator for the repository the file lives
// in. Credential routing matches against this form.
func (f FileRef) RepoLocator() string {
	return "https://" + f.Host + "/" + f.Owner + "/" + f.Repo
}

// ParseFileURL parses a repository web URL into a FileRef. It understands
// the /blob/, /raw/, and /tree/ forms as well as plain repository URLs:
//
//	https://github.com/owner/repo/blob/main/path/to/file.py
//	https://github.com/owner/repo/raw/main/path/to/file.py
//	https://github.com/owner/repo/tree/main/path/to/dir
//	https://github.com/owner/repo
//
// The scheme is optional. The ref is a single path segment, so branch
// names containing "/" are not resolvable from a web URL.
func ParseFileURL(rawURL string) (FileRef, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return FileRef{}, fmt.Errorf("empty repository URL")
	}

	var host, urlPath string
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return FileRef{}, fmt.Errorf("parsing repository URL: %w", err)
		}
		host = strings.ToLower(u.Hostname())
		urlPath = u.Path
	} else {
		var rest string
		host, rest, _ = strings.Cut(s, "/")
		host = strings.ToLower(host)
		urlPath = rest
	}

	segs := strings.Split(strings.Trim(urlPath, "/"), "/")
	if host == "" || !strings.Contains(host, ".") || len(segs) < 2 || segs[0] == "" || segs[1] == "" {
		return FileRef{}, fmt.Errorf("unrecognized repository URL %q", rawURL)
	}

	ref := FileRef{
		Host:  host,
		Owner: segs[0],
		Repo:  strings.TrimSuffix(segs[1], ".git"),
	}

	if len(segs) == 2 {
		return ref, nil
	}

	switch segs[2] {
	case "blob", "raw":
	case "tree":
		ref.IsDir = true
	default:
		return FileRef{}, fmt.Errorf("unsupported repository URL form %q", rawURL)
	}

	if len(segs) < 5 {
		return FileRef{}, fmt.Errorf("repository URL %q has no file path", rawURL)
	}

	ref.Ref = segs[3]
	ref.Path = strings.Join(segs[4:], "/")
	return ref, nil
}
