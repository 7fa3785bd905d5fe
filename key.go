// Package clonecache defines the core vocabulary of the repository clone
// cache: cache keys derived from repository locators, the local/remote
// source classification, and the failure taxonomy shared by all
// subpackages.
package clonecache

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a cache key in bytes (256 bits).
const KeySize = 32

// DefaultRef is the sentinel ref used when the caller does not name one,
// meaning the remote's default branch.
const DefaultRef = "HEAD"

// Key identifies a cache entry: the BLAKE3-256 digest of the normalized
// locator and ref. Identical locator+ref always yields the same key;
// distinct refs of the same locator yield distinct keys.
type Key [KeySize]byte

// ResolveKey derives the cache key for a repository locator and ref.
// An empty ref means DefaultRef. Pure function, no I/O.
func ResolveKey(locator, ref string) Key {
	if ref == "" {
		ref = DefaultRef
	}
	norm := NormalizeLocator(locator)
	return Key(blake3.Sum256([]byte(norm + "\n" + ref)))
}

// NormalizeLocator canonicalizes a repository locator for key derivation:
// embedded credentials, query string, and fragment are stripped, the
// scheme and host are lower-cased, and a trailing slash or ".git" suffix
// is trimmed. Locators that do not parse as URLs are trimmed the same way
// and otherwise keyed as given, which is still deterministic.
func NormalizeLocator(locator string) string {
	s := strings.TrimSpace(locator)

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return trimRepoPath(s)
	}

	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = trimRepoPath(u.Path)
	return u.String()
}

func trimRepoPath(p string) string {
	p = strings.TrimRight(p, "/")
	return strings.TrimSuffix(p, ".git")
}

// String returns the hex-encoded representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for display.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// Dir returns the first two hex characters of the key, used for sharding
// entry directories.
func (k Key) Dir() string {
	return hex.EncodeToString(k[:1])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded key string.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}
