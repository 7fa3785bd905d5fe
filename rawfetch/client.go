package rawfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	clonecache "github.com/wolfeidau/clone-cache"
	"github.com/wolfeidau/clone-cache/telemetry"
)

const (
	// DefaultRawHost serves raw file content for github.com repositories.
	DefaultRawHost = "raw.githubusercontent.com"

	// DefaultTimeout is the default timeout for raw content requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxSize is the default cap on a fetched file (10MB).
	DefaultMaxSize = 10 << 20
)

// Client fetches raw file content from a repository host.
type Client struct {
	baseURL string
	client  *http.Client
	maxSize int64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the raw content base URL. When unset the base is
// derived from the file's host.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxSize sets the maximum file size accepted from the raw host.
func WithMaxSize(n int64) Option {
	return func(c *Client) {
		c.maxSize = n
	}
}

// NewClient creates a raw content client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		maxSize: DefaultMaxSize,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves a single file through the host's raw content endpoint.
// The credential, when non-empty, is sent as a bearer token and is never
// part of the URL. An empty FileRef.Ref fetches from the remote's default
// branch.
func (c *Client) Fetch(ctx context.Context, ref FileRef, credential string) ([]byte, error) {
	if ref.IsDir {
		return nil, fmt.Errorf("%s/%s names a directory, not a file", ref.RepoLocator(), ref.Path)
	}
	if ref.Owner == "" || ref.Repo == "" || ref.Path == "" {
		return nil, fmt.Errorf("incomplete file reference: owner, repo, and path are required")
	}

	gitRef := ref.Ref
	if gitRef == "" {
		gitRef = clonecache.DefaultRef
	}

	url := fmt.Sprintf("%s/%s/%s/%s/%s", c.rawBase(ref.Host), ref.Owner, ref.Repo, gitRef, ref.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyRequestError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: raw host returned %d for %s", clonecache.ErrAuth, resp.StatusCode, ref.RepoLocator())
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s at ref %s", clonecache.ErrNotFound, ref.Path, gitRef)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: raw host returned %d", clonecache.ErrNetwork, resp.StatusCode)
	default:
		return nil, fmt.Errorf("raw host returned %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, classifyRequestError(err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", c.maxSize)
	}

	return data, nil
}

// rawBase resolves the raw content base URL for a repository host.
// github.com content is served from a dedicated host; other forges use a
// raw subdomain.
func (c *Client) rawBase(host string) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if host == "" || strings.EqualFold(host, "github.com") {
		return "https://" + DefaultRawHost
	}
	return "https://raw." + strings.ToLower(host)
}

func classifyRequestError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", clonecache.ErrTimeout, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", clonecache.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", clonecache.ErrNetwork, err)
	}
}
