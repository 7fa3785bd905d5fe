package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	clonecache "github.com/wolfeidau/clone-cache"
	"github.com/wolfeidau/clone-cache/cache"
	"github.com/wolfeidau/clone-cache/evict"
	"github.com/wolfeidau/clone-cache/rawfetch"
	"github.com/wolfeidau/clone-cache/telemetry"
)

// maxRequestBody caps JSON request bodies (1MB).
const maxRequestBody = 1 << 20

type cloneRequest struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
	// Credential overrides the server's token routing for this request.
	// It is used for the clone transport only and never logged.
	Credential string `json:"credential,omitempty"`
}

type cloneResponse struct {
	Path string `json:"path"`
	Key  string `json:"key,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

type invalidateRequest struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
}

type statsResponse struct {
	Backend               string        `json:"backend"`
	BaseDirectory         string        `json:"base_directory"`
	MaxEntries            int           `json:"max_entries,omitempty"`
	MaxTotalBytes         int64         `json:"max_total_bytes,omitempty"`
	MaxAgeSeconds         int64         `json:"max_age_seconds,omitempty"`
	EntryCount            int           `json:"entry_count"`
	TotalBytes            int64         `json:"total_bytes"`
	OldestEntryAgeSeconds int64         `json:"oldest_entry_age_seconds"`
	LastSweep             *evict.Result `json:"last_sweep,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleClone resolves a repository to a local clone directory, cloning
// on a cache miss.
func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "clone")

	var req cloneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Repository == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("repository is required"))
		return
	}

	src, err := clonecache.ClassifySource(req.Repository)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	credential := req.Credential
	if credential == "" && !src.IsLocal() {
		credential = s.config.Tokens.TokenFor(src.Locator)
	}

	opts := []cache.RequestOption{}
	if req.Ref != "" {
		opts = append(opts, cache.WithRef(req.Ref))
	}
	if credential != "" {
		opts = append(opts, cache.WithCredential(credential))
	}

	path, err := s.config.Cache.GetOrClone(r.Context(), req.Repository, opts...)
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}

	resp := cloneResponse{Path: path}
	if !src.IsLocal() {
		ref := req.Ref
		if ref == "" {
			ref = clonecache.DefaultRef
		}
		resp.Key = clonecache.ResolveKey(src.Locator, ref).String()
		resp.Ref = ref
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleInvalidate removes a cached entry so its next request re-clones.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "invalidate")

	var req invalidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Repository == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("repository is required"))
		return
	}

	opts := []cache.RequestOption{}
	if req.Ref != "" {
		opts = append(opts, cache.WithRef(req.Ref))
	}

	if err := s.config.Cache.Invalidate(r.Context(), req.Repository, opts...); err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStats reports cache configuration and occupancy.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "stats")

	cfg := s.config.Cache.Config()
	stats := s.config.Cache.Stats()

	kind := "ephemeral"
	if cfg.UseSharedBackend {
		kind = "shared"
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Backend:               kind,
		BaseDirectory:         cfg.BaseDirectory,
		MaxEntries:            cfg.MaxEntries,
		MaxTotalBytes:         cfg.MaxTotalBytes,
		MaxAgeSeconds:         int64(cfg.MaxAge.Seconds()),
		EntryCount:            stats.Entries,
		TotalBytes:            stats.TotalBytes,
		OldestEntryAgeSeconds: int64(stats.OldestEntryAge.Seconds()),
		LastSweep:             s.config.Cache.LastSweep(),
	})
}

// handleEntries lists every cached entry.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "entries")

	writeJSON(w, http.StatusOK, s.config.Cache.Entries())
}

// handleFile serves a single file fetched straight from the repository
// host, bypassing the cache. The file is named either by a web URL
// (?url=https://github.com/owner/repo/blob/main/path) or by parts
// (?repo=owner/repo&path=...&ref=...&host=...).
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "file")

	q := r.URL.Query()

	var ref rawfetch.FileRef
	if u := q.Get("url"); u != "" {
		parsed, err := rawfetch.ParseFileURL(u)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		ref = parsed
	} else {
		owner, repo, ok := strings.Cut(q.Get("repo"), "/")
		if !ok || owner == "" || repo == "" {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("url or repo=owner/repo is required"))
			return
		}
		ref = rawfetch.FileRef{Host: q.Get("host"), Owner: owner, Repo: repo}
		if ref.Host == "" {
			ref.Host = "github.com"
		}
	}

	if v := q.Get("ref"); v != "" {
		ref.Ref = v
	}
	if v := q.Get("path"); v != "" {
		ref.Path = v
	}
	if ref.Path == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("file path is required"))
		return
	}

	token := s.config.Tokens.TokenFor(ref.RepoLocator())

	data, err := s.config.Files.Fetch(r.Context(), ref, token)
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}

	telemetry.SetCacheResult(r.Context(), telemetry.CacheBypass)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// decodeJSON decodes a size-capped JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response. Error strings never carry
// credentials; locators are normalized before they reach any error.
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFromError maps the failure taxonomy onto HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, clonecache.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, clonecache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, clonecache.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, clonecache.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, clonecache.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, clonecache.ErrCorruptedEntry):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
