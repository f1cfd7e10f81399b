package satchel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaterialRef describes one downloadable asset attached to a content item.
// Ref is an opaque locator the content source understands (URL path, object
// key).
type MaterialRef struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Ref       string `json:"ref"`
	SizeBytes int64  `json:"size_bytes"`
}

// ContentManifest is what a content source serves for one content item:
// metadata, the inline payload, and references to material blobs.
type ContentManifest struct {
	ID        string          `json:"id"`
	Kind      ContentKind     `json:"kind"`
	Subject   string          `json:"subject"`
	Title     string          `json:"title"`
	Payload   json.RawMessage `json:"payload"`
	Materials []MaterialRef   `json:"materials"`
}

// ContentSource serves downloadable educational content. Implementations
// exist for plain HTTP catalogs and S3-compatible buckets.
type ContentSource interface {
	// FetchContent returns the manifest for one content item.
	FetchContent(ctx context.Context, id string) (ContentManifest, error)

	// OpenMaterial opens a material blob for reading. The returned size is
	// -1 when unknown; the caller must close the reader.
	OpenMaterial(ctx context.Context, ref string) (io.ReadCloser, int64, error)

	// ListSubject returns the content IDs available for a subject.
	ListSubject(ctx context.Context, subject string) ([]string, error)
}

// ContentSourceConfig configures the HTTP content source.
type ContentSourceConfig struct {
	// BaseURL of the content catalog, e.g. "https://cdn.example.org/catalog".
	BaseURL string `yaml:"base_url"`

	// Timeout per request. Default: 30s (material blobs can be large).
	Timeout time.Duration `yaml:"timeout"`

	// HTTPClient allows injecting a custom client for testing.
	HTTPClient HTTPDoer `yaml:"-"`
}

// HTTPContentSource fetches manifests and material blobs from an HTTP
// catalog: GET {base}/content/{id} for manifests, GET {base}/{ref} for
// blobs, GET {base}/subjects/{subject} for subject listings.
type HTTPContentSource struct {
	cfg    ContentSourceConfig
	client HTTPDoer
}

// NewHTTPContentSource creates an HTTP content source.
func NewHTTPContentSource(cfg ContentSourceConfig) *HTTPContentSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPContentSource{cfg: cfg, client: client}
}

func (s *HTTPContentSource) FetchContent(ctx context.Context, id string) (ContentManifest, error) {
	var manifest ContentManifest
	if err := s.getJSON(ctx, "content/"+id, &manifest); err != nil {
		return ContentManifest{}, err
	}
	if manifest.ID == "" {
		manifest.ID = id
	}
	return manifest, nil
}

func (s *HTTPContentSource) OpenMaterial(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	endpoint := ref
	if !strings.Contains(ref, "://") {
		endpoint = strings.TrimRight(s.cfg.BaseURL, "/") + "/" + strings.TrimLeft(ref, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, &NetworkError{Op: "download", Cause: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Op: "download", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &NetworkError{Op: "download", StatusCode: resp.StatusCode, Cause: fmt.Errorf("material %s", ref)}
	}
	return resp.Body, resp.ContentLength, nil
}

func (s *HTTPContentSource) ListSubject(ctx context.Context, subject string) ([]string, error) {
	var ids []string
	if err := s.getJSON(ctx, "subjects/"+subject, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *HTTPContentSource) getJSON(ctx context.Context, path string, out any) error {
	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &NetworkError{Op: "download", Cause: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "download", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &NetworkError{Op: "download", StatusCode: resp.StatusCode, Cause: fmt.Errorf("get %s", path)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: "download", Cause: fmt.Errorf("decode %s: %w", path, err)}
	}
	return nil
}
