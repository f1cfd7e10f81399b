package satchel

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer abstracts the HTTP client so tests can inject fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteEndpoint is the remote system of record. Satchel depends on nothing
// beyond a profiles-like resource addressable by user id and an append log
// for offline data; the concrete REST shape lives behind this interface.
type RemoteEndpoint interface {
	// Insert appends a record to a table.
	Insert(ctx context.Context, table string, record any) error

	// Update patches rows matching the equality filter.
	Update(ctx context.Context, table string, filter map[string]string, patch any) error

	// FetchProfile reads the learner's profile row.
	FetchProfile(ctx context.Context, userID string) (Profile, error)
}

// Remote table names used by the sync engine.
const (
	TableOfflineData  = "offline_data"
	TableProfiles     = "profiles"
	TableAchievements = "achievements"
)

// RemoteConfig configures the HTTP remote endpoint client.
type RemoteConfig struct {
	// BaseURL of the remote data API, e.g. "https://api.example.org/rest/v1".
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// Timeout per request. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`

	// EnableCompression gzips request bodies. Default: false.
	EnableCompression bool `yaml:"enable_compression"`

	// HTTPClient allows injecting a custom HTTP client for testing.
	// If nil, a default client is created with the configured timeout.
	HTTPClient HTTPDoer `yaml:"-"`
}

// HTTPEndpoint implements RemoteEndpoint against a REST-style data API:
// POST {base}/{table} for inserts, PATCH {base}/{table}?col=eq.val for
// updates, GET {base}/profiles?user_id=eq.{id} for profile reads.
type HTTPEndpoint struct {
	cfg    RemoteConfig
	client HTTPDoer
}

// NewHTTPEndpoint creates an HTTP remote endpoint client.
func NewHTTPEndpoint(cfg RemoteConfig) *HTTPEndpoint {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPEndpoint{cfg: cfg, client: client}
}

func (e *HTTPEndpoint) Insert(ctx context.Context, table string, record any) error {
	return e.send(ctx, http.MethodPost, table, nil, record, nil)
}

func (e *HTTPEndpoint) Update(ctx context.Context, table string, filter map[string]string, patch any) error {
	return e.send(ctx, http.MethodPatch, table, filter, patch, nil)
}

func (e *HTTPEndpoint) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	var rows []Profile
	err := e.send(ctx, http.MethodGet, TableProfiles, map[string]string{"user_id": userID}, nil, &rows)
	if err != nil {
		return Profile{}, err
	}
	if len(rows) == 0 {
		return Profile{}, ErrNotFound
	}
	return rows[0], nil
}

func (e *HTTPEndpoint) send(ctx context.Context, method, table string, filter map[string]string, body, out any) error {
	op := strings.ToLower(method) + " " + table

	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/" + table
	if len(filter) > 0 {
		q := url.Values{}
		for k, v := range filter {
			q.Set(k, "eq."+v)
		}
		endpoint += "?" + q.Encode()
	}

	var reader io.Reader
	var gzipped bool
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", table, err)
		}
		if e.cfg.EnableCompression {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
				reader = &buf
				gzipped = true
			} else {
				reader = bytes.NewReader(payload)
			}
		} else {
			reader = bytes.NewReader(payload)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &NetworkError{Op: op, Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if gzipped {
			req.Header.Set("Content-Encoding", "gzip")
		}
	}
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Cause: ErrRemoteRejected}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Op: op, Cause: fmt.Errorf("decode response: %w", err)}
		}
	} else {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	}
	return nil
}
