package satchel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

// recordingDoer captures requests and replays a scripted response.
type recordingDoer struct {
	requests []*http.Request
	bodies   []string
	status   int
	respBody string
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	body := ""
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	d.bodies = append(d.bodies, body)

	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	respBody := d.respBody
	if respBody == "" {
		respBody = "[]"
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(respBody)),
		Header:     make(http.Header),
	}, nil
}

func TestHTTPEndpoint_Insert(t *testing.T) {
	doer := &recordingDoer{}
	ep := NewHTTPEndpoint(RemoteConfig{
		BaseURL:    "https://api.example.org/rest/v1/",
		APIKey:     "secret",
		HTTPClient: doer,
	})

	err := ep.Insert(context.Background(), TableOfflineData, map[string]any{"id": "e1", "user_id": "user-1"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	req := doer.requests[0]
	if req.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if req.URL.String() != "https://api.example.org/rest/v1/offline_data" {
		t.Errorf("unexpected URL %s", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("expected bearer auth, got %q", got)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(doer.bodies[0]), &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent["user_id"] != "user-1" {
		t.Errorf("unexpected body %v", sent)
	}
}

func TestHTTPEndpoint_UpdateFilter(t *testing.T) {
	doer := &recordingDoer{}
	ep := NewHTTPEndpoint(RemoteConfig{BaseURL: "https://api.example.org", HTTPClient: doer})

	err := ep.Update(context.Background(), TableProfiles,
		map[string]string{"user_id": "user-1"},
		map[string]any{"total_points": 1250})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	req := doer.requests[0]
	if req.Method != http.MethodPatch {
		t.Errorf("expected PATCH, got %s", req.Method)
	}
	if got := req.URL.Query().Get("user_id"); got != "eq.user-1" {
		t.Errorf("expected user_id=eq.user-1, got %q", got)
	}
}

func TestHTTPEndpoint_FetchProfile(t *testing.T) {
	doer := &recordingDoer{respBody: `[{"user_id":"user-1","total_points":1250,"level":7}]`}
	ep := NewHTTPEndpoint(RemoteConfig{BaseURL: "https://api.example.org", HTTPClient: doer})

	p, err := ep.FetchProfile(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if p.TotalPoints != 1250 || p.Level != 7 {
		t.Errorf("unexpected profile %+v", p)
	}

	doer.respBody = "[]"
	if _, err := ep.FetchProfile(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty row set, got %v", err)
	}
}

func TestHTTPEndpoint_ErrorMapping(t *testing.T) {
	doer := &recordingDoer{status: http.StatusUnprocessableEntity}
	ep := NewHTTPEndpoint(RemoteConfig{BaseURL: "https://api.example.org", HTTPClient: doer})

	err := ep.Insert(context.Background(), TableOfflineData, map[string]any{})
	if err == nil {
		t.Fatalf("expected error for 422")
	}
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected *NetworkError, got %T", err)
	}
	if ne.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422, got %d", ne.StatusCode)
	}
	if !errors.Is(err, ErrRemoteRejected) {
		t.Errorf("expected ErrRemoteRejected in chain")
	}
	if IsRetryable(err) {
		t.Errorf("expected 422 to be non-retryable")
	}
}

func TestHTTPEndpoint_Compression(t *testing.T) {
	doer := &recordingDoer{}
	ep := NewHTTPEndpoint(RemoteConfig{
		BaseURL:           "https://api.example.org",
		EnableCompression: true,
		HTTPClient:        doer,
	})

	if err := ep.Insert(context.Background(), TableOfflineData, map[string]any{"id": "e1"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := doer.requests[0].Header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("expected gzip content encoding, got %q", got)
	}
}
