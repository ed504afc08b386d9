// Package conformance provides a test harness for verifying the toonify HTTP contract:
// routes, status codes and the shape of success and error bodies.
package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toonify/toonify-api/internal/auth"
	"github.com/toonify/toonify-api/internal/identity"
	"github.com/toonify/toonify-api/internal/images"
	"github.com/toonify/toonify-api/internal/media"
	"github.com/toonify/toonify-api/internal/model"
	"github.com/toonify/toonify-api/internal/schema"
	"github.com/toonify/toonify-api/internal/server"
	"github.com/toonify/toonify-api/internal/session"
	"github.com/toonify/toonify-api/internal/storage"
)

// Harness provides a test harness for toonify conformance testing.
type Harness struct {
	server   *httptest.Server
	store    storage.Store
	sessions *session.Manager
	secret   string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// SessionSecret signs the tokens the harness mints for its requests
	SessionSecret string

	// CORSAllowedOrigins is passed through to the server
	CORSAllowedOrigins []string
}

// NewHarness creates a new conformance test harness backed by in-memory stores.
// The identity provider always refuses, so only locally minted sessions work.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()
	sessions := session.NewManager(cfg.SessionSecret, time.Hour)

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	assets := media.NewMemoryStore("https://assets.conformance.test")
	mux := server.NewMux(server.Options{
		Auth: auth.NewService(refusingProvider{}, store, sessions, nil, nil),
		Images: images.NewService(images.Options{
			Users:    store,
			Images:   store,
			Assets:   assets,
			Pipeline: failingRunner{store: store},
		}),
		Sessions:           sessions,
		Validator:          validator,
		Readiness:          map[string]func(context.Context) error{"store": store.Ping},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	return &Harness{
		server:   httptest.NewServer(mux),
		store:    store,
		sessions: sessions,
		secret:   cfg.SessionSecret,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.store.Close()
}

// refusingProvider rejects every grant as invalid.
type refusingProvider struct{}

func (refusingProvider) ExchangeCode(ctx context.Context, code string) (identity.Assertion, error) {
	return identity.Assertion{}, identity.ErrInvalidGrant
}

func (refusingProvider) ExchangeRefreshToken(ctx context.Context, rt, subject string) (identity.Assertion, error) {
	return identity.Assertion{}, identity.ErrInvalidGrant
}

// failingRunner fails every record so listings carry a failure reason.
type failingRunner struct{ store storage.ImageStore }

func (f failingRunner) Run(ctx context.Context, img model.Image) model.ImageStatus {
	reason := "transformation unavailable"
	if _, err := f.store.TransitionImage(ctx, img.ID, model.StatusUploaded, model.ImageUpdate{Status: model.StatusFailed, FailureReason: &reason}); err != nil {
		return img.Status
	}
	return model.StatusFailed
}

// RunConformanceTests runs all conformance tests against the toonify implementation.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("AuthRequired", h.testAuthRequired)
	t.Run("UploadContract", h.testUploadContract)
	t.Run("ListingContract", h.testListingContract)
}

func (h *Harness) session(t *testing.T, subject string, seed bool) string {
	t.Helper()
	if seed {
		if _, err := h.store.UpsertUser(context.Background(), subject, nil, "rt"); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	token, err := h.sessions.Issue(subject)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return token
}

func (h *Harness) do(t *testing.T, method, path, token, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// expectError checks status, code and the error envelope of a response.
func expectError(t *testing.T, resp *http.Response, body []byte, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Errorf("expected status %d, got %d (%s)", status, resp.StatusCode, body)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json error, got %q", ct)
	}
	var envelope map[string]map[string]string
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Errorf("error body is not an envelope: %s", body)
		return
	}
	e := envelope["error"]
	if e["code"] != code {
		t.Errorf("expected code %s, got %s", code, e["code"])
	}
	if e["message"] == "" {
		t.Error("error message is empty")
	}
	if e["correlationId"] == "" || e["correlationId"] != resp.Header.Get("X-Correlation-Id") {
		t.Errorf("correlationId %q does not match header %q", e["correlationId"], resp.Header.Get("X-Correlation-Id"))
	}
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, _ := h.do(t, http.MethodGet, path, "", "", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testErrorEnvelope checks that routing failures use the error envelope.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	resp, body := h.do(t, http.MethodGet, "/auth/exchange", "", "", "")
	expectError(t, resp, body, http.StatusBadRequest, "BadRequest")

	resp, body = h.do(t, http.MethodPost, "/auth/exchange", "", "application/json", `{"code":"x"}`)
	expectError(t, resp, body, http.StatusBadRequest, "BadRequest")

	resp, body = h.do(t, http.MethodPost, "/auth/exchange", "", "application/json", `{"authorizationCode":"x"}`)
	expectError(t, resp, body, http.StatusUnauthorized, "Unauthorized")
}

// testAuthRequired checks the session requirements of each protected route.
func (h *Harness) testAuthRequired(t *testing.T) {
	resp, body := h.do(t, http.MethodGet, "/images", "", "", "")
	expectError(t, resp, body, http.StatusUnauthorized, "InvalidToken")

	resp, body = h.do(t, http.MethodPost, "/auth/refresh", "", "", "")
	expectError(t, resp, body, http.StatusUnauthorized, "InvalidToken")

	expired, err := session.NewManager(h.secret, -time.Minute).Issue("conformance-expired")
	if err != nil {
		t.Fatalf("issue expired session: %v", err)
	}
	resp, body = h.do(t, http.MethodGet, "/images", expired, "", "")
	expectError(t, resp, body, http.StatusUnauthorized, "SessionExpired")

	// Refresh accepts the expired token but the subject has no account.
	resp, body = h.do(t, http.MethodPost, "/auth/refresh", expired, "", "")
	expectError(t, resp, body, http.StatusUnauthorized, "Unauthorized")
}

// testUploadContract checks upload rejection and success bodies.
func (h *Harness) testUploadContract(t *testing.T) {
	token := h.session(t, "conformance-upload", true)

	resp, body := h.do(t, http.MethodPost, "/images", token, "text/plain", "hello")
	expectError(t, resp, body, http.StatusBadRequest, "UploadRejected")

	resp, body = h.do(t, http.MethodPost, "/images", token, "image/png", "png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for upload, got %d (%s)", resp.StatusCode, body)
	}
	var up map[string]any
	if err := json.Unmarshal(body, &up); err != nil {
		t.Fatalf("decode upload body: %v", err)
	}
	if u, _ := up["url"].(string); !strings.HasPrefix(u, "https://") || len(up) != 1 {
		t.Errorf("upload body = %s, want only a url", body)
	}
}

// testListingContract checks the field names of the listing body.
func (h *Harness) testListingContract(t *testing.T) {
	token := h.session(t, "conformance-list", true)
	if resp, body := h.do(t, http.MethodPost, "/images", token, "image/jpeg", "jpeg"); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed upload failed: %d %s", resp.StatusCode, body)
	}

	resp, body := h.do(t, http.MethodGet, "/images", token, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for listing, got %d (%s)", resp.StatusCode, body)
	}
	var list struct {
		Images  []map[string]any `json:"images"`
		Credits *float64         `json:"credits"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if list.Credits == nil {
		t.Error("listing has no credits")
	}
	if len(list.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(list.Images))
	}
	for _, field := range []string{"id", "status", "prompt", "createdAt", "originalImageUrl", "processedImageUrl", "failureReason"} {
		if _, ok := list.Images[0][field]; !ok {
			t.Errorf("listing entry lacks %q: %v", field, list.Images[0])
		}
	}

	resp, body = h.do(t, http.MethodGet, "/images", h.session(t, "conformance-ghost", false), "", "")
	expectError(t, resp, body, http.StatusNotFound, "NotFound")
}
