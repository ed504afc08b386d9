// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	"github.com/toonify/toonify-api/internal/session"
	"github.com/toonify/toonify-api/internal/storage"
)

const testSecret = "mux-test-secret"

// stubProvider answers both grants with fixed results.
type stubProvider struct {
	code    identity.Assertion
	codeErr error
	refresh identity.Assertion
	err     error
}

func (s *stubProvider) ExchangeCode(ctx context.Context, code string) (identity.Assertion, error) {
	return s.code, s.codeErr
}

func (s *stubProvider) ExchangeRefreshToken(ctx context.Context, rt, subject string) (identity.Assertion, error) {
	return s.refresh, s.err
}

// completingRunner drives every record straight to COMPLETED.
type completingRunner struct{ store storage.ImageStore }

func (c completingRunner) Run(ctx context.Context, img model.Image) model.ImageStatus {
	key := "processed/" + img.Subject + "/done.png"
	if _, err := c.store.TransitionImage(ctx, img.ID, model.StatusUploaded, model.ImageUpdate{Status: model.StatusProcessing}); err != nil {
		return img.Status
	}
	if _, err := c.store.TransitionImage(ctx, img.ID, model.StatusProcessing, model.ImageUpdate{Status: model.StatusCompleted, ProcessedKey: &key}); err != nil {
		return model.StatusProcessing
	}
	return model.StatusCompleted
}

type testEnv struct {
	handler  http.Handler
	store    storage.Store
	provider *stubProvider
	sessions *session.Manager
	ready    error
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    storage.NewMemory(),
		provider: &stubProvider{},
		sessions: session.NewManager(testSecret, time.Hour),
	}
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	assets := media.NewMemoryStore("https://cdn.test")
	env.handler = NewMux(Options{
		Auth: auth.NewService(env.provider, env.store, env.sessions, nil, nil),
		Images: images.NewService(images.Options{
			Users:         env.store,
			Images:        env.store,
			Assets:        assets,
			Pipeline:      completingRunner{store: env.store},
			MaxUploadSize: 1 << 10,
		}),
		Sessions:  env.sessions,
		Validator: validator,
		Readiness: map[string]func(context.Context) error{
			"store": func(context.Context) error { return env.ready },
		},
		Assets:             assets,
		CORSAllowedOrigins: []string{"https://app.test"},
	})
	return env
}

func (e *testEnv) addUser(t *testing.T, subject string) string {
	t.Helper()
	if _, err := e.store.UpsertUser(context.Background(), subject, nil, "rt-"+subject); err != nil {
		t.Fatal(err)
	}
	token, err := e.sessions.Issue(subject)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (e *testEnv) do(method, path, token, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

type errorBody struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, status, rr.Body)
	}
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	if body.Error.CorrelationID == "" || body.Error.CorrelationID != rr.Header().Get("X-Correlation-Id") {
		t.Errorf("correlationId = %q, header %q", body.Error.CorrelationID, rr.Header().Get("X-Correlation-Id"))
	}
}

func TestHealthzEndpoint(t *testing.T) {
	env := newEnv(t)
	rr := env.do(http.MethodGet, "/healthz", "", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rr.Code, rr.Body)
	}
}

func TestReadyzEndpoint(t *testing.T) {
	env := newEnv(t)
	if rr := env.do(http.MethodGet, "/readyz", "", "", nil); rr.Code != http.StatusOK {
		t.Errorf("readyz = %d", rr.Code)
	}
	env.ready = errors.New("connection refused")
	rr := env.do(http.MethodGet, "/readyz", "", "", nil)
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "store") {
		t.Errorf("readyz = %d %q", rr.Code, rr.Body)
	}
}

func TestExchangeEndpoint(t *testing.T) {
	env := newEnv(t)
	email := "a@example.com"
	env.provider.code = identity.Assertion{Subject: "sub-1", Email: &email, RefreshToken: "rt-1"}

	rr := env.do(http.MethodPost, "/auth/exchange", "", "application/json", strings.NewReader(`{"authorizationCode":"c-1"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	var resp model.ExchangeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Subject != "sub-1" || resp.Email == nil || *resp.Email != email {
		t.Errorf("response = %+v", resp)
	}
	if sub, err := env.sessions.Verify(resp.SessionToken, false); err != nil || sub != "sub-1" {
		t.Errorf("session token: %q %v", sub, err)
	}
}

func TestExchangeEndpointErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		codeErr error
		status  int
		code    string
	}{
		{"missing code", `{}`, nil, http.StatusBadRequest, "BadRequest"},
		{"empty code", `{"authorizationCode":""}`, nil, http.StatusBadRequest, "BadRequest"},
		{"not json", `code=abc`, nil, http.StatusBadRequest, "BadRequest"},
		{"consumed code", `{"authorizationCode":"used"}`, identity.ErrInvalidGrant, http.StatusUnauthorized, "Unauthorized"},
		{"bad assertion", `{"authorizationCode":"c"}`, identity.ErrAssertionInvalid, http.StatusUnauthorized, "IdentityAssertionInvalid"},
		{"provider down", `{"authorizationCode":"c"}`, identity.ErrProviderUnreachable, http.StatusBadGateway, "ProviderUnreachable"},
		{"provider error", `{"authorizationCode":"c"}`, identity.ErrProviderRejected, http.StatusBadGateway, "ProviderRejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			env.provider.codeErr = tt.codeErr
			rr := env.do(http.MethodPost, "/auth/exchange", "", "application/json", strings.NewReader(tt.body))
			assertError(t, rr, tt.status, tt.code)
			if _, err := env.store.GetUser(context.Background(), "sub-1"); !errors.Is(err, storage.ErrNotFound) {
				t.Error("user row written on failed exchange")
			}
		})
	}
}

func TestRefreshEndpoint(t *testing.T) {
	env := newEnv(t)
	env.addUser(t, "sub-1")
	env.provider.refresh = identity.Assertion{Subject: "sub-1"}
	expired, err := session.NewManager(testSecret, -time.Minute).Issue("sub-1")
	if err != nil {
		t.Fatal(err)
	}

	rr := env.do(http.MethodPost, "/auth/refresh", expired, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	var resp model.RefreshResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, err := env.sessions.Verify(resp.SessionToken, false); err != nil {
		t.Errorf("new token does not verify: %v", err)
	}

	assertError(t, env.do(http.MethodPost, "/auth/refresh", "", "", nil), http.StatusUnauthorized, "InvalidToken")
	assertError(t, env.do(http.MethodPost, "/auth/refresh", "garbage", "", nil), http.StatusUnauthorized, "InvalidToken")

	env.provider.err = identity.ErrProviderUnreachable
	assertError(t, env.do(http.MethodPost, "/auth/refresh", expired, "", nil), http.StatusBadGateway, "ProviderUnreachable")

	env.provider.err = identity.ErrInvalidGrant
	assertError(t, env.do(http.MethodPost, "/auth/refresh", expired, "", nil), http.StatusUnauthorized, "Unauthorized")
	user, _ := env.store.GetUser(context.Background(), "sub-1")
	if user.RefreshToken != nil {
		t.Error("refresh token not cleared after invalid_grant")
	}
}

func TestImagesRequireSession(t *testing.T) {
	env := newEnv(t)
	assertError(t, env.do(http.MethodGet, "/images", "", "", nil), http.StatusUnauthorized, "InvalidToken")

	expired, err := session.NewManager(testSecret, -time.Minute).Issue("sub-1")
	if err != nil {
		t.Fatal(err)
	}
	assertError(t, env.do(http.MethodGet, "/images", expired, "", nil), http.StatusUnauthorized, "SessionExpired")
}

func TestUploadRejectsNonImage(t *testing.T) {
	env := newEnv(t)
	token := env.addUser(t, "sub-1")

	assertError(t, env.do(http.MethodPost, "/images", token, "text/plain", strings.NewReader("hello")), http.StatusBadRequest, "UploadRejected")
	assertError(t, env.do(http.MethodPost, "/images", token, "image/png", nil), http.StatusBadRequest, "UploadRejected")

	imgs, err := env.store.ListImages(context.Background(), "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(imgs) != 0 {
		t.Errorf("records created: %d", len(imgs))
	}
}

func TestUploadAndList(t *testing.T) {
	env := newEnv(t)
	token := env.addUser(t, "sub-1")

	rr := env.do(http.MethodPost, "/images?prompt=pixar", token, "image/png", bytes.NewReader([]byte("png")))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rr.Code, rr.Body)
	}
	var up model.UploadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &up); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(up.URL, "https://cdn.test/originals/sub-1/") {
		t.Errorf("url = %s", up.URL)
	}

	first := env.do(http.MethodGet, "/images", token, "", nil)
	second := env.do(http.MethodGet, "/images", token, "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", first.Code, first.Body)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("listing not byte-identical:\n%s\n%s", first.Body, second.Body)
	}

	var list model.ImageList
	if err := json.Unmarshal(first.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Images) != 1 {
		t.Fatalf("images = %d", len(list.Images))
	}
	got := list.Images[0]
	if got.Status != model.StatusCompleted || got.OriginalImageURL != up.URL || got.ProcessedImageURL == nil {
		t.Errorf("image = %+v", got)
	}
	if got.Prompt == nil || *got.Prompt != "pixar" {
		t.Errorf("prompt = %v", got.Prompt)
	}
}

func TestImagesUnknownSubject(t *testing.T) {
	env := newEnv(t)
	token, err := env.sessions.Issue("ghost")
	if err != nil {
		t.Fatal(err)
	}
	assertError(t, env.do(http.MethodGet, "/images", token, "", nil), http.StatusNotFound, "NotFound")
	assertError(t, env.do(http.MethodPost, "/images", token, "image/png", strings.NewReader("png")), http.StatusUnauthorized, "Unauthorized")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newEnv(t)
	rr := env.do(http.MethodGet, "/auth/exchange", "", "", nil)
	assertError(t, rr, http.StatusBadRequest, "BadRequest")
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}
}

func TestCORSAndCorrelationID(t *testing.T) {
	env := newEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/images", nil)
	req.Header.Set("Origin", "https://app.test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://app.test" {
		t.Errorf("preflight = %d, allow-origin %q", rr.Code, rr.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodOptions, "/images", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/images", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	var body errorBody
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if rr.Header().Get("X-Correlation-Id") != "corr-123" || body.Error.CorrelationID != "corr-123" {
		t.Errorf("correlation id not propagated: header %q body %q", rr.Header().Get("X-Correlation-Id"), body.Error.CorrelationID)
	}
}

func TestDevAssetsServed(t *testing.T) {
	env := newEnv(t)
	token := env.addUser(t, "sub-1")
	rr := env.do(http.MethodPost, "/images", token, "image/png", strings.NewReader("png-data"))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload = %d", rr.Code)
	}
	var up model.UploadResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &up)

	path := "/assets/" + strings.TrimPrefix(up.URL, "https://cdn.test/")
	got := env.do(http.MethodGet, path, "", "", nil)
	if got.Code != http.StatusOK || got.Body.String() != "png-data" || got.Header().Get("Content-Type") != "image/png" {
		t.Errorf("asset = %d %q %q", got.Code, got.Body, got.Header().Get("Content-Type"))
	}
}
