// Package server implements the HTTP handlers and routing for the toonify service.
// It exposes the auth exchange and refresh flows, image ingestion and listing,
// and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/toonify/toonify-api/internal/auth"
	"github.com/toonify/toonify-api/internal/config"
	errordefs "github.com/toonify/toonify-api/internal/errors"
	"github.com/toonify/toonify-api/internal/identity"
	"github.com/toonify/toonify-api/internal/images"
	"github.com/toonify/toonify-api/internal/metrics"
	"github.com/toonify/toonify-api/internal/model"
	"github.com/toonify/toonify-api/internal/schema"
	"github.com/toonify/toonify-api/internal/session"
	"github.com/toonify/toonify-api/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeySubject       ContextKey = "subject"       // Subject of the verified session token
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	correlationHeader = "X-Correlation-Id"
	maxJSONBody       = 64 << 10
)

var tracer = otel.Tracer("github.com/toonify/toonify-api/internal/server")

// Options wires a Mux.
type Options struct {
	Auth      *auth.Service
	Images    *images.Service
	Sessions  *session.Manager
	Validator *schema.Validator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Readiness maps a dependency name to its health check.
	Readiness map[string]func(context.Context) error
	// Assets, when set, serves stored objects under /assets/ (development only).
	Assets http.Handler

	CORSAllowedOrigins []string // Empty means deny all
}

// Mux handles HTTP requests for the toonify service.
type Mux struct {
	mux       *http.ServeMux
	auth      *auth.Service
	images    *images.Service
	sessions  *session.Manager
	validator *schema.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	readiness map[string]func(context.Context) error

	corsAllowedOrigins []string
}

// NewMux creates the HTTP handler with all toonify endpoints registered.
func NewMux(opts Options) http.Handler {
	m := &Mux{
		mux:                http.NewServeMux(),
		auth:               opts.Auth,
		images:             opts.Images,
		sessions:           opts.Sessions,
		validator:          opts.Validator,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		readiness:          opts.Readiness,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())
	if opts.Assets != nil {
		m.mux.Handle("/assets/", http.StripPrefix("/assets/", opts.Assets))
	}

	m.mux.HandleFunc("/auth/exchange", m.withMiddleware("/auth/exchange", m.method(m.handleExchange, http.MethodPost)))
	m.mux.HandleFunc("/auth/refresh", m.withMiddleware("/auth/refresh", m.method(m.handleRefresh, http.MethodPost)))
	m.mux.HandleFunc("/images", m.withMiddleware("/images", m.method(m.withSession(m.handleImages), http.MethodGet, http.MethodPost)))

	return m.mux
}

// method rejects requests whose method is not one of the expected ones.
func (m *Mux) method(h http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !slices.Contains(methods, r.Method) {
			w.Header().Set("Allow", strings.Join(methods, ", "))
			m.writeErrorDef(w, r, errordefs.New(errordefs.BadRequest, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation ids, request logging and metrics.
// route is the metric label; it never carries request-specific path segments.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set(correlationHeader, correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		duration := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
		m.logRequest(r, rec.status, duration, correlationID, rec.err)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowedOrigin := range m.corsAllowedOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			return true
		}
	}
	return false
}

// withSession requires a current (unexpired) session token and stores its subject.
func (m *Mux) withSession(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err == nil {
			var subject string
			subject, err = m.sessions.Verify(token, false)
			if err == nil {
				h(w, r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject)))
				return
			}
		}
		m.fail(w, r, err)
	}
}

var errMissingBearer = errors.New("missing or malformed Authorization header")

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingBearer
	}
	return strings.TrimSpace(token), nil
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(ContextKeySubject).(string)
	return s
}

func correlationIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return s
}

// toErrorDef maps a domain error onto the response taxonomy. Messages of
// server-side failures are not echoed to clients.
func toErrorDef(err error) *errordefs.Error {
	var def *errordefs.Error
	if errors.As(err, &def) {
		return def
	}

	code := errordefs.Internal
	switch {
	case errors.Is(err, errMissingBearer), errors.Is(err, session.ErrInvalidToken):
		code = errordefs.InvalidToken
	case errors.Is(err, session.ErrSessionExpired):
		code = errordefs.SessionExpired
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, identity.ErrInvalidGrant):
		code = errordefs.Unauthorized
	case errors.Is(err, identity.ErrAssertionInvalid):
		code = errordefs.IdentityAssertionInvalid
	case errors.Is(err, identity.ErrProviderUnreachable):
		code = errordefs.ProviderUnreachable
	case errors.Is(err, identity.ErrProviderRejected):
		code = errordefs.ProviderRejected
	case errors.Is(err, images.ErrUploadRejected):
		code = errordefs.UploadRejected
	case errors.Is(err, storage.ErrInsufficientCredits):
		code = errordefs.InsufficientCredits
	case errors.Is(err, storage.ErrNotFound):
		code = errordefs.NotFound
	case errors.Is(err, schema.ErrInvalid):
		code = errordefs.BadRequest
	case errors.Is(err, config.ErrConfiguration):
		code = errordefs.ConfigurationError
	}

	msg := err.Error()
	if errordefs.HTTPStatus(code) >= http.StatusInternalServerError && code != errordefs.ProviderUnreachable && code != errordefs.ProviderRejected {
		msg = "internal error"
	}
	return errordefs.New(code, msg, "")
}

// fail writes err as a taxonomy error and records it for the request log.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	m.writeErrorDef(w, r, toErrorDef(err))
}

// writeSuccess writes a JSON response body.
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeErrorDef writes an error response following the service error taxonomy.
func (m *Mux) writeErrorDef(w http.ResponseWriter, r *http.Request, err *errordefs.Error) {
	if err.CorrelationID == "" {
		err.CorrelationID = correlationIDFrom(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	if subject := subjectFrom(r.Context()); subject != "" {
		attrs = append(attrs, slog.String("subject", subject))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports not ready while any dependency check fails.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, check := range m.readiness {
		if err := check(ctx); err != nil {
			m.logger.Warn("readiness check failed", "dependency", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready: " + name))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleExchange handles POST /auth/exchange
func (m *Mux) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleExchange")
	defer span.End()
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		m.fail(w, r, errordefs.New(errordefs.BadRequest, "failed to read body", ""))
		return
	}
	if err := m.validator.Validate(schema.ExchangeRequest, body); err != nil {
		span.SetStatus(codes.Error, "invalid body")
		m.fail(w, r, err)
		return
	}
	var req model.ExchangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.fail(w, r, errordefs.New(errordefs.BadRequest, "invalid JSON", ""))
		return
	}

	resp, err := m.auth.Exchange(ctx, req.AuthorizationCode)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("subject", resp.Subject))
	m.writeSuccess(w, http.StatusOK, resp)
}

// handleRefresh handles POST /auth/refresh. The bearer token may be expired.
func (m *Mux) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleRefresh")
	defer span.End()

	token, err := bearerToken(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	resp, err := m.auth.Refresh(ctx, token)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, resp)
}

func (m *Mux) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		m.handleUpload(w, r)
		return
	}
	m.handleList(w, r)
}

// handleUpload handles POST /images with a raw image body.
func (m *Mux) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleUpload")
	defer span.End()
	defer r.Body.Close()

	subject := subjectFrom(ctx)
	resp, err := m.images.Ingest(ctx, images.Upload{
		Subject:     subject,
		ContentType: r.Header.Get("Content-Type"),
		Body:        r.Body,
		Prompt:      r.URL.Query().Get("prompt"),
	})
	if errors.Is(err, storage.ErrNotFound) {
		// A valid session for a subject with no account row.
		err = errordefs.New(errordefs.Unauthorized, "unknown subject", "")
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, resp)
}

// handleList handles GET /images
func (m *Mux) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleList")
	defer span.End()

	list, err := m.images.List(ctx, subjectFrom(ctx))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("images", len(list.Images)))
	m.writeSuccess(w, http.StatusOK, list)
}
