// Package auth turns identity provider credentials into session tokens:
// first login by authorization code and silent renewal by stored refresh token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/toonify/toonify-api/internal/identity"
	"github.com/toonify/toonify-api/internal/metrics"
	"github.com/toonify/toonify-api/internal/model"
	"github.com/toonify/toonify-api/internal/session"
	"github.com/toonify/toonify-api/internal/storage"
)

// ErrUnauthorized means the caller must sign in again: the subject is
// unknown or its refresh token is gone.
var ErrUnauthorized = errors.New("unauthorized")

var tracer = otel.Tracer("github.com/toonify/toonify-api/internal/auth")

// Exchanger is the identity provider side of both flows.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code string) (identity.Assertion, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken, expectedSubject string) (identity.Assertion, error)
}

// Service runs the exchange and refresh flows.
type Service struct {
	provider Exchanger
	users    storage.UserStore
	sessions *session.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService wires a Service. A nil logger or metrics falls back to defaults.
func NewService(provider Exchanger, users storage.UserStore, sessions *session.Manager, m *metrics.Metrics, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		users:    users,
		sessions: sessions,
		metrics:  m,
		logger:   logger,
	}
}

// Exchange signs a user in with a one-time authorization code. The user row
// is created with zero credits or has its refresh token overwritten.
func (s *Service) Exchange(ctx context.Context, code string) (*model.ExchangeResponse, error) {
	ctx, span := tracer.Start(ctx, "auth.Exchange")
	defer span.End()

	assertion, err := s.provider.ExchangeCode(ctx, code)
	s.observe("authorization_code", err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, identity.ErrInvalidGrant) {
			// Consumed or forged code. Nothing was written.
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("subject", assertion.Subject))

	user, err := s.users.UpsertUser(ctx, assertion.Subject, assertion.Email, assertion.RefreshToken)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to save user: %w", err)
	}

	token, err := s.sessions.Issue(user.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	s.logger.Info("user signed in", "subject", user.Subject)
	return &model.ExchangeResponse{
		SessionToken: token,
		Subject:      user.Subject,
		Email:        user.Email,
	}, nil
}

// Refresh renews a session from a token that may already be expired, using the
// refresh token stored for its subject. An invalid_grant clears the stored token
// so the user has to sign in again.
func (s *Service) Refresh(ctx context.Context, sessionToken string) (*model.RefreshResponse, error) {
	ctx, span := tracer.Start(ctx, "auth.Refresh")
	defer span.End()

	subject, err := s.sessions.Verify(sessionToken, true)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("subject", subject))
	logger := s.logger.With("subject", subject)

	user, err := s.users.GetUser(ctx, subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown subject", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.RefreshToken == nil || *user.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token on file", ErrUnauthorized)
	}
	stored := *user.RefreshToken

	assertion, err := s.provider.ExchangeRefreshToken(ctx, stored, subject)
	s.observe("refresh_token", err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, identity.ErrInvalidGrant) {
			if clearErr := s.users.SetRefreshToken(ctx, subject, nil); clearErr != nil {
				logger.Error("failed to clear revoked refresh token", "error", clearErr)
				return nil, fmt.Errorf("failed to clear refresh token: %w", clearErr)
			}
			logger.Warn("refresh token revoked by provider, cleared")
			return nil, fmt.Errorf("%w: refresh token revoked", ErrUnauthorized)
		}
		return nil, err
	}

	if assertion.RefreshToken != "" && assertion.RefreshToken != stored {
		rotated := assertion.RefreshToken
		if err := s.users.SetRefreshToken(ctx, subject, &rotated); err != nil {
			return nil, fmt.Errorf("failed to store rotated refresh token: %w", err)
		}
		logger.Info("refresh token rotated")
	}

	token, err := s.sessions.Issue(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	return &model.RefreshResponse{SessionToken: token}, nil
}

func (s *Service) observe(grant string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrInvalidGrant):
		outcome = "invalid_grant"
	case errors.Is(err, identity.ErrProviderUnreachable):
		outcome = "unreachable"
	case errors.Is(err, identity.ErrAssertionInvalid):
		outcome = "assertion_invalid"
	default:
		outcome = "rejected"
	}
	s.metrics.ProviderCallsTotal.WithLabelValues(grant, outcome).Inc()
}
