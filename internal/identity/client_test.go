package identity

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/toonify/toonify-api/internal/identity/identitytest"
	"github.com/toonify/toonify-api/internal/jwks"
)

const clientID = "com.example.toonify"

func newTestClient(t *testing.T) (*Client, *identitytest.Provider) {
	t.Helper()
	p := identitytest.NewProvider(clientID)
	t.Cleanup(p.Close)

	signer, err := NewClientAssertion("TEAM123", clientID, "KEY123", p.Issuer(), identitytest.ClientKeyPEM())
	if err != nil {
		t.Fatalf("NewClientAssertion() error = %v", err)
	}
	c := New(Options{
		Issuer:   p.Issuer(),
		ClientID: clientID,
		Signer:   signer,
		Verifier: jwks.NewClient(JWKSURL(p.Issuer()), nil),
	})
	return c, p
}

func TestExchangeCode(t *testing.T) {
	c, p := newTestClient(t)
	p.AddCode("code-1", "001234.abcd", "a@example.com")

	got, err := c.ExchangeCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if got.Subject != "001234.abcd" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.Email == nil || *got.Email != "a@example.com" {
		t.Errorf("Email = %v", got.Email)
	}
	if got.RefreshToken == "" {
		t.Error("RefreshToken is empty")
	}

	// Codes are single use.
	if _, err := c.ExchangeCode(context.Background(), "code-1"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second ExchangeCode() error = %v, want ErrInvalidGrant", err)
	}
}

func TestClientAssertionIsFreshAndWellFormed(t *testing.T) {
	c, p := newTestClient(t)
	p.AddCode("a", "s1", "")
	p.AddCode("b", "s2", "")

	if _, err := c.ExchangeCode(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	first := p.LastSecret()
	if _, err := c.ExchangeCode(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}

	var claims jwt.RegisteredClaims
	tok, _, err := jwt.NewParser().ParseUnverified(p.LastSecret(), &claims)
	if err != nil {
		t.Fatalf("client secret is not a JWT: %v", err)
	}
	if tok.Header["alg"] != "ES256" || tok.Header["kid"] != "KEY123" {
		t.Errorf("header = %v", tok.Header)
	}
	if claims.Issuer != "TEAM123" || claims.Subject != clientID {
		t.Errorf("claims = %+v", claims)
	}
	if p.TokenCalls() != 2 || first == "" {
		t.Errorf("TokenCalls = %d, first secret = %q", p.TokenCalls(), first)
	}
}

func TestExchangeRefreshToken(t *testing.T) {
	c, p := newTestClient(t)
	p.AddRefreshToken("rt-1", "user-1")

	got, err := c.ExchangeRefreshToken(context.Background(), "rt-1", "user-1")
	if err != nil {
		t.Fatalf("ExchangeRefreshToken() error = %v", err)
	}
	if got.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty when not rotated", got.RefreshToken)
	}

	p.RotateRefreshTokens(true)
	got, err = c.ExchangeRefreshToken(context.Background(), "rt-1", "user-1")
	if err != nil {
		t.Fatalf("ExchangeRefreshToken() error = %v", err)
	}
	if got.RefreshToken == "" || got.RefreshToken == "rt-1" {
		t.Errorf("RefreshToken = %q, want rotated value", got.RefreshToken)
	}
}

func TestExchangeRefreshTokenErrors(t *testing.T) {
	c, p := newTestClient(t)
	p.AddRefreshToken("rt-1", "user-1")

	if _, err := c.ExchangeRefreshToken(context.Background(), "rt-dead", "user-1"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("dead token error = %v, want ErrInvalidGrant", err)
	}

	p.SwapSubject("someone-else")
	if _, err := c.ExchangeRefreshToken(context.Background(), "rt-1", "user-1"); !errors.Is(err, ErrAssertionInvalid) {
		t.Errorf("swapped subject error = %v, want ErrAssertionInvalid", err)
	}
	p.SwapSubject("")

	p.FailWith(http.StatusServiceUnavailable)
	if _, err := c.ExchangeRefreshToken(context.Background(), "rt-1", "user-1"); !errors.Is(err, ErrProviderUnreachable) {
		t.Errorf("5xx error = %v, want ErrProviderUnreachable", err)
	}
	p.FailWith(http.StatusUnauthorized)
	if _, err := c.ExchangeRefreshToken(context.Background(), "rt-1", "user-1"); !errors.Is(err, ErrProviderRejected) {
		t.Errorf("4xx error = %v, want ErrProviderRejected", err)
	}
	p.FailWith(0)

	p.Close()
	if _, err := c.ExchangeRefreshToken(context.Background(), "rt-1", "user-1"); !errors.Is(err, ErrProviderUnreachable) {
		t.Errorf("closed server error = %v, want ErrProviderUnreachable", err)
	}
}
