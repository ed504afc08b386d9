// internal/identity/client.go
// Package identity provides a client for the external identity provider.
// It exchanges authorization codes and refresh tokens for verified identity
// assertions.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toonify/toonify-api/internal/jwks"
)

const maxResponseBytes = 1 << 20

var (
	// ErrProviderUnreachable is a transport failure; callers may retry the whole flow later.
	ErrProviderUnreachable = errors.New("identity provider unreachable")
	// ErrInvalidGrant means the code or refresh token is dead for good.
	ErrInvalidGrant = errors.New("identity provider reported invalid_grant")
	// ErrProviderRejected covers every other provider-reported error.
	ErrProviderRejected = errors.New("identity provider rejected request")
	// ErrAssertionInvalid is returned when the identity assertion fails verification.
	ErrAssertionInvalid = errors.New("identity assertion invalid")
)

// AssertionVerifier checks a provider-signed identity assertion.
type AssertionVerifier interface {
	Verify(ctx context.Context, token, issuer, audience string) (*jwks.Claims, error)
}

// Assertion is a verified identity plus the refresh token the provider handed back.
type Assertion struct {
	Subject      string
	Email        *string
	RefreshToken string // Empty when the provider did not rotate it
}

// Options configures a Client.
type Options struct {
	Issuer      string // Provider base URL, also the expected iss of assertions
	ClientID    string
	RedirectURI string
	Signer      *ClientAssertion
	Verifier    AssertionVerifier
	HTTPClient  *http.Client
}

// Client for interacting with the identity provider's token endpoint.
type Client struct {
	issuer      string
	clientID    string
	redirectURI string
	signer      *ClientAssertion
	verifier    AssertionVerifier
	hc          *http.Client
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Error        string `json:"error"`
}

// New creates a new identity client.
// It configures appropriate timeouts for provider requests unless a client is supplied.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
		}
		hc = &http.Client{Transport: transport, Timeout: 10 * time.Second}
	}
	return &Client{
		issuer:      strings.TrimRight(opts.Issuer, "/"),
		clientID:    opts.ClientID,
		redirectURI: opts.RedirectURI,
		signer:      opts.Signer,
		verifier:    opts.Verifier,
		hc:          hc,
	}
}

// JWKSURL is where the provider publishes its assertion signing keys.
func JWKSURL(issuer string) string {
	return strings.TrimRight(issuer, "/") + "/auth/keys"
}

// ExchangeCode trades a one-time authorization code for a verified assertion.
// The provider must return a refresh token on this path.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Assertion, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if c.redirectURI != "" {
		form.Set("redirect_uri", c.redirectURI)
	}

	res, err := c.token(ctx, form)
	if err != nil {
		return Assertion{}, err
	}
	if res.RefreshToken == "" {
		return Assertion{}, fmt.Errorf("%w: no refresh token in code exchange", ErrProviderRejected)
	}
	return c.verify(ctx, res, "")
}

// ExchangeRefreshToken trades a stored refresh token for a fresh assertion.
// The assertion subject must equal expectedSubject.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken, expectedSubject string) (Assertion, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	res, err := c.token(ctx, form)
	if err != nil {
		return Assertion{}, err
	}
	return c.verify(ctx, res, expectedSubject)
}

// token performs one call to the token endpoint. It is never retried here.
func (c *Client) token(ctx context.Context, form url.Values) (*tokenResponse, error) {
	secret, err := c.signer.Sign()
	if err != nil {
		return nil, err
	}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.issuer+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProviderUnreachable, err)
	}

	var res tokenResponse
	decodeErr := json.Unmarshal(body, &res)

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		if decodeErr == nil && res.Error == "invalid_grant" {
			return nil, ErrInvalidGrant
		}
		if decodeErr == nil && res.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrProviderRejected, res.Error)
		}
		return nil, fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
	case decodeErr != nil:
		return nil, fmt.Errorf("%w: decode response: %v", ErrProviderRejected, decodeErr)
	case res.IDToken == "":
		return nil, fmt.Errorf("%w: no identity assertion in response", ErrProviderRejected)
	}
	return &res, nil
}

func (c *Client) verify(ctx context.Context, res *tokenResponse, expectedSubject string) (Assertion, error) {
	claims, err := c.verifier.Verify(ctx, res.IDToken, c.issuer, c.clientID)
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}
	if expectedSubject != "" && claims.Subject != expectedSubject {
		return Assertion{}, fmt.Errorf("%w: subject mismatch", ErrAssertionInvalid)
	}

	out := Assertion{Subject: claims.Subject, RefreshToken: res.RefreshToken}
	if claims.Email != "" {
		email := claims.Email
		out.Email = &email
	}
	return out, nil
}
