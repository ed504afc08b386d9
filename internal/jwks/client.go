// Package jwks verifies identity provider assertions against the provider's
// published JSON Web Key Set.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	cacheTTL     = 5 * time.Minute
	maxBodyBytes = 1 << 20
)

// ErrKeyNotFound is returned when no published key matches the token's kid.
var ErrKeyNotFound = errors.New("signing key not found")

// Claims is the subset of an identity assertion the service consumes.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	set       *jose.JSONWebKeySet
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a new JWKS client
func NewClient(jwksURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		cache:      &jwksCache{},
	}
}

func (c *Client) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// keySet returns the cached set, fetching a fresh one when stale or forced.
func (c *Client) keySet(ctx context.Context, force bool) (*jose.JSONWebKeySet, error) {
	if !force {
		c.cache.mutex.RLock()
		if c.cache.set != nil && time.Now().Before(c.cache.expiresAt) {
			set := c.cache.set
			c.cache.mutex.RUnlock()
			return set, nil
		}
		c.cache.mutex.RUnlock()
	}

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if !force && c.cache.set != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.set, nil
	}

	set, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.set = set
	c.cache.expiresAt = time.Now().Add(cacheTTL)
	return set, nil
}

// key finds the public key for kid. An unknown kid forces one refetch so a
// provider key rotation is picked up before the cache expires.
func (c *Client) key(ctx context.Context, kid string) (any, error) {
	set, err := c.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0].Key, nil
	}

	set, err = c.keySet(ctx, true)
	if err != nil {
		return nil, err
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0].Key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Verify checks the assertion's signature against the published keys and
// validates issuer, audience and expiry.
func (c *Client) Verify(ctx context.Context, token, issuer, audience string) (*Claims, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing or invalid kid in JWT header")
		}
		return c.key(ctx, kid)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, keyFunc,
		jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("assertion has no subject")
	}
	return &claims, nil
}
