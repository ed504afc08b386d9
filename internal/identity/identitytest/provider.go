// Package identitytest provides an in-process identity provider for tests.
package identitytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const keyID = "identitytest-key"

// Provider is a fake provider serving /auth/token and /auth/keys.
type Provider struct {
	Server   *httptest.Server
	ClientID string

	mu            sync.Mutex
	key           *rsa.PrivateKey
	codes         map[string]identity
	refreshTokens map[string]identity
	rotate        bool
	swapSubject   string
	failStatus    int
	rotations     int
	tokenCalls    int
	lastSecret    string
}

type identity struct {
	subject string
	email   string
}

// NewProvider starts a provider issuing assertions for clientID.
func NewProvider(clientID string) *Provider {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	p := &Provider{
		ClientID:      clientID,
		key:           key,
		codes:         make(map[string]identity),
		refreshTokens: make(map[string]identity),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/keys", p.handleKeys)
	mux.HandleFunc("/auth/token", p.handleToken)
	p.Server = httptest.NewServer(mux)
	return p
}

// Close shuts the server down.
func (p *Provider) Close() { p.Server.Close() }

// Issuer is the provider's issuer URL.
func (p *Provider) Issuer() string { return p.Server.URL }

// AddCode registers a single-use authorization code.
func (p *Provider) AddCode(code, subject, email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[code] = identity{subject: subject, email: email}
}

// AddRefreshToken registers a live refresh token.
func (p *Provider) AddRefreshToken(token, subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshTokens[token] = identity{subject: subject}
}

// Revoke kills a refresh token; later use reports invalid_grant.
func (p *Provider) Revoke(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.refreshTokens, token)
}

// RotateRefreshTokens makes refresh grants hand out a new refresh token.
func (p *Provider) RotateRefreshTokens(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotate = on
}

// SwapSubject makes refresh grants assert a different subject.
func (p *Provider) SwapSubject(subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.swapSubject = subject
}

// TokenCalls counts requests to the token endpoint.
func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

// LastSecret is the client_secret of the most recent token request.
func (p *Provider) LastSecret() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSecret
}

// FailWith makes the token endpoint answer with status until reset with 0.
func (p *Provider) FailWith(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStatus = status
}

func (p *Provider) handleKeys(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++
	p.lastSecret = r.PostForm.Get("client_secret")

	if p.failStatus != 0 {
		writeTokenError(w, p.failStatus, "server_error")
		return
	}
	if r.PostForm.Get("client_id") != p.ClientID || p.lastSecret == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_client")
		return
	}

	resp := map[string]any{"token_type": "Bearer", "expires_in": 3600, "access_token": "at"}
	var who identity
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		id, ok := p.codes[code]
		if !ok {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(p.codes, code)
		who = id
		p.rotations++
		refresh := fmt.Sprintf("rt-%s-%d", id.subject, p.rotations)
		p.refreshTokens[refresh] = identity{subject: id.subject}
		resp["refresh_token"] = refresh
	case "refresh_token":
		old := r.PostForm.Get("refresh_token")
		id, ok := p.refreshTokens[old]
		if !ok {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		who = id
		if p.rotate {
			delete(p.refreshTokens, old)
			p.rotations++
			refresh := fmt.Sprintf("rt-%s-%d", id.subject, p.rotations)
			p.refreshTokens[refresh] = id
			resp["refresh_token"] = refresh
		}
		if p.swapSubject != "" {
			who.subject = p.swapSubject
		}
	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	idToken, err := p.sign(who)
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp["id_token"] = idToken
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *Provider) sign(who identity) (string, error) {
	claims := jwt.MapClaims{
		"iss": p.Issuer(),
		"aud": p.ClientID,
		"sub": who.subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(10 * time.Minute).Unix(),
	}
	if who.email != "" {
		claims["email"] = who.email
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(p.key)
}

func writeTokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// ClientKeyPEM returns a fresh PKCS#8 P-256 key suitable for client assertions.
func ClientKeyPEM() []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}
