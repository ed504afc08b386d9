package identity

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const clientAssertionTTL = 5 * time.Minute

// ClientAssertion builds the short-lived ES256 token the provider accepts as
// client_secret. A fresh one is signed for every provider call.
type ClientAssertion struct {
	teamID   string
	clientID string
	keyID    string
	audience string
	key      *ecdsa.PrivateKey
	now      func() time.Time
}

// NewClientAssertion parses the PEM encoded PKCS#8 signing key.
func NewClientAssertion(teamID, clientID, keyID, audience string, privateKeyPEM []byte) (*ClientAssertion, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse client assertion key: %w", err)
	}
	return &ClientAssertion{
		teamID:   teamID,
		clientID: clientID,
		keyID:    keyID,
		audience: audience,
		key:      key,
		now:      time.Now,
	}, nil
}

// Sign returns a new signed assertion.
func (a *ClientAssertion) Sign() (string, error) {
	now := a.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    a.teamID,
		Subject:   a.clientID,
		Audience:  jwt.ClaimStrings{a.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionTTL)),
	})
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
