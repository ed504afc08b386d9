package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toonify/toonify-api/internal/identity"
	"github.com/toonify/toonify-api/internal/session"
	"github.com/toonify/toonify-api/internal/storage"
)

const secret = "test-secret"

type fakeProvider struct {
	codeResult    identity.Assertion
	codeErr       error
	refreshResult identity.Assertion
	refreshErr    error

	gotRefreshToken string
	gotSubject      string
	refreshCalls    int
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code string) (identity.Assertion, error) {
	return f.codeResult, f.codeErr
}

func (f *fakeProvider) ExchangeRefreshToken(ctx context.Context, refreshToken, expectedSubject string) (identity.Assertion, error) {
	f.refreshCalls++
	f.gotRefreshToken, f.gotSubject = refreshToken, expectedSubject
	return f.refreshResult, f.refreshErr
}

// countingUsers records SetRefreshToken calls.
type countingUsers struct {
	storage.Store
	sets int
}

func (c *countingUsers) SetRefreshToken(ctx context.Context, subject string, refreshToken *string) error {
	c.sets++
	return c.Store.SetRefreshToken(ctx, subject, refreshToken)
}

func strptr(s string) *string { return &s }

func newService(t *testing.T, p *fakeProvider) (*Service, *countingUsers) {
	t.Helper()
	users := &countingUsers{Store: storage.NewMemory()}
	return NewService(p, users, session.NewManager(secret, time.Hour), nil, nil), users
}

func seedUser(t *testing.T, users storage.UserStore, subject, refreshToken string) {
	t.Helper()
	if _, err := users.UpsertUser(context.Background(), subject, strptr("a@example.com"), refreshToken); err != nil {
		t.Fatal(err)
	}
}

func expiredToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := session.NewManager(secret, -time.Minute).Issue(subject)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestExchangeCreatesUser(t *testing.T) {
	p := &fakeProvider{codeResult: identity.Assertion{Subject: "sub-1", Email: strptr("a@example.com"), RefreshToken: "rt-1"}}
	svc, users := newService(t, p)

	resp, err := svc.Exchange(context.Background(), "code")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Subject != "sub-1" || resp.Email == nil || *resp.Email != "a@example.com" {
		t.Errorf("response = %+v", resp)
	}
	if sub, err := session.NewManager(secret, time.Hour).Verify(resp.SessionToken, false); err != nil || sub != "sub-1" {
		t.Errorf("Verify(sessionToken) = %q, %v", sub, err)
	}

	user, err := users.GetUser(context.Background(), "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 0 || user.RefreshToken == nil || *user.RefreshToken != "rt-1" {
		t.Errorf("user = %+v", user)
	}
}

func TestExchangeOverwritesRefreshTokenKeepsEmail(t *testing.T) {
	p := &fakeProvider{codeResult: identity.Assertion{Subject: "sub-1", RefreshToken: "rt-2"}}
	svc, users := newService(t, p)
	seedUser(t, users, "sub-1", "rt-1")
	if err := users.AddCredits(context.Background(), "sub-1", 3); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Exchange(context.Background(), "code")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Email == nil || *resp.Email != "a@example.com" {
		t.Errorf("Email = %v, want last known email", resp.Email)
	}
	user, _ := users.GetUser(context.Background(), "sub-1")
	if *user.RefreshToken != "rt-2" || user.Credits != 3 {
		t.Errorf("user = %+v", user)
	}
}

func TestExchangeConsumedCode(t *testing.T) {
	p := &fakeProvider{codeErr: identity.ErrInvalidGrant}
	svc, users := newService(t, p)

	_, err := svc.Exchange(context.Background(), "used")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Exchange() error = %v, want ErrUnauthorized", err)
	}
	if _, err := users.GetUser(context.Background(), "sub-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("user was written: %v", err)
	}
}

func TestExchangeProviderErrorsPassThrough(t *testing.T) {
	for _, want := range []error{identity.ErrProviderUnreachable, identity.ErrProviderRejected, identity.ErrAssertionInvalid} {
		svc, _ := newService(t, &fakeProvider{codeErr: want})
		if _, err := svc.Exchange(context.Background(), "code"); !errors.Is(err, want) {
			t.Errorf("Exchange() error = %v, want %v", err, want)
		}
	}
}

func TestRefreshWithRotation(t *testing.T) {
	p := &fakeProvider{refreshResult: identity.Assertion{Subject: "sub-1", RefreshToken: "rt-new"}}
	svc, users := newService(t, p)
	seedUser(t, users, "sub-1", "rt-old")

	resp, err := svc.Refresh(context.Background(), expiredToken(t, "sub-1"))
	if err != nil {
		t.Fatal(err)
	}
	if sub, err := session.NewManager(secret, time.Hour).Verify(resp.SessionToken, false); err != nil || sub != "sub-1" {
		t.Errorf("Verify(new token) = %q, %v", sub, err)
	}
	if p.gotRefreshToken != "rt-old" || p.gotSubject != "sub-1" {
		t.Errorf("provider called with %q, %q", p.gotRefreshToken, p.gotSubject)
	}
	user, _ := users.GetUser(context.Background(), "sub-1")
	if *user.RefreshToken != "rt-new" {
		t.Errorf("stored refresh token = %q, want rt-new", *user.RefreshToken)
	}
}

func TestRefreshWithoutRotationWritesNothing(t *testing.T) {
	for _, returned := range []string{"", "rt-old"} {
		p := &fakeProvider{refreshResult: identity.Assertion{Subject: "sub-1", RefreshToken: returned}}
		svc, users := newService(t, p)
		seedUser(t, users, "sub-1", "rt-old")

		if _, err := svc.Refresh(context.Background(), expiredToken(t, "sub-1")); err != nil {
			t.Fatal(err)
		}
		if users.sets != 0 {
			t.Errorf("returned %q: SetRefreshToken called %d times", returned, users.sets)
		}
		user, _ := users.GetUser(context.Background(), "sub-1")
		if *user.RefreshToken != "rt-old" {
			t.Errorf("stored refresh token = %q", *user.RefreshToken)
		}
	}
}

func TestRefreshInvalidGrantClearsToken(t *testing.T) {
	p := &fakeProvider{refreshErr: identity.ErrInvalidGrant}
	svc, users := newService(t, p)
	seedUser(t, users, "sub-1", "rt-dead")

	_, err := svc.Refresh(context.Background(), expiredToken(t, "sub-1"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Refresh() error = %v, want ErrUnauthorized", err)
	}
	user, _ := users.GetUser(context.Background(), "sub-1")
	if user.RefreshToken != nil {
		t.Errorf("stored refresh token = %q, want nil", *user.RefreshToken)
	}

	// The cleared token is never sent again.
	if _, err := svc.Refresh(context.Background(), expiredToken(t, "sub-1")); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("second Refresh() error = %v", err)
	}
	if p.refreshCalls != 1 {
		t.Errorf("provider called %d times, want 1", p.refreshCalls)
	}
}

func TestRefreshUnreachableKeepsToken(t *testing.T) {
	p := &fakeProvider{refreshErr: identity.ErrProviderUnreachable}
	svc, users := newService(t, p)
	seedUser(t, users, "sub-1", "rt-1")

	if _, err := svc.Refresh(context.Background(), expiredToken(t, "sub-1")); !errors.Is(err, identity.ErrProviderUnreachable) {
		t.Fatalf("Refresh() error = %v", err)
	}
	user, _ := users.GetUser(context.Background(), "sub-1")
	if user.RefreshToken == nil || *user.RefreshToken != "rt-1" {
		t.Error("refresh token changed after a transport failure")
	}
}

func TestRefreshRejections(t *testing.T) {
	p := &fakeProvider{refreshResult: identity.Assertion{Subject: "sub-1"}}
	svc, users := newService(t, p)
	seedUser(t, users, "cleared", "rt")
	if err := users.SetRefreshToken(context.Background(), "cleared", nil); err != nil {
		t.Fatal(err)
	}
	foreign, err := session.NewManager("other-secret", time.Hour).Issue("sub-1")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"unknown subject", expiredToken(t, "nobody"), ErrUnauthorized},
		{"cleared refresh token", expiredToken(t, "cleared"), ErrUnauthorized},
		{"foreign signature", foreign, session.ErrInvalidToken},
		{"garbage", "not-a-jwt", session.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Refresh(context.Background(), tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Refresh() error = %v, want %v", err, tt.want)
			}
		})
	}
	if p.refreshCalls != 0 {
		t.Errorf("provider called %d times", p.refreshCalls)
	}
}
