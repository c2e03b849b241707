package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tollgate.org/internal/events"
	"tollgate.org/internal/rbac"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type memStore struct {
	mu       sync.Mutex
	users    map[string]rbac.User
	groups   map[string][]string
	metadata map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]rbac.User{},
		groups:   map[string][]string{},
		metadata: map[string][]byte{},
	}
}

func (m *memStore) UserByLogin(_ context.Context, login string) (rbac.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Login == login {
			return u, nil
		}
	}
	return rbac.User{}, rbac.ErrNotFound
}

func (m *memStore) GetUser(_ context.Context, id string) (rbac.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return rbac.User{}, rbac.ErrNotFound
	}
	return u, nil
}

func (m *memStore) UserGroupIDs(_ context.Context, id string) ([]string, error) {
	return m.groups[id], nil
}

func (m *memStore) UserMetadata(_ context.Context, id, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.metadata[id+"/"+key]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	return v, nil
}

func (m *memStore) PutUserMetadata(_ context.Context, id, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[id+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) DeleteUserMetadata(_ context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadata, id+"/"+key)
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	engine *Engine
	store  *memStore
	clock  *clock
	events []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pw, err := NewPasswords("pepper", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewPasswords: %v", err)
	}
	f := &fixture{store: newMemStore(), clock: &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}}

	hash, err := pw.Hash("correct")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	f.store.users["u-alice"] = rbac.User{ID: "u-alice", Login: "alice", PasswordHash: hash, Enabled: true,
		Attributes: rbac.Attributes{"rate_limit": float64(120)}}
	f.store.users["u-bob"] = rbac.User{ID: "u-bob", Login: "bob", PasswordHash: hash, Enabled: false}
	f.store.groups["u-alice"] = []string{"g-ops", "g-dev"}

	bus := events.NewBus()
	bus.Subscribe(func(_ context.Context, ev events.Event) { f.events = append(f.events, ev) })

	f.engine, err = NewEngine(f.store, pw, testSecret,
		WithIssuer("https://auth.test"),
		WithClock(f.clock.Now),
		WithPublisher(bus),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return f
}

func TestNewEngineRejectsShortSecret(t *testing.T) {
	pw, _ := NewPasswords("", bcrypt.MinCost)
	if _, err := NewEngine(newMemStore(), pw, "short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	pair, err := f.engine.Login(context.Background(), LoginRequest{Login: "alice", Password: "correct", RemoteIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("empty tokens: %+v", pair)
	}
	if pair.ExpiresIn != 86400 {
		t.Fatalf("expected expiresIn 86400, got %d", pair.ExpiresIn)
	}
	if _, ok := f.store.metadata["u-alice/refresh_token"]; !ok {
		t.Fatal("refresh token not stored")
	}
	if strings.Contains(string(f.store.metadata["u-alice/refresh_token"]), pair.RefreshToken) {
		t.Fatal("refresh token stored in plaintext")
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(pair.AccessToken, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithTimeFunc(f.clock.Now)); err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.UserID != "u-alice" || claims.Subject != "alice" || claims.Issuer != "https://auth.test" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.RateLimit != 120 || len(claims.Groups) != 2 {
		t.Fatalf("unexpected rate limit or groups: %+v", claims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != 24*time.Hour {
		t.Fatalf("exp - iat = %v", got)
	}

	if len(f.events) != 1 {
		t.Fatalf("expected one event, got %v", f.events)
	}
	ev, ok := f.events[0].(events.AuthSucceeded)
	if !ok || ev.UserID != "u-alice" || ev.RemoteIP != "10.0.0.1" {
		t.Fatalf("unexpected event: %#v", f.events[0])
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, errWrongPass := f.engine.Login(ctx, LoginRequest{Login: "alice", Password: "wrong"})
	_, errNoUser := f.engine.Login(ctx, LoginRequest{Login: "mallory", Password: "correct"})
	if !errors.Is(errWrongPass, ErrInvalidCredentials) || !errors.Is(errNoUser, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v / %v", errWrongPass, errNoUser)
	}
	if errWrongPass.Error() != errNoUser.Error() {
		t.Fatalf("errors differ: %q vs %q", errWrongPass, errNoUser)
	}
	if _, ok := f.store.metadata["u-alice/refresh_token"]; ok {
		t.Fatal("refresh token stored after failed login")
	}
	for _, ev := range f.events {
		if _, ok := ev.(events.AuthFailed); !ok {
			t.Fatalf("unexpected event: %#v", ev)
		}
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Login(context.Background(), LoginRequest{Login: "bob", Password: "correct"})
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	_, err = f.engine.Login(context.Background(), LoginRequest{Login: "bob", Password: "wrong"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("disabled state leaked to wrong password: %v", err)
	}
}

func TestRefreshRotatesAndIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.engine.Login(ctx, LoginRequest{Login: "alice", Password: "correct"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Access token expiry does not matter for refresh.
	f.clock.now = f.clock.now.Add(48 * time.Hour)
	second, err := f.engine.Refresh(ctx, RefreshRequest{AccessToken: first.AccessToken, RefreshToken: first.RefreshToken})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == first.AccessToken {
		t.Fatal("tokens were not rotated")
	}

	_, err = f.engine.Refresh(ctx, RefreshRequest{AccessToken: first.AccessToken, RefreshToken: first.RefreshToken})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected reuse to fail with ErrInvalidCredentials, got %v", err)
	}
	if _, err := f.engine.Refresh(ctx, RefreshRequest{AccessToken: second.AccessToken, RefreshToken: second.RefreshToken}); err != nil {
		t.Fatalf("mismatch must not mutate the stored token: %v", err)
	}
}

func TestRefreshExpiredTokenIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.engine.Login(ctx, LoginRequest{Login: "alice", Password: "correct"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.clock.now = f.clock.now.Add(8 * 24 * time.Hour)
	_, err = f.engine.Refresh(ctx, RefreshRequest{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
	if _, ok := f.store.metadata["u-alice/refresh_token"]; ok {
		t.Fatal("expired refresh token was not deleted")
	}
	_, err = f.engine.Refresh(ctx, RefreshRequest{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after deletion, got %v", err)
	}
}

func TestRefreshRejectsForgedAccessToken(t *testing.T) {
	f := newFixture(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u-alice"}).
		SignedString([]byte("another-secret-another-secret!!"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = f.engine.Refresh(context.Background(), RefreshRequest{AccessToken: forged, RefreshToken: "x"})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshMalformedRecordIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.engine.Login(ctx, LoginRequest{Login: "alice", Password: "correct"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.store.metadata["u-alice/refresh_token"] = []byte(`"not-an-object"`)

	_, err = f.engine.Refresh(ctx, RefreshRequest{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, ok := f.store.metadata["u-alice/refresh_token"]; ok {
		t.Fatal("malformed record was not deleted")
	}
}

func TestRefreshDisabledAfterLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.engine.Login(ctx, LoginRequest{Login: "alice", Password: "correct"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	u := f.store.users["u-alice"]
	u.Enabled = false
	f.store.users["u-alice"] = u

	_, err = f.engine.Refresh(ctx, RefreshRequest{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
	if !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, err := f.engine.Login(ctx, LoginRequest{Login: "alice", Password: "correct"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := f.engine.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != "u-alice" || id.Login != "alice" || id.RateLimit != 120 || id.TokenID == "" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	if _, err := f.engine.Authenticate(ctx, "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	f.clock.now = f.clock.now.Add(25 * time.Hour)
	if _, err := f.engine.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestPasswordsVerify(t *testing.T) {
	pw, err := NewPasswords("pepper", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewPasswords: %v", err)
	}
	hash, err := pw.Hash(strings.Repeat("long-password-", 10))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !pw.Verify(hash, strings.Repeat("long-password-", 10)) {
		t.Fatal("expected match")
	}
	if pw.Verify(hash, "other") || pw.Verify("", "x") || pw.Verify("not-bcrypt", "x") {
		t.Fatal("unexpected match")
	}

	other, _ := NewPasswords("different-pepper", bcrypt.MinCost)
	if other.Verify(hash, strings.Repeat("long-password-", 10)) {
		t.Fatal("pepper is not part of the hash")
	}
}

func TestContextIdentity(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), Identity{UserID: "u1"})
	id, ok := IdentityFromContext(ctx)
	if !ok || id.UserID != "u1" {
		t.Fatalf("identity not recovered: %+v %v", id, ok)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("unexpected identity in empty context")
	}
}
