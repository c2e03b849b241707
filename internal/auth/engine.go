package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tollgate.org/internal/events"
	"tollgate.org/internal/ids"
	"tollgate.org/internal/obs"
	"tollgate.org/internal/rbac"
)

const (
	defaultAccessTTL  = 24 * time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultRateLimit  = 60
	minSecretLength   = 16

	refreshTokenBytes = 32
	refreshTokenKey   = "refresh_token"
)

// UserStore is the slice of the repository the engine reads and writes.
type UserStore interface {
	UserByLogin(ctx context.Context, login string) (rbac.User, error)
	GetUser(ctx context.Context, id string) (rbac.User, error)
	UserGroupIDs(ctx context.Context, userID string) ([]string, error)
	UserMetadata(ctx context.Context, userID, key string) ([]byte, error)
	PutUserMetadata(ctx context.Context, userID, key string, value []byte) error
	DeleteUserMetadata(ctx context.Context, userID, key string) error
}

// Claims is the access token payload.
type Claims struct {
	UserID    string   `json:"user_id"`
	Groups    []string `json:"groups"`
	RateLimit int      `json:"rate_limit"`
	jwt.RegisteredClaims
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	UserID       string `json:"-"`
}

// LoginRequest carries the credentials of one login attempt and the caller's address.
type LoginRequest struct {
	Login    string
	Password string
	RemoteIP string
}

// RefreshRequest pairs the last access token with its refresh token for rotation.
type RefreshRequest struct {
	AccessToken  string
	RefreshToken string
	RemoteIP     string
}

// refreshRecord is the stored form of the user's single refresh token.
type refreshRecord struct {
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Engine issues, rotates and verifies tokens.
type Engine struct {
	store     UserStore
	passwords *Passwords
	bus       events.Publisher
	secret    []byte
	issuer    string

	accessTTL        time.Duration
	refreshTTL       time.Duration
	defaultRateLimit int
	now              func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(e *Engine) error {
		e.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl > 0 {
			e.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl > 0 {
			e.refreshTTL = ttl
		}
		return nil
	}
}

// WithDefaultRateLimit sets the per-minute limit embedded in tokens for users
// without a rate_limit attribute.
func WithDefaultRateLimit(n int) Option {
	return func(e *Engine) error {
		if n > 0 {
			e.defaultRateLimit = n
		}
		return nil
	}
}

// WithPublisher sets where auth outcome events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) error {
		if p != nil {
			e.bus = p
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// NewEngine builds an engine signing HS256 tokens with secret.
func NewEngine(store UserStore, passwords *Passwords, secret string, opts ...Option) (*Engine, error) {
	if store == nil || passwords == nil {
		return nil, errors.New("auth: store and password hasher are required")
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLength)
	}
	e := &Engine{
		store:            store,
		passwords:        passwords,
		bus:              events.Nop{},
		secret:           []byte(secret),
		issuer:           "tollgate",
		accessTTL:        defaultAccessTTL,
		refreshTTL:       defaultRefreshTTL,
		defaultRateLimit: defaultRateLimit,
		now:              time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AccessTTL reports the configured access token lifetime.
func (e *Engine) AccessTTL() time.Duration { return e.accessTTL }

// Login checks credentials and issues a fresh token pair. Unknown logins and
// wrong passwords fail identically.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (TokenPair, error) {
	const op = "login"
	login := strings.TrimSpace(req.Login)
	if login == "" || req.Password == "" {
		e.passwords.Burn(req.Password)
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidCredentials)
	}

	user, err := e.store.UserByLogin(ctx, login)
	if errors.Is(err, rbac.ErrNotFound) {
		e.passwords.Burn(req.Password)
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidCredentials)
	}
	if err != nil {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, fmt.Errorf("load user: %w", err))
	}
	if !e.passwords.Verify(user.PasswordHash, req.Password) {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidCredentials)
	}
	if !user.Enabled {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrAccountDisabled)
	}
	return e.issue(ctx, op, req.RemoteIP, user)
}

// Refresh exchanges a (possibly expired) access token and the current refresh
// token for a new pair. The access token only has to carry a valid signature.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (TokenPair, error) {
	const op = "refresh"
	if req.AccessToken == "" || req.RefreshToken == "" {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidToken)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(req.AccessToken, claims, e.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || claims.UserID == "" {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidToken)
	}
	userID := claims.UserID

	raw, err := e.store.UserMetadata(ctx, userID, refreshTokenKey)
	if errors.Is(err, rbac.ErrNotFound) {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidToken)
	}
	if err != nil {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, fmt.Errorf("load refresh token: %w", err))
	}
	var rec refreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Hash == "" || rec.CreatedAt.IsZero() {
		if err := e.store.DeleteUserMetadata(ctx, userID, refreshTokenKey); err != nil {
			return TokenPair{}, e.fail(ctx, op, req.RemoteIP, fmt.Errorf("drop malformed refresh token: %w", err))
		}
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidToken)
	}

	if subtle.ConstantTimeCompare([]byte(hashToken(req.RefreshToken)), []byte(rec.Hash)) != 1 {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidCredentials)
	}
	if e.now().Sub(rec.CreatedAt) > e.refreshTTL {
		if err := e.store.DeleteUserMetadata(ctx, userID, refreshTokenKey); err != nil {
			return TokenPair{}, e.fail(ctx, op, req.RemoteIP, fmt.Errorf("drop expired refresh token: %w", err))
		}
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrExpiredToken)
	}

	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, rbac.ErrNotFound) {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrInvalidToken)
	}
	if err != nil {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, fmt.Errorf("load user: %w", err))
	}
	if !user.Enabled {
		return TokenPair{}, e.fail(ctx, op, req.RemoteIP, ErrAccountDisabled)
	}
	return e.issue(ctx, op, req.RemoteIP, user)
}

// Authenticate fully validates an access token and returns its identity.
func (e *Engine) Authenticate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, e.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(e.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(e.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, ErrExpiredToken
	}
	if err != nil || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:    claims.UserID,
		Login:     claims.Subject,
		Groups:    claims.Groups,
		RateLimit: claims.RateLimit,
		TokenID:   claims.ID,
	}, nil
}

// issue rotates the refresh token and signs a new access token.
func (e *Engine) issue(ctx context.Context, op, remoteIP string, user rbac.User) (TokenPair, error) {
	groups, err := e.store.UserGroupIDs(ctx, user.ID)
	if err != nil {
		return TokenPair{}, e.fail(ctx, op, remoteIP, fmt.Errorf("load groups: %w", err))
	}
	refresh, err := ids.Opaque(refreshTokenBytes)
	if err != nil {
		return TokenPair{}, e.fail(ctx, op, remoteIP, err)
	}
	now := e.now().UTC()
	rec, err := json.Marshal(refreshRecord{Hash: hashToken(refresh), CreatedAt: now})
	if err != nil {
		return TokenPair{}, e.fail(ctx, op, remoteIP, err)
	}
	if err := e.store.PutUserMetadata(ctx, user.ID, refreshTokenKey, rec); err != nil {
		return TokenPair{}, e.fail(ctx, op, remoteIP, fmt.Errorf("store refresh token: %w", err))
	}

	claims := Claims{
		UserID:    user.ID,
		Groups:    groups,
		RateLimit: e.rateLimitFor(user),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.issuer,
			Subject:   user.Login,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
	if err != nil {
		return TokenPair{}, e.fail(ctx, op, remoteIP, fmt.Errorf("sign access token: %w", err))
	}

	obs.ObserveAuth(op, "success")
	e.bus.Publish(ctx, events.AuthSucceeded{UserID: user.ID, RemoteIP: remoteIP, Op: op})
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(e.accessTTL / time.Second),
		UserID:       user.ID,
	}, nil
}

// fail records a rejected attempt and returns err unchanged.
func (e *Engine) fail(ctx context.Context, op, remoteIP string, err error) error {
	r := reason(err)
	obs.ObserveAuth(op, r)
	e.bus.Publish(ctx, events.AuthFailed{Op: op, RemoteIP: remoteIP, Reason: r})
	return err
}

func (e *Engine) keyFunc(*jwt.Token) (any, error) {
	return e.secret, nil
}

func (e *Engine) rateLimitFor(user rbac.User) int {
	switch v := user.Attributes["rate_limit"].(type) {
	case float64:
		if v >= 1 {
			return int(v)
		}
	case int:
		if v >= 1 {
			return v
		}
	}
	return e.defaultRateLimit
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
