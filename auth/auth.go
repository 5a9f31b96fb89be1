package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
	uuid "github.com/satori/go.uuid"
)

const (
	CookieName = "session_token"
	DefaultTTL = 120 * time.Second
	keyPrefix  = "session:"
)

var (
	ErrUnauthorized = errors.New("auth: missing or expired session")
	ErrBadToken     = errors.New("auth: malformed session")
)

// Sessions maps opaque session tokens to principals kept in the key/value cache.
type Sessions struct {
	cache models.Cache
	ttl   time.Duration
}

func NewSessions(cache models.Cache, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sessions{cache: cache, ttl: ttl}
}

/*
	Stores principal under a fresh session token and returns the token.
	A zero ttl uses the default session lifetime.
*/
func (a *Sessions) Store(ctx context.Context, p models.Principal, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = a.ttl
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	token := uuid.NewV4().String()
	if err := a.cache.Set(ctx, keyPrefix+token, data, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Lookup returns the principal of a session token.
func (a *Sessions) Lookup(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	data, err := a.cache.Get(ctx, keyPrefix+token)
	if errors.Is(err, models.ErrCacheMiss) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, models.Unavailable(err, "session cache")
	}

	var p models.Principal
	if err := json.Unmarshal(data, &p); err != nil {
		l.Warn("auth: session %s holds %q", token, data)
		return nil, ErrBadToken
	}
	p.Token = token
	return &p, nil
}

// Authorize resolves the principal of a request from the session cookie or a bearer token.
func (a *Sessions) Authorize(r *http.Request) (*models.Principal, error) {
	return a.Lookup(r.Context(), tokenOf(r))
}

// Refresh replaces a session token with a new one for the same principal.
func (a *Sessions) Refresh(w http.ResponseWriter, r *http.Request) (string, error) {
	p, err := a.Authorize(r)
	if err != nil {
		return "", err
	}

	newToken, err := a.Store(r.Context(), *p, a.ttl)
	if err != nil {
		return "", err
	}
	if err := a.cache.Delete(r.Context(), keyPrefix+p.Token); err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:    CookieName,
		Value:   newToken,
		Expires: time.Now().Add(a.ttl),
	})
	return newToken, nil
}

func (a *Sessions) Revoke(ctx context.Context, token string) error {
	return a.cache.Delete(ctx, keyPrefix+token)
}

func tokenOf(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
