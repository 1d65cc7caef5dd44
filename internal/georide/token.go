package georide

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultRefreshMargin renews a token this long before it expires.
	DefaultRefreshMargin = 5 * 24 * time.Hour

	// DefaultRefreshInterval is how often the refresher checks the token.
	DefaultRefreshInterval = 12 * time.Hour

	// tokenLifetime is assumed for renewed tokens that carry no exp claim.
	tokenLifetime = 30 * 24 * time.Hour
)

// ErrNoToken is returned when no API token is configured.
var ErrNoToken = errors.New("georide: no API token")

// TokenSource provides the bearer token for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, typically from GEORIDE_API_TOKEN.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// fileToken is the on-disk token format.
type fileToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // Unix milliseconds
}

// FileTokenStore keeps the current token in a JSON file so renewals survive
// restarts. It is safe for concurrent use.
type FileTokenStore struct {
	path     string
	fallback string

	mu      sync.Mutex
	current fileToken
	loaded  bool
}

// NewFileTokenStore creates a store backed by path. fallback seeds the store
// when the file does not exist yet.
func NewFileTokenStore(path, fallback string) *FileTokenStore {
	return &FileTokenStore{path: path, fallback: fallback}
}

// Token returns the current token.
func (s *FileTokenStore) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return "", err
	}
	if s.current.Token == "" {
		return "", ErrNoToken
	}
	return s.current.Token, nil
}

// ExpiresAt returns the expiry of the current token. The stored expires_at
// wins; otherwise the JWT exp claim is used. ok is false when neither is known.
func (s *FileTokenStore) ExpiresAt() (exp time.Time, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return time.Time{}, false, err
	}
	if s.current.ExpiresAt > 0 {
		return time.UnixMilli(s.current.ExpiresAt), true, nil
	}
	if t, ok := jwtExpiry(s.current.Token); ok {
		return t, true, nil
	}
	return time.Time{}, false, nil
}

// Save replaces the current token and persists it.
func (s *FileTokenStore) Save(token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ft := fileToken{Token: token, ExpiresAt: expiresAt.UnixMilli()}
	data, err := json.Marshal(ft)
	if err != nil {
		return fmt.Errorf("georide: token: marshal: %w", err)
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("georide: token: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("georide: token: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("georide: token: rename: %w", err)
	}

	s.current = ft
	s.loaded = true
	return nil
}

func (s *FileTokenStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.current = fileToken{Token: s.fallback}
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("georide: token: read %s: %w", s.path, err)
	}

	var ft fileToken
	if err := json.Unmarshal(data, &ft); err != nil {
		return fmt.Errorf("georide: token: decode %s: %w", s.path, err)
	}
	if ft.Token == "" {
		ft.Token = s.fallback
	}
	s.current = ft
	s.loaded = true
	return nil
}

// jwtExpiry reads the exp claim without verifying the signature.
func jwtExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// tokenRenewer is the slice of Client used by the Refresher.
type tokenRenewer interface {
	NewToken(ctx context.Context, current string) (string, error)
}

// Refresher renews the token in a FileTokenStore before it expires.
type Refresher struct {
	store    *FileTokenStore
	renewer  tokenRenewer
	margin   time.Duration
	interval time.Duration
	now      func() time.Time
	logf     Logger
}

// RefresherOption configures optional Refresher behaviour.
type RefresherOption func(*Refresher)

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.margin = d }
}

// WithRefreshInterval overrides DefaultRefreshInterval.
func WithRefreshInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.interval = d }
}

// WithRefresherClock injects a clock, for tests.
func WithRefresherClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// WithRefresherLogger sets the logger for refresh outcomes.
func WithRefresherLogger(l Logger) RefresherOption {
	return func(r *Refresher) { r.logf = l }
}

// NewRefresher creates a Refresher for store using renewer to obtain new tokens.
func NewRefresher(store *FileTokenStore, renewer tokenRenewer, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:    store,
		renewer:  renewer,
		margin:   DefaultRefreshMargin,
		interval: DefaultRefreshInterval,
		now:      time.Now,
		logf:     func(string, ...any) {},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RefreshIfNeeded renews the token when it expires within the margin or its
// expiry is unknown. It reports whether a renewal happened.
func (r *Refresher) RefreshIfNeeded(ctx context.Context) (bool, error) {
	exp, known, err := r.store.ExpiresAt()
	if err != nil {
		return false, err
	}
	now := r.now()
	if known && exp.After(now.Add(r.margin)) {
		return false, nil
	}

	current, err := r.store.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("georide: refresh: %w", err)
	}
	fresh, err := r.renewer.NewToken(ctx, current)
	if err != nil {
		return false, err
	}

	newExp, ok := jwtExpiry(fresh)
	if !ok {
		newExp = now.Add(tokenLifetime)
	}
	if err := r.store.Save(fresh, newExp); err != nil {
		return false, err
	}
	return true, nil
}

// Run checks the token immediately and then every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		refreshed, err := r.RefreshIfNeeded(ctx)
		switch {
		case err != nil:
			r.logf("georide: token refresh failed: %v", err)
		case refreshed:
			r.logf("georide: token refreshed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
