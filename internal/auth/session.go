// session.go - Token session against the GoTrue-style auth endpoint
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotSignedIn        = errors.New("not signed in")
)

const (
	grantPassword = "password"
	grantRefresh  = "refresh_token"

	// refreshMargin renews a token this long before it expires.
	refreshMargin = 30 * time.Second
)

// Options configures a Session.
type Options struct {
	Email      string
	Password   string
	APIKey     string
	MaxAge     time.Duration
	Retries    int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// DefaultOptions returns a 5 minute session age and 3 tries 250ms apart.
func DefaultOptions() Options {
	return Options{
		MaxAge:     5 * time.Minute,
		Retries:    3,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Session holds an access token and renews it before it gets old. It is safe
// for concurrent use; the realtime worker and the REST client share one.
type Session struct {
	authURL string
	opts    Options
	http    *http.Client
	now     func() time.Time

	mu           sync.Mutex
	userID       string
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	obtainedAt   time.Time
}

// NewSession creates a session for the token endpoint at authURL.
func NewSession(authURL string, opts Options) *Session {
	defaults := DefaultOptions()
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaults.MaxAge
	}
	if opts.Retries <= 0 {
		opts.Retries = defaults.Retries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Session{
		authURL: authURL,
		opts:    opts,
		http:    httpClient,
		now:     time.Now,
	}
}

// SignIn performs a password grant. Rejected credentials return
// ErrInvalidCredentials.
func (s *Session) SignIn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwordGrant(ctx)
}

// AccessToken returns a valid token, renewing the session when it is older
// than MaxAge or about to expire.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && !s.stale() {
		return s.accessToken, nil
	}
	if s.refreshToken != "" {
		err := s.grant(ctx, grantRefresh, map[string]string{"refresh_token": s.refreshToken})
		if err == nil {
			return s.accessToken, nil
		}
		glog.Warningf("[Auth] Refresh failed, signing in again: %v", err)
	}
	if err := s.passwordGrant(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

// UserID returns the signed-in user's id, or "" before the first sign-in.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ExpiresAt returns the current token's expiry.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) stale() bool {
	now := s.now()
	if now.Sub(s.obtainedAt) > s.opts.MaxAge {
		return true
	}
	return !s.expiresAt.IsZero() && now.After(s.expiresAt.Add(-refreshMargin))
}

func (s *Session) passwordGrant(ctx context.Context) error {
	if s.opts.Email == "" || s.opts.Password == "" {
		return ErrNotSignedIn
	}
	return s.grant(ctx, grantPassword, map[string]string{
		"email":    s.opts.Email,
		"password": s.opts.Password,
	})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (s *Session) grant(ctx context.Context, grantType string, body map[string]string) error {
	var lastErr error
	for attempt := 0; attempt < s.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.RetryDelay):
			}
		}
		resp, err := s.post(ctx, grantType, body)
		if err == nil {
			return s.apply(resp)
		}
		lastErr = err
		if errors.Is(err, ErrInvalidCredentials) {
			break
		}
		glog.V(1).Infof("[Auth] %s grant attempt %d failed: %v", grantType, attempt+1, err)
	}
	return lastErr
}

func (s *Session) post(ctx context.Context, grantType string, body map[string]string) (*tokenResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL+"?grant_type="+grantType, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.opts.APIKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: (%d) %s", ErrInvalidCredentials, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("token response without access_token")
	}
	return &token, nil
}

func (s *Session) apply(token *tokenResponse) error {
	claims, err := ParseClaims(token.AccessToken)
	if err != nil {
		return err
	}

	s.accessToken = token.AccessToken
	s.refreshToken = token.RefreshToken
	s.obtainedAt = s.now()
	s.userID = token.User.ID
	if s.userID == "" {
		s.userID = claims.Subject
	}
	switch {
	case token.ExpiresAt > 0:
		s.expiresAt = time.Unix(token.ExpiresAt, 0)
	default:
		s.expiresAt = claims.ExpiresAt
	}
	glog.V(1).Infof("[Auth] Token for %s valid until %s", s.userID, s.expiresAt.Format(time.RFC3339))
	return nil
}
