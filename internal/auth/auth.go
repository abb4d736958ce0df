// Package auth supplies bearer tokens for the backend. Tokens come from
// oauth2 token sources so refresh-before-expiry is handled in one place.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

var (
	ErrNoCredentials = errors.New("auth: not signed in")
	ErrNoRefresh     = errors.New("auth: no refresh token")
)

// Credentials is the persisted sign-in state.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (c Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// Store keeps credentials in a private JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, ErrNoCredentials
		}
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if c.AccessToken == "" {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

func (s *Store) Save(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Clear removes stored credentials. Clearing an empty store is not an
// error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Static returns a source that always yields token.
func Static(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// RefreshSource exchanges a refresh token at a token endpoint speaking the
// grant_type=refresh_token JSON dialect used by hosted auth providers.
type RefreshSource struct {
	URL    string
	APIKey string
	Client *http.Client
	Store  *Store
	Log    *zap.Logger

	mu      sync.Mutex
	refresh string
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

// NewRefreshSource builds a refresher seeded with refreshToken.
func NewRefreshSource(url, apiKey, refreshToken string, store *Store, log *zap.Logger) *RefreshSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &RefreshSource{
		URL:     url,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Store:   store,
		Log:     log,
		refresh: refreshToken,
	}
}

func (r *RefreshSource) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refresh == "" {
		return nil, ErrNoRefresh
	}

	body, err := json.Marshal(map[string]string{"refresh_token": r.refresh})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, r.URL+"?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("apikey", r.APIKey)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("refresh token: %s", resp.Status)
	}
	var out refreshResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("refresh token: empty access token")
	}

	tok := &oauth2.Token{AccessToken: out.AccessToken, TokenType: "Bearer", RefreshToken: out.RefreshToken}
	switch {
	case out.ExpiresAt > 0:
		tok.Expiry = time.Unix(out.ExpiresAt, 0)
	case out.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	if out.RefreshToken != "" {
		r.refresh = out.RefreshToken
	} else {
		tok.RefreshToken = r.refresh
	}
	r.Log.Debug("token refreshed", zap.Time("expiry", tok.Expiry))
	if r.Store != nil {
		if err := r.Store.Save(Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}); err != nil {
			r.Log.Warn("persist refreshed token", zap.Error(err))
		}
	}
	return tok, nil
}

// Refreshing wraps the current credentials so the token is refreshed once
// it is within margin of expiry. Without a refresh token or token URL the
// stored access token is used as is.
func Refreshing(c Credentials, tokenURL, apiKey string, margin time.Duration, store *Store, log *zap.Logger) oauth2.TokenSource {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if c.RefreshToken == "" || tokenURL == "" {
		return oauth2.StaticTokenSource(c.Token())
	}
	src := NewRefreshSource(tokenURL, apiKey, c.RefreshToken, store, log)
	return oauth2.ReuseTokenSourceWithExpiry(c.Token(), src, margin)
}
