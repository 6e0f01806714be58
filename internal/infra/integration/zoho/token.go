package zoho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xavierca1/leadsync/internal/logger"
)

const (
	defaultTokenTTL = time.Hour
	expirySkew      = 30 * time.Second
	refreshTimeout  = 15 * time.Second
)

var ErrUnknownTenant = errors.New("zoho: tenant not configured")

// Token is a cached access token with the API base it is valid for.
type Token struct {
	AccessToken string
	APIURL      string
	ExpiresAt   time.Time
}

func (t Token) validAt(now time.Time) bool {
	return t.AccessToken != "" && now.Add(expirySkew).Before(t.ExpiresAt)
}

// TokenSource caches one access token per tenant. Concurrent refreshes for a
// tenant share a single request to the accounts server.
type TokenSource struct {
	HTTPClient *http.Client
	Tenants    map[string]TenantConfig
	Now        func() time.Time
	Log        *zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Token
	group singleflight.Group
}

func NewTokenSource(tenants map[string]TenantConfig) *TokenSource {
	return &TokenSource{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Tenants:    tenants,
		Now:        time.Now,
		Log:        logger.Named("zoho-auth"),
		cache:      map[string]Token{},
	}
}

func (s *TokenSource) cached(tenantID string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cache[tenantID]
	return t, ok && t.validAt(s.Now())
}

// Token returns a valid token for tenantID, refreshing it if needed.
func (s *TokenSource) Token(ctx context.Context, tenantID string) (Token, error) {
	if t, ok := s.cached(tenantID); ok {
		return t, nil
	}

	v, err, _ := s.group.Do(tenantID, func() (any, error) {
		// another flight may have stored a token since the check above
		if t, ok := s.cached(tenantID); ok {
			return t, nil
		}
		// detached from ctx: the result is shared by every waiter
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(rctx, tenantID)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the cached token of tenantID if it is still stale. A token
// refreshed by a concurrent caller is kept.
func (s *TokenSource) Invalidate(tenantID, stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cache[tenantID]; ok && t.AccessToken == stale {
		delete(s.cache, tenantID)
	}
}

func (s *TokenSource) refresh(ctx context.Context, tenantID string) (Token, error) {
	cfg, ok := s.Tenants[tenantID]
	if !ok || cfg.RefreshToken == "" {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	form := url.Values{
		"refresh_token": {cfg.RefreshToken},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
	}
	endpoint := strings.TrimRight(cfg.AccountsURL, "/") + "/oauth/v2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("zoho token refresh: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Token{}, &APIError{Op: "token", Status: resp.StatusCode, Message: string(body)}
	}

	var data tokenResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return Token{}, fmt.Errorf("decode zoho token: %w", err)
	}
	// the accounts server reports bad grants with 200 and an error field
	if data.Error != "" || data.AccessToken == "" {
		return Token{}, &APIError{Op: "token", Status: http.StatusUnauthorized, Code: data.Error}
	}

	ttl := time.Duration(data.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	apiURL := cfg.APIURL
	if apiURL == "" && data.APIDomain != "" {
		apiURL = strings.TrimRight(data.APIDomain, "/") + "/crm/v2"
	}
	t := Token{AccessToken: data.AccessToken, APIURL: strings.TrimRight(apiURL, "/"), ExpiresAt: s.Now().Add(ttl)}

	s.mu.Lock()
	s.cache[tenantID] = t
	s.mu.Unlock()

	s.Log.Info().Str("tenant_id", tenantID).Dur("ttl", ttl).Msg("zoho access token refreshed")
	return t, nil
}
