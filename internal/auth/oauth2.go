package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"

	"github.com/torosent/swarmfire/internal/config"
)

// Grant is an OAuth2 grant type.
type Grant string

const (
	GrantClientCredentials Grant = "client_credentials"
	GrantPassword          Grant = "password"
)

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

// OAuth2Provider fetches and caches an access token. Concurrent callers
// share a single in-flight token request.
type OAuth2Provider struct {
	grant               Grant
	tokenURL            string
	clientID            string
	clientSecret        string
	username            string
	password            string
	scopes              []string
	refreshBeforeExpiry time.Duration
	httpClient          *http.Client
	now                 func() time.Time

	group  singleflight.Group
	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewOAuth2Provider(grant Grant, cfg config.AuthConfig) *OAuth2Provider {
	return &OAuth2Provider{
		grant:               grant,
		tokenURL:            cfg.TokenURL,
		clientID:            cfg.ClientID,
		clientSecret:        cfg.ClientSecret,
		username:            cfg.Username,
		password:            cfg.Password,
		scopes:              cfg.Scopes,
		refreshBeforeExpiry: cfg.RefreshBeforeExpiry,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		now:                 time.Now,
	}
}

// Token returns the cached token, fetching a new one once it is within
// refreshBeforeExpiry of expiring.
func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	if p.token != "" && p.now().Before(p.expiry) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan("token", func() (any, error) {
		token, lifetime, err := p.fetchToken(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.token = token
		p.expiry = p.now().Add(lifetime - p.refreshBeforeExpiry)
		p.mu.Unlock()
		return token, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *OAuth2Provider) fetchToken(ctx context.Context) (string, time.Duration, error) {
	data := url.Values{}
	data.Set("grant_type", string(p.grant))
	if p.grant == GrantPassword {
		data.Set("username", p.username)
		data.Set("password", p.password)
	}
	if len(p.scopes) > 0 {
		data.Set("scope", strings.Join(p.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Error != "" {
		return "", 0, fmt.Errorf("oauth2 error: %s - %s", tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("no access token in response")
	}

	lifetime := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	return tr.AccessToken, lifetime, nil
}

func (p *OAuth2Provider) InjectHeader(ctx context.Context, req *http.Request) error {
	token, err := p.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (p *OAuth2Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
