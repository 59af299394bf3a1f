// Package auth obtains the bearer tokens sent with every simulated request.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/torosent/swarmfire/internal/config"
)

// Provider defines the interface for authentication providers that can
// obtain tokens and inject them into HTTP requests.
type Provider interface {
	// Token retrieves a valid authentication token, using cached values
	// when available and valid.
	Token(ctx context.Context) (string, error)

	// InjectHeader injects the authentication token into the Authorization
	// header of the provided HTTP request.
	InjectHeader(ctx context.Context, req *http.Request) error

	// Close releases any resources held by the provider.
	Close() error
}

// New returns the provider selected by cfg, or nil when no authentication is
// configured.
func New(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case config.AuthTypeBearer:
		return NewStaticTokenProvider(cfg.StaticToken), nil
	case config.AuthTypeOAuth2ClientCredentials:
		return NewOAuth2Provider(GrantClientCredentials, cfg), nil
	case config.AuthTypeOAuth2ResourceOwner:
		return NewOAuth2Provider(GrantPassword, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}
