package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.io/infrasutra/mailboxsync/internal/mailapi"
	"github.io/infrasutra/mailboxsync/internal/store"
)

var DefaultScopes = []string{"openid", "profile", "offline_access", "User.Read", "Mail.ReadWrite", "Mail.Send"}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURL  string
	Scopes       []string
	// Endpoint overrides the Azure AD endpoint derived from TenantID.
	Endpoint *oauth2.Endpoint
}

// Provider runs the authorization-code flow and hands out access tokens,
// refreshing them through the cache when they expire.
type Provider struct {
	config *oauth2.Config
	cache  *TokenCache
	logger *slog.Logger
}

func NewProvider(cfg OAuthConfig, cache *TokenCache, logger *slog.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("oauth client id is required")
	}
	tenant := strings.TrimSpace(cfg.TenantID)
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		cache:  cache,
		logger: logger,
	}, nil
}

func (p *Provider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// Remember stores a freshly exchanged token for userID.
func (p *Provider) Remember(ctx context.Context, userID string, tok *oauth2.Token) error {
	_, err := p.cache.Put(ctx, userID, tok)
	return err
}

func (p *Provider) Forget(ctx context.Context, userID string) error {
	return p.cache.Delete(ctx, userID)
}

// AccessToken returns a valid bearer token for userID. A missing token or
// a failed refresh yields mailapi.ErrAuthRequired.
func (p *Provider) AccessToken(ctx context.Context, userID string) (string, error) {
	tok, err := p.cache.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", mailapi.ErrAuthRequired
		}
		return "", err
	}
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", mailapi.ErrAuthRequired
	}
	refreshed, err := p.config.TokenSource(ctx, tok).Token()
	if err != nil {
		p.logger.Warn("token refresh failed", "user", userID, "error", err)
		return "", fmt.Errorf("%w: %v", mailapi.ErrAuthRequired, err)
	}
	latest, err := p.cache.Put(ctx, userID, refreshed)
	if err != nil {
		return "", err
	}
	return latest.AccessToken, nil
}
