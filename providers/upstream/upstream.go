// Package upstream provides a user provider that delegates authentication to
// another OAuth2 server. Credentials are exchanged with the resource owner
// password credentials grant and the user is read from the upstream
// userinfo endpoint.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authserver/providers"
)

// ProviderName is the name reported by Name.
const ProviderName = "upstream"

// DefaultHTTPTimeout bounds every upstream request when no client is given.
const DefaultHTTPTimeout = 10 * time.Second

// Config holds upstream provider configuration
type Config struct {
	TokenURL     string
	UserInfoURL  string
	ClientID     string
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client // Optional custom HTTP client
	Logger       *slog.Logger
}

// Provider implements providers.Provider against an upstream server.
type Provider struct {
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

var (
	_ providers.Provider      = (*Provider)(nil)
	_ providers.HealthChecker = (*Provider)(nil)
)

// NewProvider creates a new upstream provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("userinfo URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return ProviderName
}

// Authenticate exchanges the credentials upstream and fetches the user.
func (p *Provider) Authenticate(ctx context.Context, username, password string) (*providers.Principal, error) {
	if username == "" || password == "" {
		return nil, providers.ErrBadCredentials
	}

	ctx = providers.WithHTTPClient(ctx, p.httpClient)
	token, err := p.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		classified := providers.ClassifyTokenError(err)
		p.logger.Debug("Upstream password grant failed", "error", err)
		return nil, classified
	}

	return p.fetchUserInfo(ctx, token, username)
}

type userInfoResponse struct {
	Sub               string   `json:"sub"`
	PreferredUsername string   `json:"preferred_username"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	Scope             string   `json:"scope"`
	Groups            []string `json:"groups"`
}

func (p *Provider) fetchUserInfo(ctx context.Context, token *oauth2.Token, username string) (*providers.Principal, error) {
	client := p.config.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: userinfo request failed with status %d", providers.ErrUnavailable, resp.StatusCode)
	}

	var info userInfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: failed to decode user info: %v", providers.ErrUnavailable, err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("%w: userinfo response has no subject", providers.ErrUnavailable)
	}

	attrs := map[string]string{"user_id": info.Sub}
	if info.Name != "" {
		attrs["full_name"] = info.Name
	}
	if info.Email != "" {
		attrs["email"] = info.Email
	}
	if len(info.Groups) > 0 {
		attrs["groups"] = strings.Join(info.Groups, ",")
	}

	name := info.PreferredUsername
	if name == "" {
		name = username
	}
	return &providers.Principal{
		UserID:     info.Sub,
		Username:   name,
		Attributes: attrs,
		Scopes:     strings.Fields(info.Scope),
	}, nil
}

// HealthCheck reports whether the userinfo endpoint answers. Any status below
// 500 counts as reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: upstream status %d", providers.ErrUnavailable, resp.StatusCode)
	}
	return nil
}
