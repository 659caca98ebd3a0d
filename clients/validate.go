package clients

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/storage"
)

// ErrInvalidClient is wrapped by every registration validation failure.
var ErrInvalidClient = errors.New("invalid client registration")

var (
	// DangerousSchemes are never accepted as redirect URI schemes.
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
)

// Validate checks a client registration. It is run for every client before
// the registry is built so misconfiguration fails at startup.
func Validate(c *storage.Client) error {
	if c == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClient)
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidClient)
	}

	switch c.ClientType {
	case storage.ClientTypeConfidential:
		if c.ClientSecretHash == "" {
			return fmt.Errorf("%w: confidential client %q has no secret", ErrInvalidClient, c.ClientID)
		}
	case storage.ClientTypePublic:
		if c.ClientSecretHash != "" {
			return fmt.Errorf("%w: public client %q must not have a secret", ErrInvalidClient, c.ClientID)
		}
		if c.SupportsGrant(storage.GrantTypeClientCredentials) || c.SupportsGrant(storage.GrantTypePassword) {
			return fmt.Errorf("%w: public client %q cannot use password or client_credentials", ErrInvalidClient, c.ClientID)
		}
	case storage.ClientTypeIntrospection:
		if c.ClientSecretHash == "" {
			return fmt.Errorf("%w: introspection client %q has no secret", ErrInvalidClient, c.ClientID)
		}
		if len(c.GrantTypes) > 0 || len(c.Scopes) > 0 {
			return fmt.Errorf("%w: introspection client %q cannot have grant types or scopes", ErrInvalidClient, c.ClientID)
		}
		return nil
	default:
		return fmt.Errorf("%w: client %q has unknown type %q", ErrInvalidClient, c.ClientID, c.ClientType)
	}

	if len(c.GrantTypes) == 0 {
		return fmt.Errorf("%w: client %q has no grant types", ErrInvalidClient, c.ClientID)
	}
	for _, gt := range c.GrantTypes {
		if !slices.Contains(storage.KnownGrantTypes, gt) {
			return fmt.Errorf("%w: client %q has unknown grant type %q", ErrInvalidClient, c.ClientID, gt)
		}
	}
	if c.SupportsGrant(storage.GrantTypeImplicit) && !c.IsPublic() {
		return fmt.Errorf("%w: implicit grant is only available to public clients (%q)", ErrInvalidClient, c.ClientID)
	}

	needsRedirect := c.SupportsGrant(storage.GrantTypeAuthorizationCode) || c.SupportsGrant(storage.GrantTypeImplicit)
	if needsRedirect && len(c.RedirectURIs) == 0 {
		return fmt.Errorf("%w: client %q needs at least one redirect URI", ErrInvalidClient, c.ClientID)
	}
	for _, uri := range c.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return fmt.Errorf("%w: client %q: %v", ErrInvalidClient, c.ClientID, err)
		}
	}

	for _, s := range c.AutoApproveScopes {
		if !slices.Contains(c.Scopes, s) {
			return fmt.Errorf("%w: client %q auto-approves unregistered scope %q", ErrInvalidClient, c.ClientID, s)
		}
	}
	if c.AccessTokenTTL < 0 || c.RefreshTokenTTL < 0 {
		return fmt.Errorf("%w: client %q has a negative token TTL", ErrInvalidClient, c.ClientID)
	}
	return nil
}

// ValidateRedirectURI checks that uri is an absolute URI without a fragment,
// with a safe scheme and, for http(s), a routable host.
func ValidateRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri %q: %w", uri, err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri %q must be absolute", uri)
	}
	if parsed.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", uri)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme %q is not allowed", parsed.Scheme)
	}
	if !schemePattern.MatchString(scheme) {
		return fmt.Errorf("redirect_uri scheme %q is not a valid URI scheme", parsed.Scheme)
	}

	if scheme == "http" || scheme == "https" {
		host := parsed.Hostname()
		if host == "" {
			return fmt.Errorf("redirect_uri %q has no host", uri)
		}
		switch util.ClassifyHost(host) {
		case util.HostLinkLocal, util.HostUnspecified:
			return fmt.Errorf("redirect_uri host %q is not allowed", host)
		}
	}
	return nil
}
