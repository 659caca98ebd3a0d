package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-authserver/keys"
)

// DefaultLeeway is the clock skew tolerated when validating exp, nbf and iat
const DefaultLeeway = 5 * time.Second

// Codec signs and verifies access tokens. It is immutable; rotate keys by
// building a new Codec from a provider holding the new signing key and the
// old ones as fallback keys.
type Codec struct {
	issuer     string
	signer     jose.Signer
	signingKey *keys.Key
	verifyKeys []*keys.Key
	byKeyID    map[string]*keys.Key
	leeway     time.Duration
	audience   []string
	now        func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithLeeway sets the clock skew tolerated when validating exp, nbf and iat.
// Non-positive values keep DefaultLeeway.
func WithLeeway(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.leeway = d
		}
	}
}

// WithAudience makes Verify require an aud claim containing at least one of
// the given values. Without it aud is not checked.
func WithAudience(aud ...string) Option {
	return func(c *Codec) {
		c.audience = append([]string(nil), aud...)
	}
}

// NewCodec builds a Codec from the provider's current keys.
// Key failures wrap ErrSigning.
func NewCodec(ctx context.Context, provider keys.Provider, issuer string, opts ...Option) (*Codec, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: key provider is required", ErrSigning)
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	signingKey, err := provider.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if !keys.IsAsymmetric(signingKey.Algorithm) {
		return nil, fmt.Errorf("%w: %v", ErrSigning, keys.ErrSymmetricAlgorithm)
	}

	verifyKeys, err := provider.VerificationKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	byKeyID := make(map[string]*keys.Key, len(verifyKeys))
	for _, k := range verifyKeys {
		if !keys.IsAsymmetric(k.Algorithm) {
			return nil, fmt.Errorf("%w: key %s: %v", ErrSigning, k.KeyID, keys.ErrSymmetricAlgorithm)
		}
		byKeyID[k.KeyID] = k
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: signingKey.Algorithm,
			Key:       jose.JSONWebKey{Key: signingKey.Signer, KeyID: signingKey.KeyID},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create signer: %v", ErrSigning, err)
	}

	c := &Codec{
		issuer:     issuer,
		signer:     signer,
		signingKey: signingKey,
		verifyKeys: verifyKeys,
		byKeyID:    byKeyID,
		leeway:     DefaultLeeway,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issuer returns the iss value of tokens signed by this Codec.
func (c *Codec) Issuer() string {
	return c.issuer
}

// Sign serializes claims as a compact JWS. The issuer is always the Codec's.
func (c *Codec) Sign(_ context.Context, claims *Claims) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("%w: nil claims", ErrSigning)
	}
	if claims.Issuer != "" && claims.Issuer != c.issuer {
		return "", fmt.Errorf("%w: issuer %q does not match %q", ErrSigning, claims.Issuer, c.issuer)
	}

	std := jwt.Claims{
		Issuer:   c.issuer,
		Subject:  claims.Subject,
		Audience: jwt.Audience(claims.Audience),
		ID:       claims.ID,
	}
	if !claims.ExpiresAt.IsZero() {
		std.Expiry = jwt.NewNumericDate(claims.ExpiresAt)
	}
	if !claims.IssuedAt.IsZero() {
		std.IssuedAt = jwt.NewNumericDate(claims.IssuedAt)
	}
	if !claims.NotBefore.IsZero() {
		std.NotBefore = jwt.NewNumericDate(claims.NotBefore)
	}

	private := make(map[string]any, len(claims.Extra)+2)
	for name, value := range claims.Extra {
		if IsReservedClaim(name) {
			return "", fmt.Errorf("%w: extra claim %q is reserved", ErrSigning, name)
		}
		private[name] = value
	}
	scopes := claims.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	private[ClaimScope] = scopes
	if claims.ClientID != "" {
		private[ClaimClientID] = claims.ClientID
	}

	raw, err := jwt.Signed(c.signer).Claims(std).Claims(private).Serialize()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return raw, nil
}

// Verify checks the signature against the verification keys and validates
// iss, exp, nbf and iat, plus aud when WithAudience was given.
func (c *Codec) Verify(_ context.Context, raw string) (*Claims, error) {
	alg, err := headerAlgorithm(raw)
	if err != nil {
		return nil, err
	}
	if !keys.IsAsymmetric(alg) {
		return nil, fmt.Errorf("%w: algorithm %q not allowed", ErrInvalidSignature, alg)
	}

	tok, err := jwt.ParseSigned(raw, keys.SupportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(tok.Headers) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrMalformed)
	}

	var (
		std     jwt.Claims
		private map[string]any
	)
	if err := c.verifySignature(tok, tok.Headers[0], &std, &private); err != nil {
		return nil, err
	}

	expected := jwt.Expected{Issuer: c.issuer, Time: c.now()}
	if len(c.audience) > 0 {
		expected.AnyAudience = c.audience
	}
	err = std.ValidateWithLeeway(expected, c.leeway)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrExpired):
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}

	return fromJWT(&std, private), nil
}

func (c *Codec) verifySignature(tok *jwt.JSONWebToken, header jose.Header, out ...any) error {
	candidates := c.verifyKeys
	if header.KeyID != "" {
		k, ok := c.byKeyID[header.KeyID]
		if !ok {
			return fmt.Errorf("%w: unknown key ID", ErrInvalidSignature)
		}
		candidates = []*keys.Key{k}
	}

	for _, k := range candidates {
		if string(k.Algorithm) != header.Algorithm {
			continue
		}
		if err := tok.Claims(k.Signer.Public(), out...); err == nil {
			return nil
		}
	}
	return ErrInvalidSignature
}

// headerAlgorithm reads the alg header before full parsing so disallowed
// algorithms report as signature failures rather than malformed tokens.
func headerAlgorithm(raw string) (jose.SignatureAlgorithm, error) {
	encoded, _, ok := strings.Cut(raw, ".")
	if !ok || strings.Count(raw, ".") != 2 {
		return "", fmt.Errorf("%w: not a compact JWS", ErrMalformed)
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: header encoding: %v", ErrMalformed, err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return "", fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	return jose.SignatureAlgorithm(header.Alg), nil
}

func fromJWT(std *jwt.Claims, private map[string]any) *Claims {
	claims := &Claims{
		Issuer:   std.Issuer,
		Subject:  std.Subject,
		Audience: []string(std.Audience),
		ID:       std.ID,
	}
	if std.Expiry != nil {
		claims.ExpiresAt = std.Expiry.Time()
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	if std.NotBefore != nil {
		claims.NotBefore = std.NotBefore.Time()
	}

	for name, value := range private {
		switch name {
		case ClaimScope:
			claims.Scopes = toStrings(value)
		case ClaimClientID:
			claims.ClientID, _ = value.(string)
		default:
			if !IsReservedClaim(name) {
				claims.Set(name, value)
			}
		}
	}
	return claims
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return strings.Fields(s)
	default:
		return nil
	}
}

// JWKS returns the public verification keys, signing key first.
func (c *Codec) JWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(c.verifyKeys))}
	for _, k := range c.verifyKeys {
		set.Keys = append(set.Keys, k.Public())
	}
	return set
}

// SigningKeyID returns the kid of the current signing key.
func (c *Codec) SigningKeyID() string {
	return c.signingKey.KeyID
}

// SigningAlgorithm returns the JWS algorithm of the current signing key.
func (c *Codec) SigningAlgorithm() string {
	return string(c.signingKey.Algorithm)
}
