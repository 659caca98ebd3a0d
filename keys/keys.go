// Package keys loads and holds the asymmetric keys access tokens are signed with.
//
// A Provider hands out one signing key and the full set of verification keys
// (the signing key first, then fallback keys kept for rotation). Keys come
// from PEM files, a PKCS#12 keystore or, for development, are generated at
// startup. Symmetric (HMAC) algorithms are rejected.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

var (
	// ErrUnsupportedKey is returned for key types other than RSA and ECDSA
	ErrUnsupportedKey = errors.New("unsupported key type")

	// ErrSymmetricAlgorithm is returned when an HMAC algorithm is requested
	ErrSymmetricAlgorithm = errors.New("symmetric signing algorithms are not allowed")

	// ErrKeyNotFound is returned when a keystore has no key for the requested alias
	ErrKeyNotFound = errors.New("key not found")
)

// Key is a private signing key with its JWS parameters.
type Key struct {
	// Signer is the private key
	Signer crypto.Signer

	// KeyID is the "kid" header value, an RFC 7638 thumbprint unless configured
	KeyID string

	// Algorithm is the JWS algorithm, e.g. RS256 or ES256
	Algorithm jose.SignatureAlgorithm
}

// Public returns the public JWK of the key.
func (k *Key) Public() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Signer.Public(),
		KeyID:     k.KeyID,
		Algorithm: string(k.Algorithm),
		Use:       "sig",
	}
}

// Provider supplies signing and verification keys.
type Provider interface {
	// SigningKey returns the key new tokens are signed with.
	SigningKey(ctx context.Context) (*Key, error)

	// VerificationKeys returns every key whose signatures are accepted,
	// the signing key first.
	VerificationKeys(ctx context.Context) ([]*Key, error)
}

// StaticProvider serves a fixed signing key and fallback keys.
type StaticProvider struct {
	signing  *Key
	fallback []*Key
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider for already loaded keys.
func NewStaticProvider(signing *Key, fallback ...*Key) (*StaticProvider, error) {
	if signing == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	seen := map[string]bool{signing.KeyID: true}
	for _, k := range fallback {
		if seen[k.KeyID] {
			return nil, fmt.Errorf("duplicate key ID %q", k.KeyID)
		}
		seen[k.KeyID] = true
	}
	return &StaticProvider{signing: signing, fallback: fallback}, nil
}

// SigningKey returns the signing key.
func (p *StaticProvider) SigningKey(_ context.Context) (*Key, error) {
	return p.signing, nil
}

// VerificationKeys returns the signing key followed by the fallback keys.
func (p *StaticProvider) VerificationKeys(_ context.Context) ([]*Key, error) {
	out := make([]*Key, 0, 1+len(p.fallback))
	out = append(out, p.signing)
	return append(out, p.fallback...), nil
}

// NewKey builds a Key, deriving the key ID and algorithm when empty and
// validating them against the key type otherwise.
func NewKey(signer crypto.Signer, keyID, algorithm string) (*Key, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: nil key", ErrUnsupportedKey)
	}
	if strings.HasPrefix(strings.ToUpper(algorithm), "HS") {
		return nil, fmt.Errorf("%w: %s", ErrSymmetricAlgorithm, algorithm)
	}

	if algorithm == "" {
		derived, err := DeriveAlgorithm(signer)
		if err != nil {
			return nil, err
		}
		algorithm = derived
	} else if err := ValidateAlgorithmForKey(algorithm, signer); err != nil {
		return nil, err
	}

	if keyID == "" {
		derived, err := DeriveKeyID(signer)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key ID: %w", err)
		}
		keyID = derived
	}

	return &Key{Signer: signer, KeyID: keyID, Algorithm: jose.SignatureAlgorithm(algorithm)}, nil
}

// DeriveKeyID computes a key ID from the public key using the RFC 7638 JWK Thumbprint.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm returns the default JWS algorithm for the key type.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return string(jose.RS256), nil
	case *ecdsa.PrivateKey:
		return deriveECAlgorithm(k.Curve)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return string(jose.ES256), nil
	case elliptic.P384():
		return string(jose.ES384), nil
	case elliptic.P521():
		return string(jose.ES512), nil
	default:
		return "", fmt.Errorf("%w: EC curve %s", ErrUnsupportedKey, curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks that the algorithm can be used with the key.
func ValidateAlgorithmForKey(alg string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch jose.SignatureAlgorithm(alg) {
		case jose.RS256, jose.RS384, jose.RS512:
			return nil
		default:
			return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
		}
	case *ecdsa.PrivateKey:
		expected, err := deriveECAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if alg != expected {
			return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				alg, k.Curve.Params().Name, expected)
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// IsAsymmetric reports whether alg is one of the accepted signature algorithms.
func IsAsymmetric(alg jose.SignatureAlgorithm) bool {
	for _, a := range SupportedAlgorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// SupportedAlgorithms lists the JWS algorithms tokens may be signed with.
var SupportedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}
