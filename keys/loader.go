package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// ParsePrivateKeyPEM parses the first PEM block of data as a private key.
// RSA (PKCS1, PKCS8) and ECDSA (SEC 1, PKCS8) keys are accepted.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	return parsePrivateKeyDER(block.Bytes)
}

func parsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	if rsaKey, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return rsaKey, nil
	}

	if ecKey, err := x509.ParseECPrivateKey(der); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement crypto.Signer", ErrUnsupportedKey, key)
	}
	return signer, nil
}

// LoadKeyFile loads a PEM private key file as a Key.
func LoadKeyFile(path, keyID, algorithm string) (*Key, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	signer, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewKey(signer, keyID, algorithm)
}

// NewFileProvider loads the signing key and fallback keys from PEM files.
// Fallback keys derive their own algorithm and key ID.
func NewFileProvider(signingPath, keyID, algorithm string, fallbackPaths ...string) (*StaticProvider, error) {
	signing, err := LoadKeyFile(signingPath, keyID, algorithm)
	if err != nil {
		return nil, err
	}

	fallback := make([]*Key, 0, len(fallbackPaths))
	for _, p := range fallbackPaths {
		k, err := LoadKeyFile(p, "", "")
		if err != nil {
			return nil, fmt.Errorf("fallback key: %w", err)
		}
		fallback = append(fallback, k)
	}

	return NewStaticProvider(signing, fallback...)
}

// NewGeneratingProvider creates a provider with a fresh P-256 key.
// Tokens it signs do not verify after a restart; use it for development only.
func NewGeneratingProvider() (*StaticProvider, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	k, err := NewKey(priv, "", "")
	if err != nil {
		return nil, err
	}
	return NewStaticProvider(k)
}
