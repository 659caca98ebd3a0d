package keys

import (
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// pemTypePrivateKey is the block type pkcs12.ToPEM uses for key bags
const pemTypePrivateKey = "PRIVATE KEY"

// LoadKeyStore reads a PKCS#12 keystore (for example one created with
// `keytool -genkeypair -storetype PKCS12`) and returns the private key stored
// under alias. Aliases match the bag's friendlyName case-insensitively, as
// keytool lowercases them. An empty alias selects the only key in the store.
func LoadKeyStore(path, password, alias, algorithm string) (*Key, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keystore %s: %w", path, err)
	}

	block, err := selectKeyBlock(blocks, alias)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}

	signer, err := parsePrivateKeyDER(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}
	return NewKey(signer, "", algorithm)
}

// selectKeyBlock picks the private key block for alias.
func selectKeyBlock(blocks []*pem.Block, alias string) (*pem.Block, error) {
	var candidates []*pem.Block
	for _, b := range blocks {
		if b.Type == pemTypePrivateKey {
			candidates = append(candidates, b)
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: keystore contains no private key", ErrKeyNotFound)
	}

	if alias == "" {
		if len(candidates) > 1 {
			return nil, fmt.Errorf("keystore contains %d private keys, an alias is required", len(candidates))
		}
		return candidates[0], nil
	}

	for _, b := range candidates {
		if strings.EqualFold(b.Headers["friendlyName"], alias) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: alias %q", ErrKeyNotFound, alias)
}

// NewKeyStoreProvider loads the signing key from a keystore and fallback keys
// from PEM files.
func NewKeyStoreProvider(path, password, alias, algorithm string, fallbackPaths ...string) (*StaticProvider, error) {
	signing, err := LoadKeyStore(path, password, alias, algorithm)
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
