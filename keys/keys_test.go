package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))
	return path
}

func TestNewKey_DerivesParameters(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     crypto.Signer
		wantAlg jose.SignatureAlgorithm
	}{
		{name: "rsa", key: rsaKey, wantAlg: jose.RS256},
		{name: "ec p384", key: p384, wantAlg: jose.ES384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := NewKey(tt.key, "", "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, k.Algorithm)
			assert.NotEmpty(t, k.KeyID)

			// The key ID is the RFC 7638 thumbprint and therefore stable
			again, err := DeriveKeyID(k.Signer)
			require.NoError(t, err)
			assert.Equal(t, k.KeyID, again)
		})
	}
}

func TestNewKey_Rejections(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = NewKey(rsaKey, "", "HS256")
	assert.ErrorIs(t, err, ErrSymmetricAlgorithm)

	_, err = NewKey(rsaKey, "", "ES256")
	assert.Error(t, err)

	_, err = NewKey(p256, "", "ES384")
	assert.Error(t, err)

	_, err = NewKey(edKey, "", "")
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	k, err := NewKey(rsaKey, "custom-kid", "RS512")
	require.NoError(t, err)
	assert.Equal(t, "custom-kid", k.KeyID)
	assert.Equal(t, jose.RS512, k.Algorithm)
}

func TestParsePrivateKeyPEM_Formats(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	pkcs8DER, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)

	for name, path := range map[string]string{
		"pkcs1": writePEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey)),
		"sec1":  writePEM(t, "EC PRIVATE KEY", ecDER),
		"pkcs8": writePEM(t, "PRIVATE KEY", pkcs8DER),
	} {
		t.Run(name, func(t *testing.T) {
			k, err := LoadKeyFile(path, "", "")
			require.NoError(t, err)
			assert.NotNil(t, k.Signer)
		})
	}

	_, err = ParsePrivateKeyPEM([]byte("not pem"))
	assert.Error(t, err)

	_, err = LoadKeyFile(filepath.Join(t.TempDir(), "missing.pem"), "", "")
	assert.Error(t, err)
}

func TestFileProvider_Fallback(t *testing.T) {
	current, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	previous, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	prevDER, err := x509.MarshalECPrivateKey(previous)
	require.NoError(t, err)

	p, err := NewFileProvider(
		writePEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(current)), "", "",
		writePEM(t, "EC PRIVATE KEY", prevDER),
	)
	require.NoError(t, err)

	ctx := context.Background()
	signing, err := p.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, jose.RS256, signing.Algorithm)

	all, err := p.VerificationKeys(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, signing.KeyID, all[0].KeyID)
	assert.Equal(t, jose.ES256, all[1].Algorithm)
}

func TestNewStaticProvider_DuplicateKeyID(t *testing.T) {
	p, err := NewGeneratingProvider()
	require.NoError(t, err)
	k, _ := p.SigningKey(context.Background())

	_, err = NewStaticProvider(k, k)
	assert.Error(t, err)

	_, err = NewStaticProvider(nil)
	assert.Error(t, err)
}

func TestKey_Public(t *testing.T) {
	p, err := NewGeneratingProvider()
	require.NoError(t, err)
	k, _ := p.SigningKey(context.Background())

	jwk := k.Public()
	assert.True(t, jwk.IsPublic())
	assert.Equal(t, "sig", jwk.Use)
	assert.Equal(t, "ES256", jwk.Algorithm)
	assert.True(t, jwk.Valid())
}

func TestSelectKeyBlock(t *testing.T) {
	blocks := []*pem.Block{
		{Type: "CERTIFICATE", Headers: map[string]string{"friendlyName": "algafood"}},
		{Type: pemTypePrivateKey, Headers: map[string]string{"friendlyName": "algafood"}, Bytes: []byte{1}},
		{Type: pemTypePrivateKey, Headers: map[string]string{"friendlyName": "other"}, Bytes: []byte{2}},
	}

	b, err := selectKeyBlock(blocks, "AlgaFood")
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, b.Bytes)

	_, err = selectKeyBlock(blocks, "")
	assert.Error(t, err, "two keys require an alias")

	_, err = selectKeyBlock(blocks, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	b, err = selectKeyBlock(blocks[:2], "")
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, b.Bytes)

	_, err = selectKeyBlock(blocks[:1], "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLoadKeyStore_Errors(t *testing.T) {
	_, err := LoadKeyStore(filepath.Join(t.TempDir(), "missing.p12"), "pw", "", "")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.p12")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = LoadKeyStore(path, "pw", "", "")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "file", cfg: Config{Source: SourceFile, KeyFile: "k.pem"}},
		{name: "file without path", cfg: Config{Source: SourceFile}, wantErr: true},
		{name: "keystore", cfg: Config{Source: SourceKeyStore, KeyStorePath: "k.p12"}},
		{name: "keystore without path", cfg: Config{Source: SourceKeyStore}, wantErr: true},
		{name: "generate", cfg: Config{Source: SourceGenerate}},
		{name: "generate with fallback", cfg: Config{Source: SourceGenerate, FallbackKeyFiles: []string{"a"}}, wantErr: true},
		{name: "missing", cfg: Config{}, wantErr: true},
		{name: "unknown", cfg: Config{Source: "vault"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_Generate(t *testing.T) {
	p, err := Load(Config{Source: SourceGenerate}, nil)
	require.NoError(t, err)
	keys, err := p.VerificationKeys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.True(t, IsAsymmetric(keys[0].Algorithm))
	assert.False(t, IsAsymmetric(jose.HS256))
}
