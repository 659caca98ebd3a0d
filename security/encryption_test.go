package security

import (
	"bytes"
	"strings"
	"testing"
)

func mustEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{"nil key disables", nil, false, false},
		{"32 byte key", bytes.Repeat([]byte{1}, 32), false, true},
		{"short key", bytes.Repeat([]byte{1}, 16), true, false},
		{"long key", bytes.Repeat([]byte{1}, 64), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	enc := mustEncryptor(t)
	plaintext := []byte(`{"full_name":"Ana","user_id":"1"}`)

	sealed, err := enc.Seal(plaintext, "refresh:abc")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "Ana") {
		t.Error("sealed value leaks plaintext")
	}

	opened, err := enc.Open(sealed, "refresh:abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	if _, err := enc.Open(sealed, "refresh:other"); err == nil {
		t.Error("Open() with different associated data should fail")
	}
}

func TestEncryptor_NonceUniqueness(t *testing.T) {
	enc := mustEncryptor(t)
	a, _ := enc.Seal([]byte("same"), "")
	b, _ := enc.Seal([]byte("same"), "")
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	got, err := enc.Seal([]byte("plain"), "")
	if err != nil || got != "plain" {
		t.Errorf("Seal() = %q, %v; want passthrough", got, err)
	}
	back, err := enc.Open(got, "")
	if err != nil || string(back) != "plain" {
		t.Errorf("Open() = %q, %v; want passthrough", back, err)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil encryptor must report disabled")
	}
}

func TestEncryptor_Open_Invalid(t *testing.T) {
	enc := mustEncryptor(t)

	for _, input := range []string{"!!!not-base64", "c2hvcnQ=", ""} {
		if _, err := enc.Open(input, ""); err == nil {
			t.Errorf("Open(%q) should fail", input)
		}
	}

	other := mustEncryptor(t)
	sealed, _ := enc.Seal([]byte("secret"), "")
	if _, err := other.Open(sealed, ""); err == nil {
		t.Error("Open() with wrong key should fail")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("key did not round-trip")
	}

	if _, err := KeyFromBase64("dG9vLXNob3J0"); err == nil {
		t.Error("short key should be rejected")
	}
	if _, err := KeyFromBase64("%%%"); err == nil {
		t.Error("invalid base64 should be rejected")
	}
}
