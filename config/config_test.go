package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
)

const sampleConfig = `
server:
  issuer: https://auth.example.com
  access_token_ttl: 12h
  introspection_access: authenticated
keys:
  source: generate
authentication:
  provider: static
  users:
    - username: maria
      password: secret
      full_name: Maria Silva
      attributes:
        department: sales
clients:
  - client_id: algafood-web
    secret: web123
    grant_types: [password, refresh_token]
    scopes: [WRITE, READ]
    access_token_ttl: 6h
    refresh_token_ttl: 1440h
  - client_id: foodanalytics
    grant_types: [authorization_code]
    scopes: [READ]
    redirect_uris: [http://localhost:8082/callback]
  - client_id: checktoken
    secret: check123
    type: introspection
claims:
  full_name: nome_completo
`

func mustParse(t *testing.T, data string) *File {
	t.Helper()
	f, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return f
}

func TestParse(t *testing.T) {
	f := mustParse(t, sampleConfig)

	if f.Server.Address != DefaultAddress {
		t.Errorf("Address = %q, want default %q", f.Server.Address, DefaultAddress)
	}
	if f.Server.AccessTokenTTL != 12*time.Hour {
		t.Errorf("AccessTokenTTL = %v", f.Server.AccessTokenTTL)
	}
	if f.Storage.Type != StorageMemory {
		t.Errorf("Storage.Type = %q, want memory", f.Storage.Type)
	}
	if len(f.Clients) != 3 || f.Clients[0].RefreshTokenTTL != 60*24*time.Hour {
		t.Errorf("clients = %+v", f.Clients)
	}
	if f.Claims["full_name"] != "nome_completo" {
		t.Errorf("Claims = %v", f.Claims)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTHSERVER_SERVER_ISSUER", "https://override.example.com")
	t.Setenv("AUTHSERVER_STORAGE_TYPE", StorageValkey)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Server.Issuer != "https://override.example.com" {
		t.Errorf("Issuer = %q", f.Server.Issuer)
	}
	if f.Storage.Type != StorageValkey {
		t.Errorf("Storage.Type = %q", f.Storage.Type)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*File)
		wantErr string
	}{
		{"missing issuer", func(f *File) { f.Server.Issuer = "" }, "issuer is required"},
		{"plain http issuer", func(f *File) { f.Server.Issuer = "http://auth.example.com" }, "HTTPS"},
		{"bad key source", func(f *File) { f.Keys.Source = "vault" }, "unknown key source"},
		{"valkey without address", func(f *File) { f.Storage.Type = StorageValkey }, "valkey address"},
		{"bad encryption key", func(f *File) { f.Storage.EncryptionKey = "short" }, "encryption key"},
		{"unknown provider", func(f *File) { f.Authentication.Provider = "ldap" }, "unknown provider"},
		{"upstream without urls", func(f *File) { f.Authentication.Provider = ProviderUpstream }, "token_url"},
		{"no clients", func(f *File) { f.Clients = nil }, "at least one client"},
		{"duplicate client", func(f *File) { f.Clients = append(f.Clients, f.Clients[0]) }, "duplicate client_id"},
		{"public client with password grant", func(f *File) {
			f.Clients[1].GrantTypes = []string{storage.GrantTypePassword}
		}, "public client"},
		{"user without password", func(f *File) { f.Authentication.Users[0].Password = "" }, "username and password"},
		{"negative rate", func(f *File) { f.Security.TokenRateLimit = -1 }, "rate limits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustParse(t, sampleConfig)
			tt.mutate(f)
			err := f.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	f := mustParse(t, sampleConfig)
	f.Server.Issuer = ""
	f.Keys.Source = ""

	err := f.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	if !strings.Contains(err.Error(), "server:") || !strings.Contains(err.Error(), "keys:") {
		t.Errorf("Validate() error = %v, want both problems", err)
	}
}

func TestServerConfig(t *testing.T) {
	f := mustParse(t, sampleConfig)
	f.Server.RefreshTokenTTL = 1500 * time.Millisecond

	cfg, err := f.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if cfg.AccessTokenTTL != 43200 {
		t.Errorf("AccessTokenTTL = %d, want 43200", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != 2 {
		t.Errorf("RefreshTokenTTL = %d, want sub-second remainder rounded up", cfg.RefreshTokenTTL)
	}
	if cfg.IntrospectionAccess != server.IntrospectionAuthenticated {
		t.Errorf("IntrospectionAccess = %q", cfg.IntrospectionAccess)
	}
	if cfg.AuthorizationCodeTTL != 0 {
		t.Error("unset values are left for the server to default")
	}
}

func TestClients(t *testing.T) {
	f := mustParse(t, sampleConfig)
	hashed, err := bcrypt.GenerateFromPassword([]byte("pre-hashed"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	f.Clients[2].Secret = string(hashed)

	list, err := f.RegisteredClients()
	if err != nil {
		t.Fatalf("RegisteredClients() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d clients", len(list))
	}

	web := list[0]
	if web.ClientType != storage.ClientTypeConfidential {
		t.Errorf("algafood-web type = %q", web.ClientType)
	}
	if bcrypt.CompareHashAndPassword([]byte(web.ClientSecretHash), []byte("web123")) != nil {
		t.Error("plain secret should be bcrypt-hashed")
	}
	if web.AccessTokenTTL != 6*time.Hour {
		t.Errorf("AccessTokenTTL = %v", web.AccessTokenTTL)
	}

	if list[1].ClientType != storage.ClientTypePublic || list[1].ClientSecretHash != "" {
		t.Errorf("foodanalytics = %+v, want a public client", list[1])
	}
	if list[2].ClientSecretHash != string(hashed) {
		t.Error("an existing bcrypt hash must be kept as is")
	}
}

func TestUsers(t *testing.T) {
	f := mustParse(t, sampleConfig)

	users, err := f.Users()
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d users", len(users))
	}
	u := users[0]
	if u.ID != "maria" {
		t.Errorf("ID = %q, want username fallback", u.ID)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("secret")) != nil {
		t.Error("password should be bcrypt-hashed")
	}
	if u.Attributes["department"] != "sales" {
		t.Errorf("Attributes = %v", u.Attributes)
	}
}

func TestKeysConfig(t *testing.T) {
	f := mustParse(t, `
keys:
  source: keystore
  keystore_path: /etc/authserver/keys.p12
  keystore_password: "123456"
  key_alias: algafood
`)
	k := f.KeysConfig()
	if k.Source != "keystore" || k.KeyStorePath != "/etc/authserver/keys.p12" || k.KeyStorePassword != "123456" || k.KeyAlias != "algafood" {
		t.Errorf("KeysConfig() = %+v", k)
	}
	if err := k.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	f, err := Load(filepath.Join("..", "examples", "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if len(f.Clients) != 5 {
		t.Errorf("got %d clients, want 5", len(f.Clients))
	}
}
