package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authserver:"

	// DefaultTombstoneRetention is how long a consumed non-expiring refresh
	// token is kept to detect its reuse
	DefaultTombstoneRetention = 30 * 24 * time.Hour

	// revokedFamilyRetention is how long a revoked family marker is kept
	revokedFamilyRetention = 90 * 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings (4KB)
	MaxTokenLength = 4096

	// MaxIDLength is the maximum allowed length for identifiers (userID, clientID, familyID)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authserver:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// TombstoneRetention overrides DefaultTombstoneRetention
	TombstoneRetention time.Duration
}

// Store is a Valkey-backed implementation of CodeStore, TokenStore and ApprovalStore.
type Store struct {
	client             valkeygo.Client
	prefix             string
	logger             *slog.Logger
	tombstoneRetention time.Duration

	// encryptor seals user claims at rest. Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var (
	_ storage.CodeStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ApprovalStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.TombstoneRetention
	if retention <= 0 {
		retention = DefaultTombstoneRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:             client,
		prefix:             prefix,
		logger:             logger,
		tombstoneRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption at rest of the user claims carried by
// authorization codes and refresh tokens.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("User claim encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// sealClaims serializes user claims, encrypting them when an encryptor is set.
// The storage key is bound as associated data so sealed claims cannot be
// moved to another record.
func (s *Store) sealClaims(claims map[string]string, key string) (plain map[string]string, sealed string, err error) {
	if len(claims) == 0 {
		return nil, "", nil
	}
	enc := s.getEncryptor()
	if !enc.IsEnabled() {
		return claims, "", nil
	}
	data, err := json.Marshal(claims)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal user claims: %w", err)
	}
	sealed, err = enc.Seal(data, key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt user claims: %w", err)
	}
	return nil, sealed, nil
}

func (s *Store) openClaims(plain map[string]string, sealed, key string) (map[string]string, error) {
	if sealed == "" {
		return plain, nil
	}
	enc := s.getEncryptor()
	if !enc.IsEnabled() {
		return nil, fmt.Errorf("encrypted user claims found but no encryptor configured")
	}
	data, err := enc.Open(sealed, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt user claims: %w", err)
	}
	var claims map[string]string
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user claims: %w", err)
	}
	return claims, nil
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// codeKey returns the key for an authorization code: {prefix}code:{sha256(code)}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, storage.HashToken(code))
}

// refreshTokenKey returns the key for a refresh token: {prefix}refresh:{sha256(token)}
func (s *Store) refreshTokenKey(token string) string {
	return s.refreshTokenKeyFromHash(storage.HashToken(token))
}

func (s *Store) refreshTokenKeyFromHash(hash string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, hash)
}

// accessTokenKey returns the key for an access token record: {prefix}access:{jti}
func (s *Store) accessTokenKey(tokenID string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, tokenID)
}

// familyKey returns the SET of refresh token hashes in a family: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// revokedFamilyPrefix prefixes revoked family markers: {prefix}revoked:family:{familyID}
func (s *Store) revokedFamilyPrefix() string {
	return s.prefix + "revoked:family:"
}

func (s *Store) revokedFamilyKey(familyID string) string {
	return s.revokedFamilyPrefix() + familyID
}

// familyAccessKey returns the SET of access token IDs in a family: {prefix}family:access:{familyID}
func (s *Store) familyAccessKey(familyID string) string {
	return fmt.Sprintf("%sfamily:access:%s", s.prefix, familyID)
}

// userClientFamiliesKey returns the SET of family IDs of a user+client pair
func (s *Store) userClientFamiliesKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:families:%s:%s", s.prefix, userID, clientID)
}

// userClientAccessKey returns the SET of access token IDs of a user+client pair
func (s *Store) userClientAccessKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:access:%s:%s", s.prefix, userID, clientID)
}

// approvalKey returns the HASH of scope approvals: {prefix}approval:{userID}:{clientID}
func (s *Store) approvalKey(userID, clientID string) string {
	return fmt.Sprintf("%sapproval:%s:%s", s.prefix, userID, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaAtomicCheckAndMarkCodeUsed atomically checks that an authorization code
// is unused and marks it as used.
//
// KEYS[1] = code key
// ARGV[1] = expiry cutoff in Unix seconds (now minus clock skew grace)
//
// Returns:
//   - Original JSON data if the code was unused and is now marked as used
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if the code has expired (the key is deleted)
//   - "ALREADY_USED:<json>" if the code was already used
const luaAtomicCheckAndMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local cutoff = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and expiresAt > 0 and cutoff > expiresAt then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaAtomicConsumeRefreshToken atomically turns a live refresh token into a
// tombstone. Tombstones keep the record so reuse can be traced to its family.
// A live token of a revoked family is tombstoned too but reported as revoked.
//
// KEYS[1] = refresh token key
// ARGV[1] = expiry cutoff in Unix seconds (now minus clock skew grace)
// ARGV[2] = current Unix time in seconds
// ARGV[3] = tombstone retention in seconds for tokens without expiry
// ARGV[4] = revoked family marker key prefix
//
// Returns:
//   - Original JSON data on success
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if the token has expired (the key is deleted)
//   - "CONSUMED:<json>" if the token was already consumed
//   - "REVOKED:<json>" if the token's family is marked revoked
const luaAtomicConsumeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rt = cjson.decode(data)
if rt.consumed then
    return 'CONSUMED:' .. data
end

local cutoff = tonumber(ARGV[1])
local expiresAt = tonumber(rt.expires_at)
if expiresAt and expiresAt > 0 and cutoff > expiresAt then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

local status = ''
if rt.family_id and rt.family_id ~= '' and redis.call('EXISTS', ARGV[4] .. rt.family_id) == 1 then
    status = 'REVOKED:'
end

rt.consumed = true
rt.consumed_at = tonumber(ARGV[2])
if expiresAt and expiresAt > 0 then
    redis.call('SET', KEYS[1], cjson.encode(rt), 'KEEPTTL')
else
    redis.call('SET', KEYS[1], cjson.encode(rt), 'EX', tonumber(ARGV[3]))
end

return status .. data
`

// expiryCutoff returns the Unix second before which expiry timestamps count
// as expired, allowing for clock skew between nodes.
func expiryCutoff() string {
	return strconv.FormatInt(time.Now().Add(-security.DefaultClockSkewGracePeriod).Unix(), 10)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================
//
// Scopes are stored space-delimited: cjson re-encodes an empty array as an
// object, which would not decode back into a slice.

type authorizationCodeJSON struct {
	ClientID            string            `json:"client_id"`
	RedirectURI         string            `json:"redirect_uri"`
	Scope               string            `json:"scope"`
	UserID              string            `json:"user_id"`
	UserClaims          map[string]string `json:"user_claims,omitempty"`
	SealedClaims        string            `json:"sealed_claims,omitempty"`
	CodeChallenge       string            `json:"code_challenge,omitempty"`
	CodeChallengeMethod string            `json:"code_challenge_method,omitempty"`
	CreatedAt           int64             `json:"created_at"`
	ExpiresAt           int64             `json:"expires_at"`
	Used                bool              `json:"used"`
}

func (s *Store) toAuthorizationCodeJSON(code *storage.AuthorizationCode, key string) (*authorizationCodeJSON, error) {
	plain, sealed, err := s.sealClaims(code.UserClaims, key)
	if err != nil {
		return nil, err
	}
	return &authorizationCodeJSON{
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               util.FormatScope(code.Scopes),
		UserID:              code.UserID,
		UserClaims:          plain,
		SealedClaims:        sealed,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}, nil
}

func (s *Store) fromAuthorizationCodeJSON(data, code, key string) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	claims, err := s.openClaims(j.UserClaims, j.SealedClaims, key)
	if err != nil {
		return nil, err
	}
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scopes:              util.ParseScope(j.Scope),
		UserID:              j.UserID,
		UserClaims:          claims,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}, nil
}

type refreshTokenJSON struct {
	ClientID     string            `json:"client_id"`
	UserID       string            `json:"user_id,omitempty"`
	UserClaims   map[string]string `json:"user_claims,omitempty"`
	SealedClaims string            `json:"sealed_claims,omitempty"`
	Scope        string            `json:"scope"`
	FamilyID     string            `json:"family_id"`
	Generation   int               `json:"generation"`
	IssuedAt     int64             `json:"issued_at"`
	ExpiresAt    int64             `json:"expires_at"`
	Consumed     bool              `json:"consumed,omitempty"`
	ConsumedAt   int64             `json:"consumed_at,omitempty"`
}

func (s *Store) toRefreshTokenJSON(rt *storage.RefreshToken, key string) (*refreshTokenJSON, error) {
	plain, sealed, err := s.sealClaims(rt.UserClaims, key)
	if err != nil {
		return nil, err
	}
	j := &refreshTokenJSON{
		ClientID:     rt.ClientID,
		UserID:       rt.UserID,
		UserClaims:   plain,
		SealedClaims: sealed,
		Scope:        util.FormatScope(rt.Scopes),
		FamilyID:     rt.FamilyID,
		Generation:   rt.Generation,
		IssuedAt:     rt.IssuedAt.Unix(),
	}
	if !rt.ExpiresAt.IsZero() {
		j.ExpiresAt = rt.ExpiresAt.Unix()
	}
	return j, nil
}

func (s *Store) fromRefreshTokenJSON(data, token, key string) (*storage.RefreshToken, *refreshTokenJSON, error) {
	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	claims, err := s.openClaims(j.UserClaims, j.SealedClaims, key)
	if err != nil {
		return nil, nil, err
	}
	rt := &storage.RefreshToken{
		Token:      token,
		ClientID:   j.ClientID,
		UserID:     j.UserID,
		UserClaims: claims,
		Scopes:     util.ParseScope(j.Scope),
		FamilyID:   j.FamilyID,
		Generation: j.Generation,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
	}
	if j.ExpiresAt > 0 {
		rt.ExpiresAt = time.Unix(j.ExpiresAt, 0)
	}
	return rt, &j, nil
}

type accessTokenJSON struct {
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	Scope     string `json:"scope"`
	FamilyID  string `json:"family_id,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type approvalJSON struct {
	Approved      bool  `json:"approved"`
	ExpiresAt     int64 `json:"expires_at,omitempty"`
	LastUpdatedAt int64 `json:"last_updated_at"`
}

// unixOrZero converts a Unix timestamp, mapping 0 to the zero time
func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
