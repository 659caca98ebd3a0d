package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// ============================================================
// Refresh Tokens
// ============================================================

// SaveRefreshToken stores a newly minted refresh token and indexes it by
// family and by user+client for bulk revocation.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := validateRefreshToken(token); err != nil {
		return err
	}

	var ttl time.Duration
	if !token.ExpiresAt.IsZero() {
		ttl = calculateTTL(token.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("refresh token already expired")
		}
	}

	hash := storage.HashToken(token.Token)
	key := s.refreshTokenKeyFromHash(hash)
	j, err := s.toRefreshTokenJSON(token, key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	if err := s.setWithTTL(ctx, key, string(data), ttl); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	if token.FamilyID != "" {
		s.addToSet(ctx, s.familyKey(token.FamilyID), hash, ttl)
		if token.UserID != "" {
			s.addToSet(ctx, s.userClientFamiliesKey(token.UserID, token.ClientID), token.FamilyID, ttl)
		}
		// Checked after indexing: a revocation that starts later sees the token
		// in the family set, one that started earlier has set the marker.
		if err := s.refuseIfFamilyRevoked(ctx, token.FamilyID, key); err != nil {
			return err
		}
	}

	s.logger.Debug("Saved refresh token",
		"client_id", token.ClientID,
		"user_id", token.UserID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// setWithTTL stores a value, without expiry when ttl is zero
func (s *Store) setWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl > 0 {
		return s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(value).Build()).Error()
}

func validateRefreshToken(token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if token.ClientID == "" {
		return fmt.Errorf("refresh token requires a client ID")
	}
	if err := validateStringLength(token.Token, MaxTokenLength, "refreshToken"); err != nil {
		return err
	}
	if err := validateStringLength(token.UserID, MaxIDLength, "userID"); err != nil {
		return err
	}
	if err := validateStringLength(token.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}
	return validateStringLength(token.FamilyID, MaxIDLength, "familyID")
}

// addToSet adds a member to an index set and extends the set's TTL so it
// outlives the member. A zero ttl leaves the set without expiry.
func (s *Store) addToSet(ctx context.Context, key, member string, ttl time.Duration) {
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(key).Member(member).Build()).Error(); err != nil {
		s.logger.Warn("Failed to add member to index set", "key", key, "error", err)
		return
	}
	if ttl <= 0 {
		return
	}
	current, err := s.client.Do(ctx, s.client.B().Ttl().Key(key).Build()).AsInt64()
	if err != nil || current == -1 || current >= int64(ttl.Seconds()) {
		// -1: set already has no expiry
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())+1).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on index set", "key", key, "error", err)
	}
}

// GetRefreshToken returns a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if len(token) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}
	key := s.refreshTokenKey(token)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	rt, j, err := s.fromRefreshTokenJSON(data, token, key)
	if err != nil {
		return nil, err
	}
	if j.Consumed {
		return rt, storage.ErrTokenConsumed
	}
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	revoked, err := s.isFamilyRevoked(ctx, rt.FamilyID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return rt, storage.ErrTokenConsumed
	}
	return rt, nil
}

// isFamilyRevoked reports whether the family carries a revocation marker
func (s *Store) isFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	if familyID == "" {
		return false, nil
	}
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.revokedFamilyKey(familyID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check family revocation: %w", err)
	}
	return n > 0, nil
}

// refuseIfFamilyRevoked deletes the just-saved key when its family was revoked
// meanwhile and reports ErrTokenFamilyRevoked.
func (s *Store) refuseIfFamilyRevoked(ctx context.Context, familyID, key string) error {
	revoked, err := s.isFamilyRevoked(ctx, familyID)
	if err != nil {
		return err
	}
	if !revoked {
		return nil
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete token saved into a revoked family", "error", err)
	}
	return storage.ErrTokenFamilyRevoked
}

// AtomicConsumeRefreshToken atomically retrieves a refresh token and turns it into a tombstone.
func (s *Store) AtomicConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if len(token) > MaxTokenLength {
		return nil, storage.ErrTokenNotFound
	}
	key := s.refreshTokenKey(token)

	result, err := s.consumeRefreshKey(ctx, key)
	if err != nil {
		return nil, err
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case result == "EXPIRED":
		return nil, storage.ErrTokenExpired
	case strings.HasPrefix(result, "CONSUMED:"), strings.HasPrefix(result, "REVOKED:"):
		_, data, _ := strings.Cut(result, ":")
		rt, _, err := s.fromRefreshTokenJSON(data, token, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrTokenConsumed, err)
		}
		return rt, storage.ErrTokenConsumed
	}

	rt, _, err := s.fromRefreshTokenJSON(result, token, key)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed refresh token",
		"client_id", rt.ClientID,
		"family_id", util.SafeTruncate(rt.FamilyID, tokenIDLogLength),
		"generation", rt.Generation)
	return rt, nil
}

func (s *Store) consumeRefreshKey(ctx context.Context, key string) (string, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsumeRefreshToken).
			Numkeys(1).
			Key(key).
			Arg(expiryCutoff(),
				strconv.FormatInt(time.Now().Unix(), 10),
				strconv.FormatInt(int64(s.tombstoneRetention.Seconds()), 10),
				s.revokedFamilyPrefix()).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to execute atomic refresh token consume: %w", err)
	}
	return result, nil
}

// DeleteRefreshToken removes a refresh token and its tombstone
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// ============================================================
// Access Token Records
// ============================================================

// SaveAccessToken records an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.TokenID == "" || record.ClientID == "" {
		return fmt.Errorf("tokenID and clientID cannot be empty")
	}
	if err := validateStringLength(record.TokenID, MaxIDLength, "tokenID"); err != nil {
		return err
	}

	var ttl time.Duration
	if !record.ExpiresAt.IsZero() {
		// Keep the record through the clock skew grace period
		ttl = calculateTTL(record.ExpiresAt.Add(security.DefaultClockSkewGracePeriod))
		if ttl <= 0 {
			return fmt.Errorf("access token already expired")
		}
	}

	j := &accessTokenJSON{
		ClientID: record.ClientID,
		UserID:   record.UserID,
		Scope:    util.FormatScope(record.Scopes),
		FamilyID: record.FamilyID,
		IssuedAt: record.IssuedAt.Unix(),
	}
	if !record.ExpiresAt.IsZero() {
		j.ExpiresAt = record.ExpiresAt.Unix()
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal access token record: %w", err)
	}

	if err := s.setWithTTL(ctx, s.accessTokenKey(record.TokenID), string(data), ttl); err != nil {
		return fmt.Errorf("failed to save access token record: %w", err)
	}

	if record.FamilyID != "" {
		s.addToSet(ctx, s.familyAccessKey(record.FamilyID), record.TokenID, ttl)
		if err := s.refuseIfFamilyRevoked(ctx, record.FamilyID, s.accessTokenKey(record.TokenID)); err != nil {
			return err
		}
	}
	if record.UserID != "" {
		s.addToSet(ctx, s.userClientAccessKey(record.UserID, record.ClientID), record.TokenID, ttl)
	}
	return nil
}

// GetAccessToken returns the record of an access token
func (s *Store) GetAccessToken(ctx context.Context, tokenID string) (*storage.AccessTokenRecord, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessTokenKey(tokenID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token record: %w", err)
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token record: %w", err)
	}

	record := &storage.AccessTokenRecord{
		TokenID:   tokenID,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    util.ParseScope(j.Scope),
		FamilyID:  j.FamilyID,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: unixOrZero(j.ExpiresAt),
	}
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return record, nil
}

// DeleteAccessToken revokes an access token by removing its record
func (s *Store) DeleteAccessToken(ctx context.Context, tokenID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(tokenID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete access token record: %w", err)
	}
	return nil
}
