package valkey

import (
	"context"
	"fmt"
	"strings"

	"github.com/giantswarm/oauth-authserver/internal/util"
)

// ============================================================
// Bulk Revocation
// ============================================================

// RevokeRefreshTokenFamily tombstones every live refresh token of the family
// and deletes the access token records issued alongside them.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("familyID cannot be empty")
	}

	revoked, err := s.revokeFamily(ctx, familyID)
	if err != nil {
		return revoked, err
	}

	if revoked > 0 {
		s.logger.Info("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// revokeFamily sets the family's revocation marker before sweeping its
// members, so tokens saved concurrently are refused or read as consumed.
func (s *Store) revokeFamily(ctx context.Context, familyID string) (int, error) {
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.revokedFamilyKey(familyID)).Value("1").Ex(revokedFamilyRetention).Build(),
	).Error(); err != nil {
		return 0, fmt.Errorf("failed to mark family revoked: %w", err)
	}

	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.familyKey(familyID)).Build()).AsStrSlice()
	if err != nil && !isNilError(err) {
		return 0, fmt.Errorf("failed to get family members: %w", err)
	}

	revoked := 0
	for _, hash := range hashes {
		// The consume script leaves already consumed tokens untouched
		result, err := s.consumeRefreshKey(ctx, s.refreshTokenKeyFromHash(hash))
		if err != nil {
			s.logger.Debug("Failed to tombstone refresh token during family revocation",
				"token_hash_prefix", util.SafeTruncate(hash, tokenIDLogLength),
				"error", err)
			continue
		}
		// Live members come back as REVOKED: once the marker is set
		if result != "NOT_FOUND" && result != "EXPIRED" && !strings.HasPrefix(result, "CONSUMED:") {
			revoked++
		}
	}

	accessKey := s.familyAccessKey(familyID)
	n, err := s.deleteAccessTokensInSet(ctx, accessKey)
	if err != nil {
		return revoked, err
	}
	revoked += n

	if err := s.client.Do(ctx, s.client.B().Del().Key(accessKey).Build()).Error(); err != nil {
		s.logger.Debug("Failed to delete family access set", "error", err)
	}
	return revoked, nil
}

// deleteAccessTokensInSet deletes the access token records listed in an index
// set and returns how many existed.
func (s *Store) deleteAccessTokensInSet(ctx context.Context, setKey string) (int, error) {
	tokenIDs, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get access token index: %w", err)
	}
	if len(tokenIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(tokenIDs))
	for i, id := range tokenIDs {
		keys[i] = s.accessTokenKey(id)
	}
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete access token records: %w", err)
	}
	return int(deleted), nil
}

// RevokeAllTokensForUserClient revokes all tokens (access + refresh) for a specific user+client combination.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	familiesKey := s.userClientFamiliesKey(userID, clientID)
	families, err := s.client.Do(ctx, s.client.B().Smembers().Key(familiesKey).Build()).AsStrSlice()
	if err != nil && !isNilError(err) {
		return 0, fmt.Errorf("failed to get user+client families: %w", err)
	}

	revoked := 0
	for _, familyID := range families {
		n, err := s.revokeFamily(ctx, familyID)
		revoked += n
		if err != nil {
			return revoked, err
		}
	}

	// Access tokens not tied to a family
	accessKey := s.userClientAccessKey(userID, clientID)
	n, err := s.deleteAccessTokensInSet(ctx, accessKey)
	revoked += n
	if err != nil {
		return revoked, err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(familiesKey, accessKey).Build()).Error(); err != nil {
		s.logger.Debug("Failed to delete user+client index sets", "error", err)
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}
