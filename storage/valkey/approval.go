package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-authserver/storage"
)

// ============================================================
// ApprovalStore Implementation
// ============================================================

// SaveApprovals stores or replaces approvals keyed by (user, client, scope)
func (s *Store) SaveApprovals(ctx context.Context, approvals ...*storage.Approval) error {
	for _, a := range approvals {
		if a == nil || a.UserID == "" || a.ClientID == "" || a.Scope == "" {
			return fmt.Errorf("approval requires user, client and scope")
		}
	}

	for _, a := range approvals {
		j := approvalJSON{
			Approved:      a.Approved,
			LastUpdatedAt: a.LastUpdatedAt.Unix(),
		}
		if !a.ExpiresAt.IsZero() {
			j.ExpiresAt = a.ExpiresAt.Unix()
		}
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("failed to marshal approval: %w", err)
		}
		if err := s.client.Do(ctx,
			s.client.B().Hset().Key(s.approvalKey(a.UserID, a.ClientID)).FieldValue().FieldValue(a.Scope, string(data)).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save approval: %w", err)
		}
	}
	return nil
}

// GetApprovals returns the non-expired approvals of a user for a client, ordered by scope.
// Expired entries found along the way are removed.
func (s *Store) GetApprovals(ctx context.Context, userID, clientID string) ([]*storage.Approval, error) {
	key := s.approvalKey(userID, clientID)

	entries, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get approvals: %w", err)
	}

	now := time.Now()
	var result []*storage.Approval
	var expired []string
	for scope, data := range entries {
		var j approvalJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Failed to unmarshal approval, skipping", "scope", scope, "error", err)
			continue
		}
		a := &storage.Approval{
			UserID:        userID,
			ClientID:      clientID,
			Scope:         scope,
			Approved:      j.Approved,
			ExpiresAt:     unixOrZero(j.ExpiresAt),
			LastUpdatedAt: unixOrZero(j.LastUpdatedAt),
		}
		if !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
			expired = append(expired, scope)
			continue
		}
		result = append(result, a)
	}

	if len(expired) > 0 {
		if err := s.client.Do(ctx, s.client.B().Hdel().Key(key).Field(expired...).Build()).Error(); err != nil {
			s.logger.Debug("Failed to remove expired approvals", "error", err)
		}
	}

	slices.SortFunc(result, func(a, b *storage.Approval) int { return strings.Compare(a.Scope, b.Scope) })
	return result, nil
}

// RevokeApprovals removes all approvals of a user for a client
func (s *Store) RevokeApprovals(ctx context.Context, userID, clientID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.approvalKey(userID, clientID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to revoke approvals: %w", err)
	}
	return nil
}
