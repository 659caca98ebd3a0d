package server

import (
	"context"
	"slices"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// ApprovalDecision is the user's answer to a consent prompt.
type ApprovalDecision struct {
	// Approved is the user_oauth_approval parameter.
	Approved bool

	// Scopes holds the per-scope answers (scope.<name>=true|false). When it is
	// empty and Approved is set, every requested scope is approved.
	Scopes map[string]bool
}

// isApproved reports whether the user has approved every scope for the
// client, either through the client's auto-approve list or stored approvals.
func (s *Server) isApproved(ctx context.Context, userID string, client *storage.Client, scopes []string) (bool, error) {
	if client.IsAutoApproved(scopes) {
		return true, nil
	}
	approvals, err := s.approvalStore.GetApprovals(ctx, userID, client.ClientID)
	if err != nil {
		return false, err
	}
	now := s.now()
	granted := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		if a.Approved && !security.IsExpiredAt(a.ExpiresAt, now, seconds(s.Config.ClockSkewGracePeriod)) {
			granted[a.Scope] = true
		}
	}
	for _, scope := range scopes {
		if !granted[scope] {
			return false, nil
		}
	}
	return true, nil
}

// ApproveAuthorization records the user's consent decision and completes the
// authorization request. The request is validated again since it comes back
// from the user agent. Denying every scope yields access_denied.
func (s *Server) ApproveAuthorization(ctx context.Context, req *AuthorizeRequest, user *providers.Principal, decision ApprovalDecision) (*AuthorizeResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.authorize.approve")
	defer span.End()

	ac, verr := s.validateAuthorizeRequest(ctx, req, user)
	if verr != nil {
		s.recordAuthorizeResult(ctx, req.ResponseType, "error")
		return nil, verr
	}

	var approvedScopes []string
	if decision.Approved {
		if len(decision.Scopes) == 0 {
			approvedScopes = slices.Clone(ac.scopes)
		} else {
			for _, scope := range ac.scopes {
				if decision.Scopes[scope] {
					approvedScopes = append(approvedScopes, scope)
				}
			}
		}
	}

	if decision.Approved {
		now := s.now()
		expiresAt := now.Add(seconds(s.Config.ApprovalTTL))
		records := make([]*storage.Approval, 0, len(ac.scopes))
		for _, scope := range ac.scopes {
			records = append(records, &storage.Approval{
				UserID:        user.UserID,
				ClientID:      ac.client.ClientID,
				Scope:         scope,
				Approved:      slices.Contains(approvedScopes, scope),
				ExpiresAt:     expiresAt,
				LastUpdatedAt: now,
			})
		}
		if err := s.approvalStore.SaveApprovals(ctx, records...); err != nil {
			s.recordAuthorizeResult(ctx, req.ResponseType, "error")
			return nil, ac.fail(newError(KindServerError, "failed to store approvals", err))
		}
	}

	if len(approvedScopes) == 0 {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventAuthorizationDenied,
			UserID:    user.UserID,
			ClientID:  ac.client.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"scope": util.FormatScope(ac.scopes)},
		})
		s.recordAuthorizeResult(ctx, req.ResponseType, "denied")
		return nil, ac.fail(newError(KindAccessDenied, "user denied access", nil))
	}

	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventApprovalsRecorded,
		UserID:    user.UserID,
		ClientID:  ac.client.ClientID,
		IPAddress: req.ClientIP,
		Details:   map[string]any{"scope": util.FormatScope(approvedScopes)},
	})
	return s.completeAuthorization(ctx, ac, user, approvedScopes)
}

// RevokeApprovals forgets every approval of a user for a client.
func (s *Server) RevokeApprovals(ctx context.Context, userID, clientID string) error {
	return s.approvalStore.RevokeApprovals(ctx, userID, clientID)
}
