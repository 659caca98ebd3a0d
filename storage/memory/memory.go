package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// defaultTombstoneRetention bounds how long a consumed non-expiring refresh
	// token is remembered for reuse detection.
	defaultTombstoneRetention = 30 * 24 * time.Hour

	// defaultRevokedFamilyRetention is how long a revoked family is remembered
	defaultRevokedFamilyRetention = 90 * 24 * time.Hour
)

// refreshEntry is a stored refresh token. A consumed entry is a tombstone:
// it can no longer be redeemed but still identifies its family on reuse.
type refreshEntry struct {
	token      *storage.RefreshToken
	consumed   bool
	consumedAt time.Time
}

type approvalKey struct {
	userID   string
	clientID string
	scope    string
}

// Store is an in-memory implementation of CodeStore, TokenStore and ApprovalStore.
type Store struct {
	mu sync.RWMutex

	codes         map[string]*storage.AuthorizationCode // HashToken(code) -> code
	refreshTokens map[string]*refreshEntry              // HashToken(token) -> entry
	accessTokens  map[string]*storage.AccessTokenRecord // jti -> record
	approvals     map[approvalKey]*storage.Approval

	// revokedFamilies maps a revoked family ID to its revocation time
	revokedFamilies map[string]time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	accessTokensCountAtomic  atomic.Int64
	approvalsCountAtomic     atomic.Int64

	// Cleanup
	cleanupInterval        time.Duration
	tombstoneRetention     time.Duration
	revokedFamilyRetention time.Duration
	stopCleanup        chan struct{}
	stopOnce           sync.Once
	logger             *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.CodeStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ApprovalStore = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		codes:              make(map[string]*storage.AuthorizationCode),
		refreshTokens:      make(map[string]*refreshEntry),
		accessTokens:       make(map[string]*storage.AccessTokenRecord),
		approvals:              make(map[approvalKey]*storage.Approval),
		revokedFamilies:        make(map[string]time.Time),
		cleanupInterval:        cleanupInterval,
		tombstoneRetention:     defaultTombstoneRetention,
		revokedFamilyRetention: defaultRevokedFamilyRetention,
		stopCleanup:            make(chan struct{}),
		logger:                 slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetTombstoneRetention sets how long consumed refresh tokens without an
// expiry are kept for reuse detection. Default: 30 days.
func (s *Store) SetTombstoneRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.tombstoneRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCountersLocked()
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		AuthorizationCodes: s.codesCountAtomic.Load,
		RefreshTokens:      s.refreshTokensCountAtomic.Load,
		AccessTokens:       s.accessTokensCountAtomic.Load,
		Approvals:          s.approvalsCountAtomic.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// syncCountersLocked refreshes the gauge counters. Caller holds s.mu.
func (s *Store) syncCountersLocked() {
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.approvalsCountAtomic.Store(int64(len(s.approvals)))
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_authorization_code", err, start) }(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.HashToken(code.Code)
	if _, exists := s.codes[key]; !exists {
		s.codesCountAtomic.Add(1)
	}
	s.codes[key] = code.Clone()

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// AtomicCheckAndMarkAuthCodeUsed atomically checks if a code is unused and marks it as used.
// The whole check-and-set runs under the write lock.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.HashToken(code)
	authCode, ok := s.codes[key]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		delete(s.codes, key)
		s.codesCountAtomic.Add(-1)
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	if authCode.Used {
		// Returned alongside the error so the caller can revoke what was issued from it.
		return authCode.Clone(), storage.ErrAuthorizationCodeUsed
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return authCode.Clone(), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.HashToken(code)
	if _, ok := s.codes[key]; ok {
		delete(s.codes, key)
		s.codesCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken stores a newly minted refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_refresh_token", err, start) }(time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if token.ClientID == "" {
		return fmt.Errorf("refresh token requires a client ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isFamilyRevokedLocked(token.FamilyID) {
		return storage.ErrTokenFamilyRevoked
	}

	key := storage.HashToken(token.Token)
	if _, exists := s.refreshTokens[key]; !exists {
		s.refreshTokensCountAtomic.Add(1)
	}
	s.refreshTokens[key] = &refreshEntry{token: token.Clone()}

	s.logger.Debug("Saved refresh token",
		"client_id", token.ClientID,
		"user_id", token.UserID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken returns a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_refresh_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[storage.HashToken(token)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if entry.consumed || s.isFamilyRevokedLocked(entry.token.FamilyID) {
		return entry.token.Clone(), storage.ErrTokenConsumed
	}
	if security.IsTokenExpired(entry.token.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return entry.token.Clone(), nil
}

// AtomicConsumeRefreshToken atomically retrieves a refresh token and turns it into a tombstone.
func (s *Store) AtomicConsumeRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.HashToken(token)
	entry, ok := s.refreshTokens[key]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if entry.consumed {
		return entry.token.Clone(), storage.ErrTokenConsumed
	}
	if s.isFamilyRevokedLocked(entry.token.FamilyID) {
		entry.consumed = true
		entry.consumedAt = time.Now()
		return entry.token.Clone(), storage.ErrTokenConsumed
	}
	if security.IsTokenExpired(entry.token.ExpiresAt) {
		delete(s.refreshTokens, key)
		s.refreshTokensCountAtomic.Add(-1)
		return nil, storage.ErrTokenExpired
	}

	entry.consumed = true
	entry.consumedAt = time.Now()

	s.logger.Debug("Consumed refresh token",
		"client_id", entry.token.ClientID,
		"family_id", util.SafeTruncate(entry.token.FamilyID, tokenIDLogLength),
		"generation", entry.token.Generation)

	return entry.token.Clone(), nil
}

// DeleteRefreshToken removes a refresh token and its tombstone
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.HashToken(token)
	if _, ok := s.refreshTokens[key]; ok {
		delete(s.refreshTokens, key)
		s.refreshTokensCountAtomic.Add(-1)
	}
	return nil
}

// RevokeRefreshTokenFamily tombstones every refresh token of the family and
// deletes the access token records issued alongside them.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, start) }(time.Now())

	if familyID == "" {
		return 0, fmt.Errorf("familyID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokeFamiliesLocked(map[string]bool{familyID: true})

	if revoked > 0 {
		s.logger.Info("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// revokeFamiliesLocked marks the given families revoked, tombstones their live
// refresh tokens and deletes their access token records. Caller holds the
// write lock.
func (s *Store) revokeFamiliesLocked(families map[string]bool) int {
	now := time.Now()
	revoked := 0

	for familyID := range families {
		if _, ok := s.revokedFamilies[familyID]; !ok {
			s.revokedFamilies[familyID] = now
		}
	}

	for _, entry := range s.refreshTokens {
		if !families[entry.token.FamilyID] || entry.consumed {
			continue
		}
		entry.consumed = true
		entry.consumedAt = now
		revoked++
	}

	for jti, record := range s.accessTokens {
		if record.FamilyID != "" && families[record.FamilyID] {
			delete(s.accessTokens, jti)
			s.accessTokensCountAtomic.Add(-1)
			revoked++
		}
	}

	return revoked
}

// isFamilyRevokedLocked reports whether familyID was revoked. Caller holds s.mu.
func (s *Store) isFamilyRevokedLocked(familyID string) bool {
	if familyID == "" {
		return false
	}
	_, revoked := s.revokedFamilies[familyID]
	return revoked
}

// SaveAccessToken records an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_access_token", err, start) }(time.Now())

	if record == nil || record.TokenID == "" || record.ClientID == "" {
		return fmt.Errorf("tokenID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isFamilyRevokedLocked(record.FamilyID) {
		return storage.ErrTokenFamilyRevoked
	}

	if _, exists := s.accessTokens[record.TokenID]; !exists {
		s.accessTokensCountAtomic.Add(1)
	}
	s.accessTokens[record.TokenID] = record.Clone()
	return nil
}

// GetAccessToken returns the record of an access token
func (s *Store) GetAccessToken(ctx context.Context, tokenID string) (_ *storage.AccessTokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_access_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[tokenID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return record.Clone(), nil
}

// DeleteAccessToken revokes an access token by removing its record
func (s *Store) DeleteAccessToken(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[tokenID]; ok {
		delete(s.accessTokens, tokenID)
		s.accessTokensCountAtomic.Add(-1)
	}
	return nil
}

// RevokeAllTokensForUserClient revokes all tokens (access + refresh) for a specific user+client combination.
// Whole refresh token families are revoked, including members issued before the
// ones found directly.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_user_client_tokens")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_user_client_tokens", err, start) }(time.Now())

	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	families := make(map[string]bool)
	for _, entry := range s.refreshTokens {
		if entry.token.UserID == userID && entry.token.ClientID == clientID {
			families[entry.token.FamilyID] = true
		}
	}

	revoked := s.revokeFamiliesLocked(families)

	// Access tokens not tied to a family
	for jti, record := range s.accessTokens {
		if record.UserID == userID && record.ClientID == clientID {
			delete(s.accessTokens, jti)
			s.accessTokensCountAtomic.Add(-1)
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// ============================================================
// ApprovalStore Implementation
// ============================================================

// SaveApprovals stores or replaces approvals keyed by (user, client, scope)
func (s *Store) SaveApprovals(ctx context.Context, approvals ...*storage.Approval) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_approvals")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_approvals", err, start) }(time.Now())

	for _, a := range approvals {
		if a == nil || a.UserID == "" || a.ClientID == "" || a.Scope == "" {
			return fmt.Errorf("approval requires user, client and scope")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range approvals {
		key := approvalKey{userID: a.UserID, clientID: a.ClientID, scope: a.Scope}
		if _, exists := s.approvals[key]; !exists {
			s.approvalsCountAtomic.Add(1)
		}
		cp := *a
		s.approvals[key] = &cp
	}
	return nil
}

// GetApprovals returns the non-expired approvals of a user for a client, ordered by scope
func (s *Store) GetApprovals(ctx context.Context, userID, clientID string) (_ []*storage.Approval, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_approvals")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_approvals", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var result []*storage.Approval
	for key, a := range s.approvals {
		if key.userID != userID || key.clientID != clientID {
			continue
		}
		if !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *storage.Approval) int { return strings.Compare(a.Scope, b.Scope) })
	return result, nil
}

// RevokeApprovals removes all approvals of a user for a client
func (s *Store) RevokeApprovals(ctx context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.approvals {
		if key.userID == userID && key.clientID == clientID {
			delete(s.approvals, key)
			s.approvalsCountAtomic.Add(-1)
		}
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0

	for key, code := range s.codes {
		if security.IsTokenExpired(code.ExpiresAt) {
			delete(s.codes, key)
			cleaned++
		}
	}

	for key, entry := range s.refreshTokens {
		expired := security.IsTokenExpired(entry.token.ExpiresAt)
		// Tombstones of non-expiring tokens are kept for the retention period only
		staleTombstone := entry.consumed && entry.token.ExpiresAt.IsZero() &&
			now.Sub(entry.consumedAt) > s.tombstoneRetention
		if expired || staleTombstone {
			delete(s.refreshTokens, key)
			cleaned++
		}
	}

	for jti, record := range s.accessTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.accessTokens, jti)
			cleaned++
		}
	}

	for key, a := range s.approvals {
		if !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
			delete(s.approvals, key)
			cleaned++
		}
	}

	for familyID, revokedAt := range s.revokedFamilies {
		if now.Sub(revokedAt) > s.revokedFamilyRetention {
			delete(s.revokedFamilies, familyID)
			cleaned++
		}
	}

	s.syncCountersLocked()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
