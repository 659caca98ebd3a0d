package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/token"
)

// Server implements the authorization server logic: grant dispatch, the
// authorize endpoint, introspection and revocation. It is transport agnostic;
// the root package exposes it over HTTP.
type Server struct {
	provider      providers.Provider
	clientStore   storage.ClientStore
	codeStore     storage.CodeStore
	tokenStore    storage.TokenStore
	approvalStore storage.ApprovalStore
	chain         *token.Chain
	granter       *CompositeGranter

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// New creates a new authorization server. The token chain signs every access
// token; the provider authenticates resource owners for the password grant.
func New(
	provider providers.Provider,
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	approvalStore storage.ApprovalStore,
	chain *token.Chain,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if approvalStore == nil {
		return nil, fmt.Errorf("approval store is required")
	}
	if chain == nil || chain.Codec() == nil {
		return nil, fmt.Errorf("token chain is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if config.Issuer != chain.Codec().Issuer() {
		return nil, fmt.Errorf("issuer %q does not match token codec issuer %q", config.Issuer, chain.Codec().Issuer())
	}

	srv := &Server{
		provider:      provider,
		clientStore:   clientStore,
		codeStore:     codeStore,
		tokenStore:    tokenStore,
		approvalStore: approvalStore,
		chain:         chain,
		Config:        config,
		Logger:        logger,
		now:           time.Now,
	}

	granter, err := NewCompositeGranter(srv,
		&passwordGranter{srv: srv},
		&refreshTokenGranter{srv: srv},
		&authorizationCodeGranter{srv: srv},
		&clientCredentialsGranter{srv: srv},
	)
	if err != nil {
		return nil, err
	}
	granter.logger = logger
	srv.granter = granter

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation enables tracing and metrics for the server and its granter.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.inst = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
	s.granter.setInstrumentation(inst)
}

// SetClock replaces the time source used for issuing tokens and codes.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Instrumentation returns the instrumentation set with SetInstrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.inst
}

// Granter returns the composite granter.
func (s *Server) Granter() *CompositeGranter {
	return s.granter
}

// Codec returns the token codec used to sign and verify access tokens.
func (s *Server) Codec() *token.Codec {
	return s.chain.Codec()
}

// ClientStore returns the client registry.
func (s *Server) ClientStore() storage.ClientStore {
	return s.clientStore
}

// Token runs a token endpoint request through the composite granter.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResult, error) {
	result, err := s.granter.Grant(ctx, req)
	if err != nil {
		var gerr *GrantError
		if errors.As(err, &gerr) {
			oauthErr := AsError(gerr.Err)
			s.logGrantRejected(ctx, req, gerr, oauthErr)
		}
		return nil, err
	}
	return result, nil
}

func (s *Server) logGrantRejected(ctx context.Context, req *TokenRequest, gerr *GrantError, oauthErr *Error) {
	attrs := []any{
		"grant_type", req.GrantType,
		"client_id", req.ClientID,
		"state", string(gerr.State),
		"error", oauthErr.Code(),
	}
	switch oauthErr.Kind {
	case KindServerError, KindSigningFailure:
		s.Logger.ErrorContext(ctx, "Token request failed", append(attrs, "cause", oauthErr)...)
	case KindAuthenticationUnavailable:
		s.Logger.WarnContext(ctx, "Authentication provider unavailable", append(attrs, "cause", oauthErr)...)
	default:
		s.Logger.DebugContext(ctx, "Token request rejected", append(attrs, "reason", oauthErr.Description)...)
	}
	if s.allowSecurityEvent(req.ClientIP) {
		s.Auditor.LogGrantRejected(ctx, req.GrantType, req.ClientID, req.ClientIP, string(gerr.State), oauthErr.Code())
	}
}

// AuthenticateClient authenticates a client by ID and secret. Public clients
// authenticate by ID alone. Every failure is reported as invalid_client
// without revealing whether the client exists.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, newError(KindInvalidClient, "missing client_id", nil)
	}

	// ValidateClientSecret runs in constant time for unknown clients, so it
	// goes first.
	secretErr := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.auditClientAuthFailure(ctx, clientID, "unknown_client")
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, newError(KindInvalidClient, "unknown client", err)
		}
		return nil, newError(KindServerError, "client lookup failed", err)
	}
	if secretErr != nil {
		s.auditClientAuthFailure(ctx, clientID, "invalid_secret")
		return nil, newError(KindInvalidClient, "client authentication failed", secretErr)
	}
	return client, nil
}

func (s *Server) auditClientAuthFailure(ctx context.Context, clientID, reason string) {
	if !s.allowSecurityEvent(clientID) {
		return
	}
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientAuthFailure,
		ClientID: clientID,
		Details:  map[string]any{"reason": reason},
	})
}

// allowSecurityEvent applies the security event rate limiter, if any.
func (s *Server) allowSecurityEvent(key string) bool {
	if s.Auditor == nil {
		return false
	}
	if s.SecurityEventRateLimiter == nil {
		return true
	}
	return s.SecurityEventRateLimiter.Allow(key)
}

// startSpan starts a span when tracing is enabled. The returned span is a
// no-op otherwise.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return s.tracer.Start(ctx, name)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes and refresh tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
