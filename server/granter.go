package server

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/token"
)

// GrantState is the position of a token request in the composite granter.
//
//	received -> client_validated -> grant_dispatched -> token_issued
//
// Any state may move to rejected.
type GrantState string

// Grant states
const (
	StateReceived        GrantState = "received"
	StateClientValidated GrantState = "client_validated"
	StateGrantDispatched GrantState = "grant_dispatched"
	StateTokenIssued     GrantState = "token_issued"
	StateRejected        GrantState = "rejected"
)

// TokenRequest is a token endpoint request after form parsing.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// password
	Username string
	Password string

	// refresh_token
	RefreshToken string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// Scopes is the parsed scope parameter; nil when absent.
	Scopes []string

	ClientIP string
}

// TokenResult is an issued token response.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	ExpiresAt    time.Time
	RefreshToken string
	Scopes       []string
	TokenID      string

	// Claims are the signed access token claims.
	Claims *token.Claims
}

// Granter is one grant type strategy.
type Granter interface {
	// GrantType returns the grant_type value this strategy handles.
	GrantType() string

	// Grant issues tokens for an authenticated client that is registered for
	// the grant type.
	Grant(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, error)
}

// ClientAuthenticator authenticates the client of a token request.
type ClientAuthenticator interface {
	AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error)
}

// GrantError is returned by CompositeGranter.Grant. State is the last state
// the request reached before it was rejected.
type GrantError struct {
	State     GrantState
	GrantType string
	Err       error
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("grant %q rejected at %s: %v", e.GrantType, e.State, e.Err)
}

// Unwrap returns the underlying *Error.
func (e *GrantError) Unwrap() error {
	return e.Err
}

// CompositeGranter dispatches token requests to the strategy registered for
// the grant type. Dispatch is an exact lookup; a request never falls back to
// another strategy.
type CompositeGranter struct {
	granters []Granter
	byType   map[string]Granter
	clients  ClientAuthenticator

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// NewCompositeGranter registers granters in order. Two granters for the same
// grant type are rejected.
func NewCompositeGranter(clients ClientAuthenticator, granters ...Granter) (*CompositeGranter, error) {
	if clients == nil {
		return nil, fmt.Errorf("client authenticator is required")
	}
	g := &CompositeGranter{
		byType:  make(map[string]Granter, len(granters)),
		clients: clients,
		logger:  slog.Default(),
	}
	for _, gr := range granters {
		gt := gr.GrantType()
		if gt == "" {
			return nil, fmt.Errorf("granter has an empty grant type")
		}
		if _, dup := g.byType[gt]; dup {
			return nil, fmt.Errorf("duplicate granter for grant type %q", gt)
		}
		g.byType[gt] = gr
		g.granters = append(g.granters, gr)
	}
	return g, nil
}

// GrantTypes returns the registered grant types in registration order.
func (g *CompositeGranter) GrantTypes() []string {
	out := make([]string, 0, len(g.granters))
	for _, gr := range g.granters {
		out = append(out, gr.GrantType())
	}
	return out
}

// Supports reports whether a strategy is registered for grantType.
func (g *CompositeGranter) Supports(grantType string) bool {
	_, ok := g.byType[grantType]
	return ok
}

func (g *CompositeGranter) setInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	g.tracer = inst.Tracer("granter")
	g.metrics = inst.Metrics()
}

// Grant runs a token request through the state machine.
func (g *CompositeGranter) Grant(ctx context.Context, req *TokenRequest) (*TokenResult, error) {
	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "oauth.grant")
		defer span.End()
	}

	state := StateReceived
	instrumentation.AddGrantTransition(span, string(state))

	reject := func(err error) error {
		oauthErr := AsError(err)
		instrumentation.AddGrantAttributes(span, req.GrantType, string(state))
		instrumentation.AddGrantTransition(span, string(StateRejected))
		instrumentation.RecordError(span, oauthErr)
		if g.metrics != nil {
			g.metrics.RecordGrantRejected(ctx, req.GrantType, string(state), oauthErr.Code())
		}
		return &GrantError{State: state, GrantType: req.GrantType, Err: oauthErr}
	}

	if req.GrantType == "" {
		return nil, reject(invalidRequest("missing grant_type"))
	}
	strategy, ok := g.byType[req.GrantType]
	if !ok {
		return nil, reject(newError(KindUnsupportedGrantType, fmt.Sprintf("unsupported grant type: %s", req.GrantType), nil))
	}

	client, err := g.clients.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, reject(err)
	}
	if client.IsIntrospectionOnly() {
		return nil, reject(newError(KindUnauthorizedClient, "client may only introspect tokens", nil))
	}
	if !client.SupportsGrant(req.GrantType) {
		return nil, reject(newError(KindUnauthorizedClient,
			fmt.Sprintf("client is not authorized for grant type %s", req.GrantType), nil))
	}
	if req.Scopes != nil && slices.Contains(req.Scopes, "") {
		return nil, reject(invalidRequest("malformed scope"))
	}
	state = StateClientValidated
	instrumentation.AddGrantTransition(span, string(state))

	state = StateGrantDispatched
	instrumentation.AddGrantTransition(span, string(state))
	result, err := strategy.Grant(ctx, req, client)
	if err != nil {
		return nil, reject(err)
	}

	state = StateTokenIssued
	instrumentation.AddGrantTransition(span, string(state))
	instrumentation.AddGrantAttributes(span, req.GrantType, string(state))
	instrumentation.SetSpanSuccess(span)
	if g.metrics != nil {
		g.metrics.RecordGrantIssued(ctx, req.GrantType, client.ClientID)
	}
	return result, nil
}
