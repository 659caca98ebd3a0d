package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values are identifiers and metadata only: never put
// tokens, codes, secrets or passwords on a span.
const (
	AttrClientID        = "oauth.client_id"
	AttrUserID          = "oauth.user_id"
	AttrScope           = "oauth.scope"
	AttrGrantType       = "oauth.grant_type"
	AttrGrantState      = "oauth.grant.state"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // identifier, not a credential
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // counter, not a credential

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"

	AttrHTTPMethod     = "http.method"
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPStatusCode = "http.status_code"

	// AttrClientIP is personal data in many jurisdictions. Only set it when
	// Instrumentation.ShouldLogClientIPs allows.
	AttrClientIP = "security.client_ip"
)

// All helpers below accept a nil span so callers can pass the result of an
// optional tracer unconditionally.

// RecordError records err and marks the span failed.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanError marks the span failed without an error value.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanSuccess marks the span Ok.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attrs on the span.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// nonEmpty builds string attributes from key/value pairs, dropping empty values.
func nonEmpty(pairs ...string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			attrs = append(attrs, attribute.String(pairs[i], pairs[i+1]))
		}
	}
	return attrs
}

// AddOAuthFlowAttributes sets the client, user and scope of a flow. Empty
// values are skipped; client_credentials tokens have no user.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	SetSpanAttributes(span, nonEmpty(AttrClientID, clientID, AttrUserID, userID, AttrScope, scope)...)
}

// AddGrantAttributes sets the grant type and the granter state reached.
func AddGrantAttributes(span trace.Span, grantType, state string) {
	SetSpanAttributes(span, nonEmpty(AttrGrantType, grantType, AttrGrantState, state)...)
}

// AddGrantTransition adds a "grant.<state>" event so the state machine path
// shows up on the span timeline.
func AddGrantTransition(span trace.Span, state string) {
	if span == nil || state == "" {
		return
	}
	span.AddEvent("grant."+state, trace.WithAttributes(attribute.String(AttrGrantState, state)))
}

// AddPKCEAttributes sets the code challenge method of a code exchange.
func AddPKCEAttributes(span trace.Span, method string) {
	SetSpanAttributes(span, nonEmpty(AttrPKCEMethod, method)...)
}

// AddTokenFamilyAttributes sets the refresh token family and generation.
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID == "" {
		return
	}
	SetSpanAttributes(span,
		attribute.String(AttrTokenFamilyID, familyID),
		attribute.Int(AttrTokenGeneration, generation))
}

// AddStorageAttributes sets the store operation and backend.
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span, nonEmpty(AttrStorageOperation, operation, AttrStorageType, storageType)...)
}

// AddProviderAttributes sets the user provider and the call made to it.
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span, nonEmpty(AttrProviderName, providerName, AttrProviderOperation, operation)...)
}

// AddHTTPAttributes sets the request method, endpoint name and response status.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	attrs := nonEmpty(AttrHTTPMethod, method, AttrHTTPEndpoint, endpoint)
	SetSpanAttributes(span, append(attrs, attribute.Int(AttrHTTPStatusCode, statusCode))...)
}

// AddClientIPAttribute sets the caller's IP address.
func AddClientIPAttribute(span trace.Span, clientIP string) {
	SetSpanAttributes(span, nonEmpty(AttrClientIP, clientIP)...)
}
