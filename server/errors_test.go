package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Mapping(t *testing.T) {
	tests := []struct {
		kind       ErrorKind
		wantCode   string
		wantStatus int
	}{
		{KindInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{KindInvalidClient, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{KindUnauthorizedClient, ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{KindInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{KindInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{KindUnsupportedGrantType, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{KindUnsupportedResponseType, ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{KindAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
		{KindAuthenticationFailed, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{KindAuthenticationUnavailable, ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{KindSigningFailure, ErrorCodeServerError, http.StatusInternalServerError},
		{KindServerError, ErrorCodeServerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			e := newError(tt.kind, "detail", nil)
			if e.Code() != tt.wantCode {
				t.Errorf("Code() = %q, want %q", e.Code(), tt.wantCode)
			}
			if e.HTTPStatus() != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", e.HTTPStatus(), tt.wantStatus)
			}
		})
	}
}

func TestError_PublicDescriptionHidesInternals(t *testing.T) {
	cause := errors.New("redis: connection refused at 10.1.2.3:6379")

	for _, kind := range []ErrorKind{KindServerError, KindSigningFailure, KindAuthenticationUnavailable} {
		e := newError(kind, "store write failed", cause)
		if got := e.PublicDescription(); got == e.Description || got == cause.Error() {
			t.Errorf("kind %d leaked %q", kind, got)
		}
	}

	if got := newError(KindInvalidScope, "requested scope exceeds client scope", nil).PublicDescription(); got != "requested scope exceeds client scope" {
		t.Errorf("PublicDescription() = %q", got)
	}
}

func TestError_Is(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", newError(KindInvalidGrant, "expired", cause))

	if !errors.Is(err, ErrInvalidGrant) {
		t.Error("should match sentinel of the same kind")
	}
	if errors.Is(err, ErrInvalidClient) {
		t.Error("should not match sentinel of another kind")
	}
	if !errors.Is(err, cause) {
		t.Error("should unwrap to the cause")
	}
	if errors.Is(newError(KindInvalidGrant, "a", nil), newError(KindInvalidGrant, "b", nil)) {
		t.Error("non-sentinel errors only match themselves")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
	plain := AsError(errors.New("boom"))
	if plain.Kind != KindServerError {
		t.Errorf("Kind = %d, want server error", plain.Kind)
	}
	wrapped := AsError(&GrantError{Err: newError(KindInvalidScope, "", nil)})
	if wrapped.Kind != KindInvalidScope {
		t.Errorf("Kind = %d, want invalid scope", wrapped.Kind)
	}
	if !newError(KindAuthenticationUnavailable, "", nil).Retryable() || ErrInvalidGrant.Retryable() {
		t.Error("only unavailable errors are retryable")
	}
}
