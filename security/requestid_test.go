package security

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("GenerateRequestID() = %q is not a UUID: %v", id, err)
	}
	if id == GenerateRequestID() {
		t.Error("request IDs must be unique")
	}
	if !isValidRequestID(id) {
		t.Error("generated request ID must pass validation")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		upstreamID string
		wantKeep   bool
	}{
		{"no upstream id", "", false},
		{"valid upstream id", "req_abc-123", true},
		{"crlf injection", "abc\r\nSet-Cookie: x=y", false},
		{"too long", strings.Repeat("a", 129), false},
		{"invalid characters", "abc/def", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				ctxID = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstreamID != "" {
				req.Header.Set(RequestIDHeader, tt.upstreamID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if got == "" {
				t.Fatal("response missing request ID")
			}
			if got != ctxID {
				t.Errorf("context ID %q != header ID %q", ctxID, got)
			}
			if tt.wantKeep && got != tt.upstreamID {
				t.Errorf("upstream ID not preserved: got %q", got)
			}
			if !tt.wantKeep && got == tt.upstreamID {
				t.Errorf("invalid upstream ID %q was propagated", got)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetRequestID(req.Context()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}

func TestRequestIDAttr(t *testing.T) {
	if attr := RequestIDAttr(context.Background()); !attr.Equal(slog.Attr{}) {
		t.Errorf("RequestIDAttr() without ID = %v, want empty", attr)
	}
	attr := RequestIDAttr(WithRequestID(context.Background(), "abc"))
	if attr.Key != "request_id" || attr.Value.String() != "abc" {
		t.Errorf("RequestIDAttr() = %v", attr)
	}
}
