package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
)

func TestClassifyTokenError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "invalid grant",
			err:  &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadRequest}, ErrorCode: "invalid_grant"},
			want: ErrBadCredentials,
		},
		{
			name: "unauthorized",
			err:  &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusUnauthorized}},
			want: ErrBadCredentials,
		},
		{
			name: "server error",
			err:  &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadGateway}},
			want: ErrUnavailable,
		},
		{
			name: "deadline",
			err:  fmt.Errorf("post: %w", context.DeadlineExceeded),
			want: ErrUnavailable,
		},
		{
			name: "other",
			err:  errors.New("connection refused"),
			want: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyTokenError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("ClassifyTokenError() = %v, want %v", got, tt.want)
			}
		})
	}

	if ClassifyTokenError(nil) != nil {
		t.Error("ClassifyTokenError(nil) must be nil")
	}
}

func TestPrincipal_Clone(t *testing.T) {
	p := &Principal{UserID: "1", Attributes: map[string]string{"full_name": "A"}, Scopes: []string{"READ"}}
	cp := p.Clone()
	cp.Attributes["full_name"] = "B"
	cp.Scopes[0] = "WRITE"
	if p.Attributes["full_name"] != "A" || p.Scopes[0] != "READ" {
		t.Error("Clone() must deep copy")
	}
	if (*Principal)(nil).Clone() != nil {
		t.Error("Clone() of nil must be nil")
	}
}

func TestWithHTTPClient(t *testing.T) {
	ctx := context.Background()
	if WithHTTPClient(ctx, nil) != ctx {
		t.Error("nil client must return the same context")
	}
	c := &http.Client{}
	if got, _ := WithHTTPClient(ctx, c).Value(oauth2.HTTPClient).(*http.Client); got != c {
		t.Error("client not stored in context")
	}
}
