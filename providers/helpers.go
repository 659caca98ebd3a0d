package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// WithHTTPClient returns a context that makes golang.org/x/oauth2 use client.
func WithHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// ClassifyTokenError maps an error from an upstream token request onto
// ErrBadCredentials or ErrUnavailable.
//
// Only a 400 or 401 answer from the token endpoint is a credential rejection.
// Deadlines, network errors and 5xx answers all mean unavailable.
func ClassifyTokenError(err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch status := retrieveErr.Response.StatusCode; {
		case status == http.StatusBadRequest || status == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrBadCredentials, retrieveErr.ErrorCode)
		case status >= http.StatusInternalServerError:
			return fmt.Errorf("%w: upstream status %d", ErrUnavailable, status)
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
