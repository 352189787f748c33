// Package pipeline wraps outbound calls with the current bearer token and a
// bounded refresh-and-replay on authentication expiry.
//
// A call that comes back 401 triggers exactly one session refresh (shared
// with every other caller through the session manager's single flight) and is
// replayed exactly once. A second 401 is terminal so a backend that never
// accepts the refreshed token cannot trap callers in a retry loop.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/craftlane/identity-core/internal/identity/session"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
)

// Client dispatches HTTP requests with authentication attached.
type Client struct {
	sessions *session.Manager
	http     *http.Client
	apiKey   string
}

// NewClient wraps an HTTP client with bearer attachment and replay. The API
// key is optional and sent as X-Api-Key when present.
func NewClient(sessions *session.Manager, httpClient *http.Client, apiKey string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{sessions: sessions, http: httpClient, apiKey: apiKey}
}

// Do sends the request with the current bearer token. On a 401 response it
// refreshes the session and replays the request once; replay requires a
// rewindable body (req.GetBody, which http.NewRequest sets for common body
// types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	bearer, err := c.sessions.CurrentBearer()
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, bearer)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// The backend rejected a token the expiry window still considered
	// fresh; refresh unconditionally and replay once.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	refreshed, err := c.sessions.ForceRefresh(req.Context())
	if err != nil {
		return nil, err
	}

	replay, err := rewind(req)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(replay, refreshed.Tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, apperrors.New(apperrors.CodeAuthExpired, "request rejected after token refresh")
	}
	return resp, nil
}

func (c *Client) send(req *http.Request, bearer string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+bearer)
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetworkError, "request dispatch failed", err)
	}
	return resp, nil
}

// rewind clones the request with a fresh body for replay.
func rewind(req *http.Request) (*http.Request, error) {
	replay := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return replay, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body: %w", err)
	}
	replay.Body = body
	return replay, nil
}

// Invoke runs a typed outbound call with the current bearer, applying the
// same refresh-and-replay policy as Do. The call reports authentication
// expiry by returning an AUTH_EXPIRED domain error; every other failure
// propagates immediately.
func Invoke[T any](ctx context.Context, sessions *session.Manager, call func(ctx context.Context, bearer string) (T, error)) (T, error) {
	var zero T

	bearer, err := sessions.CurrentBearer()
	if err != nil {
		return zero, err
	}

	result, err := call(ctx, bearer)
	if err == nil || apperrors.GetCode(err) != apperrors.CodeAuthExpired {
		return result, err
	}

	refreshed, err := sessions.ForceRefresh(ctx)
	if err != nil {
		return zero, err
	}

	result, err = call(ctx, refreshed.Tokens.AccessToken)
	if err != nil && apperrors.GetCode(err) == apperrors.CodeAuthExpired {
		return zero, apperrors.Wrap(apperrors.CodeAuthExpired, "call rejected after token refresh", err)
	}
	return result, err
}
