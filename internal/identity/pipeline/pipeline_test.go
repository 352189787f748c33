package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/craftlane/identity-core/internal/identity/backend"
	"github.com/craftlane/identity-core/internal/identity/session"
	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
)

// refreshingBackend serves Refresh with sequential tokens and panics if any
// other backend method is touched.
type refreshingBackend struct {
	backend.IdentityBackend

	calls atomic.Int64
	fail  bool
}

func (r *refreshingBackend) Refresh(context.Context, string) (backend.TokenPair, error) {
	n := r.calls.Add(1)
	if r.fail {
		return backend.TokenPair{}, apperrors.New(apperrors.CodeAuthRefreshExpired, "refresh token expired")
	}
	return backend.TokenPair{
		AccessToken:     "access-" + string(rune('0'+n)),
		RefreshToken:    "refresh-" + string(rune('0'+n)),
		AccessExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func newTestManager(b backend.IdentityBackend) *session.Manager {
	m := session.NewManager(b, session.Config{RefreshMargin: time.Minute}, nil)
	m.Establish(backend.AuthResult{
		PrincipalID: "user-1",
		Email:       "ada@example.com",
		Verified:    true,
		Tokens: backend.TokenPair{
			AccessToken:     "access-0",
			RefreshToken:    "refresh-0",
			AccessExpiresAt: time.Now().Add(time.Hour),
		},
	})
	return m
}

func TestDoAttachesBearerAndAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-0" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if got := r.Header.Get("X-Api-Key"); got != "key-1" {
			t.Errorf("unexpected api key header %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(newTestManager(&refreshingBackend{}), server.Client(), "key-1")
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDoRefreshesAndReplaysOn401(t *testing.T) {
	var requests atomic.Int64
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("replay should carry refreshed token, got %q", got)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	rb := &refreshingBackend{}
	c := NewClient(newTestManager(rb), server.Client(), "")
	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"q":1}`))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from replay, got %d", resp.StatusCode)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected exactly one replay, saw %d requests", got)
	}
	if got := rb.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] {
		t.Fatalf("expected identical bodies on replay, got %q", bodies)
	}
}

func TestDoSecond401IsTerminal(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(newTestManager(&refreshingBackend{}), server.Client(), "")
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	_, err = c.Do(req)
	if apperrors.GetCode(err) != apperrors.CodeAuthExpired {
		t.Fatalf("expected AUTH_EXPIRED, got %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected exactly two requests, got %d", got)
	}
}

func TestDoPropagatesRefreshExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(newTestManager(&refreshingBackend{fail: true}), server.Client(), "")
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	_, err = c.Do(req)
	if apperrors.GetCode(err) != apperrors.CodeAuthRefreshExpired {
		t.Fatalf("expected AUTH_REFRESH_EXPIRED, got %v", err)
	}
}

func TestDoLeavesNonAuthFailuresAlone(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	c := NewClient(newTestManager(&refreshingBackend{}), server.Client(), "")
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 passthrough, got %d", resp.StatusCode)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected no retry on validation failure, got %d requests", got)
	}
}

func TestDoWithoutSession(t *testing.T) {
	c := NewClient(session.NewManager(&refreshingBackend{}, session.Config{}, nil), nil, "")
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:0/", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if _, err := c.Do(req); apperrors.GetCode(err) != apperrors.CodeAuthNotAuthenticated {
		t.Fatalf("expected AUTH_NOT_AUTHENTICATED, got %v", err)
	}
}

func TestInvokeReplaysOnAuthExpired(t *testing.T) {
	rb := &refreshingBackend{}
	m := newTestManager(rb)

	var calls int
	got, err := Invoke(context.Background(), m, func(_ context.Context, bearer string) (string, error) {
		calls++
		if calls == 1 {
			return "", apperrors.New(apperrors.CodeAuthExpired, "token expired")
		}
		return "hello " + bearer, nil
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != "hello access-1" {
		t.Fatalf("expected replay with refreshed bearer, got %q", got)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one replay, got %d calls", calls)
	}
}

func TestInvokeSecondExpiryIsTerminal(t *testing.T) {
	m := newTestManager(&refreshingBackend{})

	var calls int
	_, err := Invoke(context.Background(), m, func(context.Context, string) (string, error) {
		calls++
		return "", apperrors.New(apperrors.CodeAuthExpired, "token expired")
	})
	if apperrors.GetCode(err) != apperrors.CodeAuthExpired {
		t.Fatalf("expected AUTH_EXPIRED, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly two calls, got %d", calls)
	}
}

func TestInvokeDoesNotRetryOtherFailures(t *testing.T) {
	m := newTestManager(&refreshingBackend{})

	var calls int
	_, err := Invoke(context.Background(), m, func(context.Context, string) (string, error) {
		calls++
		return "", apperrors.New(apperrors.CodeNotAuthorized, "not allowed")
	})
	if apperrors.GetCode(err) != apperrors.CodeNotAuthorized {
		t.Fatalf("expected NOT_AUTHORIZED, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}
