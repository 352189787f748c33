package identity

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/craftlane/identity-core/internal/workspace/authority"
	"github.com/craftlane/identity-core/internal/workspace/member"
	workspacesqlite "github.com/craftlane/identity-core/internal/workspace/storage/sqlite"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, os.LookupEnv)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "localhost:8090" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DataDir != "data" {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if cfg.SweepInterval != time.Hour {
		t.Fatalf("expected default sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("CRAFTLANE_IDENTITY_HTTP_ADDR", "env-http")
	t.Setenv("CRAFTLANE_INVITE_SWEEP_INTERVAL", "30m")

	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	args := []string{"-http-addr", "flag-http", "-data-dir", "/tmp/identity"}
	cfg, err := ParseConfig(fs, args, os.LookupEnv)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DataDir != "/tmp/identity" {
		t.Fatalf("expected flag data dir, got %q", cfg.DataDir)
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Fatalf("expected env sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestParseConfigBadSweepInterval(t *testing.T) {
	t.Setenv("CRAFTLANE_INVITE_SWEEP_INTERVAL", "soon")

	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil, os.LookupEnv); err == nil {
		t.Fatal("expected error for invalid sweep interval")
	}
}

func newTestAuthority(t *testing.T) *authority.Authority {
	t.Helper()
	store, err := workspacesqlite.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return authority.New(store, authority.Config{InviteTTL: 168 * time.Hour}, nil, nil)
}

func TestHandlerHealth(t *testing.T) {
	handler := NewHandler(newTestAuthority(t))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandlerDecisionRequiresParams(t *testing.T) {
	handler := NewHandler(newTestAuthority(t))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decision?workspace_id=ws-1", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandlerDecision(t *testing.T) {
	auth := newTestAuthority(t)
	ws, owner, err := auth.CreateWorkspace(context.Background(), authority.CreateWorkspaceInput{
		OwnerID:      "user-1",
		OwnerEmail:   "owner@example.com",
		Slug:         "atelier",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Atelier",
	})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	handler := NewHandler(auth)

	w := httptest.NewRecorder()
	target := "/v1/decision?workspace_id=" + ws.ID + "&user_id=" + owner.UserID + "&capability=" + string(member.PermissionManageMembers)
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Allowed bool  `json:"allowed"`
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Allowed {
		t.Fatal("owner should be allowed to manage members")
	}
	if body.Version != 1 {
		t.Fatalf("version = %d, want 1", body.Version)
	}

	// Unknown principals answer with a denial, never an error.
	w = httptest.NewRecorder()
	target = "/v1/decision?workspace_id=" + ws.ID + "&user_id=stranger&capability=view_content"
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Allowed || body.Version != 0 {
		t.Fatalf("stranger decision = %+v, want denial", body)
	}
}

func TestHandlerWorkspaceBySlug(t *testing.T) {
	auth := newTestAuthority(t)
	ws, _, err := auth.CreateWorkspace(context.Background(), authority.CreateWorkspaceInput{
		OwnerID:      "user-1",
		OwnerEmail:   "owner@example.com",
		Slug:         "atelier",
		BusinessType: workspace.BusinessTypeRetail,
		DisplayName:  "Atelier",
	})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	handler := NewHandler(auth)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/workspaces/atelier", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		ID           string `json:"id"`
		Slug         string `json:"slug"`
		BusinessType string `json:"business_type"`
		Locked       bool   `json:"locked"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ID != ws.ID || body.Slug != "atelier" || body.BusinessType != "RETAIL" || body.Locked {
		t.Fatalf("workspace body = %+v", body)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/workspaces/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
