// Package identity wires the workspace authorization service: the sqlite
// stores, the authority, the invitation expiry sweep, and a small HTTP
// surface for health checks and permission decisions.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/craftlane/identity-core/internal/platform/errors"
	"github.com/craftlane/identity-core/internal/platform/otel"
	"github.com/craftlane/identity-core/internal/platform/timeouts"
	"github.com/craftlane/identity-core/internal/workspace/authority"
	"github.com/craftlane/identity-core/internal/workspace/member"
	workspacesqlite "github.com/craftlane/identity-core/internal/workspace/storage/sqlite"
	"github.com/craftlane/identity-core/internal/workspace/workspace"
)

// Config holds identity command configuration.
type Config struct {
	HTTPAddr      string
	DataDir       string
	SweepInterval time.Duration
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config. Flags override environment
// values.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		HTTPAddr:      envOrDefault(lookup, []string{"CRAFTLANE_IDENTITY_HTTP_ADDR"}, "localhost:8090"),
		DataDir:       envOrDefault(lookup, []string{"CRAFTLANE_DATA_DIR"}, "data"),
		SweepInterval: time.Hour,
	}
	if raw := envOrDefault(lookup, []string{"CRAFTLANE_INVITE_SWEEP_INTERVAL"}, ""); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse CRAFTLANE_INVITE_SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = parsed
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The identity HTTP server address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding the sqlite databases")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "How often stale invitations are expired")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the identity service and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	shutdownTracing, err := otel.Setup(ctx, "identity")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := workspacesqlite.Open(filepath.Join(cfg.DataDir, "workspace.db"))
	if err != nil {
		return fmt.Errorf("open workspace store: %w", err)
	}
	defer store.Close()

	authCfg, err := authority.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load authority config: %w", err)
	}
	auth := authority.New(store, authCfg, nil, nil)

	go sweepInvitations(ctx, auth, cfg.SweepInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewHandler(auth),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown http server: %v", err)
		}
	}()

	log.Printf("listening on %s", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// sweepInvitations periodically expires stale pending invitations.
func sweepInvitations(ctx context.Context, auth *authority.Authority, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := auth.ExpireInvitations(ctx)
			if err != nil {
				log.Printf("expire invitations: %v", err)
				continue
			}
			if expired > 0 {
				log.Printf("expired %d stale invitations", expired)
			}
		}
	}
}

// NewHandler builds the HTTP surface: a health check, the permission
// decision endpoint other services call for fresh authorization reads, and a
// slug lookup for resolving workspace handles.
func NewHandler(auth *authority.Authority) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/decision", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		workspaceID := strings.TrimSpace(q.Get("workspace_id"))
		userID := strings.TrimSpace(q.Get("user_id"))
		capability := strings.TrimSpace(q.Get("capability"))
		if workspaceID == "" || userID == "" || capability == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workspace_id, user_id, and capability are required"})
			return
		}
		decision, err := auth.CheckPermission(r.Context(), workspaceID, userID, member.Permission(capability))
		if err != nil {
			log.Printf("check permission: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"allowed": decision.Allowed,
			"version": decision.Version,
		})
	})
	mux.HandleFunc("GET /v1/workspaces/{slug}", func(w http.ResponseWriter, r *http.Request) {
		ws, err := auth.WorkspaceBySlug(r.Context(), r.PathValue("slug"))
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "workspace not found"})
				return
			}
			log.Printf("workspace by slug: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            ws.ID,
			"slug":          ws.Slug,
			"business_type": workspace.BusinessTypeLabel(ws.BusinessType),
			"locked":        ws.IsLocked,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
