// Package server exposes the panel API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/auth"
	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/files"
	"github.com/paneld/paneld/internal/guard"
	"github.com/paneld/paneld/internal/metrics"
	"github.com/paneld/paneld/internal/sandbox"
	"github.com/paneld/paneld/internal/supervisor"
	"github.com/paneld/paneld/internal/ws"
)

const maxBodyBytes = 64 << 20

// Sandboxes is the lifecycle surface of sandbox.Manager.
type Sandboxes interface {
	Status(ctx context.Context, panelID string) (*sandbox.Status, error)
	Start(ctx context.Context, panelID string, req sandbox.StartRequest) (*sandbox.Status, error)
	Deploy(ctx context.Context, panelID string, req sandbox.StartRequest) (*sandbox.Status, error)
	Stop(ctx context.Context, panelID string) (*sandbox.Status, error)
	Restart(ctx context.Context, panelID string) (*sandbox.Status, error)
	Destroy(ctx context.Context, panelID string) error
	CommandTarget(ctx context.Context, panelID string, hint sandbox.Tier) (sandbox.Tier, supervisor.Boundary, error)
}

// Logs is the output surface of supervisor.Adapter.
type Logs interface {
	Logs(ctx context.Context, panelID string, lines int) (*supervisor.Logs, error)
	Clear(ctx context.Context, panelID string) error
}

type Server struct {
	Auth      *auth.Auth
	Sandboxes Sandboxes
	Logs      Logs
	Files     *files.Gateway
	Guard     *guard.Executor
	Terminal  *ws.Handler
	Logger    *zap.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Post("/api", s.handleAPI)
	})

	// Terminal auth is the ?key= parameter, checked inside.
	if s.Terminal != nil {
		r.Get("/terminal/{panelId}", func(w http.ResponseWriter, r *http.Request) {
			s.Terminal.ServeHTTP(w, r, chi.URLParam(r, "panelId"))
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, req *apiRequest, err error) {
	status := errkind.HTTPStatus(err)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if req != nil {
		fields = append(fields, zap.String("action", req.Action), zap.String("panel_id", req.PanelID))
	}
	if status >= http.StatusInternalServerError {
		s.Logger.Error("api request failed", fields...)
	} else {
		s.Logger.Info("api request refused", fields...)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
