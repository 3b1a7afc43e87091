// Package server exposes the pipeline over a JSON HTTP API: document intake,
// status projection, the human review boundary and operator actions.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/internal/async"
	"github.com/intakehub/docpipe/internal/common"
	"github.com/intakehub/docpipe/internal/export"
	"github.com/intakehub/docpipe/internal/orchestrator"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/retry"
	"github.com/intakehub/docpipe/internal/storage"
)

type Server struct {
	Docs        repository.DocumentRepository
	Checkpoints repository.CheckpointRepository
	Fields      repository.FieldRepository
	Tables      repository.TableRepository
	Audit       repository.AuditRepository
	Store       storage.Store
	Orch        *orchestrator.Orchestrator
	Retry       *retry.Manager
	Queue       async.Queue
	Export      *export.Service
	DB          *repository.DB
	Logger      *slog.Logger
	MaxUpload   int64
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/documents", s.handleUpload)
	mux.HandleFunc("GET /v1/documents", s.handleListDocuments)
	mux.HandleFunc("GET /v1/documents/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /v1/documents/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /v1/admin/flagged", s.handleListFlagged)
	mux.HandleFunc("POST /v1/admin/review/{id}", s.handleSubmitReview)
	mux.HandleFunc("POST /v1/admin/reprocess", s.handleReprocess)
	mux.HandleFunc("GET /v1/admin/audit/{id}", s.handleAuditTrail)

	mux.HandleFunc("GET /v1/export/fields.xlsx", s.handleExportFields)
	mux.HandleFunc("GET /v1/export/flagged.xlsx", s.handleExportFlagged)

	return s.withLogging(withRequestID(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.HealthCheck(r.Context(), 5*time.Second, s.Logger); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := common.WithRequestID(r.Context(), reqID)
		if actor := r.Header.Get("X-Actor-Id"); actor != "" {
			ctx = common.WithActorID(ctx, actor)
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Logger.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"req_id", common.RequestIDFromContext(r.Context()),
			"elapsed_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the typed pipeline errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var lease *repository.LeaseConflictError
	var state *repository.InvalidStateError
	switch {
	case errors.Is(err, common.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &lease):
		writeError(w, http.StatusConflict, lease.Error())
	case errors.As(err, &state):
		writeError(w, http.StatusConflict, state.Error())
	default:
		s.Logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathUUID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}
