package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/common"
)

func (s *Server) handleListFlagged(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	flagged, err := s.Orch.ListFlagged(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flagged": flagged})
}

type reviewRequest struct {
	Decision    string            `json:"decision"`
	Corrections map[string]string `json:"corrections,omitempty"`
	Comment     string            `json:"comment,omitempty"`
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v := common.NewValidator()
	v.Field("decision", req.Decision, common.Required, common.OneOf(constants.ReviewDecisions...))
	if v.HasErrors() {
		writeError(w, http.StatusBadRequest, v.Error().Error())
		return
	}

	ctx := r.Context()
	actor := actorOr(ctx, "reviewer")
	err := s.Orch.SubmitReview(ctx, id, constants.ReviewDecision(req.Decision), req.Corrections, req.Comment, actor)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	state, err := s.Orch.State(ctx, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"decision": req.Decision,
		"state":    string(state),
	})
}

type reprocessRequest struct {
	DocumentID string `json:"document_id"`
	Step       string `json:"step,omitempty"`
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := uuid.Parse(req.DocumentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	var step *constants.Step
	if req.Step != "" {
		st := constants.Step(req.Step)
		if constants.StepIndex(constants.ScannedPlan, st) < 0 {
			writeError(w, http.StatusBadRequest, "unknown step: "+req.Step)
			return
		}
		step = &st
	}

	ctx := r.Context()
	task, err := s.Retry.Reprocess(ctx, id, step, actorOr(ctx, "operator"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID.String(),
		"status":  "queued",
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	entries, err := s.Audit.ListForDocument(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}
