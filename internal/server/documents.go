package server

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/common"
	"github.com/intakehub/docpipe/internal/repository"
)

type uploadResponse struct {
	ID         string `json:"id"`
	ContentRef string `json:"content_ref"`
	ValueTier  string `json:"value_tier"`
	State      string `json:"state"`
}

// handleUpload accepts a multipart PDF upload, stores the bytes, creates the
// document and enqueues it. The value tier is fixed here and never changes.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxUpload := s.MaxUpload
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()

	ext := constants.NormalizeExt(filepath.Ext(header.Filename))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported file extension: "+ext)
		return
	}

	tier := r.FormValue("value_tier")
	if tier == "" {
		tier = string(constants.TierStandard)
	}
	v := common.NewValidator()
	v.Field("value_tier", tier, common.OneOf(constants.ValueTiers...))
	v.Field("filename", header.Filename, common.Required, common.MaxLen(255))
	if v.HasErrors() {
		writeError(w, http.StatusBadRequest, v.Error().Error())
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	doc := &repository.Document{
		ID:         uuid.New(),
		Filename:   header.Filename,
		ValueTier:  tier,
	}
	if src := r.FormValue("source"); src != "" {
		doc.Source = &src
	}
	if applicant := r.FormValue("applicant_id"); applicant != "" {
		doc.ApplicantID = &applicant
	}
	if dt := r.FormValue("doc_type"); dt != "" {
		doc.DocType = &dt
	}
	doc.ContentRef = s.Store.Ref(doc.ID.String(), "original."+ext)

	ctx := r.Context()
	if err := s.Store.Upload(ctx, doc.ContentRef, data); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.Docs.Create(ctx, doc); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.Audit.Append(ctx, doc.ID, "document.uploaded", actorOr(ctx, "api"), map[string]any{
		"filename":   doc.Filename,
		"value_tier": doc.ValueTier,
		"bytes":      len(data),
	}); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.Queue.Enqueue(ctx, doc.ID, 0); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{
		ID:         doc.ID.String(),
		ContentRef: doc.ContentRef,
		ValueTier:  doc.ValueTier,
		State:      string(constants.DocQueued),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	docs, err := s.Docs.List(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

type checkpointView struct {
	Step      string         `json:"step"`
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	Error     *string        `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type statusResponse struct {
	ID          string           `json:"id"`
	State       string           `json:"state"`
	ValueTier   string           `json:"value_tier"`
	Checkpoints []checkpointView `json:"checkpoints"`
}

// handleStatus serves the lifecycle projection plus the raw ledger.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	ctx := r.Context()
	doc, err := s.Docs.GetByID(ctx, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	cps, err := s.Checkpoints.ListForDocument(ctx, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	state, err := s.Orch.State(ctx, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := statusResponse{
		ID:        doc.ID.String(),
		State:     string(state),
		ValueTier: doc.ValueTier,
	}
	for _, cp := range cps {
		resp.Checkpoints = append(resp.Checkpoints, checkpointView{
			Step:      cp.Step,
			Status:    cp.Status,
			Attempts:  cp.Attempts,
			Error:     cp.ErrorMessage,
			Detail:    cp.DetailMap(),
			UpdatedAt: cp.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	ctx := r.Context()
	if _, err := s.Docs.GetByID(ctx, id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.Orch.Cancel(ctx, id, actorOr(ctx, "api")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func actorOr(ctx context.Context, fallback string) string {
	if actor := common.ActorIDFromContext(ctx); actor != "" {
		return actor
	}
	return fallback
}
