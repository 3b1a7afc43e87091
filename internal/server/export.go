package server

import (
	"net/http"
	"strconv"
	"time"
)

func exportLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 500
}

func (s *Server) handleExportFields(w http.ResponseWriter, r *http.Request) {
	data, err := s.Export.ExportFieldsXLSX(r.Context(), exportLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	serveXLSX(w, "fields", data)
}

func (s *Server) handleExportFlagged(w http.ResponseWriter, r *http.Request) {
	data, err := s.Export.ExportFlaggedXLSX(r.Context(), exportLimit(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	serveXLSX(w, "flagged", data)
}

func serveXLSX(w http.ResponseWriter, name string, data []byte) {
	filename := name + "-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
