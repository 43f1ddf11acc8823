package api

import (
	"encoding/json"
	"net/http"

	"postpipe/internal/domain"
)

type errorBody struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAccountMismatch:
		return http.StatusConflict
	case domain.KindLoginPrecheck, domain.KindSessionExpired, domain.KindNonRetryable:
		return http.StatusBadGateway
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", reqFields(r, err)...)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Kind: string(domain.KindOf(err)), Message: msg})
}
