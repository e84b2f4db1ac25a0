package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/roach88/playsync/internal/model"
	"github.com/roach88/playsync/internal/reconcile"
)

// Error codes carried in model.ErrorResponse.
const (
	codeMalformed       = "MALFORMED_REQUEST"
	codeValidation      = "VALIDATION_FAILED"
	codeKeyReuse        = "KEY_REUSE"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeForbidden       = "FORBIDDEN"
	codeNotFound        = "NOT_FOUND"
	codeInternal        = "INTERNAL"
)

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	var req model.BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeMalformed, "malformed batch: "+err.Error(), nil)
		return
	}
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		switch {
		case req.IdempotencyKey == "":
			req.IdempotencyKey = header
		case req.IdempotencyKey != header:
			writeError(w, http.StatusBadRequest, codeValidation, "Idempotency-Key header does not match body", nil)
			return
		}
	}
	if !claimsFrom(r.Context()).AllowsChild(req.Session.ChildID) {
		writeError(w, http.StatusForbidden, codeForbidden, "token does not grant access to child "+req.Session.ChildID, nil)
		return
	}

	resp, err := s.svc.Apply(r.Context(), reconcile.NewApplyRequest(sessionID, req))
	if err != nil {
		writeApplyError(w, sessionID, err)
		return
	}
	status := http.StatusOK
	if resp.Duplicate {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func writeApplyError(w http.ResponseWriter, sessionID string, err error) {
	var verr *reconcile.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, codeValidation, verr.Error(), verr.RejectedEventIDs())
	case errors.Is(err, reconcile.ErrKeyReuse):
		writeError(w, http.StatusUnprocessableEntity, codeKeyReuse, reconcile.ErrKeyReuse.Error(), nil)
	default:
		slog.Error("apply failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	childID, gameID := vars["childId"], vars["gameInstanceId"]
	if !claimsFrom(r.Context()).AllowsChild(childID) {
		writeError(w, http.StatusForbidden, codeForbidden, "token does not grant access to child "+childID, nil)
		return
	}

	agg, found, err := s.svc.Aggregate(r.Context(), childID, gameID)
	if err != nil {
		slog.Error("load aggregate failed", "child_id", childID, "game_instance_id", gameID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error", nil)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, codeNotFound, "no progress recorded", nil)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string, rejected []string) {
	writeJSON(w, status, model.ErrorResponse{Code: code, Error: msg, RejectedEventIDs: rejected})
}
