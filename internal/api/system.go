package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/audit"
)

// handleHealth returns the server health status and shepherd counters.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"shepherd":  s.shepherd.Stats(),
		"ws_client": s.hub.ClientCount(),
	})
}

type permitJoinRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

// handlePermitJoin opens the join window for duration_seconds. Zero closes it.
func (s *Server) handlePermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DurationSeconds < 0 {
		writeBadRequest(w, "duration_seconds must not be negative")
		return
	}

	until := s.shepherd.PermitJoin(time.Duration(req.DurationSeconds) * time.Second)
	resp := map[string]any{"joinable": s.shepherd.Stats().Joinable}
	if !until.IsZero() {
		resp["until"] = until.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListAudit returns paginated audit entries.
//
// Query parameters:
//   - action: registered, deregistered, updated, expired or removed
//   - client_id: one device
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		ClientID: q.Get("client_id"),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
