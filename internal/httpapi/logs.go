package httpapi

import (
	"net/http"
	"strconv"
)

// handleGetLogs answers `GET /logs?level&search&limit` (§6). "level" only
// applies to the runtime ring buffer (internal/audit); the persisted
// activity/admin-event tables have no level concept, so a level filter
// restricts the response to runtime entries only. Without a level filter,
// all three sources are returned side by side so the admin UI can render
// one combined timeline.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level := q.Get("level")
	search := q.Get("search")
	limit := 200
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}

	resp := struct {
		Runtime     any `json:"runtime"`
		Activity    any `json:"activity,omitempty"`
		AdminEvents any `json:"adminEvents,omitempty"`
	}{}

	resp.Runtime = s.audit.Snapshot(level, search, limit)

	if level == "" {
		activity, err := s.store.ListLogs(search, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Activity = activity

		adminEvents, err := s.store.ListAdminEvents(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.AdminEvents = adminEvents
	}

	writeJSON(w, http.StatusOK, resp)
}
