package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mroxso/signet/internal/eventbus"
)

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApps()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func appIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	id, ok := appIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid app id")
		return
	}
	var req struct {
		TrustLevel string `json:"trustLevel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TrustLevel == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	app, err := s.store.GetAppByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if _, err := s.acl.GrantByTrustLevel(app.KeyName, app.ClientPubkey, app.Description, req.TrustLevel); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.bus.Emit(eventbus.KindAppUpdated, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRevokeApp(w http.ResponseWriter, r *http.Request) {
	id, ok := appIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid app id")
		return
	}
	if err := s.store.RevokeApp(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if app, err := s.store.GetAppByID(id); err == nil {
		s.acl.Invalidate(app.KeyName, app.ClientPubkey)
	}
	s.bus.Emit(eventbus.KindAppRevoked, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSuspendApp(w http.ResponseWriter, r *http.Request) {
	id, ok := appIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid app id")
		return
	}
	var req struct {
		Until string `json:"until"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.store.SuspendApp(id, req.Until); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if app, err := s.store.GetAppByID(id); err == nil {
		s.acl.Invalidate(app.KeyName, app.ClientPubkey)
	}
	s.bus.Emit(eventbus.KindAppUpdated, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnsuspendApp(w http.ResponseWriter, r *http.Request) {
	id, ok := appIDFromPath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid app id")
		return
	}
	if err := s.store.UnsuspendApp(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if app, err := s.store.GetAppByID(id); err == nil {
		s.acl.Invalidate(app.KeyName, app.ClientPubkey)
	}
	s.bus.Emit(eventbus.KindAppUpdated, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSuspendAllApps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyName string `json:"keyName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	ids, err := s.store.SuspendAllApps(req.KeyName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.KeyName != "" {
		s.acl.InvalidateKey(req.KeyName)
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspended": ids})
}

func (s *Server) handleResumeAllApps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyName string `json:"keyName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	ids, err := s.store.ResumeAllApps(req.KeyName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.KeyName != "" {
		s.acl.InvalidateKey(req.KeyName)
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": ids})
}
