package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mroxso/signet/internal/codeerr"
)

func (s *Server) handleGetDeadManSwitch(w http.ResponseWriter, r *http.Request) {
	state, err := s.deadman.State()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSetDeadManSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled      bool   `json:"enabled"`
		TimeframeSec int    `json:"timeframeSec"`
		Passphrase   string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Passphrase != "" {
		if err := s.deadman.Reset(req.Passphrase); err != nil {
			writeDeadmanError(w, err)
			return
		}
	} else {
		// Disabling or lowering the timeframe needs passphrase proof.
		cur, err := s.deadman.State()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if (cur.Enabled && !req.Enabled) || req.TimeframeSec < cur.TimeframeSec {
			writeError(w, http.StatusUnauthorized, codeerr.ErrPasswordRequired.Error())
			return
		}
	}
	if err := s.deadman.SetConfig(req.Enabled, req.TimeframeSec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResetDeadManSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.deadman.Reset(req.Passphrase); err != nil {
		writeDeadmanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTestPanic(w http.ResponseWriter, r *http.Request) {
	s.deadman.TriggerPanic(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeDeadmanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, codeerr.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, codeerr.ErrWrongPassphrase):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
