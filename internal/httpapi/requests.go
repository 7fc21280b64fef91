package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mroxso/signet/internal/codeerr"
	"github.com/mroxso/signet/internal/queue"
)

const maxRequestsLimit = 50
const maxBatchApprove = 50

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	limit := maxRequestsLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 && v <= maxRequestsLimit {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	rows, err := s.queue.List(status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type approveRequestBody struct {
	Password    string `json:"password"`
	TrustLevel  string `json:"trustLevel"`
	AlwaysAllow bool   `json:"alwaysAllow"`
	AllowKind   string `json:"allowKind"`
	AppName     string `json:"appName"`
	Persist     *bool  `json:"persist"`
}

func (b approveRequestBody) options() queue.ApproveOptions {
	return queue.ApproveOptions{
		Password:    b.Password,
		TrustLevel:  b.TrustLevel,
		AlwaysAllow: b.AlwaysAllow,
		AllowKind:   b.AllowKind,
		AppName:     b.AppName,
		Persist:     b.Persist,
	}
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body approveRequestBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	row, err := s.queue.Approve(id, body.options())
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDenyRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := s.queue.Deny(id)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleBatchApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
		approveRequestBody
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(body.IDs) > maxBatchApprove {
		body.IDs = body.IDs[:maxBatchApprove]
	}
	results := s.queue.BatchApprove(body.IDs, body.approveRequestBody.options())
	writeJSON(w, http.StatusOK, results)
}

func writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, codeerr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, codeerr.ErrPasswordRequired):
		writeError(w, http.StatusBadRequest, "password required")
	case errors.Is(err, codeerr.ErrWrongPassphrase):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, codeerr.ErrPermissionDeny):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
