package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mroxso/signet/internal/connect"
	"github.com/mroxso/signet/internal/eventbus"
)

// handleApproveNostrConnect completes the client-initiated pairing flow
// (§4.8, §8 scenario 5): the operator pastes a nostrconnect:// URI the
// client displayed, picks the key and trust level, and this approves it
// exactly like a relay-initiated connect approval — grant the trust level,
// persist the client's relay set, publish the connect ack, and open the
// per-app subscription so future RPCs from that client are received.
func (s *Server) handleApproveNostrConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI         string `json:"uri"`
		KeyName     string `json:"keyName"`
		TrustLevel  string `json:"trustLevel"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" || req.KeyName == "" || req.TrustLevel == "" {
		writeError(w, http.StatusBadRequest, "uri, keyName, and trustLevel are required")
		return
	}

	uri, err := connect.ParseNostrConnectURI(req.URI)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	appID, err := s.connect.ApproveNostrConnect(r.Context(), uri, req.KeyName, req.TrustLevel, req.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.subMgr != nil {
		s.subMgr.OnAppConnected(appID, uri.ClientPubkey, uri.Relays)
	}

	s.bus.Emit(eventbus.KindAppConnected, appID)
	writeJSON(w, http.StatusOK, map[string]any{
		"appId":        appID,
		"clientPubkey": uri.ClientPubkey,
		"name":         uri.Name,
	})
}
