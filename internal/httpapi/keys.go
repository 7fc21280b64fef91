package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mroxso/signet/internal/codeerr"
	"github.com/mroxso/signet/internal/keystore"
)

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keystore.ListKeys()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type createKeyRequest struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase"`
	Confirm    string `json:"confirm"`
	Nsec       string `json:"nsec"`
	Ncryptsec  string `json:"ncryptsec"`
	Encryption string `json:"encryption"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	enc := keystore.Encryption(req.Encryption)
	if enc == "" {
		enc = keystore.EncryptionNIP49
	}
	info, err := s.keystore.Create(keystore.CreateInput{
		Name:       req.Name,
		Passphrase: req.Passphrase,
		Confirm:    req.Confirm,
		Nsec:       req.Nsec,
		Ncryptsec:  req.Ncryptsec,
		Encryption: enc,
	})
	if err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleRenameKey(w http.ResponseWriter, r *http.Request) {
	oldName := chi.URLParam(r, "name")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.keystore.Rename(oldName, req.Name); err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.keystore.Delete(name); err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLockAllKeys(w http.ResponseWriter, r *http.Request) {
	locked, err := s.keystore.LockAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": locked})
}

func (s *Server) handleUnlockKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.keystore.Unlock(name, req.Passphrase); err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLockKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.keystore.Lock(name); err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetPassphrase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Passphrase string `json:"passphrase"`
		Confirm    string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.keystore.SetPassphrase(name, req.Passphrase, req.Confirm); err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMigrateKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.keystore.Migrate(name, req.Passphrase); err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExportKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		ExportPassphrase string `json:"exportPassphrase"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	result, err := s.keystore.Export(name, req.ExportPassphrase)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMintConnectionToken(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Relays []string `json:"relays"`
		TTLSec int      `json:"ttlSec"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	pubHex, err := s.keystore.PublicKeyFor(name)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	relays := req.Relays
	if len(relays) == 0 {
		relays = s.cfg.Relays
	}
	ttl := time.Duration(req.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.ConnectionTokenTTL
	}
	bunker, err := s.connect.MintBunkerURI(name, pubHex, relays, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bunker)
}

// writeKeyError maps codeerr sentinels to the HTTP status table in §7.
func writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, codeerr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, codeerr.ErrNameInUse),
		errors.Is(err, codeerr.ErrPassphraseMismatch),
		errors.Is(err, codeerr.ErrWeakPassphrase),
		errors.Is(err, codeerr.ErrInvalidEncoding),
		errors.Is(err, codeerr.ErrNotEncrypted):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, codeerr.ErrWrongPassphrase):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, codeerr.ErrDbError):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
