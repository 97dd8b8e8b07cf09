package keyhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/ruteri/tee-confidential-io/keyhierarchy"
	"github.com/ruteri/tee-confidential-io/metrics"
)

// KeyAdmin is the key service surface the handler manages. It is the
// interfaces.KeyService operations plus the status metadata the hierarchy
// service keeps per slot.
type KeyAdmin interface {
	interfaces.KeyService
	Status(purpose interfaces.PurposeLabel) (keyhierarchy.SlotStatus, error)
	Purposes() []interfaces.PurposeLabel
}

// Handler processes HTTP requests for key hierarchy management. Every
// response is metadata only; SubKeyRef buffer handles are deliberately not
// serialized.
type Handler struct {
	keys KeyAdmin
	log  *slog.Logger
}

// NewHandler creates a new HTTP request handler for the key service.
func NewHandler(keys KeyAdmin, log *slog.Logger) *Handler {
	return &Handler{keys: keys, log: log}
}

// RegisterRoutes mounts the management endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/keys/derive", h.HandleDerive)
	r.Post("/api/keys/rotate", h.HandleRotate)
	r.Post("/api/keys/revoke", h.HandleRevoke)
	r.Get("/api/keys/status", h.HandleStatus)
	r.Get("/api/keys/purposes", h.HandlePurposes)
}

// PurposeRequest selects the purpose label a derive or rotate acts on.
type PurposeRequest struct {
	Purpose string `json:"purpose"`
}

// RevokeRequest identifies the key version to revoke.
type RevokeRequest struct {
	KeyID string `json:"key_id"`
}

// KeyResponse is the metadata of an issued subkey.
type KeyResponse struct {
	KeyID       string `json:"key_id"`
	Purpose     string `json:"purpose"`
	Version     uint32 `json:"version"`
	DecryptOnly bool   `json:"decrypt_only"`
}

// HandleDerive issues the active subkey for a purpose label.
//
// POST /api/keys/derive with {"purpose": "..."}; responds with the key's
// metadata.
func (h *Handler) HandleDerive(w http.ResponseWriter, r *http.Request) {
	var req PurposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	ref, err := h.keys.DeriveSubKey(interfaces.PurposeLabel(req.Purpose))
	if err != nil {
		httpError(w, err)
		return
	}

	writeJSON(w, h.log, keyResponse(ref))
}

// HandleRotate issues a new version for a purpose label.
//
// POST /api/keys/rotate with {"purpose": "..."}.
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	var req PurposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	ref, err := h.keys.Rotate(interfaces.PurposeLabel(req.Purpose))
	if err != nil {
		httpError(w, err)
		return
	}

	metrics.KeyRotations.Inc()
	h.log.Info("subkey rotated",
		slog.String("purpose", req.Purpose),
		slog.Uint64("version", uint64(ref.Version)))
	writeJSON(w, h.log, keyResponse(ref))
}

// HandleRevoke permanently disables the slot owning a key id.
//
// POST /api/keys/revoke with {"key_id": "<hex>"}.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	id, err := interfaces.KeyIDFromHex(req.KeyID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.keys.Revoke(id); err != nil {
		httpError(w, err)
		return
	}

	h.log.Warn("subkey revoked via management API", slog.String("key_id", req.KeyID))
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus reports the state of one purpose slot.
//
// GET /api/keys/status?purpose=...
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	purpose := r.URL.Query().Get("purpose")
	if purpose == "" {
		http.Error(w, "missing purpose parameter", http.StatusBadRequest)
		return
	}

	status, err := h.keys.Status(interfaces.PurposeLabel(purpose))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, h.log, status)
}

// HandlePurposes lists every purpose label the service has derived for.
//
// GET /api/keys/purposes
func (h *Handler) HandlePurposes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, h.keys.Purposes())
}

func keyResponse(ref interfaces.SubKeyRef) KeyResponse {
	return KeyResponse{
		KeyID:       ref.ID.String(),
		Purpose:     string(ref.Purpose),
		Version:     ref.Version,
		DecryptOnly: ref.DecryptOnly,
	}
}

func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrKeyRevoked):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, interfaces.ErrInvalidArgument),
		errors.Is(err, interfaces.ErrInvalidParameter),
		errors.Is(err, interfaces.ErrNameTooLong):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
