// Package api exposes the server's HTTP surface: device auth, the pull/push
// sync protocol, and health/stats.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tallydeck/tally/internal/auth"
	"github.com/tallydeck/tally/internal/store"
	"github.com/tallydeck/tally/internal/types"
)

// Handler implements the API handlers.
type Handler struct {
	store    *store.SQLiteStore
	secret   []byte
	tokenTTL time.Duration
	version  string
}

// NewHandler creates a new Handler.
func NewHandler(s *store.SQLiteStore, secret []byte, tokenTTL time.Duration, version string) *Handler {
	return &Handler{
		store:    s,
		secret:   secret,
		tokenTTL: tokenTTL,
		version:  version,
	}
}

// Health returns the health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.CountSessions(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	devices, err := h.store.CountDevices(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	resp := types.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		SessionCount: sessions,
		DeviceCount:  devices,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// DeviceToken handles POST /auth/device: registers the device (idempotent)
// and returns a fresh bearer token.
func (h *Handler) DeviceToken(w http.ResponseWriter, r *http.Request) {
	var req types.DeviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.DeviceID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "device_id is required")
		return
	}

	if err := h.store.RegisterDevice(r.Context(), req.DeviceID); err != nil {
		slog.Error("device registration failed", "device_id", req.DeviceID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	token, err := auth.GenerateToken(req.DeviceID, h.secret, h.tokenTTL)
	if err != nil {
		slog.Error("token generation failed", "device_id", req.DeviceID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	slog.Info("device token issued",
		"component", "api",
		"action", "device_token",
		"device_id", req.DeviceID,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.DeviceTokenResponse{
		Token:     token,
		ExpiresIn: int64(h.tokenTTL.Seconds()),
	})
}

// Stats handles GET /stats, scoped to the authenticated device.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	deviceID := DeviceIDFromContext(r.Context())

	stats, err := h.store.GetDeviceStats(r.Context(), deviceID)
	if err != nil {
		slog.Error("stats query failed", "device_id", deviceID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	resp := types.StatsResponse{
		DeviceID:      deviceID,
		Sessions:      stats.Sessions,
		Active:        stats.Active,
		Completed:     stats.Completed,
		Epochs:        stats.Epochs,
		EntriesScored: stats.Entries,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
