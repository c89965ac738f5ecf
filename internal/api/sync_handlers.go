package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tallydeck/tally/internal/store"
	syncwire "github.com/tallydeck/tally/internal/sync"
)

// Pull handles GET /sync/pull?last_pulled_at=<millis>.
// A missing or zero checkpoint means full sync.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	deviceID := DeviceIDFromContext(ctx)

	since, err := parseLastPulledAt(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	changes, timestamp, err := h.store.CollectChanges(ctx, deviceID, since)
	if err != nil {
		slog.Error("pull failed",
			"component", "api",
			"action", "sync_pull_failed",
			"device_id", deviceID,
			"last_pulled_at", since,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to collect changes")
		return
	}

	if err := h.store.TouchDevice(ctx, deviceID); err != nil {
		slog.Warn("touch device failed", "device_id", deviceID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(syncwire.PullResponse{Changes: *changes, Timestamp: timestamp})

	slog.Info("pull served",
		"component", "api",
		"action", "sync_pull",
		"device_id", deviceID,
		"last_pulled_at", since,
		"timestamp", timestamp,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Push handles POST /sync/push. The whole batch is applied atomically; a
// stale checkpoint yields 409 with zero rows applied, a row-level failure
// yields 422 with the error list, and success returns the created-id mapping
// the client needs to mark rows synced without a follow-up pull.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	deviceID := DeviceIDFromContext(ctx)

	var req syncwire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.LastPulledAt < 0 {
		WriteProblem(w, r, http.StatusBadRequest, "last_pulled_at must be >= 0")
		return
	}

	result, err := h.store.ApplyPush(ctx, deviceID, &req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			slog.Info("push rejected",
				"component", "api",
				"action", "sync_push_conflict",
				"device_id", deviceID,
				"last_pulled_at", req.LastPulledAt,
			)
			writePushError(w, http.StatusConflict, err)
		case errors.Is(err, store.ErrInvalidRow), errors.Is(err, store.ErrNotFound):
			slog.Warn("push invalid",
				"component", "api",
				"action", "sync_push_invalid",
				"device_id", deviceID,
				"error", err,
			)
			writePushError(w, http.StatusUnprocessableEntity, err)
		default:
			slog.Error("push failed",
				"component", "api",
				"action", "sync_push_failed",
				"device_id", deviceID,
				"error", err,
			)
			WriteProblem(w, r, http.StatusInternalServerError, "Push failed")
		}
		return
	}

	if err := h.store.TouchDevice(ctx, deviceID); err != nil {
		slog.Warn("touch device failed", "device_id", deviceID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(syncwire.PushResponse{
		OK:         true,
		Errors:     []string{},
		CreatedIDs: result.CreatedIDs,
		Timestamp:  result.Timestamp,
	})

	slog.Info("push applied",
		"component", "api",
		"action", "sync_push",
		"device_id", deviceID,
		"last_pulled_at", req.LastPulledAt,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// writePushError writes a PushResponse-shaped rejection so clients always
// parse the same body from the push endpoint.
func writePushError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(syncwire.PushResponse{
		OK:     false,
		Errors: []string{err.Error()},
	})
}

func parseLastPulledAt(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("last_pulled_at")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid last_pulled_at: must be an integer")
	}
	if since < 0 {
		return 0, fmt.Errorf("invalid last_pulled_at: must be >= 0")
	}
	return since, nil
}
