// Package types holds the server's non-sync API contracts: device auth,
// health and stats payloads. The sync wire shapes live in internal/sync.
package types

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	SessionCount int64  `json:"session_count"`
	DeviceCount  int64  `json:"device_count"`
}

// StatsResponse is the body of GET /stats, scoped to the calling device.
type StatsResponse struct {
	DeviceID      string `json:"device_id"`
	Sessions      int64  `json:"sessions"`
	Active        int64  `json:"active"`
	Completed     int64  `json:"completed"`
	Epochs        int64  `json:"epochs"`
	EntriesScored int64  `json:"entries_scored"`
}

// DeviceTokenRequest is the body of POST /auth/device.
type DeviceTokenRequest struct {
	DeviceID string `json:"device_id"`
}

// DeviceTokenResponse is the body returned by POST /auth/device.
type DeviceTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}
