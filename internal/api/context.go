package api

import "context"

type contextKey string

const deviceIDKey contextKey = "device_id"

// WithDeviceID returns a context carrying the authenticated device id.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// DeviceIDFromContext extracts the authenticated device id, or "" when the
// request was not authenticated.
func DeviceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(deviceIDKey).(string); ok {
		return id
	}
	return ""
}
