// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// KeyRequestID correlates all retries of one logical call.
const KeyRequestID Key = "request_id"

// Outgoing gRPC metadata names.
const (
	MetadataClientID  = "x-client-id"
	MetadataRequestID = "x-request-id"
	MetadataAttempt   = "x-request-attempt"
)

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, KeyRequestID, id)
}

// GetRequestID extracts request_id from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRequestID).(string); ok {
		return v
	}
	return ""
}
