// Package ctxutil provides shared context key accessors.
//
// server populates the request scope and mcp reads it; both import ctxutil
// instead of each other.
package ctxutil

import "context"

type contextKey string

const (
	keyWorkspaceID contextKey = "workspace_id"
	keySessionID   contextKey = "session_id"
	keyRequestID   contextKey = "request_id"
)

// WithWorkspaceID returns a new context carrying the caller's workspace.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyWorkspaceID, id)
}

// WorkspaceIDFromContext returns the workspace, or "" when none was set.
func WorkspaceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyWorkspaceID).(string)
	return v
}

// WithSessionID returns a new context carrying the caller's session.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keySessionID, id)
}

// SessionIDFromContext returns the session, or nil when none was set.
func SessionIDFromContext(ctx context.Context) *string {
	if v, ok := ctx.Value(keySessionID).(string); ok && v != "" {
		return &v
	}
	return nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}
