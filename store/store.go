// Package store persists the conversation history of sessions.
package store

import (
	"context"
	"time"

	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "store")

// TraceStore keeps the turns of each session in order
type TraceStore interface {
	// Turns returns the history of the session, empty if unknown
	Turns(ctx context.Context, sessionID string) (trace.Trace, error)
	// Append adds turns to the history of the session
	Append(ctx context.Context, sessionID string, turns ...trace.Turn) error
	// Reset deletes the history of the session
	Reset(ctx context.Context, sessionID string) error
}

// Manager lists and expires stored sessions
type Manager interface {
	TraceStore
	// Info returns the session info, or nil if the session is unknown
	Info(ctx context.Context, sessionID string) (*SessionInfo, error)
	// List returns the IDs of stored sessions
	List(ctx context.Context) ([]string, error)
	// Cleanup deletes sessions not updated for olderThan, and returns their count
	Cleanup(ctx context.Context, olderThan time.Duration) (uint32, error)
}

// SessionInfo describes a stored session
type SessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     int       `json:"turns"`
}
