// Package session persists conversation contexts. Writes take a
// per-session advisory lock: single writer, many readers, with concurrent
// writers rejected as conflicts rather than queued.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/ocx/gateway/internal/core"
)

// Store is the persistence interface for sessions.
type Store interface {
	// Create persists a new session; an existing id is a conflict.
	Create(ctx context.Context, s *core.Session) error
	// Get returns the session or a not-found bad_request error.
	Get(ctx context.Context, sessionID string) (*core.Session, error)
	// Update applies fn to the current record under the session's advisory
	// write lock. A concurrently held lock is a conflict.
	Update(ctx context.Context, sessionID string, fn func(*core.Session) error) error
	// Delete removes the session. Deleting an absent session is a no-op.
	Delete(ctx context.Context, sessionID string) error
	// SweepIdle deletes sessions idle past the timeout, returning the count.
	SweepIdle(ctx context.Context, idleTimeout time.Duration) (int, error)
	// Close releases the underlying connections.
	Close() error
}

// Open builds a store from the SESSION_STORE_URL scheme. An empty URL
// yields the in-memory store for development.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "":
		return NewMemory(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return OpenRedis(url)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	default:
		return nil, core.E(core.KindInternal, "unsupported session store scheme: "+url)
	}
}

func errNotFound(sessionID string) error {
	return core.E(core.KindBadRequest, "unknown session "+sessionID)
}

func errWriteConflict(sessionID string) error {
	return core.E(core.KindConflict, "concurrent write to session "+sessionID)
}
