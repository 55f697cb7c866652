package upload

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("upload session not found")

// SessionRepository is the durable store of upload sessions. It survives
// process restart, so any instance can serve chunk N for a session
// regardless of which instance served chunk N-1.
type SessionRepository interface {
	// Create inserts the session if none exists yet. A concurrent or
	// repeated create against the same session_id is a no-op: the first
	// writer wins and the stored row stands.
	Create(ctx context.Context, s *Session) error
	// Get returns the session with its chunk map populated, or
	// ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID string) error
	// AddChunk records one index→path pair. Re-adding an index is
	// idempotent: the path is overwritten, the set of indices unchanged.
	AddChunk(ctx context.Context, sessionID string, index int, path string) error
	// DeleteOlderThan removes sessions unchanged since the cutoff and
	// returns their ids so staged chunk files can be reclaimed too.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}
