package extraction

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("extraction session not found")
	ErrSessionExists   = errors.New("extraction session already exists")
)

// SessionRepository stores extraction progress durably so any instance can
// answer a status poll. Update calls for a session already in a terminal
// state are dropped by the implementation, which keeps the terminal
// transition idempotent.
type SessionRepository interface {
	// Create inserts a new session, or returns ErrSessionExists when a
	// row for the id is already present.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Update overwrites stage, message and counters. It is a no-op for
	// sessions already marked complete.
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID string) error
	// SetComplete freezes the session with its final counters, success set
	// and error cleared.
	SetComplete(ctx context.Context, sessionID, stage, message string) error
	// SetError freezes the session in a failed state with the given
	// human-readable message; success is cleared.
	SetError(ctx context.Context, sessionID, message string) error
	// DeleteOlderThan removes sessions untouched since the cutoff,
	// regardless of completion state, and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
