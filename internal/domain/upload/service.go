package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/dicomvault/dicomvault/internal/platform/storage"
	"github.com/dicomvault/dicomvault/pkg/chunker"
)

var (
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidPatientID  = errors.New("invalid patient id")
	ErrInvalidChunkIndex = errors.New("chunk index out of range")
	ErrSessionMismatch   = errors.New("session data mismatch")
	ErrSessionIncomplete = errors.New("upload session is not complete")
	ErrChunkMissing      = errors.New("staged chunk file missing")
)

// Folder names follow the {patientId}_{episodeId} convention, so the patient
// id itself must be a single path-safe token.
var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ChunkSubmission carries one chunk's metadata and payload.
type ChunkSubmission struct {
	SessionID   string
	PatientID   string
	Filename    string
	FileHash    string
	ChunkIndex  int
	TotalChunks int
	Body        io.Reader
}

// ChunkReceipt reports the session state after a chunk was recorded.
type ChunkReceipt struct {
	SessionID string `json:"session_id"`
	Received  int    `json:"received"`
	Total     int    `json:"total"`
	Complete  bool   `json:"complete"`
}

type Service struct {
	repo   SessionRepository
	store  storage.Store
	logger zerolog.Logger
}

func NewService(repo SessionRepository, store storage.Store, logger zerolog.Logger) *Service {
	return &Service{repo: repo, store: store, logger: logger}
}

// SubmitChunk validates and records one chunk. The first chunk for an unknown
// session id creates the session; later chunks must carry identical metadata.
// Re-receiving an index overwrites the staged bytes and path.
func (s *Service) SubmitChunk(ctx context.Context, sub ChunkSubmission) (*ChunkReceipt, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}

	sess, err := s.repo.Get(ctx, sub.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// Chunks for a new session may arrive concurrently, so every first
		// arrival races through this window. Create is idempotent; whichever
		// chunk won is re-read below and validated like any other arrival.
		if err := s.repo.Create(ctx, &Session{
			SessionID:   sub.SessionID,
			PatientID:   sub.PatientID,
			Filename:    sub.Filename,
			FileHash:    sub.FileHash,
			TotalChunks: sub.TotalChunks,
		}); err != nil {
			return nil, fmt.Errorf("create session %s: %w", sub.SessionID, err)
		}
		s.logger.Info().
			Str("session_id", sub.SessionID).
			Str("filename", sub.Filename).
			Int("total_chunks", sub.TotalChunks).
			Msg("upload session created")
		sess, err = s.repo.Get(ctx, sub.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sub.SessionID, err)
	}
	if !sess.Matches(sub.PatientID, sub.Filename, sub.FileHash, sub.TotalChunks) {
		return nil, ErrSessionMismatch
	}

	path, _, err := s.store.WriteChunk(sub.SessionID, sub.ChunkIndex, sub.Body)
	if err != nil {
		return nil, fmt.Errorf("stage chunk %d: %w", sub.ChunkIndex, err)
	}
	if err := s.repo.AddChunk(ctx, sub.SessionID, sub.ChunkIndex, path); err != nil {
		return nil, fmt.Errorf("record chunk %d: %w", sub.ChunkIndex, err)
	}

	sess, err = s.repo.Get(ctx, sub.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session %s: %w", sub.SessionID, err)
	}

	return &ChunkReceipt{
		SessionID: sess.SessionID,
		Received:  sess.Received(),
		Total:     sess.TotalChunks,
		Complete:  sess.IsComplete(),
	}, nil
}

// Get loads a session.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.Get(ctx, sessionID)
}

// Assemble concatenates a complete session's staged chunks in index order
// into one reconstructed file and returns its path. It fails fast if the
// session is incomplete or any staged chunk file is missing; no partial
// output is retained for downstream use.
func (s *Service) Assemble(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !sess.IsComplete() {
		return "", fmt.Errorf("%w: %d of %d chunks received", ErrSessionIncomplete, sess.Received(), sess.TotalChunks)
	}

	outPath := filepath.Join(s.store.SessionStagingDir(sessionID), "assembled_"+filepath.Base(sess.Filename))
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create assembled file: %w", err)
	}

	for i := 0; i < sess.TotalChunks; i++ {
		path, ok := sess.ChunkPaths[i]
		if !ok {
			out.Close()
			os.Remove(outPath)
			return "", fmt.Errorf("%w: index %d", ErrChunkMissing, i)
		}
		if err := appendFile(out, path); err != nil {
			out.Close()
			os.Remove(outPath)
			return "", fmt.Errorf("%w: index %d: %v", ErrChunkMissing, i, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("close assembled file: %w", err)
	}

	// The client-supplied hash is advisory; log a mismatch rather than fail.
	if sess.FileHash != "" {
		if actual, err := chunker.HashFile(outPath); err == nil && actual != sess.FileHash {
			s.logger.Warn().
				Str("session_id", sessionID).
				Str("expected", sess.FileHash).
				Str("actual", actual).
				Msg("assembled file hash differs from client-supplied hash")
		}
	}

	return outPath, nil
}

// Discard removes a session's record and staged files.
func (s *Service) Discard(ctx context.Context, sessionID string) error {
	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return err
	}
	return s.store.RemoveSessionStaging(sessionID)
}

// SweepExpired deletes sessions unchanged for longer than the retention
// window, along with their staged chunk files. Dangling sessions that never
// reach completeness are reclaimed here, not proactively.
func (s *Service) SweepExpired(ctx context.Context, retention time.Duration) (int, error) {
	ids, err := s.repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sweep upload sessions: %w", err)
	}
	for _, id := range ids {
		if err := s.store.RemoveSessionStaging(id); err != nil {
			s.logger.Debug().Err(err).Str("session_id", id).Msg("staging cleanup failed")
		}
	}
	return len(ids), nil
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

func validateSubmission(sub ChunkSubmission) error {
	switch {
	case sub.SessionID == "":
		return fmt.Errorf("%w: session_id", ErrMissingField)
	case sub.PatientID == "":
		return fmt.Errorf("%w: patient_id", ErrMissingField)
	case sub.Filename == "":
		return fmt.Errorf("%w: filename", ErrMissingField)
	case sub.FileHash == "":
		return fmt.Errorf("%w: file_hash", ErrMissingField)
	case sub.TotalChunks < 1:
		return fmt.Errorf("%w: total_chunks", ErrMissingField)
	case sub.Body == nil:
		return fmt.Errorf("%w: chunk payload", ErrMissingField)
	}
	if !patientIDPattern.MatchString(sub.PatientID) {
		return ErrInvalidPatientID
	}
	if sub.ChunkIndex < 0 || sub.ChunkIndex >= sub.TotalChunks {
		return ErrInvalidChunkIndex
	}
	return nil
}
