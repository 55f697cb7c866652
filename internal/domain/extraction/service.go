package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dicomvault/dicomvault/internal/domain/study"
	"github.com/dicomvault/dicomvault/internal/domain/upload"
	"github.com/dicomvault/dicomvault/internal/platform/storage"
	"github.com/dicomvault/dicomvault/internal/platform/tasks"
)

var (
	ErrUploadNotFound   = errors.New("upload session not found")
	ErrUploadIncomplete = errors.New("upload session is not complete")
	ErrAlreadyStarted   = errors.New("extraction already started for this session")
)

// Uploads is the slice of the upload service the pipeline needs.
type Uploads interface {
	Get(ctx context.Context, sessionID string) (*upload.Session, error)
	Assemble(ctx context.Context, sessionID string) (string, error)
	Discard(ctx context.Context, sessionID string) error
}

// Reconciler turns a folder of extracted DICOM files into study rows.
type Reconciler interface {
	Reconcile(ctx context.Context, folderName, uploadedBy string) (*study.ReconcileResult, error)
}

// Service drives the assemble → extract → reconcile pipeline for completed
// uploads and answers progress polls against the extraction session store.
type Service struct {
	repo       SessionRepository
	uploads    Uploads
	reconciler Reconciler
	store      storage.Store
	extractor  *Extractor
	runner     *tasks.Runner
	logger     zerolog.Logger
}

func NewService(
	repo SessionRepository,
	uploads Uploads,
	reconciler Reconciler,
	store storage.Store,
	extractor *Extractor,
	runner *tasks.Runner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:       repo,
		uploads:    uploads,
		reconciler: reconciler,
		store:      store,
		extractor:  extractor,
		runner:     runner,
		logger:     logger,
	}
}

// Finalize verifies the upload is complete, records an extraction session and
// schedules the pipeline in the background. The caller gets control back
// immediately and polls Status for progress. The uploader identity is
// captured here because the background task outlives the request.
func (s *Service) Finalize(ctx context.Context, sessionID, uploadedBy string) error {
	up, err := s.uploads.Get(ctx, sessionID)
	if errors.Is(err, upload.ErrSessionNotFound) {
		return ErrUploadNotFound
	}
	if err != nil {
		return fmt.Errorf("load upload session: %w", err)
	}
	if !up.IsComplete() {
		return fmt.Errorf("%w: %d of %d chunks received", ErrUploadIncomplete, up.Received(), up.TotalChunks)
	}

	sess := &Session{
		SessionID:  sessionID,
		FolderName: up.PatientID,
		Stage:      StageAssembling,
		Message:    "Assembling " + up.Filename,
	}
	err = s.repo.Create(ctx, sess)
	if errors.Is(err, ErrSessionExists) {
		prev, getErr := s.repo.Get(ctx, sessionID)
		if getErr != nil {
			return fmt.Errorf("load extraction session: %w", getErr)
		}
		// A live or succeeded run holds the session. Only a failed terminal
		// run may be replaced, which is what lets a client retry after a
		// broken archive or a pipeline error.
		if !prev.IsTerminal() || prev.Success {
			return ErrAlreadyStarted
		}
		s.logger.Info().
			Str("session_id", sessionID).
			Str("error", prev.Error).
			Msg("restarting failed extraction")
		if err := s.repo.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("reset failed extraction session: %w", err)
		}
		err = s.repo.Create(ctx, sess)
	}
	if errors.Is(err, ErrSessionExists) {
		// A concurrent retry re-created the session first.
		return ErrAlreadyStarted
	}
	if err != nil {
		return fmt.Errorf("create extraction session: %w", err)
	}

	err = s.runner.Submit(context.Background(), sessionID, func(taskCtx context.Context) error {
		return s.run(taskCtx, sessionID, uploadedBy)
	})
	if errors.Is(err, tasks.ErrAlreadyRunning) {
		return ErrAlreadyStarted
	}
	return err
}

// Status answers a progress poll.
func (s *Service) Status(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.Get(ctx, sessionID)
}

// run is the background pipeline for one session. Any failure before the
// terminal state lands in the extraction session's error field, which is the
// only failure channel a polling client has.
func (s *Service) run(ctx context.Context, sessionID, uploadedBy string) error {
	up, err := s.uploads.Get(ctx, sessionID)
	if err != nil {
		return s.fail(ctx, sessionID, fmt.Errorf("load upload session: %w", err))
	}

	assembled, err := s.uploads.Assemble(ctx, sessionID)
	if err != nil {
		return s.fail(ctx, sessionID, fmt.Errorf("assemble upload: %w", err))
	}

	folderName, err := s.store.CreateDestination(up.PatientID)
	if err != nil {
		return s.fail(ctx, sessionID, fmt.Errorf("create destination folder: %w", err))
	}

	// The folder name actually claimed is authoritative from here on.
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return s.fail(ctx, sessionID, fmt.Errorf("load extraction session: %w", err))
	}
	sess.FolderName = folderName

	var extracted, total int
	if isZipFilename(up.Filename) {
		sess.Stage = StageExtracting
		sess.Message = "Extracting " + up.Filename
		if err := s.repo.Update(ctx, sess); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("progress update failed")
		}

		result, err := s.extractor.Extract(assembled, folderName, func(message string, processed, totalEntries, extractedCount int) {
			sess.Stage = StageDicomFiles
			sess.Message = message
			sess.FilesProcessed = processed
			sess.TotalFilesInZip = totalEntries
			sess.DicomFilesExtracted = extractedCount
			if err := s.repo.Update(ctx, sess); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("progress update failed")
			}
		})
		if err != nil {
			return s.fail(ctx, sessionID, fmt.Errorf("extract archive: %w", err))
		}
		extracted = result.DicomExtracted
		total = result.TotalEntries
	} else {
		// A plain (non-archive) upload is moved into the destination as-is.
		if err := s.moveAssembled(assembled, folderName, up.Filename); err != nil {
			return s.fail(ctx, sessionID, fmt.Errorf("place uploaded file: %w", err))
		}
		extracted, total = 1, 1
	}

	s.store.CleanupJunk(folderName)

	sess.Stage = StageReconciling
	sess.Message = "Processing DICOM studies"
	sess.FilesProcessed = total
	sess.TotalFilesInZip = total
	sess.DicomFilesExtracted = extracted
	if err := s.repo.Update(ctx, sess); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("progress update failed")
	}

	recon, err := s.reconciler.Reconcile(ctx, folderName, uploadedBy)
	if err != nil {
		return s.fail(ctx, sessionID, fmt.Errorf("reconcile studies: %w", err))
	}

	stage := StageCompleted
	message := fmt.Sprintf("Extracted %d DICOM files, %d studies processed", extracted, recon.StudiesProcessed)
	if recon.StudiesSkipped > 0 {
		stage = StageWithWarnings
		message = fmt.Sprintf("%s, %d studies skipped", message, recon.StudiesSkipped)
	}
	if err := s.repo.SetComplete(ctx, sessionID, stage, message); err != nil {
		return fmt.Errorf("mark extraction complete: %w", err)
	}

	if err := s.uploads.Discard(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to discard upload session after extraction")
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("folder", folderName).
		Int("dicom_files", extracted).
		Int("studies", recon.StudiesProcessed).
		Msg("extraction pipeline finished")
	return nil
}

func (s *Service) fail(ctx context.Context, sessionID string, cause error) error {
	if err := s.repo.SetError(ctx, sessionID, cause.Error()); err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to record extraction error")
	}
	return cause
}

func (s *Service) moveAssembled(assembled, folderName, filename string) error {
	dest, err := s.store.UniqueFilePath(s.store.DestinationPath(folderName), filepath.Base(filename))
	if err != nil {
		return err
	}
	if err := os.Rename(assembled, dest); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to a copy.
	data, err := os.ReadFile(assembled)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// Sweep deletes extraction sessions untouched for longer than the retention
// window, completed or not.
func (s *Service) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sweep extraction sessions: %w", err)
	}
	return n, nil
}

func isZipFilename(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}
