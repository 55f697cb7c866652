package extraction

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomvault/dicomvault/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `session_id, folder_name, stage, message, files_processed, total_files_in_zip,
	dicom_files_extracted, extraction_complete, success, error, created_at, updated_at`

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO extraction_session (session_id, folder_name, stage, message)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (session_id) DO NOTHING`,
		s.SessionID, s.FolderName, s.Stage, s.Message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionExists
	}
	return nil
}

func (r *sessionRepoPG) Get(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM extraction_session WHERE session_id = $1`, sessionID).
		Scan(&s.SessionID, &s.FolderName, &s.Stage, &s.Message, &s.FilesProcessed,
			&s.TotalFilesInZip, &s.DicomFilesExtracted, &s.ExtractionComplete,
			&s.Success, &s.Error, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Update(ctx context.Context, s *Session) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE extraction_session
		SET folder_name=$2, stage=$3, message=$4, files_processed=$5,
		    total_files_in_zip=$6, dicom_files_extracted=$7, updated_at=NOW()
		WHERE session_id = $1 AND NOT extraction_complete`,
		s.SessionID, s.FolderName, s.Stage, s.Message,
		s.FilesProcessed, s.TotalFilesInZip, s.DicomFilesExtracted)
	return err
}

func (r *sessionRepoPG) Delete(ctx context.Context, sessionID string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM extraction_session WHERE session_id = $1`, sessionID)
	return err
}

func (r *sessionRepoPG) SetComplete(ctx context.Context, sessionID, stage, message string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE extraction_session
		SET stage=$2, message=$3, extraction_complete=TRUE, success=TRUE, error='', updated_at=NOW()
		WHERE session_id = $1 AND NOT extraction_complete`,
		sessionID, stage, message)
	return err
}

func (r *sessionRepoPG) SetError(ctx context.Context, sessionID, message string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE extraction_session
		SET stage=$2, message=$3, error=$3, extraction_complete=TRUE, success=FALSE, updated_at=NOW()
		WHERE session_id = $1 AND NOT extraction_complete`,
		sessionID, StageFailed, message)
	return err
}

func (r *sessionRepoPG) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM extraction_session WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
