package upload

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

const sessionCols = `session_id, patient_id, filename, file_hash, total_chunks, created_at, updated_at`

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	// Concurrent first chunks may all attempt the insert. The loser keeps
	// the existing row; callers re-read and validate against it.
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO upload_session (session_id, patient_id, filename, file_hash, total_chunks)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (session_id) DO NOTHING`,
		s.SessionID, s.PatientID, s.Filename, s.FileHash, s.TotalChunks)
	return err
}

func (r *sessionRepoPG) Get(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM upload_session WHERE session_id = $1`, sessionID).
		Scan(&s.SessionID, &s.PatientID, &s.Filename, &s.FileHash, &s.TotalChunks, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT chunk_index, path FROM upload_chunk WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s.ChunkPaths = make(map[int]string)
	for rows.Next() {
		var idx int
		var path string
		if err := rows.Scan(&idx, &path); err != nil {
			return nil, err
		}
		s.ChunkPaths[idx] = path
	}
	return &s, rows.Err()
}

func (r *sessionRepoPG) Update(ctx context.Context, s *Session) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE upload_session
		SET patient_id=$2, filename=$3, file_hash=$4, total_chunks=$5, updated_at=NOW()
		WHERE session_id = $1`,
		s.SessionID, s.PatientID, s.Filename, s.FileHash, s.TotalChunks)
	return err
}

func (r *sessionRepoPG) Delete(ctx context.Context, sessionID string) error {
	// upload_chunk rows cascade with the session.
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM upload_session WHERE session_id = $1`, sessionID)
	return err
}

// AddChunk records a chunk and touches the owning session in one
// transaction, so a crash between the two never leaves a chunk row that
// the sweeper's updated_at cutoff does not account for.
func (r *sessionRepoPG) AddChunk(ctx context.Context, sessionID string, index int, path string) error {
	if db.TxFromContext(ctx) != nil {
		return r.addChunk(ctx, sessionID, index, path)
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return r.addChunk(ctx, sessionID, index, path)
	})
}

func (r *sessionRepoPG) addChunk(ctx context.Context, sessionID string, index int, path string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO upload_chunk (session_id, chunk_index, path)
		VALUES ($1,$2,$3)
		ON CONFLICT (session_id, chunk_index) DO UPDATE SET path = EXCLUDED.path, received_at = NOW()`,
		sessionID, index, path)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx,
		`UPDATE upload_session SET updated_at = NOW() WHERE session_id = $1`, sessionID)
	return err
}

func (r *sessionRepoPG) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`DELETE FROM upload_session WHERE updated_at < $1 RETURNING session_id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
