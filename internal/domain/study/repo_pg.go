package study

import (
	"context"
	"errors"
	"fmt"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const studyCols = `id, study_instance_uid, patient_name, patient_id, study_date, study_time,
	study_description, series_description, modality, thumbnail, first_file,
	uploaded_patient_id, uploaded_folder_name, uploaded_by, total_files, total_series,
	active, created_at, updated_at`

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.StudyInstanceUID, &s.PatientName, &s.PatientID,
		&s.StudyDate, &s.StudyTime, &s.StudyDescription, &s.SeriesDescription,
		&s.Modality, &s.Thumbnail, &s.FirstFile, &s.UploadedPatientID,
		&s.UploadedFolderName, &s.UploadedBy, &s.TotalFiles, &s.TotalSeries,
		&s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) Upsert(ctx context.Context, s *Study) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO dicom_study (
			study_instance_uid, patient_name, patient_id, study_date, study_time,
			study_description, series_description, modality, thumbnail, first_file,
			uploaded_patient_id, uploaded_folder_name, uploaded_by, total_files, total_series, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,TRUE)
		ON CONFLICT (study_instance_uid) DO UPDATE SET
			patient_name = EXCLUDED.patient_name,
			patient_id = EXCLUDED.patient_id,
			study_date = EXCLUDED.study_date,
			study_time = EXCLUDED.study_time,
			study_description = EXCLUDED.study_description,
			series_description = EXCLUDED.series_description,
			modality = EXCLUDED.modality,
			first_file = EXCLUDED.first_file,
			uploaded_patient_id = EXCLUDED.uploaded_patient_id,
			uploaded_folder_name = EXCLUDED.uploaded_folder_name,
			uploaded_by = EXCLUDED.uploaded_by,
			total_files = EXCLUDED.total_files,
			total_series = EXCLUDED.total_series,
			active = TRUE,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		s.StudyInstanceUID, s.PatientName, s.PatientID, s.StudyDate, s.StudyTime,
		s.StudyDescription, s.SeriesDescription, s.Modality, s.Thumbnail, s.FirstFile,
		s.UploadedPatientID, s.UploadedFolderName, s.UploadedBy, s.TotalFiles, s.TotalSeries).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (r *repoPG) GetByUID(ctx context.Context, studyInstanceUID string) (*Study, error) {
	s, err := scanStudy(r.conn(ctx).QueryRow(ctx,
		`SELECT `+studyCols+` FROM dicom_study WHERE study_instance_uid = $1`, studyInstanceUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStudyNotFound
	}
	return s, err
}

func listWhere(filter ListFilter) (string, []interface{}) {
	where := "WHERE 1=1"
	var args []interface{}
	if filter.ActiveOnly {
		where += " AND active"
	}
	if filter.FolderName != "" {
		args = append(args, filter.FolderName)
		where += fmt.Sprintf(" AND uploaded_folder_name = $%d", len(args))
	}
	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		where += fmt.Sprintf(" AND uploaded_patient_id = $%d", len(args))
	}
	return where, args
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Study, error) {
	where, args := listWhere(filter)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM dicom_study %s ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`,
		studyCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var studies []Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		studies = append(studies, *s)
	}
	return studies, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, filter ListFilter) (int, error) {
	where, args := listWhere(filter)
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM dicom_study `+where, args...).Scan(&n)
	return n, err
}

func (r *repoPG) DeactivateByFolder(ctx context.Context, folderName string) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE dicom_study SET active = FALSE, updated_at = NOW()
		WHERE uploaded_folder_name = $1 AND active`, folderName)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
