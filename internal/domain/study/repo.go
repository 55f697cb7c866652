package study

import (
	"context"
	"errors"
)

var ErrStudyNotFound = errors.New("study not found")

// ListFilter narrows a study listing.
type ListFilter struct {
	FolderName string
	PatientID  string
	ActiveOnly bool
}

// Repository persists study aggregate rows.
type Repository interface {
	// Upsert inserts the study or, when its StudyInstanceUID is already
	// known, updates the existing row in place.
	Upsert(ctx context.Context, s *Study) error
	GetByUID(ctx context.Context, studyInstanceUID string) (*Study, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]Study, error)
	Count(ctx context.Context, filter ListFilter) (int, error)
	// DeactivateByFolder soft-deletes every study uploaded under the given
	// folder and returns how many rows changed.
	DeactivateByFolder(ctx context.Context, folderName string) (int, error)
}
