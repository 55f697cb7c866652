package study

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dicomvault/dicomvault/internal/platform/dicomfile"
	"github.com/dicomvault/dicomvault/internal/platform/storage"
)

// MetaReader extracts identifying tags from one DICOM file.
type MetaReader interface {
	Meta(path string) (*dicomfile.Meta, error)
}

// ReconcileResult summarizes one reconciliation run. A study counts as
// skipped when its row could not be persisted; its files stay on disk and a
// later run picks them up again.
type ReconcileResult struct {
	StudiesProcessed int `json:"studies_processed"`
	StudiesSkipped   int `json:"studies_skipped"`
}

type Service struct {
	repo   Repository
	store  storage.Store
	meta   MetaReader
	logger zerolog.Logger
}

func NewService(repo Repository, store storage.Store, meta MetaReader, logger zerolog.Logger) *Service {
	return &Service{repo: repo, store: store, meta: meta, logger: logger}
}

type taggedFile struct {
	path string
	meta *dicomfile.Meta
}

// Reconcile scans one destination folder, groups its DICOM files by study
// and series, and upserts one aggregate row per study. An empty folder is
// not an error. A single unparsable file or failed upsert is logged and
// skipped; only a folder that cannot be read at all fails the run.
func (s *Service) Reconcile(ctx context.Context, folderName, uploadedBy string) (*ReconcileResult, error) {
	files, err := s.scanFolder(folderName)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return &ReconcileResult{}, nil
	}

	byStudy := make(map[string][]taggedFile)
	var studyOrder []string
	for _, f := range files {
		uid := f.meta.StudyInstanceUID
		if uid == "" {
			s.logger.Warn().Str("file", f.path).Msg("file has no study instance UID, skipping")
			continue
		}
		if _, seen := byStudy[uid]; !seen {
			studyOrder = append(studyOrder, uid)
		}
		byStudy[uid] = append(byStudy[uid], f)
	}

	result := &ReconcileResult{}
	uploadedPatientID := patientIDFromFolder(folderName)

	for _, uid := range studyOrder {
		group := byStudy[uid]
		sortForDisplay(group)

		series := make(map[string]struct{})
		for _, f := range group {
			series[f.meta.SeriesInstanceUID] = struct{}{}
		}

		first := group[0]
		row := &Study{
			StudyInstanceUID:   uid,
			PatientName:        first.meta.PatientName,
			PatientID:          first.meta.PatientID,
			StudyDate:          first.meta.StudyDate,
			StudyTime:          first.meta.StudyTime,
			StudyDescription:   first.meta.StudyDescription,
			SeriesDescription:  first.meta.SeriesDescription,
			Modality:           first.meta.Modality,
			FirstFile:          first.path,
			UploadedPatientID:  uploadedPatientID,
			UploadedFolderName: folderName,
			UploadedBy:         uploadedBy,
			TotalFiles:         len(group),
			TotalSeries:        len(series),
		}
		if err := s.repo.Upsert(ctx, row); err != nil {
			s.logger.Error().Err(err).Str("study_uid", uid).Msg("failed to persist study, skipping")
			result.StudiesSkipped++
			continue
		}
		result.StudiesProcessed++
	}

	s.logger.Info().
		Str("folder", folderName).
		Int("processed", result.StudiesProcessed).
		Int("skipped", result.StudiesSkipped).
		Msg("study reconciliation finished")
	return result, nil
}

// Get loads one study by its instance UID.
func (s *Service) Get(ctx context.Context, studyInstanceUID string) (*Study, error) {
	return s.repo.GetByUID(ctx, studyInstanceUID)
}

// List returns studies matching the filter plus the unfiltered match count.
func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]Study, int, error) {
	studies, err := s.repo.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return studies, total, nil
}

// Files lists one study's files in viewer display order: ascending series
// number, then ascending instance number within a series.
func (s *Service) Files(ctx context.Context, studyInstanceUID string) ([]FileInfo, error) {
	st, err := s.repo.GetByUID(ctx, studyInstanceUID)
	if err != nil {
		return nil, err
	}

	files, err := s.scanFolder(st.UploadedFolderName)
	if err != nil {
		return nil, err
	}

	var group []taggedFile
	for _, f := range files {
		if f.meta.StudyInstanceUID == studyInstanceUID {
			group = append(group, f)
		}
	}
	sortForDisplay(group)

	infos := make([]FileInfo, 0, len(group))
	for _, f := range group {
		infos = append(infos, FileInfo{
			Path:              f.path,
			Filename:          filepath.Base(f.path),
			SeriesInstanceUID: f.meta.SeriesInstanceUID,
			SeriesNumber:      f.meta.SeriesNumber,
			InstanceNumber:    f.meta.InstanceNumber,
			Rows:              f.meta.Rows,
			Columns:           f.meta.Columns,
		})
	}
	return infos, nil
}

// DeleteFolder soft-deletes every study uploaded under the folder. Files on
// disk are left in place.
func (s *Service) DeleteFolder(ctx context.Context, folderName string) (int, error) {
	return s.repo.DeactivateByFolder(ctx, folderName)
}

// scanFolder reads a destination folder's likely DICOM files and their tags.
// Files the parser rejects are logged and dropped from the result.
func (s *Service) scanFolder(folderName string) ([]taggedFile, error) {
	dir := s.store.DestinationPath(folderName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read destination folder %s: %w", folderName, err)
	}

	var files []taggedFile
	for _, entry := range entries {
		if entry.IsDir() || !dicomfile.IsCandidateName(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		meta, err := s.meta.Meta(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("failed to parse DICOM tags, skipping")
			continue
		}
		files = append(files, taggedFile{path: path, meta: meta})
	}
	return files, nil
}

func sortForDisplay(files []taggedFile) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].meta.SeriesNumber != files[j].meta.SeriesNumber {
			return files[i].meta.SeriesNumber < files[j].meta.SeriesNumber
		}
		return files[i].meta.InstanceNumber < files[j].meta.InstanceNumber
	})
}

// patientIDFromFolder extracts the patient portion of a folder name. Folder
// names follow {patientId}_{episodeId}, possibly with a collision suffix, so
// everything before the first underscore is the patient id.
func patientIDFromFolder(folderName string) string {
	if i := strings.Index(folderName, "_"); i >= 0 {
		return folderName[:i]
	}
	return folderName
}
