package extraction

import "time"

// Progress stage labels surfaced to polling clients.
const (
	StageAssembling   = "Assembling uploaded file"
	StageExtracting   = "Extracting ZIP file"
	StageDicomFiles   = "Extracting DICOM files"
	StageReconciling  = "Processing DICOM studies"
	StageCompleted    = "Completed"
	StageWithWarnings = "Completed with warnings"
	StageFailed       = "Failed"
)

// Session is the progress record for one extraction pipeline run. Counters
// only grow while the run is in flight; once ExtractionComplete is set the
// record is frozen apart from the retention sweep that eventually deletes it.
type Session struct {
	SessionID           string    `db:"session_id" json:"session_id"`
	FolderName          string    `db:"folder_name" json:"folder_name"`
	Stage               string    `db:"stage" json:"stage"`
	Message             string    `db:"message" json:"message"`
	FilesProcessed      int       `db:"files_processed" json:"files_processed"`
	TotalFilesInZip     int       `db:"total_files_in_zip" json:"total_files_in_zip"`
	DicomFilesExtracted int       `db:"dicom_files_extracted" json:"dicom_files_extracted"`
	ExtractionComplete  bool      `db:"extraction_complete" json:"extraction_complete"`
	Success             bool      `db:"success" json:"success"`
	Error               string    `db:"error" json:"error,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the session reached its final state.
func (s *Session) IsTerminal() bool {
	return s.ExtractionComplete
}
