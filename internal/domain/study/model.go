package study

import "time"

// Study is one DICOM study aggregate row. Identity is the DICOM-assigned
// StudyInstanceUID; re-reconciling files for a known study updates the row
// rather than duplicating it.
//
// PatientName and PatientID come from the DICOM tags, which is not the same
// thing as the uploader: UploadedPatientID and UploadedFolderName record the
// destination grouping key the files arrived under.
type Study struct {
	ID                 int64     `db:"id" json:"id"`
	StudyInstanceUID   string    `db:"study_instance_uid" json:"study_instance_uid"`
	PatientName        string    `db:"patient_name" json:"patient_name"`
	PatientID          string    `db:"patient_id" json:"patient_id"`
	StudyDate          string    `db:"study_date" json:"study_date"`
	StudyTime          string    `db:"study_time" json:"study_time"`
	StudyDescription   string    `db:"study_description" json:"study_description"`
	SeriesDescription  string    `db:"series_description" json:"series_description"`
	Modality           string    `db:"modality" json:"modality"`
	Thumbnail          string    `db:"thumbnail" json:"thumbnail,omitempty"`
	FirstFile          string    `db:"first_file" json:"first_file"`
	UploadedPatientID  string    `db:"uploaded_patient_id" json:"uploaded_patient_id"`
	UploadedFolderName string    `db:"uploaded_folder_name" json:"uploaded_folder_name"`
	UploadedBy         string    `db:"uploaded_by" json:"uploaded_by"`
	TotalFiles         int       `db:"total_files" json:"total_files"`
	TotalSeries        int       `db:"total_series" json:"total_series"`
	Active             bool      `db:"active" json:"active"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// FileInfo describes one DICOM file within a study for viewer consumption.
type FileInfo struct {
	Path              string `json:"path"`
	Filename          string `json:"filename"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	SeriesNumber      int    `json:"series_number"`
	InstanceNumber    int    `json:"instance_number"`
	Rows              int    `json:"rows"`
	Columns           int    `json:"columns"`
}
