package upload

import (
	"sort"
	"time"
)

// Session tracks one chunked upload: which chunk indices have arrived and
// where each chunk's bytes are staged. A session is complete once every
// declared chunk has been received.
type Session struct {
	SessionID   string    `db:"session_id" json:"session_id"`
	PatientID   string    `db:"patient_id" json:"patient_id"`
	Filename    string    `db:"filename" json:"filename"`
	FileHash    string    `db:"file_hash" json:"file_hash"`
	TotalChunks int       `db:"total_chunks" json:"total_chunks"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`

	// ChunkPaths maps a received chunk index to its staged file location.
	// Its key set is exactly the set of uploaded chunk indices.
	ChunkPaths map[int]string `json:"-"`
}

// Received is the number of distinct chunk indices recorded so far.
func (s *Session) Received() int {
	return len(s.ChunkPaths)
}

// IsComplete reports whether every declared chunk has been received.
func (s *Session) IsComplete() bool {
	return s.TotalChunks > 0 && len(s.ChunkPaths) == s.TotalChunks
}

// UploadedChunks returns the received chunk indices in ascending order.
func (s *Session) UploadedChunks() []int {
	indices := make([]int, 0, len(s.ChunkPaths))
	for i := range s.ChunkPaths {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// Matches reports whether the metadata of an incoming chunk agrees with the
// session as created. A mismatch means interleaved or corrupted client state.
func (s *Session) Matches(patientID, filename, fileHash string, totalChunks int) bool {
	return s.PatientID == patientID &&
		s.Filename == filename &&
		s.FileHash == fileHash &&
		s.TotalChunks == totalChunks
}
