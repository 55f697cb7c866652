// Package storage manages the on-disk layout of the upload pipeline: a
// staging area partitioned by session id holding ordered chunk files, and a
// destination area partitioned by folder name holding flattened DICOM files.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// junkNames are OS artifacts removed from destination folders after
// extraction. Cleanup is best-effort and never surfaces failures.
var junkNames = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}

const macosWrapperDir = "__MACOSX"

// Store is the filesystem contract the upload and extraction services
// depend on.
type Store interface {
	WriteChunk(sessionID string, index int, r io.Reader) (path string, n int64, err error)
	ChunkPath(sessionID string, index int) string
	SessionStagingDir(sessionID string) string
	RemoveSessionStaging(sessionID string) error

	CreateDestination(requested string) (folderName string, err error)
	DestinationPath(folderName string) string
	UniqueFilePath(dir, name string) (string, error)
	CleanupJunk(folderName string)
}

// LocalStore is a Store backed by a local volume.
type LocalStore struct {
	stagingRoot   string
	extractedRoot string
	logger        zerolog.Logger
}

func NewLocalStore(stagingRoot, extractedRoot string, logger zerolog.Logger) (*LocalStore, error) {
	for _, dir := range []string{stagingRoot, extractedRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage root %s: %w", dir, err)
		}
	}
	return &LocalStore{
		stagingRoot:   stagingRoot,
		extractedRoot: extractedRoot,
		logger:        logger,
	}, nil
}

// SessionStagingDir is where one session's chunk files accumulate.
func (s *LocalStore) SessionStagingDir(sessionID string) string {
	return filepath.Join(s.stagingRoot, sessionID)
}

// ChunkPath is the staged location of one chunk.
func (s *LocalStore) ChunkPath(sessionID string, index int) string {
	return filepath.Join(s.SessionStagingDir(sessionID), fmt.Sprintf("chunk_%06d", index))
}

// WriteChunk persists one chunk's bytes to the session staging area.
// Re-writing the same index overwrites the staged bytes.
func (s *LocalStore) WriteChunk(sessionID string, index int, r io.Reader) (string, int64, error) {
	dir := s.SessionStagingDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create staging dir for session %s: %w", sessionID, err)
	}

	path := s.ChunkPath(sessionID, index)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create chunk file %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return "", 0, fmt.Errorf("write chunk %d for session %s: %w", index, sessionID, err)
	}
	return path, n, nil
}

// RemoveSessionStaging deletes one session's entire staging area.
func (s *LocalStore) RemoveSessionStaging(sessionID string) error {
	return os.RemoveAll(s.SessionStagingDir(sessionID))
}

// CreateDestination creates the destination folder for extraction. If the
// requested name is taken, a timestamp suffix is appended; the name actually
// used is returned and is authoritative for all subsequent operations.
// os.Mkdir is the create-or-fail step, so two concurrent requests for the
// same name cannot both claim it.
func (s *LocalStore) CreateDestination(requested string) (string, error) {
	name := requested
	for attempt := 0; ; attempt++ {
		err := os.Mkdir(filepath.Join(s.extractedRoot, name), 0o755)
		if err == nil {
			return name, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create destination folder %s: %w", name, err)
		}
		if attempt >= 5 {
			return "", fmt.Errorf("could not find a free destination folder name for %s", requested)
		}
		name = fmt.Sprintf("%s-%d", requested, time.Now().UnixMilli())
	}
}

// DestinationPath resolves a destination folder name to its absolute path.
func (s *LocalStore) DestinationPath(folderName string) string {
	return filepath.Join(s.extractedRoot, folderName)
}

// UniqueFilePath returns a path under dir for name that does not collide
// with an existing file, inserting a numeric suffix before the extension
// until a free name is found. Existing files are never overwritten.
func (s *LocalStore) UniqueFilePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; i < 10000; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free filename for %s in %s", name, dir)
}

// CleanupJunk removes OS artifacts (resource forks, .DS_Store, Thumbs.db,
// desktop.ini, temp files, macOS archive wrapper folders) from a destination
// folder. Failures are logged at debug and swallowed.
func (s *LocalStore) CleanupJunk(folderName string) {
	dir := s.DestinationPath(folderName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Debug().Err(err).Str("folder", folderName).Msg("junk cleanup skipped")
		return
	}

	for _, entry := range entries {
		if !IsJunkName(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Debug().Err(err).Str("path", path).Msg("junk cleanup failed")
		}
	}
}

// IsJunkName reports whether a file name is a known OS artifact rather than
// upload content.
func IsJunkName(name string) bool {
	if junkNames[name] || name == macosWrapperDir {
		return true
	}
	if strings.HasPrefix(name, "._") {
		return true
	}
	if strings.HasSuffix(strings.ToLower(name), ".tmp") {
		return true
	}
	return false
}
