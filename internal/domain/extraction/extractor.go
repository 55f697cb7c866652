package extraction

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dicomvault/dicomvault/internal/platform/dicomfile"
	"github.com/dicomvault/dicomvault/internal/platform/storage"
)

const nestedStagingDir = "nested"

// Result carries the final counters of one archive tree's extraction,
// nested archives included.
type Result struct {
	TotalEntries   int
	FilesProcessed int
	DicomExtracted int
}

// ProgressFunc receives counter snapshots as entries complete. Implementations
// must tolerate frequent calls.
type ProgressFunc func(message string, processed, total, extracted int)

// Extractor unpacks uploaded ZIP archives into a destination folder,
// flattening every DICOM object it finds — nested archives included — into
// that single folder.
type Extractor struct {
	store    storage.Store
	maxDepth int
	logger   zerolog.Logger
}

func NewExtractor(store storage.Store, maxDepth int, logger zerolog.Logger) *Extractor {
	return &Extractor{store: store, maxDepth: maxDepth, logger: logger}
}

type walkState struct {
	destDir   string
	total     int
	processed int
	extracted int
	progress  ProgressFunc
}

func (w *walkState) report(message string) {
	if w.progress != nil {
		w.progress(message, w.processed, w.total, w.extracted)
	}
}

// Extract unpacks the archive at zipPath into the already-created destination
// folder. Only likely DICOM objects are written out; collisions get a numeric
// suffix, never an overwrite. An unopenable top-level archive fails the whole
// run; a single bad entry is logged and skipped.
func (e *Extractor) Extract(zipPath, folderName string, progress ProgressFunc) (*Result, error) {
	destDir := e.store.DestinationPath(folderName)
	st := &walkState{destDir: destDir, progress: progress}

	if err := e.extractArchive(zipPath, st, 0); err != nil {
		return nil, err
	}

	// Remove the nested staging area; it only ever holds archives in
	// flight, so by now it is empty or holds copies that failed to delete.
	os.RemoveAll(filepath.Join(destDir, nestedStagingDir))

	return &Result{
		TotalEntries:   st.total,
		FilesProcessed: st.processed,
		DicomExtracted: st.extracted,
	}, nil
}

func (e *Extractor) extractArchive(zipPath string, st *walkState, depth int) error {
	if depth > e.maxDepth {
		e.logger.Warn().Str("archive", zipPath).Int("depth", depth).Msg("nested archive depth limit reached, skipping")
		return nil
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		if depth == 0 {
			return fmt.Errorf("open archive: %w", err)
		}
		e.logger.Warn().Err(err).Str("archive", zipPath).Msg("nested archive unreadable, skipping")
		return nil
	}
	defer zr.Close()

	st.total += len(zr.File)
	st.report("Scanning archive")

	// Nested archives are staged during the walk and recursed into only
	// after this archive's own entries are done.
	var nested []string

	for _, f := range zr.File {
		name := filepath.Base(filepath.ToSlash(f.Name))
		switch {
		case f.FileInfo().IsDir():
			st.processed++
		case isJunkEntry(f.Name):
			st.processed++
		case isZipName(name):
			path, err := e.stageNested(f, st.destDir, name)
			if err != nil {
				e.logger.Warn().Err(err).Str("entry", f.Name).Msg("failed to stage nested archive, skipping")
			} else {
				nested = append(nested, path)
			}
			st.processed++
		case dicomfile.IsCandidateName(name):
			if err := e.writeEntry(f, st.destDir, name); err != nil {
				e.logger.Warn().Err(err).Str("entry", f.Name).Msg("failed to extract entry, skipping")
			} else {
				st.extracted++
			}
			st.processed++
			st.report("Extracting " + name)
		default:
			st.processed++
		}
	}

	for _, path := range nested {
		st.report("Extracting nested archive " + filepath.Base(path))
		if err := e.extractArchive(path, st, depth+1); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			e.logger.Debug().Err(err).Str("archive", path).Msg("failed to remove staged nested archive")
		}
	}
	return nil
}

// stageNested copies a nested archive entry into the transient staging
// subfolder, deduplicating by name.
func (e *Extractor) stageNested(f *zip.File, destDir, name string) (string, error) {
	dir := filepath.Join(destDir, nestedStagingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path, err := e.store.UniqueFilePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := copyEntry(f, path); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Extractor) writeEntry(f *zip.File, destDir, name string) error {
	path, err := e.store.UniqueFilePath(destDir, name)
	if err != nil {
		return err
	}
	return copyEntry(f, path)
}

func copyEntry(f *zip.File, path string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	return dst.Close()
}

func isZipName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// isJunkEntry filters OS artifacts by any path segment, so entries inside a
// __MACOSX wrapper are dropped no matter how deep.
func isJunkEntry(entryName string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(entryName), "/") {
		if seg != "" && storage.IsJunkName(seg) {
			return true
		}
	}
	return false
}
