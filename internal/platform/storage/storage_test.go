package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	root := t.TempDir()
	s, err := NewLocalStore(filepath.Join(root, "chunks"), filepath.Join(root, "dicom"), zerolog.Nop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestWriteChunk_PersistsAndOverwrites(t *testing.T) {
	s := newTestStore(t)

	path, n, err := s.WriteChunk("sess-1", 0, bytes.NewReader([]byte("first")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes written, got %d", n)
	}
	if path != s.ChunkPath("sess-1", 0) {
		t.Errorf("unexpected chunk path %s", path)
	}

	// Re-writing the same index overwrites.
	if _, _, err := s.WriteChunk("sess-1", 0, bytes.NewReader([]byte("second"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected overwrite, got %q", data)
	}
}

func TestRemoveSessionStaging(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.WriteChunk("sess-2", 0, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RemoveSessionStaging("sess-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(s.SessionStagingDir("sess-2")); !os.IsNotExist(err) {
		t.Error("staging dir should be gone")
	}
}

func TestCreateDestination_SuffixesOnCollision(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateDestination("P001_EP9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "P001_EP9" {
		t.Errorf("expected requested name, got %s", first)
	}

	second, err := s.CreateDestination("P001_EP9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == first {
		t.Error("expected a different folder name on collision")
	}
	if !strings.HasPrefix(second, "P001_EP9-") {
		t.Errorf("expected timestamp suffix, got %s", second)
	}
	if _, err := os.Stat(s.DestinationPath(second)); err != nil {
		t.Errorf("suffixed folder should exist: %v", err)
	}
}

func TestUniqueFilePath_NumericSuffix(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	p1, err := s.UniqueFilePath(dir, "a.dcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(p1) != "a.dcm" {
		t.Errorf("expected a.dcm, got %s", filepath.Base(p1))
	}
	if err := os.WriteFile(p1, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p2, err := s.UniqueFilePath(dir, "a.dcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(p2) != "a_1.dcm" {
		t.Errorf("expected a_1.dcm, got %s", filepath.Base(p2))
	}
	if err := os.WriteFile(p2, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p3, err := s.UniqueFilePath(dir, "a.dcm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(p3) != "a_2.dcm" {
		t.Errorf("expected a_2.dcm, got %s", filepath.Base(p3))
	}
}

func TestUniqueFilePath_NoExtension(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "IM000001"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := s.UniqueFilePath(dir, "IM000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(p) != "IM000001_1" {
		t.Errorf("expected IM000001_1, got %s", filepath.Base(p))
	}
}

func TestCleanupJunk(t *testing.T) {
	s := newTestStore(t)
	folder, err := s.CreateDestination("cleanup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := s.DestinationPath(folder)

	keep := []string{"a.dcm", "IM000001"}
	junk := []string{".DS_Store", "Thumbs.db", "desktop.ini", "._a.dcm", "scan.TMP"}
	for _, name := range append(append([]string{}, keep...), junk...) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "__MACOSX"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s.CleanupJunk(folder)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != len(keep) {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only %v to remain, got %v", keep, names)
	}
}

func TestIsJunkName(t *testing.T) {
	junk := []string{".DS_Store", "Thumbs.db", "desktop.ini", "__MACOSX", "._IM01", "x.tmp"}
	for _, name := range junk {
		if !IsJunkName(name) {
			t.Errorf("%s should be junk", name)
		}
	}
	clean := []string{"a.dcm", "IM000001", "series.dicom"}
	for _, name := range clean {
		if IsJunkName(name) {
			t.Errorf("%s should not be junk", name)
		}
	}
}
