package extraction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dicomvault/dicomvault/internal/domain/study"
	"github.com/dicomvault/dicomvault/internal/domain/upload"
	"github.com/dicomvault/dicomvault/internal/platform/storage"
	"github.com/dicomvault/dicomvault/internal/platform/tasks"
)

type mockSessionRepo struct {
	sessions map[string]*Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*Session)}
}

// Create rejects duplicates the way the unique session_id constraint does.
func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	if _, ok := m.sessions[s.SessionID]; ok {
		return ErrSessionExists
	}
	cp := *s
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *mockSessionRepo) Get(_ context.Context, sessionID string) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) Update(_ context.Context, s *Session) error {
	cur, ok := m.sessions[s.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.ExtractionComplete {
		return nil
	}
	cp := *s
	cp.UpdatedAt = time.Now()
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *mockSessionRepo) Delete(_ context.Context, sessionID string) error {
	delete(m.sessions, sessionID)
	return nil
}

func (m *mockSessionRepo) SetComplete(_ context.Context, sessionID, stage, message string) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.ExtractionComplete {
		return nil
	}
	s.Stage = stage
	s.Message = message
	s.ExtractionComplete = true
	s.Success = true
	s.Error = ""
	s.UpdatedAt = time.Now()
	return nil
}

func (m *mockSessionRepo) SetError(_ context.Context, sessionID, message string) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.ExtractionComplete {
		return nil
	}
	s.Stage = StageFailed
	s.Message = message
	s.Error = message
	s.ExtractionComplete = true
	s.Success = false
	s.UpdatedAt = time.Now()
	return nil
}

func (m *mockSessionRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	n := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

type mockUploads struct {
	sessions    map[string]*upload.Session
	assembled   map[string]string
	assembleErr error
	discarded   []string
}

func newMockUploads() *mockUploads {
	return &mockUploads{
		sessions:  make(map[string]*upload.Session),
		assembled: make(map[string]string),
	}
}

func (m *mockUploads) Get(_ context.Context, sessionID string) (*upload.Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, upload.ErrSessionNotFound
	}
	return s, nil
}

func (m *mockUploads) Assemble(_ context.Context, sessionID string) (string, error) {
	if m.assembleErr != nil {
		return "", m.assembleErr
	}
	return m.assembled[sessionID], nil
}

func (m *mockUploads) Discard(_ context.Context, sessionID string) error {
	m.discarded = append(m.discarded, sessionID)
	delete(m.sessions, sessionID)
	return nil
}

type mockReconciler struct {
	result  *study.ReconcileResult
	err     error
	folders []string
	users   []string
}

func (m *mockReconciler) Reconcile(_ context.Context, folderName, uploadedBy string) (*study.ReconcileResult, error) {
	m.folders = append(m.folders, folderName)
	m.users = append(m.users, uploadedBy)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &study.ReconcileResult{}, nil
}

type pipelineFixture struct {
	svc     *Service
	repo    *mockSessionRepo
	uploads *mockUploads
	recon   *mockReconciler
	store   *storage.LocalStore
	runner  *tasks.Runner
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewLocalStore(filepath.Join(root, "staging"), filepath.Join(root, "extracted"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	repo := newMockSessionRepo()
	uploads := newMockUploads()
	recon := &mockReconciler{}
	runner := tasks.NewRunner(zerolog.Nop())
	svc := NewService(repo, uploads, recon, store, NewExtractor(store, 5, zerolog.Nop()), runner, zerolog.Nop())
	return &pipelineFixture{svc: svc, repo: repo, uploads: uploads, recon: recon, store: store, runner: runner}
}

// seedUpload registers a complete upload session whose assembled file is the
// given bytes, pre-written to a temp path.
func (f *pipelineFixture) seedUpload(t *testing.T, sessionID, patientID, filename string, content []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assembled_"+filename)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write assembled fixture: %v", err)
	}
	f.uploads.sessions[sessionID] = &upload.Session{
		SessionID:   sessionID,
		PatientID:   patientID,
		Filename:    filename,
		TotalChunks: 1,
		ChunkPaths:  map[int]string{0: path},
	}
	f.uploads.assembled[sessionID] = path
}

func TestFinalizeRejectsUnknownSession(t *testing.T) {
	f := newPipeline(t)
	err := f.svc.Finalize(context.Background(), "nope", "dev@localhost")
	if !errors.Is(err, ErrUploadNotFound) {
		t.Errorf("err = %v, want ErrUploadNotFound", err)
	}
}

func TestFinalizeRejectsIncompleteUpload(t *testing.T) {
	f := newPipeline(t)
	f.uploads.sessions["sess-1"] = &upload.Session{
		SessionID:   "sess-1",
		PatientID:   "P001_EP1",
		Filename:    "scan.zip",
		TotalChunks: 3,
		ChunkPaths:  map[int]string{0: "x"},
	}

	err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost")
	if !errors.Is(err, ErrUploadIncomplete) {
		t.Errorf("err = %v, want ErrUploadIncomplete", err)
	}
}

func TestFinalizeConflictsWithLiveSession(t *testing.T) {
	f := newPipeline(t)
	f.seedUpload(t, "sess-1", "P001_EP1", "scan.zip", zipBytes(t, map[string][]byte{"a.dcm": []byte("a")}))
	if err := f.repo.Create(context.Background(), &Session{
		SessionID: "sess-1",
		Stage:     StageExtracting,
	}); err != nil {
		t.Fatalf("seed live session: %v", err)
	}

	err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost")
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestFinalizeRestartsFailedExtraction(t *testing.T) {
	f := newPipeline(t)
	f.seedUpload(t, "sess-1", "P001_EP1", "scan.zip", []byte("not a zip at all"))

	if err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost"); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	f.runner.Wait()

	sess, err := f.svc.Status(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Status after failed run: %v", err)
	}
	if sess.Success || !sess.ExtractionComplete {
		t.Fatalf("session = %+v, want terminal failure", sess)
	}

	// Client re-uploads a sound archive under the same session and retries.
	good := zipBytes(t, map[string][]byte{"a.dcm": []byte("dicom-a")})
	if err := os.WriteFile(f.uploads.assembled["sess-1"], good, 0o644); err != nil {
		t.Fatalf("replace assembled file: %v", err)
	}

	if err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost"); err != nil {
		t.Fatalf("retry Finalize: %v", err)
	}
	f.runner.Wait()

	sess, err = f.svc.Status(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Status after retry: %v", err)
	}
	if !sess.Success || !sess.ExtractionComplete {
		t.Errorf("session = %+v, want success after retry", sess)
	}
	if sess.Error != "" {
		t.Errorf("error = %q, want cleared after retry", sess.Error)
	}
}

func TestPipelineZipUpload(t *testing.T) {
	f := newPipeline(t)
	content := zipBytes(t, map[string][]byte{
		"a.dcm":     []byte("dicom-a"),
		"photo.jpg": []byte("skip"),
	})
	f.seedUpload(t, "sess-1", "P001_EP1", "scan.zip", content)
	f.recon.result = &study.ReconcileResult{StudiesProcessed: 1}

	if err := f.svc.Finalize(context.Background(), "sess-1", "alice@example.com"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.runner.Wait()

	sess, err := f.svc.Status(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !sess.ExtractionComplete || !sess.Success {
		t.Fatalf("session = %+v, want complete+success", sess)
	}
	if sess.Stage != StageCompleted {
		t.Errorf("stage = %q, want %q", sess.Stage, StageCompleted)
	}
	if sess.DicomFilesExtracted != 1 || sess.TotalFilesInZip != 2 {
		t.Errorf("counters = %d/%d, want 1/2", sess.DicomFilesExtracted, sess.TotalFilesInZip)
	}
	if sess.FolderName != "P001_EP1" {
		t.Errorf("folder = %q, want P001_EP1", sess.FolderName)
	}

	if len(f.recon.folders) != 1 || f.recon.folders[0] != "P001_EP1" {
		t.Errorf("reconciled folders = %v", f.recon.folders)
	}
	if len(f.recon.users) != 1 || f.recon.users[0] != "alice@example.com" {
		t.Errorf("reconciled users = %v", f.recon.users)
	}
	if len(f.uploads.discarded) != 1 || f.uploads.discarded[0] != "sess-1" {
		t.Errorf("discarded = %v, want [sess-1]", f.uploads.discarded)
	}

	if _, err := os.Stat(filepath.Join(f.store.DestinationPath("P001_EP1"), "a.dcm")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}
}

func TestPipelineNonZipUpload(t *testing.T) {
	f := newPipeline(t)
	f.seedUpload(t, "sess-1", "P002_EP9", "single.dcm", []byte("dicom bytes"))

	if err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.runner.Wait()

	sess, err := f.svc.Status(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !sess.Success {
		t.Fatalf("session = %+v, want success", sess)
	}
	if sess.DicomFilesExtracted != 1 {
		t.Errorf("extracted = %d, want 1", sess.DicomFilesExtracted)
	}

	data, err := os.ReadFile(filepath.Join(f.store.DestinationPath("P002_EP9"), "single.dcm"))
	if err != nil {
		t.Fatalf("read placed file: %v", err)
	}
	if string(data) != "dicom bytes" {
		t.Errorf("placed content = %q", data)
	}
}

func TestPipelineAssembleFailure(t *testing.T) {
	f := newPipeline(t)
	f.seedUpload(t, "sess-1", "P001_EP1", "scan.zip", []byte("x"))
	f.uploads.assembleErr = errors.New("disk full")

	if err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.runner.Wait()

	sess, err := f.svc.Status(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !sess.ExtractionComplete || sess.Success {
		t.Fatalf("session = %+v, want terminal failure", sess)
	}
	if sess.Error == "" || sess.Stage != StageFailed {
		t.Errorf("error = %q stage = %q, want recorded failure", sess.Error, sess.Stage)
	}
	if len(f.uploads.discarded) != 0 {
		t.Error("upload session discarded despite pipeline failure")
	}
}

func TestPipelineBrokenArchive(t *testing.T) {
	f := newPipeline(t)
	f.seedUpload(t, "sess-1", "P001_EP1", "scan.zip", []byte("not a zip at all"))

	if err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.runner.Wait()

	sess, err := f.svc.Status(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if sess.Success || sess.Error == "" {
		t.Errorf("session = %+v, want error terminal state", sess)
	}
}

func TestPipelineReportsWarnings(t *testing.T) {
	f := newPipeline(t)
	content := zipBytes(t, map[string][]byte{"a.dcm": []byte("a")})
	f.seedUpload(t, "sess-1", "P001_EP1", "scan.zip", content)
	f.recon.result = &study.ReconcileResult{StudiesProcessed: 1, StudiesSkipped: 2}

	if err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.runner.Wait()

	sess, _ := f.svc.Status(context.Background(), "sess-1")
	if sess.Stage != StageWithWarnings {
		t.Errorf("stage = %q, want %q", sess.Stage, StageWithWarnings)
	}
	if !sess.Success {
		t.Error("skipped studies should not flip success to false")
	}
}

func TestPipelineFolderCollision(t *testing.T) {
	f := newPipeline(t)
	if _, err := f.store.CreateDestination("P001_EP1"); err != nil {
		t.Fatalf("pre-claim folder: %v", err)
	}
	content := zipBytes(t, map[string][]byte{"a.dcm": []byte("a")})
	f.seedUpload(t, "sess-1", "P001_EP1", "scan.zip", content)

	if err := f.svc.Finalize(context.Background(), "sess-1", "dev@localhost"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.runner.Wait()

	sess, _ := f.svc.Status(context.Background(), "sess-1")
	if sess.FolderName == "P001_EP1" {
		t.Error("collision did not produce a suffixed folder name")
	}
	if len(f.recon.folders) != 1 || f.recon.folders[0] != sess.FolderName {
		t.Errorf("reconciler got %v, want the suffixed folder %q", f.recon.folders, sess.FolderName)
	}
}

func TestSweepDeletesStaleSessions(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()

	if err := f.repo.Create(ctx, &Session{SessionID: "old", FolderName: "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.repo.Create(ctx, &Session{SessionID: "fresh", FolderName: "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.repo.sessions["old"].UpdatedAt = time.Now().Add(-2 * time.Hour)

	n, err := f.svc.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, ok := f.repo.sessions["fresh"]; !ok {
		t.Error("fresh session was swept")
	}
}
