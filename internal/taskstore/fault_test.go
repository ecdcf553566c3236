package taskstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/dohr-michael/taskvault/internal/config"
)

var errInjected = errors.New("injected fault")

// faultFs fails renames onto selected paths.
type faultFs struct {
	afero.Fs

	mu    sync.Mutex
	rules map[string]func() error
}

func newFaultFs() *faultFs {
	return &faultFs{Fs: afero.NewOsFs(), rules: map[string]func() error{}}
}

func (f *faultFs) failRename(path string, fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == nil {
		delete(f.rules, path)
		return
	}
	f.rules[path] = fn
}

func (f *faultFs) Rename(oldname, newname string) error {
	f.mu.Lock()
	fn := f.rules[newname]
	f.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	return f.Fs.Rename(oldname, newname)
}

func always() error { return errInjected }

// afterN lets n calls through, then fails.
func afterN(n int) func() error {
	var mu sync.Mutex
	return func() error {
		mu.Lock()
		defer mu.Unlock()
		if n > 0 {
			n--
			return nil
		}
		return errInjected
	}
}

func openFaultStore(t *testing.T) (*Store, *faultFs, string) {
	t.Helper()
	dir := t.TempDir()
	ffs := newFaultFs()
	s := openStore(t, config.Options{
		StorageDir:        config.Ptr(dir),
		CompressWorkspace: config.Ptr(false),
	}, WithFs(ffs))
	return s, ffs, filepath.Join(dir, "tasks", "f")
}

func countBackups(t *testing.T, taskDir string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(taskDir, "backups"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return len(entries)
}

func assertLoadsStep(t *testing.T, s *Store, want int) {
	t.Helper()
	dest := t.TempDir()
	got, err := s.Load(context.Background(), "f", WithWorkspaceDir(dest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if step := stepOf(t, got); step != want {
		t.Errorf("payload step = %d, want %d", step, want)
	}
	if ws := readFile(t, filepath.Join(dest, "step")); ws != string(rune('0'+want)) {
		t.Errorf("workspace step = %s, want %d", ws, want)
	}
}

func TestSaveMetadataWriteFailure(t *testing.T) {
	s, ffs, taskDir := openFaultStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, newTask(t, "f", 1, map[string]string{"step": "1"})); err != nil {
		t.Fatal(err)
	}

	ffs.failRename(filepath.Join(taskDir, "metadata.json"), always)
	err := s.Save(ctx, newTask(t, "f", 2, map[string]string{"step": "2"}))
	var we *WriteError
	if !errors.As(err, &we) || we.Op != OpMetadata || !errors.Is(err, errInjected) {
		t.Fatalf("Save = %v, want metadata WriteError", err)
	}
	ffs.failRename(filepath.Join(taskDir, "metadata.json"), nil)

	assertLoadsStep(t, s, 1)
	if n := countBackups(t, taskDir); n != 0 {
		t.Errorf("failed save left %d backups", n)
	}
	if s.Metrics().Failures != 1 {
		t.Errorf("Failures = %d, want 1", s.Metrics().Failures)
	}
}

func TestSaveWorkspaceWriteFailure(t *testing.T) {
	s, ffs, taskDir := openFaultStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, newTask(t, "f", 1, map[string]string{"step": "1"})); err != nil {
		t.Fatal(err)
	}

	ffs.failRename(filepath.Join(taskDir, "workspace.archive"), always)
	err := s.Save(ctx, newTask(t, "f", 2, map[string]string{"step": "2"}))
	var we *WriteError
	if !errors.As(err, &we) || we.Op != OpWorkspace {
		t.Fatalf("Save = %v, want workspace WriteError", err)
	}
	ffs.failRename(filepath.Join(taskDir, "workspace.archive"), nil)

	assertLoadsStep(t, s, 1)
}

func TestSaveRollbackFailureRecoversFromBackup(t *testing.T) {
	s, ffs, taskDir := openFaultStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, newTask(t, "f", 1, map[string]string{"step": "1"})); err != nil {
		t.Fatal(err)
	}

	// The new archive lands, the metadata does not, and putting the old
	// archive back fails too.
	ffs.failRename(filepath.Join(taskDir, "workspace.archive"), afterN(1))
	ffs.failRename(filepath.Join(taskDir, "metadata.json"), always)
	if err := s.Save(ctx, newTask(t, "f", 2, map[string]string{"step": "2"})); err == nil {
		t.Fatal("Save succeeded")
	}
	ffs.failRename(filepath.Join(taskDir, "workspace.archive"), nil)
	ffs.failRename(filepath.Join(taskDir, "metadata.json"), nil)

	if n := countBackups(t, taskDir); n != 1 {
		t.Fatalf("backups = %d, want the snapshot kept", n)
	}
	assertLoadsStep(t, s, 1)
	if s.Metrics().Recoveries != 1 {
		t.Errorf("Recoveries = %d, want 1", s.Metrics().Recoveries)
	}

	// The next save heals the live artifacts.
	if err := s.Save(ctx, newTask(t, "f", 3, map[string]string{"step": "3"})); err != nil {
		t.Fatal(err)
	}
	assertLoadsStep(t, s, 3)
}

func TestMemFs(t *testing.T) {
	mem := afero.NewMemMapFs()
	s := openStore(t, config.Options{StorageDir: config.Ptr("/store")}, WithFs(mem))
	ctx := context.Background()

	if err := afero.WriteFile(mem, "/work/src/main.go", []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	task := newTask(t, "mem", 1, nil)
	task.Workspace = "/work"
	if err := s.Save(ctx, task); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "mem", WithWorkspaceDir("/restored"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, err := afero.ReadFile(mem, "/restored/src/main.go")
	if err != nil || string(data) != "package main" {
		t.Errorf("restored file = (%q, %v)", data, err)
	}
	if got.Workspace != "/restored" {
		t.Errorf("Workspace = %q", got.Workspace)
	}
}
