package dirstore

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func newTestStore(t *testing.T) *DirStore {
	t.Helper()
	return New(afero.NewOsFs(), t.TempDir())
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"task_1234abcd", true},
		{"build-42.retry", true},
		{"", false},
		{".", false},
		{"..", false},
		{".hidden", false},
		{"a/b", false},
		{`a\b`, false},
		{"a..b", false},
		{"c:evil", false},
		{"nul\x00byte", false},
		{strings.Repeat("x", maxIDLength+1), false},
	}

	for _, tt := range tests {
		err := ValidateID(tt.id)
		if tt.valid && err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", tt.id, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidID", tt.id, err)
		}
	}
}

func TestResolve(t *testing.T) {
	ds := New(afero.NewMemMapFs(), "/data")

	p, err := ds.Resolve("t1", true, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := map[string]string{
		"dir":       filepath.Join("/data", "tasks", "t1"),
		"metadata":  filepath.Join("/data", "tasks", "t1", "metadata.json.gz"),
		"workspace": filepath.Join("/data", "tasks", "t1", "workspace.archive"),
		"backups":   filepath.Join("/data", "tasks", "t1", "backups"),
	}
	got := map[string]string{
		"dir":       p.Dir,
		"metadata":  p.Metadata,
		"workspace": p.Workspace,
		"backups":   p.Backups,
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s = %q, want %q", k, got[k], w)
		}
	}
	if p.LockToken != "task:t1" {
		t.Errorf("LockToken = %q", p.LockToken)
	}

	cands := p.MetadataCandidates()
	if cands[1] != filepath.Join("/data", "tasks", "t1", "metadata.json") {
		t.Errorf("alternate metadata = %q", cands[1])
	}
	ws := p.WorkspaceCandidates()
	if ws[1] != filepath.Join("/data", "tasks", "t1", "workspace.archive.gz") {
		t.Errorf("alternate workspace = %q", ws[1])
	}

	if _, err := ds.Resolve("../escape", false, false); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Resolve traversal: got %v, want ErrInvalidID", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	ds := newTestStore(t)
	path := filepath.Join(ds.Root(), "nested", "dir", "file.bin")

	if err := ds.WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := ds.WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}

	got, err := ds.ReadFileContent(path)
	if err != nil {
		t.Fatalf("ReadFileContent: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestReadFileContentMissing(t *testing.T) {
	ds := newTestStore(t)

	data, err := ds.ReadFileContent(filepath.Join(ds.Root(), "missing"))
	if err != nil {
		t.Fatalf("ReadFileContent: %v", err)
	}
	if data != nil {
		t.Errorf("expected nil, got %q", data)
	}
}

func TestReadFirst(t *testing.T) {
	ds := newTestStore(t)
	a := filepath.Join(ds.Root(), "a")
	b := filepath.Join(ds.Root(), "b")

	if err := ds.WriteFileAtomic(b, []byte("bee")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	data, path, err := ds.ReadFirst(a, b)
	if err != nil {
		t.Fatalf("ReadFirst: %v", err)
	}
	if path != b || string(data) != "bee" {
		t.Errorf("ReadFirst = (%q, %q), want (%q, %q)", data, path, "bee", b)
	}

	data, path, err = ds.ReadFirst(a)
	if err != nil || data != nil || path != "" {
		t.Errorf("ReadFirst(missing) = (%q, %q, %v)", data, path, err)
	}
}

func TestListTaskIDs(t *testing.T) {
	ds := newTestStore(t)

	for _, name := range []string{"task_a", "task_b", ".tmp-junk"} {
		if err := os.MkdirAll(filepath.Join(ds.TasksRoot(), name), 0o755); err != nil {
			t.Fatalf("MkdirAll %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(ds.TasksRoot(), "not_a_dir.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ids, err := ds.ListTaskIDs()
	if err != nil {
		t.Fatalf("ListTaskIDs: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "task_a" || ids[1] != "task_b" {
		t.Errorf("ListTaskIDs = %v, want [task_a task_b]", ids)
	}
}

func TestListDirsNonExistent(t *testing.T) {
	ds := New(afero.NewOsFs(), filepath.Join(t.TempDir(), "nope"))

	dirs, err := ds.ListTaskIDs()
	if err != nil {
		t.Fatalf("ListTaskIDs: %v", err)
	}
	if len(dirs) != 0 {
		t.Errorf("expected no ids, got %v", dirs)
	}
}

func TestSize(t *testing.T) {
	ds := newTestStore(t)

	if err := ds.WriteFileAtomic(filepath.Join(ds.Root(), "x", "a"), make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if err := ds.WriteFileAtomic(filepath.Join(ds.Root(), "y", "b"), make([]byte, 32)); err != nil {
		t.Fatal(err)
	}

	size, err := ds.Size(ds.Root())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 42 {
		t.Errorf("Size = %d, want 42", size)
	}

	size, err = ds.Size(filepath.Join(ds.Root(), "absent"))
	if err != nil || size != 0 {
		t.Errorf("Size(absent) = (%d, %v), want (0, nil)", size, err)
	}
}
