package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
)

type recorder struct {
	mu       sync.Mutex
	projects []string
	files    [][]string
}

func (r *recorder) callback(project string, files []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = append(r.projects, project)
	r.files = append(r.files, files)
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.projects)
		r.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no change delivered before timeout")
}

func TestWatcher_ReportsItemChanges(t *testing.T) {
	project := t.TempDir()
	if err := os.MkdirAll(prd.PendingDir(project), 0o755); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	w, err := New(rec.callback)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.debounce = 50 * time.Millisecond

	if err := w.AddProject(project); err != nil {
		t.Fatal(err)
	}
	w.Start()

	if err := os.WriteFile(filepath.Join(prd.PendingDir(project), "01-a.md"), []byte("# A\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec.wait(t, 5*time.Second)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.projects[0] != project {
		t.Errorf("project = %q, want %q", rec.projects[0], project)
	}
	if len(rec.files[0]) != 1 || rec.files[0][0] != "01-a.md" {
		t.Errorf("files = %v", rec.files[0])
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	project := t.TempDir()
	if err := os.MkdirAll(prd.PendingDir(project), 0o755); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	w, err := New(rec.callback)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.debounce = 50 * time.Millisecond

	if err := w.AddProject(project); err != nil {
		t.Fatal(err)
	}
	w.Start()

	if err := os.WriteFile(filepath.Join(prd.PendingDir(project), "editor.swp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.projects) != 0 {
		t.Errorf("unexpected callback for unrelated file: %v", rec.files)
	}
}

func TestWatcher_SkipsUninitializedProject(t *testing.T) {
	rec := &recorder{}
	w, err := New(rec.callback)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// No prds/ directory exists; AddProject must not fail.
	if err := w.AddProject(t.TempDir()); err != nil {
		t.Fatal(err)
	}
}
