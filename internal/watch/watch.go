// Package watch monitors project work-item directories and reports
// changes, debounced, so status consumers can rebuild snapshots only when
// something actually moved.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/prd-orchestrator/internal/claim"
	"github.com/hochfrequenz/prd-orchestrator/internal/prd"
)

// ChangeCallback is called with the project path and the changed file
// names after the debounce window closes.
type ChangeCallback func(projectPath string, changedFiles []string)

// Watcher monitors the pending and done areas of registered projects.
type Watcher struct {
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration

	projects map[string]string // watched dir -> project path
	pending  map[string]map[string]struct{}
	timer    *time.Timer
	mu       sync.Mutex

	done chan struct{}
}

// New creates a Watcher delivering debounced change sets to callback.
func New(callback ChangeCallback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fsw,
		callback: callback,
		debounce: 500 * time.Millisecond,
		projects: make(map[string]string),
		pending:  make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// AddProject starts watching a project's work-item areas. Projects without
// a pending area are skipped silently; they may not be initialized yet.
func (w *Watcher) AddProject(projectPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, dir := range []string{prd.PendingDir(projectPath), prd.DoneDir(projectPath)} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if _, watched := w.projects[dir]; watched {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.projects[dir] = projectPath
	}
	return nil
}

// Start runs the event loop until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			w.record(event.Name)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// relevant filters to item and claim file changes; editors drop plenty of
// temp files next to them.
func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Base(event.Name)
	return strings.HasSuffix(name, ".md") || strings.HasSuffix(name, claim.Extension)
}

func (w *Watcher) record(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	project, ok := w.projects[filepath.Dir(path)]
	if !ok {
		return
	}
	if w.pending[project] == nil {
		w.pending[project] = make(map[string]struct{})
	}
	w.pending[project][filepath.Base(path)] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batches := w.pending
	w.pending = make(map[string]map[string]struct{})
	w.mu.Unlock()

	for project, files := range batches {
		changed := make([]string, 0, len(files))
		for f := range files {
			changed = append(changed, f)
		}
		w.callback(project, changed)
	}
}
