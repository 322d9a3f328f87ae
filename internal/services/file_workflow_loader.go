package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// FileWorkflowLoader serves workflows from a directory of .json/.yaml/.yml documents.
// A document without an id is keyed by its file name without extension.
type FileWorkflowLoader struct {
	dir string

	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

// NewFileWorkflowLoader reads every workflow document in dir
func NewFileWorkflowLoader(dir string) (*FileWorkflowLoader, error) {
	l := &FileWorkflowLoader{dir: dir, workflows: map[string]*models.Workflow{}}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func isWorkflowFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Reload re-reads the directory. Files that fail to parse are skipped and logged.
func (l *FileWorkflowLoader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows directory %s: %w", l.dir, err)
	}

	loaded := make(map[string]*models.Workflow, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logrus.Warnf("⚠️  [WORKFLOWS] Failed to read %s: %v", path, err)
			continue
		}
		wf, err := models.ParseWorkflow(entry.Name(), data)
		if err != nil {
			logrus.Warnf("⚠️  [WORKFLOWS] Skipping %s: %v", path, err)
			continue
		}
		if wf.ID == "" {
			wf.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if _, dup := loaded[wf.ID]; dup {
			logrus.Warnf("⚠️  [WORKFLOWS] Duplicate workflow id %s in %s, keeping the first", wf.ID, path)
			continue
		}
		loaded[wf.ID] = wf
	}

	l.mu.Lock()
	l.workflows = loaded
	l.mu.Unlock()

	logrus.Infof("📂 [WORKFLOWS] Loaded %d workflows from %s", len(loaded), l.dir)
	return nil
}

// LoadWorkflow returns the workflow with the given id
func (l *FileWorkflowLoader) LoadWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	l.mu.RLock()
	wf, ok := l.workflows[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// IDs lists the loaded workflow ids
func (l *FileWorkflowLoader) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.workflows))
	for id := range l.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Watch reloads the directory whenever a workflow document changes, until ctx ends
func (l *FileWorkflowLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", l.dir, err)
	}

	logrus.Infof("👁️  [WORKFLOWS] Watching %s for changes (hot-reload enabled)", l.dir)

	go func() {
		defer watcher.Close()

		// rapid editor writes collapse into one reload
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isWorkflowFile(event.Name) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					logrus.Infof("🔄 [WORKFLOWS] Detected changes in %s, reloading", l.dir)
					if err := l.Reload(); err != nil {
						logrus.Errorf("❌ [WORKFLOWS] Reload failed: %v", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.Warnf("⚠️  [WORKFLOWS] File watcher error: %v", err)
			}
		}
	}()
	return nil
}
