// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/workflow"
)

// Registry loads workflow definitions from a directory into the store and
// optionally watches it for changes.
type Registry struct {
	store  store.WorkflowStore
	dir    string
	glob   string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// NewRegistry creates a registry over dir. glob is a doublestar pattern
// relative to dir.
func NewRegistry(s store.WorkflowStore, dir, glob string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		dir:    dir,
		glob:   glob,
		logger: log.WithComponent(logger, "registry"),
	}
}

// LoadAll parses every matching file under the directory and stores the
// definitions. Invalid files are logged and skipped so one bad workflow
// never blocks the rest.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	matches, err := doublestar.Glob(os.DirFS(r.dir), r.glob)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, rel := range matches {
		if r.loadFile(ctx, filepath.Join(r.dir, rel)) {
			loaded++
		}
	}
	r.logger.Info("workflow definitions loaded",
		slog.Int("loaded", loaded),
		slog.Int("matched", len(matches)))
	return loaded, nil
}

// loadFile parses and stores one definition file. Returns whether the file
// was stored.
func (r *Registry) loadFile(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("failed to read workflow file",
			slog.String("path", path), log.Error(err))
		return false
	}

	def, err := workflow.ParseDefinition(data)
	if err != nil {
		r.logger.Warn("failed to parse workflow file",
			slog.String("path", path), log.Error(err))
		return false
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := def.Validate(); err != nil {
		r.logger.Warn("invalid workflow definition",
			slog.String("path", path),
			slog.String(log.WorkflowKey, def.ID),
			log.Error(err))
		return false
	}

	if err := r.store.PutWorkflow(ctx, def); err != nil {
		r.logger.Error("failed to store workflow definition",
			slog.String(log.WorkflowKey, def.ID), log.Error(err))
		return false
	}
	r.logger.Debug("workflow definition stored",
		slog.String(log.WorkflowKey, def.ID),
		slog.String("path", path))
	return true
}

// Watch re-loads definitions when files under the directory change. It
// returns immediately; call Close to stop watching.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// fsnotify does not recurse; watch the root and every subdirectory.
	err = filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	r.mu.Lock()
	r.watcher = watcher
	r.doneCh = make(chan struct{})
	doneCh := r.doneCh
	r.mu.Unlock()

	go r.watchLoop(ctx, watcher, doneCh)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("workflow watcher error", log.Error(err))
		}
	}
}

func (r *Registry) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			_ = watcher.Add(event.Name)
		}
		return
	}

	rel, err := filepath.Rel(r.dir, event.Name)
	if err != nil {
		return
	}
	matched, err := doublestar.Match(r.glob, filepath.ToSlash(rel))
	if err != nil || !matched {
		return
	}
	r.loadFile(ctx, event.Name)
}

// Close stops the watcher, if running.
func (r *Registry) Close() error {
	r.mu.Lock()
	watcher, doneCh := r.watcher, r.doneCh
	r.watcher, r.doneCh = nil, nil
	r.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-doneCh
	return err
}
