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

package store

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds filesystem changes under the workflow directory into the
// store as early-refresh requests. fsnotify does not watch recursively, so
// every subdirectory is registered and new ones are added as they appear.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher over the store's workflow directory.
func NewWatcher(s *Store, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		store:   s,
		watcher: fsw,
		logger:  logger.With(slog.String("component", "workflow-watcher"), slog.String("path", s.Root())),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := w.addTree(s.Root()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins watching for workflow file changes.
func (w *Watcher) Start() {
	go w.eventLoop()
	w.logger.Info("workflow directory watcher started")
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

// addTree registers dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// eventLoop processes fsnotify events until stopped.
func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("workflow directory watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("watcher event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("watcher error channel closed")
				return
			}
			w.logger.Error("workflow directory watcher error", "error", err)
		}
	}
}

// handleEvent requests an early refresh for relevant changes and keeps the
// recursive watch up to date when directories appear.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			w.store.RequestRefresh()
			return
		}
	}

	if !isWorkflowFile(event.Name) {
		// Removes and renames of directories still matter: files below
		// them vanished without their own events.
		if !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
			return
		}
	}

	w.logger.Debug("workflow file event", "op", event.Op.String(), "path", event.Name)
	w.store.RequestRefresh()
}

// isWorkflowFile reports whether path has a workflow file extension.
func isWorkflowFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}
