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

// Package store loads workflow definitions from the workflow directory and
// keeps the parsed set in memory for the scheduler and the control server.
package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/tombee/cdktr/pkg/workflow"
)

// workflowPattern matches workflow files anywhere under the root.
const workflowPattern = "**/*.{yml,yaml}"

// Config contains workflow store configuration.
type Config struct {
	// Root is the workflow directory to load definitions from.
	Root string

	// RefreshInterval is how often the directory is re-walked.
	RefreshInterval time.Duration

	// Clock drives the refresh ticker; nil uses the wall clock.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// Store holds the parsed workflow set. Refresh builds a fresh map and swaps
// it in under the lock, so readers always observe one consistent snapshot
// and never see a half-loaded directory.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*workflow.Definition

	root      string
	interval  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	limiter   *rate.Limiter
	refreshCh chan struct{}
}

// New creates a workflow store rooted at cfg.Root. The store is empty until
// the first Refresh.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byID:     make(map[string]*workflow.Definition),
		root:     cfg.Root,
		interval: cfg.RefreshInterval,
		clock:    clock,
		logger:   logger.With(slog.String("component", "workflow-store")),
		// Collapses filesystem event storms to at most one early
		// refresh per second; the periodic walk is the backstop.
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		refreshCh: make(chan struct{}, 1),
	}
}

// Root returns the workflow directory the store walks.
func (s *Store) Root() string {
	return s.root
}

// Refresh walks the workflow directory, parses every matching file and
// atomically swaps the in-memory set. Files that fail to read or parse are
// logged and skipped; they never abort the refresh.
func (s *Store) Refresh() error {
	defs := make(map[string]*workflow.Definition)
	failures := 0

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		matched, err := doublestar.Match(workflowPattern, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if !matched {
			return nil
		}

		id, err := workflow.IDFromPath(s.root, path)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow file", "path", path, "error", err)
			failures++
			return nil
		}

		def, err := workflow.ParseDefinition(id, data)
		if err != nil {
			s.logger.Warn("skipping invalid workflow", "workflow_id", id, "path", path, "error", err)
			failures++
			return nil
		}

		if _, dup := defs[id]; dup {
			// A .yml and a .yaml file with the same stem map to one id;
			// the first file walked wins.
			s.logger.Warn("duplicate workflow id", "workflow_id", id, "path", path)
			return nil
		}
		defs[id] = def
		return nil
	})
	if err != nil {
		recordRefresh(false)
		return fmt.Errorf("failed to walk workflow directory %s: %w", s.root, err)
	}

	s.mu.Lock()
	s.byID = defs
	s.mu.Unlock()

	recordRefresh(true)
	setWorkflowCount(len(defs))
	if failures > 0 {
		recordParseFailures(failures)
	}

	s.logger.Debug("workflow directory refreshed", "workflows", len(defs), "skipped", failures)
	return nil
}

// Get returns the definition for id from the current snapshot.
func (s *Store) Get(id string) (*workflow.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byID[id]
	return def, ok
}

// Definitions returns the current snapshot map. Refresh replaces the map
// rather than mutating it, so callers may read the result without locking
// but must not modify it.
func (s *Store) Definitions() map[string]*workflow.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID
}

// List returns metadata for every loaded workflow, sorted by id.
func (s *Store) List() []workflow.Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]workflow.Metadata, 0, len(s.byID))
	for _, def := range s.byID {
		out = append(out, def.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RequestRefresh schedules an early refresh. It never blocks; requests that
// arrive while one is already pending collapse into it.
func (s *Store) RequestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Run refreshes the store every RefreshInterval and whenever an early
// refresh is requested, until ctx is cancelled. Early refreshes are rate
// limited so that filesystem event storms collapse into one walk.
func (s *Store) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-s.refreshCh:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := s.Refresh(); err != nil {
			s.logger.Warn("workflow refresh failed", "error", err)
		}
	}
}
