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

package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
)

// snapshotFile is the on-disk layout of the queue snapshot.
type snapshotFile struct {
	SavedAtMS int64  `json:"saved_at_ms"`
	Items     []Item `json:"items"`
}

// Snapshotter periodically writes the queue contents to disk so that a
// restarted principal can rebuild its backlog before accepting connections.
type Snapshotter struct {
	queue    *Queue
	path     string
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	lastVersion uint64
}

// NewSnapshotter creates a snapshotter that persists q to path every
// interval. A nil clock uses the wall clock.
func NewSnapshotter(q *Queue, path string, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Snapshotter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		queue:    q,
		path:     path,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run writes a snapshot every interval until ctx is cancelled, then writes
// one final snapshot so shutdown never loses queued work.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.write(true); err != nil {
				s.logger.Error("final queue snapshot failed", "path", s.path, "error", err)
			}
			return
		case <-ticker.Chan():
			if err := s.write(false); err != nil {
				s.logger.Warn("queue snapshot failed", "path", s.path, "error", err)
			}
		}
	}
}

// write persists the current queue contents atomically. Unless force is
// set, the write is skipped while the queue version is unchanged since the
// last successful write.
func (s *Snapshotter) write(force bool) error {
	items, version := s.queue.Contents()
	if !force && version == s.lastVersion {
		return nil
	}

	data, err := json.MarshalIndent(snapshotFile{
		SavedAtMS: s.clock.Now().UnixMilli(),
		Items:     items,
	}, "", "  ")
	if err != nil {
		return &cdktrerrors.PersistenceError{Op: "marshal queue snapshot", Cause: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return &cdktrerrors.PersistenceError{Op: "create app data directory", Cause: err}
	}

	// Write to a temporary file in the same directory, then rename over
	// the target so readers never observe a partial snapshot.
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return &cdktrerrors.PersistenceError{Op: "write queue snapshot", Cause: err}
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return &cdktrerrors.PersistenceError{Op: "rename queue snapshot", Cause: err}
	}

	s.lastVersion = version
	return nil
}

// Load reads a snapshot written by a previous run, preserving item order.
// A missing file is not an error; it returns no items.
func Load(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &cdktrerrors.PersistenceError{Op: "read queue snapshot", Cause: err}
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &cdktrerrors.PersistenceError{Op: "decode queue snapshot", Cause: err}
	}
	return snap.Items, nil
}
