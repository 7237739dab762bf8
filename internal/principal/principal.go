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

package principal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/internal/logstream"
	"github.com/tombee/cdktr/internal/queue"
	"github.com/tombee/cdktr/internal/registry"
	"github.com/tombee/cdktr/internal/scheduler"
	"github.com/tombee/cdktr/internal/sqlite"
	"github.com/tombee/cdktr/internal/store"
	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
)

// monitorInterval is how often the heartbeat monitor sweeps the registry.
const monitorInterval = time.Second

// Principal is the orchestrating daemon. It owns the workflow store, the
// run queue, the cron scheduler, the agent registry, the log relay, and the
// control server that ties them together.
type Principal struct {
	cfg    config.Config
	logger *slog.Logger

	db          *sqlite.Store
	bus         *logstream.Bus
	persister   *logstream.Persister
	logManager  *logstream.Manager
	store       *store.Store
	watcher     *store.Watcher
	queue       *queue.Queue
	snapshotter *queue.Snapshotter
	scheduler   *scheduler.Scheduler
	registry    *registry.Registry
	monitor     *registry.Monitor
	server      *Server

	workerCancel context.CancelFunc
	wg           sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New assembles a principal from cfg. Nothing listens or runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*Principal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.EnsureAppDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create app data directory: %w", err)
	}

	db, err := sqlite.New(sqlite.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bus := logstream.NewBus(logger)

	persister := logstream.NewPersister(logstream.PersisterConfig{
		Storage:       db,
		Bus:           bus,
		FlushInterval: cfg.LogFlushInterval,
		Logger:        logger,
	})

	logManager := logstream.NewManager(logstream.ManagerConfig{
		IngestAddr: cfg.LogIngestAddr(),
		FanoutAddr: cfg.LogSubscribeAddr(),
		Bus:        bus,
		Logger:     logger,
	})

	st := store.New(store.Config{
		Root:            cfg.WorkflowDir,
		RefreshInterval: cfg.WorkflowRefreshInterval,
		Logger:          logger,
	})

	q := queue.New(cfg.QueueCapacity)
	snapshotter := queue.NewSnapshotter(q, cfg.SnapshotPath(), cfg.QueuePersistenceInterval, nil, logger)

	sched := scheduler.New(scheduler.Config{
		Source:            st,
		Queue:             q,
		PollInterval:      cfg.SchedulerPollInterval,
		ReconcileInterval: cfg.WorkflowRefreshInterval,
		Logger:            logger,
	})

	reg := registry.New(nil, logger)
	monitor := registry.NewMonitor(reg, persister, cfg.AgentHeartbeatTimeout, monitorInterval, nil, logger)

	handlers := NewHandlers(HandlersConfig{
		Store:    st,
		Queue:    q,
		Registry: reg,
		Recorder: persister,
		History:  db,
		Logger:   logger,
	})

	server := NewServer(ServerConfig{
		Addr:     cfg.ControlAddr(),
		Handlers: handlers,
		Logger:   logger,
	})

	return &Principal{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "principal")),
		db:          db,
		bus:         bus,
		persister:   persister,
		logManager:  logManager,
		store:       st,
		queue:       q,
		snapshotter: snapshotter,
		scheduler:   sched,
		registry:    reg,
		monitor:     monitor,
		server:      server,
	}, nil
}

// Start brings every subsystem up and then blocks until ctx is cancelled.
// The caller is expected to follow up with Shutdown.
func (p *Principal) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("principal already started")
	}
	p.started = true
	p.mu.Unlock()

	if err := p.store.Refresh(); err != nil {
		p.logger.Warn("initial workflow refresh failed", "error", err)
	}

	// Restore queued runs before anything can produce or consume.
	items, err := queue.Load(p.cfg.SnapshotPath())
	if err != nil {
		p.logger.Warn("queue snapshot load failed", "error", err)
	} else if len(items) > 0 {
		dropped := p.queue.Restore(items)
		p.logger.Info("queued runs restored from snapshot",
			"restored", len(items)-dropped)
		if dropped > 0 {
			p.logger.Warn("snapshot exceeded queue capacity", "dropped", dropped)
		}
	}

	if err := p.logManager.Start(); err != nil {
		return fmt.Errorf("failed to start log manager: %w", err)
	}

	if err := p.server.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := p.logManager.Shutdown(shutdownCtx); serr != nil {
			p.logger.Error("log manager shutdown error", "error", serr)
		}
		return fmt.Errorf("failed to start control server: %w", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.workerCancel = workerCancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.store.Run(workerCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.scheduler.Run(workerCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitor.Run(workerCtx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.persister.Run(workerCtx); err != nil {
			p.logger.Error("persister stopped", "error", err)
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.snapshotter.Run(workerCtx)
	}()

	// The watcher needs the workflow directory to exist; without it the
	// periodic refresh still picks up changes.
	if watcher, werr := store.NewWatcher(p.store, p.logger); werr != nil {
		p.logger.Warn("workflow directory watch unavailable", "error", werr)
	} else {
		watcher.Start()
		p.mu.Lock()
		p.watcher = watcher
		p.mu.Unlock()
	}

	p.logger.Info("principal started",
		"control_addr", p.server.Addr(),
		"ingest_addr", p.logManager.IngestAddr(),
		"subscribe_addr", p.logManager.FanoutAddr(),
		"workflows", len(p.store.List()))

	<-ctx.Done()
	return nil
}

// ControlAddr returns the control server's bound address.
func (p *Principal) ControlAddr() string {
	return p.server.Addr()
}

// LogIngestAddr returns the log ingest server's bound address.
func (p *Principal) LogIngestAddr() string {
	return p.logManager.IngestAddr()
}

// LogSubscribeAddr returns the log fan-out server's bound address.
func (p *Principal) LogSubscribeAddr() string {
	return p.logManager.FanoutAddr()
}

// Shutdown tears the principal down in dependency order: stop the inbound
// surfaces, freeze the queue, stop the workers (which flushes the persister
// and writes the final queue snapshot), then close the bus and the database.
func (p *Principal) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}

	p.logger.Info("graceful shutdown initiated", "queued", p.queue.Len())

	if err := p.server.Shutdown(ctx); err != nil && !cdktrerrors.Is(err, ErrServerClosed) {
		p.logger.Error("control server shutdown error", "error", err)
	}

	if err := p.logManager.Shutdown(ctx); err != nil {
		p.logger.Error("log manager shutdown error", "error", err)
	}

	if p.watcher != nil {
		if err := p.watcher.Stop(); err != nil {
			p.logger.Error("workflow watcher stop error", "error", err)
		}
	}

	// No producer can add runs past this point, so the final snapshot
	// written during worker teardown is authoritative.
	p.queue.Close()

	if p.workerCancel != nil {
		p.workerCancel()
	}
	p.wg.Wait()

	if err := p.bus.Close(); err != nil {
		p.logger.Error("log bus close error", "error", err)
	}
	if err := p.db.Close(); err != nil {
		p.logger.Error("database close error", "error", err)
	}

	p.started = false
	p.logger.Info("principal stopped")
	return nil
}
