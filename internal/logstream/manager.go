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

package logstream

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
)

// ErrManagerClosed is returned when operations are attempted on a manager
// that has shut down.
var ErrManagerClosed = cdktrerrors.New("logstream: manager closed")

// ManagerConfig configures the log manager.
type ManagerConfig struct {
	// IngestAddr is the host:port agents push frames to.
	IngestAddr string

	// FanoutAddr is the host:port subscribers receive frames from.
	FanoutAddr string

	// Bus carries frames from ingest to the fan-out and the persister.
	Bus *Bus

	// ShutdownTimeout bounds graceful shutdown. Default 5 seconds.
	ShutdownTimeout time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

// Manager is the principal's log relay. The ingest endpoint accepts frames
// from agent publishers and puts them on the bus; the fan-out endpoint
// streams bus frames to subscribers filtered by workflow ID prefix. Frames
// pass through unmutated.
type Manager struct {
	bus             *Bus
	logger          *slog.Logger
	upgrader        websocket.Upgrader
	shutdownTimeout time.Duration

	mu        sync.Mutex
	ingestSrv *http.Server
	fanoutSrv *http.Server
	ingestLis net.Listener
	fanoutLis net.Listener
	closed    bool

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	subscribers atomic.Int32

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewManager creates a log manager. Start must be called before agents or
// subscribers can connect.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		bus:             cfg.Bus,
		logger:          cfg.Logger.With("component", "log-manager"),
		shutdownTimeout: cfg.ShutdownTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ingestSrv: &http.Server{Addr: cfg.IngestAddr},
		fanoutSrv: &http.Server{Addr: cfg.FanoutAddr},
		conns:     make(map[*websocket.Conn]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Start binds both listeners and begins serving. It returns once the
// endpoints are accepting connections.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.ingestLis != nil {
		return nil
	}

	ingestLis, err := net.Listen("tcp", m.ingestSrv.Addr)
	if err != nil {
		return &cdktrerrors.TransportError{Endpoint: m.ingestSrv.Addr, Op: "listen", Cause: err}
	}
	fanoutLis, err := net.Listen("tcp", m.fanoutSrv.Addr)
	if err != nil {
		ingestLis.Close()
		return &cdktrerrors.TransportError{Endpoint: m.fanoutSrv.Addr, Op: "listen", Cause: err}
	}
	m.ingestLis = ingestLis
	m.fanoutLis = fanoutLis

	ingestMux := http.NewServeMux()
	ingestMux.HandleFunc("/ingest", m.handleIngest)
	m.ingestSrv.Handler = ingestMux
	m.ingestSrv.ReadTimeout = 10 * time.Second

	fanoutMux := http.NewServeMux()
	fanoutMux.HandleFunc("/subscribe", m.handleSubscribe)
	m.fanoutSrv.Handler = fanoutMux
	m.fanoutSrv.ReadTimeout = 10 * time.Second

	go m.serve(m.ingestSrv, ingestLis, "ingest")
	go m.serve(m.fanoutSrv, fanoutLis, "fanout")

	m.logger.Info("log manager started",
		"ingest_addr", ingestLis.Addr().String(),
		"fanout_addr", fanoutLis.Addr().String(),
	)
	return nil
}

func (m *Manager) serve(srv *http.Server, lis net.Listener, name string) {
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		m.logger.Error("log manager server error", "server", name, "error", err)
	}
}

// IngestAddr returns the bound ingest address, or "" before Start.
func (m *Manager) IngestAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ingestLis == nil {
		return ""
	}
	return m.ingestLis.Addr().String()
}

// FanoutAddr returns the bound fan-out address, or "" before Start.
func (m *Manager) FanoutAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fanoutLis == nil {
		return ""
	}
	return m.fanoutLis.Addr().String()
}

// Subscribers reports how many fan-out connections are live.
func (m *Manager) Subscribers() int {
	return int(m.subscribers.Load())
}

// handleIngest upgrades an agent connection and copies its frames onto the
// bus until the connection drops.
func (m *Manager) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, ok := m.upgrade(w, r)
	if !ok {
		return
	}
	go m.serveIngest(conn)
}

func (m *Manager) serveIngest(conn *websocket.Conn) {
	defer m.dropConn(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("ingest connection lost", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			m.logger.Warn("dropping malformed log frame",
				"remote", conn.RemoteAddr().String(),
				"error", err,
			)
			recordIngest("rejected")
			continue
		}

		if err := m.bus.Publish(frame); err != nil {
			m.logger.Error("log bus publish failed", "error", err)
			recordIngest("rejected")
			continue
		}
		recordIngest("accepted")
	}
}

// handleSubscribe upgrades a subscriber connection and streams matching
// frames to it. The workflow_id query parameter is a prefix filter; empty
// means every frame.
func (m *Manager) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("workflow_id")
	conn, ok := m.upgrade(w, r)
	if !ok {
		return
	}
	go m.serveSubscriber(conn, prefix)
}

func (m *Manager) serveSubscriber(conn *websocket.Conn, prefix string) {
	defer m.dropConn(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := m.bus.Subscribe(ctx)
	if err != nil {
		m.logger.Error("bus subscribe failed", "error", err)
		return
	}

	m.subscribers.Add(1)
	setSubscribers(int(m.subscribers.Load()))
	defer func() {
		m.subscribers.Add(-1)
		setSubscribers(int(m.subscribers.Load()))
	}()

	m.logger.Info("log subscriber connected",
		"remote", conn.RemoteAddr().String(),
		"workflow_id_prefix", prefix,
	)

	// Subscribers only send control frames; the read pump notices the peer
	// going away and keeps pong handling alive.
	go func() {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-m.shutdownCh:
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			return
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !frame.MatchesWorkflowPrefix(prefix) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				m.logger.Debug("subscriber write failed", "error", err)
				return
			}
		}
	}
}

// upgrade performs the websocket handshake and tracks the connection for
// shutdown. It replies with an HTTP error when the manager is closed.
func (m *Manager) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, false
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return nil, false
	}

	m.connMu.Lock()
	m.conns[conn] = struct{}{}
	m.connMu.Unlock()
	return conn, true
}

func (m *Manager) dropConn(conn *websocket.Conn) {
	m.connMu.Lock()
	delete(m.conns, conn)
	m.connMu.Unlock()
	conn.Close()
}

// Shutdown closes both endpoints and every live connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.closed = true
	m.mu.Unlock()

	var shutdownErr error
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.logger.Info("log manager shutting down")

		shutdownCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		defer cancel()

		m.connMu.Lock()
		for conn := range m.conns {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		m.connMu.Unlock()

		for _, srv := range []*http.Server{m.ingestSrv, m.fanoutSrv} {
			if err := srv.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}

		m.logger.Info("log manager shutdown complete")
	})

	return shutdownErr
}
