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

// Package principal assembles the principal daemon: the websocket control
// server and the subsystems behind it (store, queue, scheduler, registry,
// log manager, persister).
package principal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/cdktr/internal/log"
	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
)

const (
	// pongWait is how long a connection may stay silent before its reads
	// time out.
	pongWait = 60 * time.Second

	// pingInterval is how often the server pings clients. Must be shorter
	// than pongWait.
	pingInterval = 30 * time.Second

	// writeWait bounds a single reply or control-frame write.
	writeWait = 10 * time.Second
)

// ErrServerClosed is returned when operations are attempted on a closed
// server.
var ErrServerClosed = cdktrerrors.New("principal: server closed")

// handlerFunc handles one control request and returns the result payload to
// wrap in the reply envelope.
type handlerFunc func(ctx context.Context, req *protocol.Message) (any, error)

// ServerConfig configures the control server.
type ServerConfig struct {
	// Addr is the host:port to bind the control endpoint on.
	Addr string

	// Handlers provides the method table.
	Handlers *Handlers

	// ShutdownTimeout bounds graceful shutdown. Default: 5 seconds.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server is the principal's control endpoint. It serves the request/reply
// protocol on /control, Prometheus metrics on /metrics, and a health probe
// on /healthz.
//
// Requests on one connection are handled sequentially, so every request
// gets exactly one reply and replies never interleave.
type Server struct {
	methods         map[string]handlerFunc
	logger          *slog.Logger
	middleware      *log.ControlMiddleware
	upgrader        websocket.Upgrader
	shutdownTimeout time.Duration

	mu         sync.Mutex
	addr       string
	httpServer *http.Server
	listener   net.Listener
	closed     bool

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer creates the control server. It does not listen until Start.
func NewServer(cfg ServerConfig) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "control-server"))
	return &Server{
		methods:    cfg.Handlers.methods(),
		logger:     logger,
		middleware: log.NewControlMiddleware(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		addr:            cfg.Addr,
		conns:           make(map[*websocket.Conn]struct{}),
		shutdownCh:      make(chan struct{}),
	}
}

// Start binds the listener and begins serving. It returns once the server
// is accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.httpServer != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return &cdktrerrors.TransportError{Endpoint: s.addr, Op: "listen", Cause: err}
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.handleControl)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// WriteTimeout intentionally omitted to support long-lived
		// WebSocket connections
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !cdktrerrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", "error", err)
		}
	}()

	s.logger.Info("control server started", "addr", s.addr)
	return nil
}

// Addr returns the address the server is bound to. With a ":0" configured
// port this is the resolved address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// handleHealth reports readiness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	status := "ready"
	httpStatus := http.StatusOK
	if closed {
		status = "shutting down"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// handleControl upgrades a control connection.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()

	go s.serveConn(conn)
}

// serveConn reads requests off one connection and replies in order until the
// peer disconnects or the server shuts down.
func (s *Server) serveConn(conn *websocket.Conn) {
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	// The request context outlives any single read; it ends with the
	// connection or at shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// WriteControl is safe concurrently with the reply writes below.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	remote := conn.RemoteAddr().String()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("control connection read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := s.handleData(ctx, remote, data)

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			s.logger.Warn("control reply write failed", "error", err)
			return
		}
	}
}

// handleData turns one raw inbound message into exactly one reply message.
func (s *Server) handleData(ctx context.Context, remote string, data []byte) *protocol.Message {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		recordRequest("malformed", "error")
		return protocol.NewErrorResponse("", cdktrerrors.CodeProtocol, "malformed message: "+err.Error())
	}
	if err := msg.Validate(); err != nil {
		recordRequest("malformed", "error")
		return protocol.NewErrorResponse(msg.CorrelationID, cdktrerrors.CodeProtocol, err.Error())
	}
	if msg.Type != protocol.MessageTypeRequest {
		recordRequest("malformed", "error")
		return protocol.NewErrorResponse(msg.CorrelationID, cdktrerrors.CodeProtocol, "expected a request message")
	}
	return s.dispatch(ctx, remote, &msg)
}

// dispatch routes a validated request to its handler and wraps the outcome
// in a reply carrying the request's correlation id.
func (s *Server) dispatch(ctx context.Context, remote string, req *protocol.Message) *protocol.Message {
	handler, ok := s.methods[req.Method]
	if !ok {
		recordRequest(req.Method, "error")
		return protocol.NewErrorResponse(req.CorrelationID, cdktrerrors.CodeProtocol, "unknown method "+req.Method)
	}

	var result any
	err := s.middleware.Handler(&log.ControlRequest{
		Method:        req.Method,
		CorrelationID: req.CorrelationID,
		RemoteAddr:    remote,
	}, func() error {
		var herr error
		result, herr = handler(ctx, req)
		return herr
	})
	if err != nil {
		recordRequest(req.Method, "error")
		return protocol.NewErrorResponse(req.CorrelationID, cdktrerrors.CodeOf(err), err.Error())
	}

	reply, err := protocol.NewResponse(req.CorrelationID, result)
	if err != nil {
		recordRequest(req.Method, "error")
		s.logger.Error("control reply encoding failed", "method", req.Method, "error", err)
		return protocol.NewErrorResponse(req.CorrelationID, cdktrerrors.CodeInternal, "encoding reply failed")
	}

	recordRequest(req.Method, "ok")
	return reply
}

// Shutdown gracefully stops the server, closing all control connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	httpServer := s.httpServer
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		s.connMu.Lock()
		for conn := range s.conns {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		s.connMu.Unlock()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
			defer cancel()
			shutdownErr = httpServer.Shutdown(shutdownCtx)
		}

		s.logger.Info("control server stopped")
	})

	return shutdownErr
}
