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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
)

// Connection health timings, shared by the publisher and the manager. The
// writing side pings every pingInterval; the reading side allows pongWait of
// silence before declaring the peer gone.
const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// defaultPublisherCapacity bounds the overflow buffer when the config does
// not set one.
const defaultPublisherCapacity = 1024

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// URL is the principal's log ingest endpoint, e.g. ws://host:5562/ingest
	URL string

	// Capacity bounds the overflow buffer; oldest frames are dropped beyond
	// it. Default 1024.
	Capacity int

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer

	// Backoff overrides the reconnect policy. The default retries forever
	// with a capped interval.
	Backoff *backoff.ExponentialBackOff

	// Clock drives the keepalive ticker and reconnect waits.
	Clock clockwork.Clock

	// Logger is the structured logger.
	Logger *slog.Logger
}

// Publisher ships log frames from an agent to the principal's ingest
// endpoint. Enqueue never blocks: frames land in a bounded FIFO and a single
// drain worker sends them in order. When the buffer overflows the oldest
// frame is dropped and a WARN frame recording the running drop count goes
// out ahead of the survivors. A transport error puts the unsent frame back
// at the head and the worker reconnects under exponential backoff.
type Publisher struct {
	url    string
	dialer *websocket.Dialer
	bo     *backoff.ExponentialBackOff
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	buf      []protocol.LogFrame
	capacity int
	notice   *protocol.LogFrame
	dropped  int

	wake chan struct{}

	// conn is owned by the Run goroutine.
	conn *websocket.Conn
}

// NewPublisher creates a publisher for the given ingest endpoint. Frames
// enqueued before Run starts wait in the buffer.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultPublisherCapacity
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: writeWait}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultReconnectBackoff()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Publisher{
		url:      cfg.URL,
		dialer:   cfg.Dialer,
		bo:       cfg.Backoff,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "log-publisher"),
		capacity: cfg.Capacity,
		wake:     make(chan struct{}, 1),
	}
}

// defaultReconnectBackoff never gives up; the agent outlives principal
// restarts and resumes shipping once the ingest endpoint returns.
func defaultReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// Enqueue buffers one frame for delivery. It never blocks the caller; at
// capacity the oldest frame is discarded and folded into a WARN notice that
// precedes the remaining frames on the wire.
func (p *Publisher) Enqueue(frame protocol.LogFrame) {
	p.mu.Lock()
	if len(p.buf) >= p.capacity {
		oldest := p.buf[0]
		p.buf = p.buf[1:]
		p.dropped++
		notice := dropNotice(oldest, p.dropped, protocol.LevelWarn, p.clock.Now().UnixMilli())
		p.notice = &notice
		recordPublish("dropped")
	}
	p.buf = append(p.buf, frame)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Len reports how many frames are waiting, including a pending drop notice.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.buf)
	if p.notice != nil {
		n++
	}
	return n
}

// pop removes and returns the next frame to send. A pending drop notice
// goes out before buffered frames.
func (p *Publisher) pop() (protocol.LogFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notice != nil {
		frame := *p.notice
		p.notice = nil
		p.dropped = 0
		return frame, true
	}
	if len(p.buf) > 0 {
		frame := p.buf[0]
		p.buf = p.buf[1:]
		return frame, true
	}
	return protocol.LogFrame{}, false
}

// requeueHead puts a frame whose send failed back at the front of the
// buffer so order is preserved across reconnects.
func (p *Publisher) requeueHead(frame protocol.LogFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append([]protocol.LogFrame{frame}, p.buf...)
}

// Run drains the buffer until ctx is canceled. It is the only goroutine
// touching the connection.
func (p *Publisher) Run(ctx context.Context) {
	keepalive := p.clock.NewTicker(pingInterval)
	defer keepalive.Stop()
	defer p.closeConn()

	// Frames may already be waiting from before the worker started.
	p.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.drain(ctx)
		case <-keepalive.Chan():
			p.ping()
		}
	}
}

// drain sends buffered frames in order until the buffer empties or ctx is
// canceled. Send failures trigger a reconnect wait and the loop resumes
// from the same frame.
func (p *Publisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		frame, ok := p.pop()
		if !ok {
			return
		}

		if err := p.send(ctx, &frame); err != nil {
			p.requeueHead(frame)
			p.closeConn()
			p.logger.Warn("log frame send failed, backing off",
				"error", err,
				"buffered", p.Len(),
			)
			if !p.waitReconnect(ctx) {
				return
			}
			continue
		}
		p.bo.Reset()
		recordPublish("sent")
	}
}

// send writes one frame, dialing first when no connection is up.
func (p *Publisher) send(ctx context.Context, frame *protocol.LogFrame) error {
	if p.conn == nil {
		if err := p.dial(ctx); err != nil {
			return err
		}
	}

	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(frame); err != nil {
		return &cdktrerrors.TransportError{Endpoint: p.url, Op: "write", Cause: err}
	}
	return nil
}

func (p *Publisher) dial(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return &cdktrerrors.TransportError{Endpoint: p.url, Op: "dial", Cause: err}
	}

	// Pongs and close frames are only processed while something reads.
	go discardReads(conn)

	p.conn = conn
	recordConnect()
	p.logger.Info("connected to log ingest", "url", p.url)
	return nil
}

// discardReads pumps the connection so control frames are handled; the
// ingest endpoint never sends data frames.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// ping keeps an idle connection alive across the manager's read deadline.
func (p *Publisher) ping() {
	if p.conn == nil {
		return
	}
	if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		p.logger.Debug("keepalive ping failed", "error", err)
		p.closeConn()
	}
}

// waitReconnect sleeps for the next backoff interval. It returns false when
// ctx is canceled or the policy is exhausted.
func (p *Publisher) waitReconnect(ctx context.Context) bool {
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		p.logger.Error("reconnect policy exhausted, frames will wait for a new worker")
		return false
	}

	timer := p.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (p *Publisher) closeConn() {
	if p.conn == nil {
		return
	}
	p.conn.Close()
	p.conn = nil
}

// dropNotice synthesizes a frame recording that count frames were discarded
// under buffer pressure. It borrows the identity of the most recently
// discarded frame so the notice lands beside the run that lost output.
func dropNotice(last protocol.LogFrame, count int, level protocol.LogLevel, nowMS int64) protocol.LogFrame {
	return protocol.LogFrame{
		WorkflowID:         last.WorkflowID,
		WorkflowName:       last.WorkflowName,
		WorkflowInstanceID: last.WorkflowInstanceID,
		TaskName:           last.TaskName,
		TaskInstanceID:     last.TaskInstanceID,
		TimestampMS:        nowMS,
		Level:              level,
		Payload:            fmt.Sprintf("%d log frame(s) dropped under buffer pressure", count),
	}
}
