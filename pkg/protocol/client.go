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

package protocol

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/workflow"
)

// Client speaks the control protocol with a principal. One request is in
// flight at a time; the connection is reused across calls and re-dialed
// after any failure.
//
// Transport and timeout failures are retried up to the configured attempt
// count, sleeping one timeout interval between attempts. Failures with a
// reply (NotFound, QueueFull, protocol errors) are returned immediately.
type Client struct {
	url           string
	timeout       time.Duration
	retryAttempts int
	logger        *slog.Logger
	dialer        *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetryAttempts sets how many times a transport or timeout failure is
// retried before surfacing.
func WithRetryAttempts(n int) ClientOption {
	return func(c *Client) {
		c.retryAttempts = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// NewClient creates a control-protocol client for the given websocket URL.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:           url,
		timeout:       3 * time.Second,
		retryAttempts: 20,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: c.timeout}
	}
	return c
}

// Close releases the connection. The client can be reused; the next call
// re-dials.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropConn()
}

// dropConn closes and forgets the connection. Caller holds c.mu.
func (c *Client) dropConn() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call sends one request and decodes the reply result into result (which
// may be nil for ack-only methods). Retries follow the client's policy.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Warn("control request failed, retrying",
				"method", method,
				"attempt", attempt,
				"error", lastErr.Error(),
			)
			select {
			case <-ctx.Done():
				return &errors.TimeoutError{Operation: method, Duration: c.timeout, Cause: ctx.Err()}
			case <-time.After(c.timeout):
			}
		}

		err := c.exchange(ctx, method, params, result)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("re-established principal connection",
					"method", method,
					"attempts", attempt+1,
				)
			}
			return nil
		}

		if !errors.IsRetryable(err) {
			return err
		}
		lastErr = err
		c.dropConn()
	}

	return lastErr
}

// exchange runs one request/reply round trip on the shared connection,
// dialing first when necessary. Caller holds c.mu.
func (c *Client) exchange(ctx context.Context, method string, params, result interface{}) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return &errors.ProtocolError{Detail: "encoding request params", Cause: err}
	}

	if c.conn == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return &errors.TransportError{Endpoint: c.url, Op: "dial", Cause: err}
		}
		c.conn = conn
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return &errors.TransportError{Endpoint: c.url, Op: "write", Cause: err}
	}

	c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &errors.TimeoutError{Operation: method, Duration: c.timeout, Cause: err}
		}
		return &errors.TransportError{Endpoint: c.url, Op: "read", Cause: err}
	}

	reply, err := ParseMessage(data)
	if err != nil {
		return &errors.ProtocolError{Detail: "parsing reply", Cause: err}
	}
	if reply.CorrelationID != req.CorrelationID {
		return &errors.ProtocolError{
			Detail: "reply correlation ID does not match request",
		}
	}

	switch reply.Type {
	case MessageTypeError:
		return errors.FromCode(reply.Error.Code, reply.Error.Message)
	case MessageTypeResponse:
		if result == nil {
			return nil
		}
		if err := reply.UnmarshalResult(result); err != nil {
			return &errors.ProtocolError{Detail: "decoding reply result", Cause: err}
		}
		return nil
	default:
		return &errors.ProtocolError{Detail: "unexpected reply type " + string(reply.Type)}
	}
}

// Ping checks the principal is reachable and responsive.
func (c *Client) Ping(ctx context.Context) error {
	var res PingResult
	if err := c.Call(ctx, MethodPing, nil, &res); err != nil {
		return err
	}
	if !res.Pong {
		return &errors.ProtocolError{Detail: "ping reply without pong"}
	}
	return nil
}

// RegisterAgent announces an agent and returns its assigned ID.
func (c *Client) RegisterAgent(ctx context.Context, controlAddr string, capacity int) (string, error) {
	var res RegisterAgentResult
	params := RegisterAgentParams{ControlAddr: controlAddr, Capacity: capacity}
	if err := c.Call(ctx, MethodRegisterAgent, params, &res); err != nil {
		return "", err
	}
	return res.AgentID, nil
}

// Heartbeat reports the agent is alive and how much it is running.
func (c *Client) Heartbeat(ctx context.Context, agentID string, inflight int) error {
	return c.Call(ctx, MethodHeartbeat, HeartbeatParams{AgentID: agentID, Inflight: inflight}, nil)
}

// FetchWorkflow asks for the next queued workflow instance.
func (c *Client) FetchWorkflow(ctx context.Context, agentID string) (*FetchWorkflowResult, error) {
	var res FetchWorkflowResult
	if err := c.Call(ctx, MethodFetchWorkflow, FetchWorkflowParams{AgentID: agentID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunWorkflow enqueues a run of the named workflow and returns the minted
// instance ID.
func (c *Client) RunWorkflow(ctx context.Context, workflowID string, origin workflow.TriggerOrigin) (string, error) {
	var res RunWorkflowResult
	params := RunWorkflowParams{WorkflowID: workflowID, Origin: origin}
	if err := c.Call(ctx, MethodRunWorkflow, params, &res); err != nil {
		return "", err
	}
	return res.WorkflowInstanceID, nil
}

// ReportStatus records one status transition with the principal.
func (c *Client) ReportStatus(ctx context.Context, params ReportStatusParams) error {
	return c.Call(ctx, MethodReportStatus, params, nil)
}

// ListWorkflows enumerates the definitions the principal has loaded.
func (c *Client) ListWorkflows(ctx context.Context) ([]workflow.Metadata, error) {
	var res ListWorkflowsResult
	if err := c.Call(ctx, MethodListWorkflows, nil, &res); err != nil {
		return nil, err
	}
	return res.Workflows, nil
}

// QueryLogs fetches persisted log frames matching the filters.
func (c *Client) QueryLogs(ctx context.Context, params QueryLogsParams) ([]LogFrame, error) {
	var res QueryLogsResult
	if err := c.Call(ctx, MethodQueryLogs, params, &res); err != nil {
		return nil, err
	}
	return res.Frames, nil
}

// RecentStatuses fetches the current status of recently active instances.
func (c *Client) RecentStatuses(ctx context.Context, limit int) ([]InstanceStatus, error) {
	var res RecentStatusesResult
	if err := c.Call(ctx, MethodRecentStatuses, RecentStatusesParams{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Statuses, nil
}

// ListAgents fetches the live agent registry.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var res ListAgentsResult
	if err := c.Call(ctx, MethodListAgents, nil, &res); err != nil {
		return nil, err
	}
	return res.Agents, nil
}
