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

package log

import (
	"log/slog"
	"time"
)

// ControlRequest represents a control-protocol request for logging purposes.
type ControlRequest struct {
	// Method is the control method being invoked (e.g. "workflow.fetch").
	Method string

	// CorrelationID ties the log lines of one request/reply exchange together.
	CorrelationID string

	// RemoteAddr is the remote address of the client.
	RemoteAddr string
}

// ControlMiddleware wraps control-protocol handler invocations with
// request/response logging. Requests log at debug, completions at info,
// failures at error.
type ControlMiddleware struct {
	logger *slog.Logger
}

// NewControlMiddleware creates a new control logging middleware.
func NewControlMiddleware(logger *slog.Logger) *ControlMiddleware {
	return &ControlMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that processes a control request.
// It logs the request and its outcome automatically.
func (m *ControlMiddleware) Handler(req *ControlRequest, handler func() error) error {
	start := time.Now()

	m.logger.Debug("control request received",
		EventKey, "control_request",
		"method", req.Method,
		"correlation_id", req.CorrelationID,
		"remote", req.RemoteAddr,
	)

	err := handler()

	attrs := []any{
		EventKey, "control_response",
		"method", req.Method,
		"correlation_id", req.CorrelationID,
		"remote", req.RemoteAddr,
		DurationKey, time.Since(start).Milliseconds(),
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		m.logger.Log(nil, slog.LevelError, "control request failed", attrs...)
		return err
	}

	m.logger.Log(nil, slog.LevelInfo, "control request completed", attrs...)
	return nil
}
