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

package errors

import "errors"

// CodeOf classifies err into one of the Code* constants. Unrecognized
// errors classify as CodeInternal so a reply is always well-formed.
func CodeOf(err error) string {
	var (
		transport   *TransportError
		timeout     *TimeoutError
		protocol    *ProtocolError
		notFound    *NotFoundError
		invalid     *InvalidWorkflowError
		queueFull   *QueueFullError
		agentLost   *AgentLostError
		executor    *ExecutorError
		persistence *PersistenceError
	)
	switch {
	case errors.As(err, &transport):
		return CodeTransport
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &protocol):
		return CodeProtocol
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &invalid):
		return CodeInvalidWorkflow
	case errors.As(err, &queueFull):
		return CodeQueueFull
	case errors.As(err, &agentLost):
		return CodeAgentLost
	case errors.As(err, &executor):
		return CodeExecutorFailed
	case errors.As(err, &persistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}

// FromCode rebuilds a typed error from a wire reply so callers on the
// client side can classify with errors.As exactly as server-side code does.
func FromCode(code, message string) error {
	switch code {
	case CodeTransport:
		return &TransportError{Op: "request", Cause: errors.New(message)}
	case CodeTimeout:
		return &TimeoutError{Operation: message}
	case CodeProtocol:
		return &ProtocolError{Detail: message}
	case CodeNotFound:
		return &NotFoundError{Resource: "resource", ID: message}
	case CodeInvalidWorkflow:
		return &InvalidWorkflowError{Reason: ReasonParse, Detail: message}
	case CodeQueueFull:
		return &QueueFullError{}
	case CodeAgentLost:
		return &AgentLostError{AgentID: message}
	case CodeExecutorFailed:
		return &ExecutorError{ExitCode: -1, Cause: errors.New(message)}
	case CodePersistence:
		return &PersistenceError{Op: "remote", Cause: errors.New(message)}
	default:
		return &InternalError{Message: message}
	}
}

// IsRetryable reports whether the failed operation is safe and worthwhile
// to retry: transient transport and timeout failures, plus persistence
// failures (retried on the next flush tick). Protocol and validation
// failures are deterministic and never retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransport, CodeTimeout, CodePersistence:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err classifies as a missing entity.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsTimeout reports whether err classifies as a deadline overrun.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}

// IsQueueFull reports whether err classifies as queue backpressure.
func IsQueueFull(err error) bool {
	return CodeOf(err) == CodeQueueFull
}
