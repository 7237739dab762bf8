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

// Package protocol defines CDKTR's wire protocol: the request/reply message
// envelope spoken on the control endpoint, the typed parameter and result
// payloads for every control method, the log frame format, and a client.
//
// Every request receives exactly one reply carrying the same correlation ID.
// Errors travel as a reply with a structured {code, message} body; the codes
// are the pkg/errors taxonomy codes, so both sides classify failures
// identically.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on requests for forward compatibility.
const ProtocolVersion = "1.0"

var (
	// ErrInvalidMessage is returned when a message cannot be parsed.
	ErrInvalidMessage = errors.New("protocol: invalid message format")

	// ErrMissingCorrelationID is returned when a message lacks a correlation ID.
	ErrMissingCorrelationID = errors.New("protocol: missing correlation ID")
)

// MessageType identifies the type of control message.
type MessageType string

const (
	// MessageTypeRequest is a request from client to server.
	MessageTypeRequest MessageType = "request"

	// MessageTypeResponse is a successful reply from server to client.
	MessageTypeResponse MessageType = "response"

	// MessageTypeError is an error reply.
	MessageTypeError MessageType = "error"
)

// Message is the envelope for every control-protocol exchange.
type Message struct {
	// Type identifies the message type
	Type MessageType `json:"type"`

	// CorrelationID links requests with replies
	CorrelationID string `json:"correlationId"`

	// Version is the protocol version (request only)
	Version string `json:"version,omitempty"`

	// Method is the control method to invoke (request only)
	Method string `json:"method,omitempty"`

	// Params contains method parameters (request only)
	Params json.RawMessage `json:"params,omitempty"`

	// Result contains the reply data (response only)
	Result json.RawMessage `json:"result,omitempty"`

	// Error contains error information (error only)
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse contains structured error information.
type ErrorResponse struct {
	// Code is a machine-readable error code from the error taxonomy
	Code string `json:"code"`

	// Message is a human-readable error message
	Message string `json:"message"`
}

// NewRequest creates a new request message with a generated correlation ID.
func NewRequest(method string, params interface{}) (*Message, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	return &Message{
		Type:          MessageTypeRequest,
		CorrelationID: uuid.New().String(),
		Version:       ProtocolVersion,
		Method:        method,
		Params:        paramsJSON,
	}, nil
}

// NewResponse creates a successful reply for the given request.
func NewResponse(correlationID string, result interface{}) (*Message, error) {
	var resultJSON json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = data
	}

	return &Message{
		Type:          MessageTypeResponse,
		CorrelationID: correlationID,
		Result:        resultJSON,
	}, nil
}

// NewErrorResponse creates an error reply.
func NewErrorResponse(correlationID, code, message string) *Message {
	return &Message{
		Type:          MessageTypeError,
		CorrelationID: correlationID,
		Error: &ErrorResponse{
			Code:    code,
			Message: message,
		},
	}
}

// Validate checks if the message is well-formed.
func (m *Message) Validate() error {
	if m.CorrelationID == "" {
		return ErrMissingCorrelationID
	}

	switch m.Type {
	case MessageTypeRequest:
		if m.Method == "" {
			return fmt.Errorf("%w: missing method", ErrInvalidMessage)
		}
	case MessageTypeResponse:
		// Valid as-is
	case MessageTypeError:
		if m.Error == nil {
			return fmt.Errorf("%w: error message without error body", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Type)
	}

	return nil
}

// UnmarshalParams unmarshals the params field into the given value.
func (m *Message) UnmarshalParams(v interface{}) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// UnmarshalResult unmarshals the result field into the given value.
func (m *Message) UnmarshalResult(v interface{}) error {
	if m.Result == nil {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// Marshal encodes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses and validates a JSON message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &msg, nil
}
