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
	"errors"
	"testing"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
)

func TestNewRequest(t *testing.T) {
	msg, err := NewRequest(MethodRunWorkflow, RunWorkflowParams{WorkflowID: "etl.daily"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	if msg.Type != MessageTypeRequest {
		t.Errorf("type = %s, want %s", msg.Type, MessageTypeRequest)
	}
	if msg.Method != MethodRunWorkflow {
		t.Errorf("method = %s, want %s", msg.Method, MethodRunWorkflow)
	}
	if msg.CorrelationID == "" {
		t.Error("correlation ID should be generated")
	}
	if msg.Version != ProtocolVersion {
		t.Errorf("version = %q, want %q", msg.Version, ProtocolVersion)
	}

	var params RunWorkflowParams
	if err := msg.UnmarshalParams(&params); err != nil {
		t.Fatalf("UnmarshalParams failed: %v", err)
	}
	if params.WorkflowID != "etl.daily" {
		t.Errorf("params round-trip lost workflow id: %q", params.WorkflowID)
	}
}

func TestNewRequest_NilParams(t *testing.T) {
	msg, err := NewRequest(MethodPing, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if msg.Params != nil {
		t.Errorf("params should be omitted for nil, got %s", msg.Params)
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodFetchWorkflow, FetchWorkflowParams{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	reply, err := NewResponse(req.CorrelationID, FetchWorkflowResult{Assigned: false})
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}

	data, err := reply.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if parsed.CorrelationID != req.CorrelationID {
		t.Error("correlation ID should survive the round trip")
	}
	if parsed.Type != MessageTypeResponse {
		t.Errorf("type = %s, want %s", parsed.Type, MessageTypeResponse)
	}

	var res FetchWorkflowResult
	if err := parsed.UnmarshalResult(&res); err != nil {
		t.Fatalf("UnmarshalResult failed: %v", err)
	}
	if res.Assigned {
		t.Error("result round-trip corrupted assigned flag")
	}
}

func TestNewErrorResponse(t *testing.T) {
	msg := NewErrorResponse("corr-1", cdktrerrors.CodeQueueFull, "workflow queue full (capacity 8)")

	if msg.Type != MessageTypeError {
		t.Errorf("type = %s, want %s", msg.Type, MessageTypeError)
	}
	if msg.Error == nil {
		t.Fatal("error body should be set")
	}
	if msg.Error.Code != cdktrerrors.CodeQueueFull {
		t.Errorf("code = %q, want %q", msg.Error.Code, cdktrerrors.CodeQueueFull)
	}

	// The client rehydrates the typed error from the code.
	err := cdktrerrors.FromCode(msg.Error.Code, msg.Error.Message)
	if !cdktrerrors.IsQueueFull(err) {
		t.Error("rehydrated error should classify as queue full")
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{
			name:    "missing correlation id",
			msg:     Message{Type: MessageTypeRequest, Method: MethodPing},
			wantErr: ErrMissingCorrelationID,
		},
		{
			name:    "request without method",
			msg:     Message{Type: MessageTypeRequest, CorrelationID: "c"},
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "error without body",
			msg:     Message{Type: MessageTypeError, CorrelationID: "c"},
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "unknown type",
			msg:     Message{Type: "stream", CorrelationID: "c"},
			wantErr: ErrInvalidMessage,
		},
		{
			name: "valid response",
			msg:  Message{Type: MessageTypeResponse, CorrelationID: "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseMessage_MalformedJSON(t *testing.T) {
	if _, err := ParseMessage([]byte("{not json")); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("ParseMessage should wrap ErrInvalidMessage, got %v", err)
	}
}
