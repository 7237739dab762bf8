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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cdktrerrors "github.com/tombee/cdktr/pkg/errors"
)

// controlStub runs a websocket endpoint that answers each request with the
// reply produced by handle.
func controlStub(t *testing.T, handle func(req *Message) *Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := ParseMessage(data)
			if err != nil {
				return
			}
			reply := handle(req)
			if reply == nil {
				return
			}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientPing(t *testing.T) {
	srv := controlStub(t, func(req *Message) *Message {
		if req.Method != MethodPing {
			t.Errorf("method = %q, want ping", req.Method)
		}
		reply, _ := NewResponse(req.CorrelationID, PingResult{Pong: true})
		return reply
	})

	c := NewClient(wsURL(srv), WithTimeout(time.Second), WithRetryAttempts(0))
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestClientTypedErrorReply(t *testing.T) {
	srv := controlStub(t, func(req *Message) *Message {
		return NewErrorResponse(req.CorrelationID, cdktrerrors.CodeNotFound, "no-such-workflow")
	})

	c := NewClient(wsURL(srv), WithTimeout(time.Second), WithRetryAttempts(5))
	defer c.Close()

	_, err := c.RunWorkflow(context.Background(), "no-such-workflow", "")
	if err == nil {
		t.Fatal("RunWorkflow should surface the error reply")
	}
	if !cdktrerrors.IsNotFound(err) {
		t.Errorf("error should classify as not found, got %v", err)
	}
}

func TestClientQueueFullNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := controlStub(t, func(req *Message) *Message {
		calls.Add(1)
		return NewErrorResponse(req.CorrelationID, cdktrerrors.CodeQueueFull, "full")
	})

	c := NewClient(wsURL(srv), WithTimeout(time.Second), WithRetryAttempts(5))
	defer c.Close()

	_, err := c.RunWorkflow(context.Background(), "etl.daily", "")
	if !cdktrerrors.IsQueueFull(err) {
		t.Fatalf("error should classify as queue full, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("request count = %d, want 1 (typed replies are not retried)", got)
	}
}

func TestClientRetriesTransportFailure(t *testing.T) {
	var calls atomic.Int32
	srv := controlStub(t, func(req *Message) *Message {
		if calls.Add(1) == 1 {
			// Drop the connection without replying to force a retry.
			return nil
		}
		reply, _ := NewResponse(req.CorrelationID, PingResult{Pong: true})
		return reply
	})

	c := NewClient(wsURL(srv), WithTimeout(50*time.Millisecond), WithRetryAttempts(3))
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping should succeed after the retry: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("request count = %d, want 2", got)
	}
}

func TestClientExhaustsRetries(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/control", WithTimeout(20*time.Millisecond), WithRetryAttempts(2))
	defer c.Close()

	err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("Ping against a dead endpoint should fail")
	}
	if !cdktrerrors.IsRetryable(err) {
		t.Errorf("surfaced error should be the transport failure, got %v", err)
	}
}

func TestClientFetchWorkflowEmptyQueue(t *testing.T) {
	srv := controlStub(t, func(req *Message) *Message {
		var params FetchWorkflowParams
		if err := req.UnmarshalParams(&params); err != nil {
			t.Errorf("params decode failed: %v", err)
		}
		if params.AgentID != "agent-1" {
			t.Errorf("agent id = %q, want agent-1", params.AgentID)
		}
		reply, _ := NewResponse(req.CorrelationID, FetchWorkflowResult{Assigned: false})
		return reply
	})

	c := NewClient(wsURL(srv), WithTimeout(time.Second))
	defer c.Close()

	res, err := c.FetchWorkflow(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("FetchWorkflow failed: %v", err)
	}
	if res.Assigned {
		t.Error("empty queue should report assigned=false")
	}
}
