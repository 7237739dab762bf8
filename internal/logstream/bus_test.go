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
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tombee/cdktr/pkg/protocol"
)

func testFrame(workflowID, payload string) protocol.LogFrame {
	return protocol.LogFrame{
		WorkflowID:         workflowID,
		WorkflowName:       "Test " + workflowID,
		WorkflowInstanceID: workflowID + "-inst-1",
		TaskName:           "run",
		TaskInstanceID:     "run-inst-1",
		TimestampMS:        1700000000000,
		Level:              protocol.LevelInfo,
		Payload:            payload,
	}
}

// receiveFrame reads one frame from ch or fails the test.
func receiveFrame(t *testing.T, ch <-chan *protocol.LogFrame) protocol.LogFrame {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if !ok {
			t.Fatal("Expected a frame, got closed channel")
		}
		return *frame
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a frame, got none within 5s")
	}
	return protocol.LogFrame{}
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		f := testFrame("etl.daily", fmt.Sprintf("line %d", i))
		if err := bus.Publish(&f); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		got := receiveFrame(t, frames)
		want := fmt.Sprintf("line %d", i)
		if got.Payload != want {
			t.Errorf("Expected payload %q at position %d, got %q", want, i, got.Payload)
		}
	}
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	second, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	f := testFrame("etl.daily", "hello")
	if err := bus.Publish(&f); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := receiveFrame(t, first); got != f {
		t.Errorf("Expected first subscriber to receive %+v, got %+v", f, got)
	}
	if got := receiveFrame(t, second); got != f {
		t.Errorf("Expected second subscriber to receive %+v, got %+v", f, got)
	}
}

func TestBus_SkipsMalformedPayloads(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.pubsub.Publish(framesTopic, message.NewMessage("bad", []byte("not a frame"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	valid := testFrame("etl.daily", "after garbage")
	if err := bus.Publish(&valid); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := receiveFrame(t, frames); got.Payload != "after garbage" {
		t.Errorf("Expected the valid frame, got %+v", got)
	}
}

func TestBus_CancelClosesSubscription(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Expected subscription channel to close after cancel")
		}
	}
}
