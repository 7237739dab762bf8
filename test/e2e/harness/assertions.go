package harness

import (
	"context"
	"testing"
	"time"

	"github.com/tombee/cdktr/pkg/protocol"
	"github.com/tombee/cdktr/pkg/workflow"
)

// pollInterval is how often wait helpers re-check the principal.
const pollInterval = 100 * time.Millisecond

// WaitForWorkflow blocks until the principal lists the workflow, or fails
// the test after timeout.
func (h *Harness) WaitForWorkflow(ctx context.Context, workflowID string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		workflows, err := h.client.ListWorkflows(ctx)
		if err == nil {
			for _, wf := range workflows {
				if wf.ID == workflowID {
					return
				}
			}
		}
		time.Sleep(pollInterval)
	}
	h.t.Fatalf("workflow %s never appeared", workflowID)
}

// WaitForTerminalStatus blocks until the instance reaches a terminal
// status and returns it, or fails the test after timeout.
func (h *Harness) WaitForTerminalStatus(ctx context.Context, instanceID string, timeout time.Duration) workflow.RunStatus {
	h.t.Helper()

	var last workflow.RunStatus
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s, ok := h.instanceStatus(ctx, instanceID); ok {
			last = s.Status
			if s.Status.IsTerminal() {
				return s.Status
			}
		}
		time.Sleep(pollInterval)
	}
	h.t.Fatalf("instance %s never reached a terminal status (last %q)", instanceID, last)
	return ""
}

// WaitForInstanceOf blocks until any instance of the workflow shows up in
// the recent statuses and returns it, or fails the test after timeout.
func (h *Harness) WaitForInstanceOf(ctx context.Context, workflowID string, timeout time.Duration) protocol.InstanceStatus {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		statuses, err := h.client.RecentStatuses(ctx, 100)
		if err == nil {
			for _, s := range statuses {
				if s.WorkflowID == workflowID {
					return s
				}
			}
		}
		time.Sleep(pollInterval)
	}
	h.t.Fatalf("no instance of %s ever appeared", workflowID)
	return protocol.InstanceStatus{}
}

func (h *Harness) instanceStatus(ctx context.Context, instanceID string) (protocol.InstanceStatus, bool) {
	h.t.Helper()

	statuses, err := h.client.RecentStatuses(ctx, 100)
	if err != nil {
		return protocol.InstanceStatus{}, false
	}
	for _, s := range statuses {
		if s.WorkflowInstanceID == instanceID {
			return s, true
		}
	}
	return protocol.InstanceStatus{}, false
}

// CollectFrames reads the subscription channel until want frames match the
// predicate or timeout passes, returning the matches.
func CollectFrames(t *testing.T, frames <-chan *protocol.LogFrame, want int, timeout time.Duration, match func(*protocol.LogFrame) bool) []*protocol.LogFrame {
	t.Helper()

	var got []*protocol.LogFrame
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("subscription closed after %d of %d frames", len(got), want)
			}
			if match == nil || match(f) {
				got = append(got, f)
			}
		case <-deadline:
			t.Fatalf("timed out after %d of %d frames", len(got), want)
		}
	}
	return got
}
