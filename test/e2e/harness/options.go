package harness

import (
	"fmt"
	"time"
)

// Option configures a Harness before startup.
type Option func(*Harness) error

// WithWorkflow places a workflow definition file in the workflow directory
// before the principal starts, so the initial load sees it. relPath is
// relative to the workflow root and determines the workflow id.
func WithWorkflow(relPath, body string) Option {
	return func(h *Harness) error {
		if relPath == "" {
			return fmt.Errorf("workflow path must not be empty")
		}
		h.workflows[relPath] = body
		return nil
	}
}

// WithAgents sets how many agents the harness runs. Default one.
func WithAgents(n int) Option {
	return func(h *Harness) error {
		if n < 0 {
			return fmt.Errorf("agent count must not be negative")
		}
		h.agentCount = n
		return nil
	}
}

// WithAgentCapacity sets each agent's concurrent task limit. Default two.
func WithAgentCapacity(n int) Option {
	return func(h *Harness) error {
		if n < 1 {
			return fmt.Errorf("agent capacity must be at least one")
		}
		h.agentCapacity = n
		return nil
	}
}

// WithHeartbeatTimeout shortens the monitor's heartbeat timeout, for
// scenarios that exercise agent loss. Default thirty seconds.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(h *Harness) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat timeout must be positive")
		}
		h.heartbeatTimeout = d
		return nil
	}
}
