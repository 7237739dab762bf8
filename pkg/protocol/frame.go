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
	"encoding/json"
	"fmt"
	"strings"
)

// LogLevel is the severity of a log frame.
type LogLevel string

// Log levels
const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// IsValid checks if the level is part of the vocabulary.
func (l LogLevel) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError:
		return true
	default:
		return false
	}
}

// Payload prefixes distinguishing captured process output streams.
const (
	PayloadPrefixStdout = "STDOUT "
	PayloadPrefixStderr = "STDERR "
)

// LogFrame is one log record emitted during task execution. Frames travel
// from the agent's publisher to the principal's log manager, fan out to
// subscribers, and persist to the log store. No stage mutates a frame.
type LogFrame struct {
	WorkflowID         string   `json:"workflow_id"`
	WorkflowName       string   `json:"workflow_name"`
	WorkflowInstanceID string   `json:"workflow_instance_id"`
	TaskName           string   `json:"task_name"`
	TaskInstanceID     string   `json:"task_instance_id"`
	TimestampMS        int64    `json:"timestamp_ms"`
	Level              LogLevel `json:"level"`
	Payload            string   `json:"payload"`
}

// Validate checks the fields every frame must carry.
func (f *LogFrame) Validate() error {
	if f.WorkflowID == "" {
		return fmt.Errorf("%w: frame missing workflow_id", ErrInvalidMessage)
	}
	if f.WorkflowInstanceID == "" {
		return fmt.Errorf("%w: frame missing workflow_instance_id", ErrInvalidMessage)
	}
	if f.TimestampMS <= 0 {
		return fmt.Errorf("%w: frame missing timestamp", ErrInvalidMessage)
	}
	if !f.Level.IsValid() {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidMessage, f.Level)
	}
	return nil
}

// MatchesWorkflowPrefix reports whether the frame belongs to a workflow
// whose ID starts with prefix. The empty prefix matches every frame; this
// is the fan-out subscription filter.
func (f *LogFrame) MatchesWorkflowPrefix(prefix string) bool {
	return strings.HasPrefix(f.WorkflowID, prefix)
}

// Marshal encodes the frame to JSON.
func (f *LogFrame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame parses and validates a JSON log frame.
func ParseFrame(data []byte) (*LogFrame, error) {
	var f LogFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
