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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/tombee/cdktr/internal/config"
	"github.com/tombee/cdktr/internal/jq"
	"github.com/tombee/cdktr/pkg/errors"
	"github.com/tombee/cdktr/pkg/protocol"
)

func newLogsCommand() *cobra.Command {
	var (
		workflowID string
		instanceID string
		since      string
		until      string
		limit      int
		follow     bool
		jqExpr     string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query persisted logs or follow the live stream",
		Long: `Query log frames persisted by the principal, filtered by workflow,
instance, and time range. With --follow, subscribe to the live fan-out
stream instead and print frames as they arrive; --workflow-id then acts
as a workflow ID prefix filter and the time range does not apply.`,
		Example: `  # Logs from the last 24 hours for one workflow
  cdktr logs --workflow-id reports.daily

  # Logs for a single run
  cdktr logs --instance-id 7f9f1c2e-...

  # Errors in the last 15 minutes, as JSON lines
  cdktr logs --since 15m --json --jq '.[] | select(.level == "ERROR")'

  # Tail everything live
  cdktr logs --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if follow {
				if since != "" || until != "" {
					return fmt.Errorf("--since and --until do not apply to --follow")
				}
				return followLogs(ctx, cmd.OutOrStdout(), cfg, workflowID, instanceID, jqExpr)
			}

			now := time.Now()
			params := protocol.QueryLogsParams{
				WorkflowID:         workflowID,
				WorkflowInstanceID: instanceID,
				Limit:              limit,
			}
			if params.StartMS, err = parseTimeFlag("--since", since, now); err != nil {
				return err
			}
			if params.EndMS, err = parseTimeFlag("--until", until, now); err != nil {
				return err
			}

			client := newClient(cfg)
			defer client.Close()

			frames, err := client.QueryLogs(ctx, params)
			if err != nil {
				return err
			}

			if jsonOutput || jqExpr != "" {
				return renderJSON(ctx, cmd.OutOrStdout(), jqExpr, frames)
			}
			if len(frames) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching log frames.")
				return nil
			}
			for i := range frames {
				printFrame(cmd.OutOrStdout(), &frames[i])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "filter to one workflow (prefix match with --follow)")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "filter to one workflow instance")
	cmd.Flags().StringVar(&since, "since", "", "start of the time range, as a duration ago (15m) or RFC 3339")
	cmd.Flags().StringVar(&until, "until", "", "end of the time range, as a duration ago or RFC 3339")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum frames to return (0 uses the server default)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "subscribe to the live stream instead of querying history")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the JSON output (per frame with --follow)")

	return cmd
}

// parseTimeFlag converts a --since/--until value into unix milliseconds.
// A duration is interpreted as that long before now; anything else must
// be an RFC 3339 timestamp. Empty means unset.
func parseTimeFlag(name, value string, now time.Time) (int64, error) {
	if value == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("%s: duration must be positive", name)
		}
		return now.Add(-d).UnixMilli(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is neither a duration nor an RFC 3339 timestamp", name, value)
	}
	return t.UnixMilli(), nil
}

// printFrame renders one frame for terminal reading.
func printFrame(w io.Writer, f *protocol.LogFrame) {
	task := f.TaskName
	if task == "" {
		task = "-"
	}
	fmt.Fprintf(w, "%s %-5s %s [%s] %s\n",
		formatMillis(f.TimestampMS), f.Level,
		f.WorkflowID, task, f.Payload)
}

// followLogs subscribes to the principal's fan-out stream and prints
// frames until the context is cancelled. The server filters by workflow
// ID prefix; instance filtering happens here.
func followLogs(ctx context.Context, w io.Writer, cfg config.Config, workflowPrefix, instanceID, jqExpr string) error {
	var filter *jq.Filter
	if jqExpr != "" {
		var err error
		if filter, err = jq.Compile(jqExpr); err != nil {
			return err
		}
	}

	url := cfg.LogSubscribeURL(workflowPrefix)
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DefaultTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return &errors.TransportError{Endpoint: url, Op: "dial", Cause: err}
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Unblock the read loop when the context goes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		case <-done:
		}
	}()

	enc := json.NewEncoder(w)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &errors.TransportError{Endpoint: url, Op: "read", Cause: err}
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			continue
		}
		if instanceID != "" && frame.WorkflowInstanceID != instanceID {
			continue
		}
		switch {
		case filter != nil:
			shaped, err := toJSONShape(frame)
			if err != nil {
				continue
			}
			values, err := filter.Apply(ctx, shaped)
			if err != nil {
				continue
			}
			for _, value := range values {
				if err := enc.Encode(value); err != nil {
					return err
				}
			}
		case jsonOutput:
			if err := enc.Encode(frame); err != nil {
				return err
			}
		default:
			printFrame(w, frame)
		}
	}
}
