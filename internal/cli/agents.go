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
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAgentsCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Example: `  # Show the live agent registry
  cdktr agents

  # Agents with spare capacity
  cdktr agents --json --jq '.[] | select(.inflight < .capacity) | .agent_id'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newClient(cfg)
			defer client.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			agents, err := client.ListAgents(ctx)
			if err != nil {
				return err
			}

			if jsonOutput || jqExpr != "" {
				return renderJSON(ctx, cmd.OutOrStdout(), jqExpr, agents)
			}

			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents registered.")
				return nil
			}
			now := time.Now()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s %-24s %8s %8s %-12s\n", "AGENT", "ADDRESS", "CAPACITY", "INFLIGHT", "HEARTBEAT")
			for _, a := range agents {
				fmt.Fprintf(w, "%-36s %-24s %8d %8d %-12s\n",
					a.AgentID, truncate(a.ControlAddr, 24), a.Capacity, a.Inflight,
					formatAgo(a.LastHeartbeatMS, now))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the JSON output")

	return cmd
}
