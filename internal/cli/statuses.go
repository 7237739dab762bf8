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

	"github.com/spf13/cobra"
)

func newStatusesCommand() *cobra.Command {
	var (
		limit  int
		jqExpr string
	)

	cmd := &cobra.Command{
		Use:   "statuses",
		Short: "Show recent workflow instance statuses",
		Long: `Show the current status of recently active workflow instances, most
recent first. Each instance's status is derived from its latest
recorded transition.`,
		Example: `  # The twenty most recently active instances
  cdktr statuses

  # Failed instances only
  cdktr statuses --limit 100 --json --jq '.[] | select(.status == "FAILED")'`,
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

			statuses, err := client.RecentStatuses(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOutput || jqExpr != "" {
				return renderJSON(ctx, cmd.OutOrStdout(), jqExpr, statuses)
			}

			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No instances recorded.")
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s %-28s %-10s %-20s\n", "INSTANCE", "WORKFLOW", "STATUS", "UPDATED")
			for _, s := range statuses {
				fmt.Fprintf(w, "%-36s %-28s %-10s %-20s\n",
					s.WorkflowInstanceID, truncate(s.WorkflowID, 28), s.Status,
					formatMillis(s.TimestampMS))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum instances to return")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the JSON output")

	return cmd
}
