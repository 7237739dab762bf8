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

func newWorkflowsCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List loaded workflow definitions",
		Example: `  # List every definition the principal has loaded
  cdktr workflows

  # IDs of scheduled workflows only
  cdktr workflows --json --jq '.[] | select(.cron != null) | .workflow_id'`,
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

			workflows, err := client.ListWorkflows(ctx)
			if err != nil {
				return err
			}

			if jsonOutput || jqExpr != "" {
				return renderJSON(ctx, cmd.OutOrStdout(), jqExpr, workflows)
			}

			if len(workflows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows loaded.")
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-32s %-24s %-20s %5s\n", "WORKFLOW", "NAME", "CRON", "TASKS")
			for _, wf := range workflows {
				cron := wf.Cron
				if cron == "" {
					cron = "-"
				}
				fmt.Fprintf(w, "%-32s %-24s %-20s %5d\n",
					truncate(wf.ID, 32), truncate(wf.Name, 24), truncate(cron, 20), wf.TaskCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the JSON output")

	return cmd
}
