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
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/cdktr/pkg/workflow"
)

// originValue is a pflag.Value restricted to the trigger origins a caller
// may request. SCHEDULER is reserved for the principal's own scheduler.
type originValue workflow.TriggerOrigin

var _ pflag.Value = (*originValue)(nil)

func (o *originValue) String() string {
	return strings.ToLower(string(*o))
}

func (o *originValue) Set(s string) error {
	origin := workflow.TriggerOrigin(strings.ToUpper(s))
	if origin != workflow.TriggerManual && origin != workflow.TriggerExternal {
		return fmt.Errorf("invalid origin %q (valid: manual, external)", s)
	}
	*o = originValue(origin)
	return nil
}

func (o *originValue) Type() string {
	return "origin"
}

func newRunCommand() *cobra.Command {
	origin := originValue(workflow.TriggerManual)

	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Queue a workflow run",
		Long: `Queue a run of a loaded workflow, ahead of any schedule it may have.
The principal mints a fresh instance ID and prints it; the run executes
when an agent picks it up.`,
		Example: `  # Queue a run of reports.daily
  cdktr run reports.daily

  # Queue a run on behalf of an external system
  cdktr run reports.daily --origin external`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newClient(cfg)
			defer client.Close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			instanceID, err := client.RunWorkflow(ctx, args[0], workflow.TriggerOrigin(origin))
			if err != nil {
				return err
			}

			if jsonOutput {
				return renderJSON(ctx, cmd.OutOrStdout(), "", map[string]any{
					"workflow_id":          args[0],
					"workflow_instance_id": instanceID,
					"origin":               workflow.TriggerOrigin(origin),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n  instance: %s\n", args[0], instanceID)
			return nil
		},
	}

	cmd.Flags().Var(&origin, "origin", "trigger origin recorded for the run (manual, external)")

	return cmd
}
