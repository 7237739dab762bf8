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

func newPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the principal is reachable",
		Example: `  # Ping the principal from the environment
  cdktr ping

  # Ping a specific principal
  cdktr ping --principal 10.0.0.5:5561`,
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

			start := time.Now()
			if err := client.Ping(ctx); err != nil {
				return err
			}
			rtt := time.Since(start)

			if jsonOutput {
				return renderJSON(ctx, cmd.OutOrStdout(), "", map[string]any{
					"pong":   true,
					"url":    cfg.ControlURL(),
					"rtt_ms": rtt.Milliseconds(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s (%s)\n", cfg.ControlURL(), rtt.Round(time.Millisecond))
			return nil
		},
	}
}
