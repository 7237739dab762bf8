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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/cdktr/internal/examples"
)

// newExamplesCommand groups the starter-workflow subcommands. The examples
// are embedded in the binary, so none of them need a running principal.
func newExamplesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "examples",
		Short: "Browse and copy embedded starter workflows",
		Long: `Browse, view, and copy the starter workflows embedded in the binary.

Copy one into the principal's workflow directory to have it loaded and,
if it carries a cron expression, scheduled.`,
	}

	cmd.AddCommand(
		newExamplesListCommand(),
		newExamplesShowCommand(),
		newExamplesCopyCommand(),
	)

	// Bare `cdktr examples` behaves like `cdktr examples list`.
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return newExamplesListCommand().RunE(cmd, args)
	}

	return cmd
}

func newExamplesListCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List embedded starter workflows",
		Example: `  # List every embedded example
  cdktr examples list

  # Names only
  cdktr examples list --json --jq '.[].name'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := examples.List()
			if err != nil {
				return err
			}

			if jsonOutput || jqExpr != "" {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				return renderJSON(ctx, cmd.OutOrStdout(), jqExpr, list)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-16s %s\n", "NAME", "DESCRIPTION")
			for _, ex := range list {
				fmt.Fprintf(w, "%-16s %s\n", ex.Name, ex.Description)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Use 'cdktr examples show <name>' to view one")
			fmt.Fprintln(w, "Use 'cdktr examples copy <name> <dir>' to copy one into a workflow directory")
			return nil
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the JSON output")

	return cmd
}

func newExamplesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print an embedded example workflow",
		Example: `  # View the pipeline example
  cdktr examples show pipeline

  # Save it for editing
  cdktr examples show pipeline > my-pipeline.yml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := examples.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(content))
			return nil
		},
	}
}

func newExamplesCopyCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "copy <name> [dest]",
		Short: "Copy an embedded example to the filesystem",
		Long: `Copy an embedded example workflow to the filesystem.

Without a destination the example is written to the current directory as
<name>.yml. A directory destination gets <name>.yml appended.`,
		Example: `  # Copy into the current directory
  cdktr examples copy hello-world

  # Copy straight into a principal's workflow directory
  cdktr examples copy scheduled /data/workflows/`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !examples.Exists(name) {
				return fmt.Errorf("example %q not found (use 'cdktr examples list')", name)
			}

			destPath := name + ".yml"
			if len(args) > 1 {
				destPath = args[1]
				if stat, err := os.Stat(destPath); err == nil && stat.IsDir() {
					destPath = filepath.Join(destPath, name+".yml")
				}
			}

			if _, err := os.Stat(destPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", destPath)
			}

			if err := examples.CopyTo(name, destPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "copied example %q to %s\n", name, destPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite the destination if it exists")

	return cmd
}
