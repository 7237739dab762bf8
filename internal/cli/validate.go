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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/cdktr/internal/scheduler"
	"github.com/tombee/cdktr/pkg/workflow"
)

// validateResult is the JSON form of one file's validation outcome.
type validateResult struct {
	File       string `json:"file"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Tasks      int    `json:"tasks,omitempty"`
	Cron       string `json:"cron,omitempty"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

// newValidateCommand validates workflow files locally, without a principal.
// It applies the same checks the principal's loader and scheduler apply:
// YAML syntax, structural rules, dependency resolution, cycle detection,
// cron syntax, and start_time format. The scheduler skips definitions with
// bad cron or start_time at runtime, so catching them here is the only
// loud failure an operator gets.
func newValidateCommand() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "validate <file> [file...]",
		Short: "Validate workflow files locally",
		Example: `  # Validate one definition before deploying it
  cdktr validate etl/daily.yml

  # Validate a whole workflow directory
  cdktr validate workflows/**/*.yml

  # Machine-readable results
  cdktr validate workflows/*.yml --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]validateResult, 0, len(args))
			failed := 0
			for _, path := range args {
				res := validateFile(path)
				if !res.Valid {
					failed++
				}
				results = append(results, res)
			}

			if jsonOutput || jqExpr != "" {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if err := renderJSON(ctx, cmd.OutOrStdout(), jqExpr, results); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				for _, res := range results {
					if res.Valid {
						fmt.Fprintf(w, "%s: ok (%s, %d tasks)\n", res.File, res.Name, res.Tasks)
					} else {
						fmt.Fprintf(w, "%s: error: %s\n", res.File, res.Error)
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "jq expression applied to the JSON output")

	return cmd
}

// validateFile runs every local check against a single workflow file.
func validateFile(path string) validateResult {
	res := validateResult{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = fmt.Sprintf("reading file: %v", err)
		return res
	}

	// The id normally derives from the path relative to the workflow
	// directory; for a standalone file the stem is the best stand-in.
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	res.WorkflowID = id

	def, err := workflow.ParseDefinition(id, data)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Name = def.Name
	res.Tasks = len(def.Tasks)
	res.Cron = def.Cron

	if def.Cron != "" {
		if _, err := scheduler.ParseSchedule(def.Cron); err != nil {
			res.Error = fmt.Sprintf("invalid cron expression %q: %v", def.Cron, err)
			return res
		}
	}
	if def.StartTime != "" {
		if _, err := time.Parse(time.RFC3339, def.StartTime); err != nil {
			res.Error = fmt.Sprintf("invalid start_time %q: not RFC 3339", def.StartTime)
			return res
		}
	}

	res.Valid = true
	return res
}
