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

// Package examples embeds starter workflow definitions into the binary so
// the CLI can show and copy them without network access or a running
// principal.
package examples

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed *.yml
var embeddedFS embed.FS

// Example is the listing form of an embedded starter workflow.
type Example struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	FilePath    string `json:"file"`
}

// descriptions maps example names to one-line summaries shown by the list
// command. An example without an entry falls back to a generic line.
var descriptions = map[string]string{
	"hello-world": "Single echo task, the smallest runnable workflow",
	"pipeline":    "Three-stage extract/transform/load chain with dependencies",
	"scheduled":   "Cron-triggered workflow firing at second zero of every minute",
}

// List returns every embedded example, sorted by name.
func List() ([]Example, error) {
	entries, err := embeddedFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded examples: %w", err)
	}

	var examples []Example
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".yml")
		desc, ok := descriptions[name]
		if !ok {
			desc = "Example workflow"
		}
		examples = append(examples, Example{
			Name:        name,
			Description: desc,
			FilePath:    entry.Name(),
		})
	}

	sort.Slice(examples, func(i, j int) bool { return examples[i].Name < examples[j].Name })
	return examples, nil
}

// Get returns the YAML content of the named example.
func Get(name string) ([]byte, error) {
	content, err := embeddedFS.ReadFile(name + ".yml")
	if err != nil {
		return nil, fmt.Errorf("example %q not found", name)
	}
	return content, nil
}

// Exists reports whether an example with the given name is embedded.
func Exists(name string) bool {
	_, err := embeddedFS.ReadFile(name + ".yml")
	return err == nil
}

// CopyTo writes the named example to destPath, creating parent directories
// as needed.
func CopyTo(name, destPath string) error {
	content, err := Get(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	if err := os.WriteFile(destPath, content, 0o644); err != nil {
		return fmt.Errorf("writing example file: %w", err)
	}
	return nil
}
