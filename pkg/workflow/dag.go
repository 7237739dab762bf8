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

package workflow

import (
	"fmt"
	"sort"

	"github.com/tombee/cdktr/pkg/errors"
)

// DAG is the dependency graph of one workflow run. It tracks how many
// unfinished dependencies each task still has and which tasks depend on
// each task, and hands out tasks as they become unblocked.
//
// A DAG is single-run state: MarkDone mutates it. Build a fresh one per
// workflow instance. It is not safe for concurrent use; the task manager
// serializes access through its completion loop.
type DAG struct {
	// remaining counts unfinished dependencies per task
	remaining map[string]int

	// dependents holds the forward edges: dependency -> tasks that wait on it
	dependents map[string][]string

	// done marks tasks that have reached a terminal state
	done map[string]bool
}

// NewDAG builds the dependency graph for a definition. It returns an
// InvalidWorkflowError when the definition is empty or its dependencies
// contain a cycle; unknown dependency names must be rejected by
// Definition.Validate before the build.
func NewDAG(def *Definition) (*DAG, error) {
	if len(def.Tasks) == 0 {
		return nil, &errors.InvalidWorkflowError{
			WorkflowID: def.ID,
			Reason:     errors.ReasonEmpty,
			Detail:     "workflow defines no tasks",
		}
	}

	d := &DAG{
		remaining:  make(map[string]int, len(def.Tasks)),
		dependents: make(map[string][]string, len(def.Tasks)),
		done:       make(map[string]bool, len(def.Tasks)),
	}

	for taskID, task := range def.Tasks {
		d.remaining[taskID] = len(task.Depends)
		for _, dep := range task.Depends {
			d.dependents[dep] = append(d.dependents[dep], taskID)
		}
	}
	for dep := range d.dependents {
		sort.Strings(d.dependents[dep])
	}

	if _, err := d.TopoSort(); err != nil {
		if invalid, ok := err.(*errors.InvalidWorkflowError); ok {
			invalid.WorkflowID = def.ID
		}
		return nil, err
	}

	return d, nil
}

// TopoSort returns the tasks in dependency order using Kahn's algorithm:
// repeatedly take a task with no unfinished dependencies and release its
// dependents. When the walk cannot consume every task the leftover tasks
// form a cycle and an InvalidWorkflowError is returned naming one of them.
//
// The sort reads the graph structure only; it is unaffected by MarkDone.
// Ties are broken by task id, so the order is stable across runs.
func (d *DAG) TopoSort() ([]string, error) {
	indegree := make(map[string]int, len(d.remaining))
	for id := range d.remaining {
		indegree[id] = 0
	}
	for _, next := range d.dependents {
		for _, id := range next {
			indegree[id]++
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unblocked []string
		for _, next := range d.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				unblocked = append(unblocked, next)
			}
		}
		// Dependents are released in id order behind the tasks already
		// waiting, keeping the sort deterministic.
		ready = append(ready, unblocked...)
	}

	if len(order) != len(indegree) {
		leftover := make([]string, 0, len(indegree)-len(order))
		for id, n := range indegree {
			if n > 0 {
				leftover = append(leftover, id)
			}
		}
		sort.Strings(leftover)
		return nil, &errors.InvalidWorkflowError{
			Reason: errors.ReasonCycle,
			Detail: fmt.Sprintf("dependency cycle through task %s", leftover[0]),
		}
	}

	return order, nil
}

// TaskIDs returns every task id in the graph, sorted.
func (d *DAG) TaskIDs() []string {
	ids := make([]string, 0, len(d.remaining))
	for id := range d.remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of tasks in the graph.
func (d *DAG) Len() int {
	return len(d.remaining)
}

// InitialReady returns the tasks with no dependencies, sorted. These seed
// the ready queue when a run starts.
func (d *DAG) InitialReady() []string {
	var ready []string
	for id, n := range d.remaining {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkDone records that a task reached a terminal state and returns the
// tasks that became unblocked by it, sorted. Marking a task twice is a
// no-op returning nil.
func (d *DAG) MarkDone(taskID string) []string {
	if d.done[taskID] {
		return nil
	}
	d.done[taskID] = true

	var unblocked []string
	for _, next := range d.dependents[taskID] {
		d.remaining[next]--
		if d.remaining[next] == 0 {
			unblocked = append(unblocked, next)
		}
	}
	sort.Strings(unblocked)
	return unblocked
}

// Done reports whether the task has been marked terminal.
func (d *DAG) Done(taskID string) bool {
	return d.done[taskID]
}

// TransitiveDependents returns every task reachable from taskID along
// dependency edges, sorted. This is the set to skip when taskID fails.
func (d *DAG) TransitiveDependents(taskID string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, next := range d.dependents[id] {
			if !seen[next] {
				seen[next] = true
				walk(next)
			}
		}
	}
	walk(taskID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
