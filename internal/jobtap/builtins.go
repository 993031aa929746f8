// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobtap

import (
	"context"
	"fmt"

	"github.com/jontk/jobmgr/internal/job"
)

// PriorityScale converts the 0..31 urgency range into the wider priority
// range the scheduler sorts on, matching spec.md §3's "priority: 64-bit
// integer in [MIN..MAX]" against urgency's [0..31].
const PriorityScale = job.PriorityMax / int64(job.UrgencyMax)

// PriorityDefaultPlugin is the built-in ".priority-default" plugin that
// must always be loadable (spec.md §4.3: "Built-in priority-default
// plugin MUST be always loadable; absent custom priority plugin, urgency
// is the priority"). HOLD/EXPEDITE overrides are applied by
// internal/priority before this plugin is ever consulted, so this handler
// only needs the monotonic urgency-to-priority scaling.
func PriorityDefaultPlugin() *Plugin {
	p := NewPlugin(".priority-default")
	p.On("job.priority.get", func(ctx context.Context, j *job.Job, args map[string]any) (map[string]any, error) {
		return map[string]any{"priority": int64(j.Urgency) * PriorityScale}, nil
	})
	return p
}

// LimitJobSizePlugin is the built-in ".limit-job-size" plugin: rejects
// submission when the jobspec's "num_nodes" constraint exceeds maxNodes
// (spec.md §4.3 names it as an example built-in; the exact resource-size
// key is implementation-defined since resource matching itself is a
// Non-goal of the core, spec.md §1).
func LimitJobSizePlugin(maxNodes int) *Plugin {
	p := NewPlugin(".limit-job-size")
	p.On("job.validate", func(ctx context.Context, j *job.Job, args map[string]any) (map[string]any, error) {
		n, ok := j.JobspecRedacted["num_nodes"]
		if !ok {
			return nil, nil
		}
		nodes, ok := n.(int)
		if !ok || nodes <= maxNodes {
			return nil, nil
		}
		return map[string]any{"errmsg": fmt.Sprintf("num_nodes %d exceeds limit %d", nodes, maxNodes)},
			fmt.Errorf("num_nodes %d exceeds limit %d", nodes, maxNodes)
	})
	return p
}

// HistoryPlugin is the built-in ".history" plugin: logs job.create and
// job.destroy for audit purposes (spec.md §4.3 names it as an example
// built-in).
func HistoryPlugin(onCreate, onDestroy func(j *job.Job)) *Plugin {
	p := NewPlugin(".history")
	p.On("job.create", func(ctx context.Context, j *job.Job, args map[string]any) (map[string]any, error) {
		if onCreate != nil {
			onCreate(j)
		}
		return nil, nil
	})
	p.On("job.destroy", func(ctx context.Context, j *job.Job, args map[string]any) (map[string]any, error) {
		if onDestroy != nil {
			onDestroy(j)
		}
		return nil, nil
	})
	return p
}
