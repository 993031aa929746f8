// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"reflect"

	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/jobtap"
)

// UpdatePlugin is the built-in queue-update plugin implementing
// job.update.attributes.system.queue (spec.md §4.4 "Queue-update plugin
// (built-in)"): it only overwrites the job's resource constraints with
// the new queue's requires when the current constraints equal exactly
// {properties: current_queue.requires} (or both are empty), and always
// requests a feasibility check.
func UpdatePlugin(registry *Registry) *jobtap.Plugin {
	p := jobtap.NewPlugin(".queue-update")
	p.On("job.update.attributes.system.queue", func(ctx context.Context, j *job.Job, args map[string]any) (map[string]any, error) {
		newName, _ := args["value"].(string)
		if err := registry.SubmitGate(newName); err != nil {
			return map[string]any{"errmsg": err.Error()}, err
		}

		_, _, _, err := registry.Status(newName)
		if err != nil {
			return map[string]any{"errmsg": err.Error()}, err
		}
		newQueue, _ := registry.queueLocked(newName)

		currentName, _ := j.JobspecRedacted["attributes.system.queue"].(string)
		currentQueue, _ := registry.queueLocked(currentName)

		current := map[string]any{}
		if len(currentQueue.Requires) > 0 {
			current["properties"] = currentQueue.Requires
		}
		constraints, _ := j.JobspecRedacted["attributes.system.constraints"].(map[string]any)
		if constraints == nil {
			constraints = map[string]any{}
		}

		updates := map[string]any{}
		if reflect.DeepEqual(constraints, current) {
			if len(newQueue.Requires) > 0 {
				updates["attributes.system.constraints"] = map[string]any{"properties": newQueue.Requires}
			} else {
				updates["attributes.system.constraints"] = map[string]any{}
			}
		}

		return map[string]any{
			"updates":            updates,
			"require_feasibility": true,
		}, nil
	})
	return p
}

// queueLocked looks up a queue by name, tolerating the "" default.
func (r *Registry) queueLocked(name string) (Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := r.resolveName(name)
	q, ok := r.queues[key]
	if !ok {
		return Queue{}, false
	}
	return *q, true
}
