// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package restart

import (
	"fmt"

	"github.com/jontk/jobmgr/internal/job"
)

// replay reconstructs a job's in-memory record by folding its persisted
// eventlog through the same transition table internal/statemachine applies
// live (spec.md §4.2), without any of that package's side effects (no
// scheduler enqueue, no exec start, no housekeeping dispatch): those are
// spec.md §4.9's own restart-specific steps, applied by the caller once
// reconstruction finishes. The first entry must be a submit event; anything
// else is rejected (spec.md §4.9 step 1 "jobs with an empty/missing submit
// event are rejected").
func replay(id uint64, entries []job.EventEntry) (*job.Job, error) {
	if len(entries) == 0 || entries[0].Name != "submit" {
		return nil, fmt.Errorf("restart: job %d has no submit event", id)
	}

	first := entries[0]
	userID := asUint32(first.Context["userid"])
	urgency := asInt32(first.Context["urgency"])
	flags := job.Flags(asUint32(first.Context["flags"]))
	tSubmit := asFloat64(first.Context["t_submit"])
	queueName, _ := first.Context["queue"].(string)

	j := job.New(id, userID, urgency, tSubmit, flags)
	j.Queue = queueName

	for _, e := range entries {
		applyPure(j, e)
	}
	return j, nil
}

// applyPure folds one event into j's fields and state, mirroring
// statemachine.Driver.Advance's transition table exactly but touching only
// data internal/job already exposes - no collaborator calls.
func applyPure(j *job.Job, e job.EventEntry) {
	switch e.Name {
	case "submit":
		if j.State == job.StateNew {
			j.State = job.StateDepend
		}
	case "depend":
		if j.State == job.StateDepend {
			j.State = job.StatePriority
		}
	case "dependency-add":
		if j.State == job.StateDepend {
			scheme, _ := e.Context["scheme"].(string)
			desc, _ := e.Context["description"].(string)
			j.Dependencies = append(j.Dependencies, job.Dependency{Scheme: scheme, Description: desc})
		}
	case "dependency-remove":
		if j.State == job.StateDepend {
			scheme, _ := e.Context["scheme"].(string)
			desc, _ := e.Context["description"].(string)
			filtered := j.Dependencies[:0]
			for _, dep := range j.Dependencies {
				if dep.Scheme == scheme && dep.Description == desc {
					continue
				}
				filtered = append(filtered, dep)
			}
			j.Dependencies = filtered
		}
	case "priority":
		j.Priority = asInt64(e.Context["priority"])
		if j.State == job.StatePriority {
			j.State = job.StateSched
		}
	case "urgency":
		j.Urgency = asInt32(e.Context["urgency"])
	case "alloc":
		j.HasResources = true
		j.AllocPending = false
		if r, ok := e.Context["R"].(map[string]any); ok {
			j.RRedacted = r
		}
		if j.State == job.StateSched {
			j.State = job.StateRun
		}
	case "free":
		j.HasResources = false
		j.FreePending = false
	case "finish":
		if j.State == job.StateRun {
			j.State = job.StateCleanup
			entry := e
			j.EndEvent = &entry
		}
	case "exception":
		severity := asInt(e.Context["severity"])
		if severity == 0 && j.State != job.StateNew && j.State != job.StateInactive && j.State != job.StateCleanup {
			j.State = job.StateCleanup
			if j.EndEvent == nil {
				entry := e
				j.EndEvent = &entry
			}
		}
	case "clean":
		if j.State == job.StateCleanup {
			j.State = job.StateInactive
		}
	case "set-flags":
		if f, ok := e.Context["flags"]; ok {
			j.Flags = job.Flags(asUint32(f))
		}
	}
}

func asFloat64(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asInt(v any) int {
	return int(asFloat64(v))
}

func asInt32(v any) int32 {
	return int32(asFloat64(v))
}

func asInt64(v any) int64 {
	return int64(asFloat64(v))
}

func asUint32(v any) uint32 {
	return uint32(asFloat64(v))
}
