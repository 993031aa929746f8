// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobtap implements the policy-plugin host (C4): capability-set
// dispatch by topic string, ordered stack_call, job.validate unanimity,
// job.update.<key> merges, per-plugin aux isolation (delegated to
// internal/job.AuxStore), subscription bookkeeping, and the built-in
// plugins spec.md §4.3 requires always be loadable.
package jobtap

import (
	"context"

	"github.com/jontk/jobmgr/internal/job"
)

// Callback answers one topic for one plugin. args/out-args are generic
// dictionaries per spec.md §9 ("tagged variants for inbound/outbound args
// to avoid ad-hoc JSON everywhere inside the core" — here simplified to
// map[string]any at the plugin boundary, which is the one place in the
// core where ad-hoc dictionaries are unavoidable: plugins are
// configuration, not compiled Go).
type Callback func(ctx context.Context, j *job.Job, args map[string]any) (map[string]any, error)

// UnavailPriority is the sentinel a job.priority.get handler returns to
// mean "cannot compute a priority right now" (spec.md §6: "sentinel -2 =
// UNAVAIL").
const UnavailPriority int64 = -2

// Plugin is a loaded policy plugin: a name and a table of topic handlers.
// Built-ins are named with a leading '.' (spec.md §4.3).
type Plugin struct {
	Name     string
	Handlers map[string]Callback
}

// NewPlugin creates an empty plugin ready to have handlers attached.
func NewPlugin(name string) *Plugin {
	return &Plugin{Name: name, Handlers: make(map[string]Callback)}
}

// On registers a handler for topic, returning the plugin for chaining.
func (p *Plugin) On(topic string, cb Callback) *Plugin {
	p.Handlers[topic] = cb
	return p
}
