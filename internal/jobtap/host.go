// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobtap

import (
	"context"
	"fmt"
	"sync"

	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/pkg/errors"
	"github.com/jontk/jobmgr/pkg/logging"
)

// Host dispatches lifecycle callbacks across ordered plugins and owns
// service registration, subscriptions, and the aux-isolation contract
// (spec.md §4.3/§9).
type Host struct {
	mu       sync.RWMutex
	order    []*Plugin
	byName   map[string]*Plugin
	services *ServiceRegistry
	subs     map[uint64]map[string]map[string]struct{} // jobID -> topic -> plugin set
	log      logging.Logger
}

// NewHost creates an empty plugin host.
func NewHost(log logging.Logger) *Host {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Host{
		byName:   make(map[string]*Plugin),
		services: NewServiceRegistry(),
		subs:     make(map[uint64]map[string]map[string]struct{}),
		log:      log,
	}
}

// Services exposes the plugin RPC service registry (spec.md §4.3
// "flux_jobtap_service_register").
func (h *Host) Services() *ServiceRegistry { return h.services }

// Load appends a plugin to the end of the load order and synthesizes
// job.create/job.new (and job.state.depend for jobs already in DEPEND)
// into it for every active job (spec.md §4.3 "State on plugin load").
func (h *Host) Load(ctx context.Context, p *Plugin, activeJobs []*job.Job) error {
	h.mu.Lock()
	if _, exists := h.byName[p.Name]; exists {
		h.mu.Unlock()
		return fmt.Errorf("jobtap: plugin %q already loaded", p.Name)
	}
	h.order = append(h.order, p)
	h.byName[p.Name] = p
	h.mu.Unlock()

	for _, j := range activeJobs {
		if cb, ok := p.Handlers["job.create"]; ok {
			if _, err := cb(ctx, j, nil); err != nil {
				h.log.Error("plugin job.create failed on load", "plugin", p.Name, "job_id", j.ID, "error", err)
			}
		}
		if cb, ok := p.Handlers["job.new"]; ok {
			if _, err := cb(ctx, j, nil); err != nil {
				h.log.Error("plugin job.new failed on load", "plugin", p.Name, "job_id", j.ID, "error", err)
			}
		}
		if j.State == job.StateDepend {
			if cb, ok := p.Handlers["job.state.depend"]; ok {
				if _, err := cb(ctx, j, nil); err != nil {
					h.log.Error("plugin job.state.depend failed on load", "plugin", p.Name, "job_id", j.ID, "error", err)
				}
			}
		}
	}
	return nil
}

// Unload removes a plugin from the load order, destroys its aux container
// on every job, and drops its subscriptions and service registrations
// (spec.md §4.3 "subscriptions are dropped when the plugin unloads"; §9
// aux isolation).
func (h *Host) Unload(name string, jobs []*job.Job) {
	h.mu.Lock()
	delete(h.byName, name)
	for i, p := range h.order {
		if p.Name == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	for _, byTopic := range h.subs {
		for topic, plugins := range byTopic {
			delete(plugins, name)
			if len(plugins) == 0 {
				delete(byTopic, topic)
			}
		}
	}
	h.mu.Unlock()

	h.services.UnregisterPlugin(name)
	for _, j := range jobs {
		j.Lock()
		j.Aux.UnloadPlugin(name)
		j.Unsubscribe(name)
		j.Unlock()
	}
}

// Loaded reports the plugins currently loaded, in load order.
func (h *Host) Loaded() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.order))
	for i, p := range h.order {
		names[i] = p.Name
	}
	return names
}

// HasHandler reports whether any loaded plugin registers a callback for
// topic, used by C11 restart to detect an unhandled dependency scheme
// (spec.md §4.9 "raising a nonfatal dependency exception if no plugin
// handles a scheme").
func (h *Host) HasHandler(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.order {
		if _, ok := p.Handlers[topic]; ok {
			return true
		}
	}
	return false
}

// StackCall invokes every loaded plugin's handler for topic, in load
// order, stopping at the first error (spec.md §4.3 "On first error, it
// stops and surfaces an error message either from the plugin's out-args
// (errmsg key) or a generic 'rejected by plugin'"). Plugins with no
// handler for topic are skipped.
func (h *Host) StackCall(ctx context.Context, topic string, j *job.Job, args map[string]any) (map[string]any, error) {
	h.mu.RLock()
	plugins := make([]*Plugin, len(h.order))
	copy(plugins, h.order)
	h.mu.RUnlock()

	merged := map[string]any{}
	for _, p := range plugins {
		cb, ok := p.Handlers[topic]
		if !ok {
			continue
		}
		out, err := cb(ctx, j, args)
		if err != nil {
			msg := "rejected by plugin"
			if out != nil {
				if em, ok := out["errmsg"].(string); ok && em != "" {
					msg = em
				}
			}
			return nil, errors.NewJobErrorWithCause(errors.ErrorCodePluginCallbackFailed, msg, err)
		}
		for k, v := range out {
			merged[k] = v
		}
	}
	return merged, nil
}

// Validate runs job.validate across every plugin; all must accept
// (spec.md §4.3 "job.validate must unanimously accept; any rejection fails
// submission with the plugin's message").
func (h *Host) Validate(ctx context.Context, j *job.Job, args map[string]any) error {
	_, err := h.StackCall(ctx, "job.validate", j, args)
	return err
}

// GetPriority runs job.priority.get across loaded plugins and returns the
// first non-UNAVAIL result, or UnavailPriority if none is registered or
// every registered plugin returned UNAVAIL (spec.md §4.3).
func (h *Host) GetPriority(ctx context.Context, j *job.Job) (int64, error) {
	h.mu.RLock()
	plugins := make([]*Plugin, len(h.order))
	copy(plugins, h.order)
	h.mu.RUnlock()

	for _, p := range plugins {
		cb, ok := p.Handlers["job.priority.get"]
		if !ok {
			continue
		}
		out, err := cb(ctx, j, nil)
		if err != nil {
			return UnavailPriority, err
		}
		if out == nil {
			continue
		}
		if v, ok := out["priority"].(int64); ok && v != UnavailPriority {
			return v, nil
		}
	}
	return UnavailPriority, nil
}

// Subscribe records that plugin wants job.event.<name> callbacks for j
// (spec.md §4.3 "Subscription API").
func (h *Host) Subscribe(jobID uint64, topic, plugin string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byTopic, ok := h.subs[jobID]
	if !ok {
		byTopic = make(map[string]map[string]struct{})
		h.subs[jobID] = byTopic
	}
	plugins, ok := byTopic[topic]
	if !ok {
		plugins = make(map[string]struct{})
		byTopic[topic] = plugins
	}
	plugins[plugin] = struct{}{}
}

// NotifySubscribers invokes every plugin subscribed to job.event.<name>
// for jobID, logging (not failing) callback errors (spec.md §4.3 is silent
// on subscriber-callback failure handling; spec.md §7 kind 8 "Plugin
// callback failure in a non-critical path ... logged at ERROR; job state
// advances" governs this).
func (h *Host) NotifySubscribers(ctx context.Context, j *job.Job, eventName string, args map[string]any) {
	h.mu.RLock()
	byTopic, ok := h.subs[j.ID]
	var plugins []string
	if ok {
		for p := range byTopic["job.event."+eventName] {
			plugins = append(plugins, p)
		}
	}
	byName := make(map[string]*Plugin, len(plugins))
	for _, name := range plugins {
		if p, ok := h.byName[name]; ok {
			byName[name] = p
		}
	}
	h.mu.RUnlock()

	for _, p := range byName {
		cb, ok := p.Handlers["job.event."+eventName]
		if !ok {
			continue
		}
		if _, err := cb(ctx, j, args); err != nil {
			h.log.Error("plugin event subscriber failed", "plugin", p.Name, "event", eventName, "job_id", j.ID, "error", err)
		}
	}
}

// UpdateKey runs job.update.<key> for the given key across every plugin,
// returning merged flags/updates (spec.md §4.3 "job.update.<key> returns
// per-key flags: needs_validation, require_feasibility, and an optional
// updates dictionary").
func (h *Host) UpdateKey(ctx context.Context, j *job.Job, key string, value any) (needsValidation, requireFeasibility bool, updates map[string]any, err error) {
	out, err := h.StackCall(ctx, "job.update."+key, j, map[string]any{"value": value})
	if err != nil {
		return false, false, nil, err
	}
	if b, ok := out["needs_validation"].(bool); ok {
		needsValidation = b
	}
	if b, ok := out["require_feasibility"].(bool); ok {
		requireFeasibility = b
	}
	if u, ok := out["updates"].(map[string]any); ok {
		updates = u
	}
	return needsValidation, requireFeasibility, updates, nil
}

// ConfUpdate fires the conf.update callback on every loaded plugin when
// it is called (SPEC_FULL §4, from original_source/conf.c). Nothing in the
// core calls it on a config change.
func (h *Host) ConfUpdate(ctx context.Context, config map[string]any) {
	h.mu.RLock()
	plugins := make([]*Plugin, len(h.order))
	copy(plugins, h.order)
	h.mu.RUnlock()

	for _, p := range plugins {
		cb, ok := p.Handlers["conf.update"]
		if !ok {
			continue
		}
		if _, err := cb(ctx, nil, config); err != nil {
			h.log.Error("plugin conf.update failed", "plugin", p.Name, "error", err)
		}
	}
}
