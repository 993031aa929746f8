// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobtap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jontk/jobmgr/pkg/errors"
)

// ServiceHandler answers a plugin-registered RPC method.
type ServiceHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// ServiceRegistry implements flux_jobtap_service_register (spec.md §4.3):
// a plugin may expose custom RPC methods namespaced under its own name.
// It is reachable through Host.Services(); internal/control does not
// route any RPC topic to it (SPEC_FULL §4, from original_source/jobtap.c).
type ServiceRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ServiceHandler
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{handlers: make(map[string]ServiceHandler)}
}

// Register exposes method under "<plugin>.<method>". Registering a
// duplicate plugin.method pair replaces the prior handler.
func (r *ServiceRegistry) Register(plugin, method string, h ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[plugin+"."+method] = h
}

// UnregisterPlugin removes every method plugin registered (called on
// plugin unload).
func (r *ServiceRegistry) UnregisterPlugin(plugin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := plugin + "."
	for topic := range r.handlers {
		if strings.HasPrefix(topic, prefix) {
			delete(r.handlers, topic)
		}
	}
}

// Call dispatches to the handler registered for "<plugin>.<method>".
func (r *ServiceRegistry) Call(ctx context.Context, plugin, method string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[plugin+"."+method]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewJobError(errors.ErrorCodeUnknownTopic, fmt.Sprintf("no service registered for %s.%s", plugin, method))
	}
	return h(ctx, args)
}

// Methods lists every "<plugin>.<method>" topic currently registered.
func (r *ServiceRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
