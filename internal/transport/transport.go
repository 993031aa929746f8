// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package transport abstracts the RPC transport and event bus the core
// talks to the scheduler, the exec service, and jobtap plugin services
// over (spec.md §1, §6 "RPC surface"). Wire encoding and the transport
// implementation itself are named out of scope; this package defines the
// collaborator interface plus an in-process implementation used by tests
// and the jobmgrd single-process demo mode.
package transport

import (
	"context"
	"fmt"
)

// Response is one message in a streamed RPC reply (sched.alloc and
// <service>.start both reply with a stream per spec.md §6).
type Response struct {
	Payload any
	Err     error
}

// Handler answers a Call for a registered topic. It returns a channel of
// streamed responses; the handler closes the channel when the stream ends
// (spec.md §4.8: release{final:true} ends a start stream).
type Handler func(ctx context.Context, payload any) (<-chan Response, error)

// Transport is the abstract collaborator every outbound RPC in §6 goes
// through: sched.alloc/free/cancel/prioritize/expiration, <service>.start,
// feasibility.check, and the job-exception/shell-kill published events.
type Transport interface {
	// Call sends payload to topic and returns a channel of streamed
	// responses. Used for sched.alloc and <service>.start.
	Call(ctx context.Context, topic string, payload any) (<-chan Response, error)
	// Send is a fire-and-forget RPC with no response (sched.cancel,
	// sched.prioritize).
	Send(ctx context.Context, topic string, payload any) error
	// Request is a single-response RPC (sched.free, sched.expiration,
	// feasibility.check, exec-hello, sched-hello, sched-ready).
	Request(ctx context.Context, topic string, payload any) (any, error)
	// Publish emits a fire-and-forget event with no reply expected
	// (job-exception, shell-<id>.kill).
	Publish(ctx context.Context, topic string, payload any) error
}

// ErrNoHandler is returned when no handler is registered for a topic,
// modeling a generic "ENOSYS" RPC error (spec.md §4.5 "Generic RPC error
// response (ENOSYS or other 'normal' error)").
var ErrNoHandler = fmt.Errorf("transport: no handler registered for topic")
