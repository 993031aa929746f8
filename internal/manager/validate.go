// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package manager holds the JobManager context object that wires C1-C12
// together (SPEC_FULL §3): the active/inactive job tables and the
// collaborator interfaces each component depends on.
package manager

import (
	"context"
	"fmt"

	"github.com/jontk/jobmgr/pkg/errors"
)

// Validator holds shared validation helpers for control-service (C10)
// operation parameters. It is reachable through JobManager.Validate;
// internal/control does not call it. It carries no
// state beyond a label used in error messages - jobspec content
// validation itself happens in an external ingest service the core
// never sees (spec.md §1 Non-goals); these helpers validate the
// parameters of already-decoded operations: job ids, queue names,
// urgency values, pagination bounds.
type Validator struct {
	component string
}

// NewValidator creates a validator that labels its errors with component
// (e.g. "control", "queue", "restart").
func NewValidator(component string) *Validator {
	return &Validator{component: component}
}

// ValidateContext rejects a nil context before any blocking operation.
func (v *Validator) ValidateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError(
			fmt.Sprintf("%s: context is required", v.component),
			"ctx", nil,
		)
	}
	return nil
}

// ValidateJobID rejects a zero job id; spec.md §3 reserves 0 as never a
// valid submitted id.
func (v *Validator) ValidateJobID(id uint64, field string) error {
	if id == 0 {
		return errors.NewValidationError(
			fmt.Sprintf("%s: job id is required", v.component),
			field, id,
		)
	}
	return nil
}

// ValidateQueueName rejects an empty queue name when the caller is
// addressing a named queue (an empty string elsewhere means "anonymous
// queue configured", spec.md §3, and is valid).
func (v *Validator) ValidateQueueName(name, field string) error {
	if name == "" {
		return errors.NewValidationError(
			fmt.Sprintf("%s: queue name is required", v.component),
			field, name,
		)
	}
	return nil
}

// ValidateUrgencyRange rejects an urgency value outside [min, max],
// which also bounds the two reserved sentinels HOLD and EXPEDITE
// (spec.md §3: "urgency: integer in [MIN..MAX]; reserved values HOLD
// and EXPEDITE").
func (v *Validator) ValidateUrgencyRange(urgency, min, max int32, field string) error {
	if urgency < min || urgency > max {
		return errors.NewValidationError(
			fmt.Sprintf("%s: urgency must be in [%d, %d]", v.component, min, max),
			field, urgency,
		)
	}
	return nil
}

// ValidateNonNegative rejects a negative integer parameter (pagination
// limit/offset, severity level).
func (v *Validator) ValidateNonNegative(value int, field string) error {
	if value < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("%s: %s must be non-negative", v.component, field),
			field, value,
		)
	}
	return nil
}

// ValidateRequired rejects an empty required string parameter (plugin
// name, dependency scheme, event name).
func (v *Validator) ValidateRequired(value, field string) error {
	if value == "" {
		return errors.NewValidationError(
			fmt.Sprintf("%s: %s is required", v.component, field),
			field, value,
		)
	}
	return nil
}

// ListOptions bounds a paginated read (C10's list operation, C11's
// restart-time eventlog replay).
type ListOptions struct {
	Limit  int
	Offset int
}

// ValidatePagination rejects negative limit/offset values.
func (v *Validator) ValidatePagination(opts ListOptions) error {
	if err := v.ValidateNonNegative(opts.Limit, "limit"); err != nil {
		return err
	}
	return v.ValidateNonNegative(opts.Offset, "offset")
}
