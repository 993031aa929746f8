// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// WrapKVSError converts a generic error from the KVS collaborator into a
// structured *JobError. KVS commit failures are always fatal: the core has
// no way to know whether the eventlog entry landed, and continuing to act on
// the job risks diverging from its committed history.
func WrapKVSError(err error) *JobError {
	if err == nil {
		return nil
	}
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr
	}
	if stderrors.Is(err, context.Canceled) {
		return NewJobErrorWithCause(ErrorCodeContextCanceled, "KVS commit canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewJobErrorWithCause(ErrorCodeDeadlineExceeded, "KVS commit timed out", err)
	}
	return NewJobErrorWithCause(ErrorCodeKVSCommitFailed, "KVS commit failed: "+err.Error(), err)
}

// WrapRPCError converts a generic transport error from the scheduler or exec
// collaborator into a structured *JobError classified as scheduler or exec
// teardown. Both are non-fatal: the alloc and exec pipelines reconnect and
// resend outstanding requests on the next hello handshake.
func WrapRPCError(err error, service string) *JobError {
	if err == nil {
		return nil
	}
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr
	}

	code := ErrorCodeSchedulerTeardown
	if service == "exec" {
		code = ErrorCodeExecTeardown
	}

	if stderrors.Is(err, context.Canceled) {
		return NewJobErrorWithCause(ErrorCodeContextCanceled, service+" request canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewJobErrorWithCause(ErrorCodeDeadlineExceeded, service+" request timed out", err)
	}
	if classifyTeardown(err) {
		return NewJobErrorWithCause(code, service+" connection torn down: "+err.Error(), err)
	}
	return NewJobErrorWithCause(ErrorCodeServerInternal, service+" request failed: "+err.Error(), err)
}

// classifyTeardown reports whether err looks like a disconnect rather than a
// semantic rejection of the request, using the same net.Error/syscall
// classification the transport's underlying socket errors produce.
func classifyTeardown(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		var syscallErr syscall.Errno
		if stderrors.As(opErr.Err, &syscallErr) {
			switch syscallErr {
			case syscall.ECONNREFUSED, syscall.ETIMEDOUT, syscall.ECONNRESET, syscall.EPIPE:
				return true
			}
		}
	}

	errStr := err.Error()
	for _, pattern := range []string{"connection reset", "broken pipe", "connection refused", "eof", "closed"} {
		if strings.Contains(strings.ToLower(errStr), pattern) {
			return true
		}
	}
	return false
}

// NewJobNotFoundError creates the error returned when an RPC names a jobid
// absent from both the active and inactive tables.
func NewJobNotFoundError(jobID uint64) *JobError {
	err := NewJobError(ErrorCodeJobNotFound, fmt.Sprintf("job %d not found", jobID))
	err.JobID = jobID
	return err
}

// NewStateConflictError creates the error returned when an RPC requests a
// transition that is not valid from the job's current state.
func NewStateConflictError(jobID uint64, operation, currentState string) *JobError {
	err := NewJobError(ErrorCodeStateConflict,
		fmt.Sprintf("%s not valid for job %d in state %s", operation, jobID, currentState))
	err.JobID = jobID
	err.Details = "current_state=" + currentState
	return err
}

// NewDependencySchemeUnknownError creates the nonfatal, LOG_WARNING-class
// error raised when a dependency entry names a scheme no loaded plugin
// registered a handler for. The dependency is treated as already satisfied.
func NewDependencySchemeUnknownError(jobID uint64, scheme string) *JobError {
	err := NewJobError(ErrorCodeDependencySchemeUnknown,
		fmt.Sprintf("unknown dependency scheme %q", scheme))
	err.JobID = jobID
	return err
}

// NewHousekeepingScriptError creates the error raised when the post-job
// script fails to launch on a rank or exits nonzero.
func NewHousekeepingScriptError(jobID uint64, rank int, cause error) *JobError {
	err := NewJobErrorWithCause(ErrorCodeHousekeepingScriptFailed,
		fmt.Sprintf("housekeeping script failed on rank %d", rank), cause)
	err.JobID = jobID
	return err
}

// NewAuthorizationErrorf creates an authorization error for a rejected RPC.
func NewAuthorizationErrorf(principal uint32, operation string, format string, args ...interface{}) *AuthorizationError {
	return NewAuthorizationError(ErrorCodePermissionDenied, fmt.Sprintf(format, args...), principal, operation)
}

// IsRetryableError reports whether the caller should reconnect and resend.
func IsRetryableError(err error) bool {
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.IsRetryable()
	}
	return false
}

// IsFatalError reports whether the job cannot make further progress.
func IsFatalError(err error) bool {
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.IsFatal()
	}
	return false
}

// GetErrorCode extracts the error code from any error, or ErrorCodeUnknown.
func GetErrorCode(err error) ErrorCode {
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.Code
	}
	return ErrorCodeUnknown
}

// GetErrorCategory extracts the error category from any error.
func GetErrorCategory(err error) ErrorCategory {
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.Category
	}
	return CategoryUnknown
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var valErr *ValidationError
	if stderrors.As(err, &valErr) {
		return true
	}
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.Category == CategoryValidation
	}
	return false
}

// IsAuthorizationError reports whether err is an OWNER/USER authorization failure.
func IsAuthorizationError(err error) bool {
	var authErr *AuthorizationError
	if stderrors.As(err, &authErr) {
		return true
	}
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.Category == CategoryAuthorization
	}
	return false
}

// IsPluginError reports whether err came from a jobtap plugin callback.
func IsPluginError(err error) bool {
	var pluginErr *PluginError
	if stderrors.As(err, &pluginErr) {
		return true
	}
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr.Category == CategoryPlugin
	}
	return false
}
