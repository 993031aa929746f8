// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides HTTP middleware for the job-manager's debug
// and introspection surface (SPEC_FULL §3): request logging, token
// verification, and metrics collection around each handler.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/jontk/jobmgr/pkg/auth"
	"github.com/jontk/jobmgr/pkg/logging"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes a list of middlewares into one, applied in the order
// given (the first middleware wraps outermost).
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// statusRecorder captures the status code written by a downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// WithTimeout bounds request handling with ctx, unless the request's
// context already carries a deadline.
func WithTimeout(timeout time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()

			if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
				req = req.WithContext(ctx)
			}

			next.ServeHTTP(w, req)
		})
	}
}

// WithLogging adds structured request/response logging.
func WithLogging(logger logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()

			reqLogger := logging.LogAPICall(logger, req.Method, req.URL.Path,
				"remote_addr", req.RemoteAddr,
			)
			reqLogger.Debug("handling debug-surface request")

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)

			reqLogger.Info("debug-surface request completed",
				"status_code", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// WithAuth rejects requests that fail v.Verify with 401 Unauthorized.
func WithAuth(v auth.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if err := v.Verify(req); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// WithMetrics records request/response counters via collector.
func WithMetrics(collector MetricsCollector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()

			collector.RecordRequest(req.Method, req.URL.Path)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)

			collector.RecordResponse(req.Method, req.URL.Path, rec.status, time.Since(start))
		})
	}
}

// MetricsCollector is the subset of pkg/metrics.Collector this middleware
// needs, kept narrow to avoid importing pkg/metrics for tests.
type MetricsCollector interface {
	RecordRequest(method, path string)
	RecordResponse(method, path string, statusCode int, duration time.Duration)
}

// requestIDKey is the context key WithRequestID stores the generated ID
// under.
type requestIDKey struct{}

// WithRequestID assigns each request a correlation ID, both as a response
// header and in the request's context.
func WithRequestID(generator func() string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := generator()

			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(req.Context(), requestIDKey{}, id)

			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the request ID WithRequestID stored, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}
