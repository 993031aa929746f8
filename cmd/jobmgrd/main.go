// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command jobmgrd is the job-manager daemon's single-process demo mode
// (SPEC_FULL §3): it wires configuration, logging, an in-memory KVS, an
// in-process transport, and the manager.JobManager context together, then
// exposes the journal (C12) over the debug HTTP surface for a websocket or
// SSE subscriber to watch events flow as jobs move through the core.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/jontk/jobmgr/internal/control"
	"github.com/jontk/jobmgr/internal/journal"
	"github.com/jontk/jobmgr/internal/manager"
	"github.com/jontk/jobmgr/pkg/auth"
	"github.com/jontk/jobmgr/pkg/config"
	pkgerrors "github.com/jontk/jobmgr/pkg/errors"
	"github.com/jontk/jobmgr/pkg/logging"
	"github.com/jontk/jobmgr/pkg/metrics"
	"github.com/jontk/jobmgr/pkg/middleware"
	"github.com/jontk/jobmgr/pkg/streaming"
)

func main() {
	listenAddr := envOrDefault("JOBMGR_LISTEN_ADDR", ":8080")
	authToken := os.Getenv("JOBMGR_DEBUG_TOKEN")

	cfg := config.NewDefault()
	cfg.Load()
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration: %v", err)
	}

	logCfg := logging.DefaultConfig()
	if cfg.Debug {
		logCfg.Level = slog.LevelDebug
	}
	log := logging.NewLogger(logCfg)

	m, err := manager.New(cfg, manager.WithLogger(log))
	if err != nil {
		fatalf("create job manager: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		fatalf("start job manager: %v", err)
	}
	log.Info("job manager started", "listen_addr", listenAddr)

	server := &http.Server{
		Addr:    listenAddr,
		Handler: buildRouter(m, log, authToken),
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("debug http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("debug http server shutdown error", "error", err)
	}
	if err := m.Stop(shutdownCtx); err != nil {
		log.Error("job manager shutdown error", "error", err)
	}
	log.Info("job manager stopped")
}

func buildRouter(m *manager.JobManager, log logging.Logger, authToken string) http.Handler {
	var verifier auth.Verifier = auth.NoVerify{}
	if authToken != "" {
		verifier = auth.NewTokenVerifier(authToken)
	}
	collector := metrics.NewInMemoryCollector()

	chain := middleware.Chain(
		middleware.WithRequestID(func() string { return fmt.Sprintf("%d", time.Now().UnixNano()) }),
		middleware.WithLogging(log),
		middleware.WithMetrics(collector),
		middleware.WithTimeout(30*time.Second),
	)

	r := mux.NewRouter()

	source := &journalSource{j: m.Journal()}
	ws := streaming.NewWebSocketServer(source)
	sse := streaming.NewSSEServer(source)

	r.HandleFunc("/ws", ws.HandleWebSocket)
	r.Handle("/events", middleware.WithAuth(verifier)(http.HandlerFunc(sse.HandleSSE)))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collector.GetStats())
	})

	r.HandleFunc("/queues", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Queues().List())
	})

	r.HandleFunc("/jobs", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(m.Control().List(0))
		case http.MethodPost:
			handleSubmit(m, w, req)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	r.HandleFunc("/jobs/{id}/kill", func(w http.ResponseWriter, req *http.Request) {
		id, err := jobIDFromPath(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		signum := 9
		if s := req.URL.Query().Get("signal"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				signum = n
			}
		}
		if err := m.Control().Kill(req.Context(), id, signum); err != nil {
			writeControlError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc("/jobs/{id}/urgency", func(w http.ResponseWriter, req *http.Request) {
		id, err := jobIDFromPath(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var body struct {
			Urgency int32 `json:"urgency"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := m.Control().Urgency(req.Context(), id, body.Urgency); err != nil {
			writeControlError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	return chain(r)
}

func jobIDFromPath(req *http.Request) (uint64, error) {
	raw := mux.Vars(req)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}

// writeControlError maps a control-service error to an HTTP status via
// pkg/errors.HTTPStatusForError, the debug surface's inverse of the RPC
// layer's OWNER/USER authorization scheme.
func writeControlError(w http.ResponseWriter, err error) {
	status := pkgerrors.HTTPStatusForError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func handleSubmit(m *manager.JobManager, w http.ResponseWriter, req *http.Request) {
	var body struct {
		UserID  uint32         `json:"user_id"`
		Urgency int32          `json:"urgency"`
		Queue   string         `json:"queue"`
		Jobspec map[string]any `json:"jobspec"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resultCh := make(chan control.SubmitResult, 1)
	id, err := m.Control().Submit(req.Context(), control.SubmitRequest{
		UserID: body.UserID, Urgency: body.Urgency, Queue: body.Queue, Jobspec: body.Jobspec,
	}, func(r control.SubmitResult) { resultCh <- r })
	if err != nil {
		writeControlError(w, err)
		return
	}

	select {
	case r := <-resultCh:
		w.Header().Set("Content-Type", "application/json")
		if !r.Valid {
			w.WriteHeader(http.StatusUnprocessableEntity)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		_ = json.NewEncoder(w).Encode(r)
	case <-req.Context().Done():
		http.Error(w, fmt.Sprintf("request canceled waiting for job %d to commit", id), http.StatusGatewayTimeout)
	}
}

// journalSource adapts internal/journal.Journal (C12) to
// streaming.JournalSource: it translates journal.Event into
// streaming.JournalEvent and collapses Subscribe's (chan, cancel, error)
// shape into the simpler (chan, error) shape the streaming package expects,
// running the cancel once the caller's context is done.
type journalSource struct {
	j *journal.Journal
}

func (s *journalSource) Subscribe(ctx context.Context, since uint64) (<-chan streaming.JournalEvent, error) {
	events, cancel, err := s.j.Subscribe(ctx, since)
	if err != nil {
		return nil, err
	}

	out := make(chan streaming.JournalEvent, 256)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- streaming.JournalEvent{
					Seq: ev.Seq, JobID: ev.JobID, Name: ev.Name,
					Context: ev.Context, Timestamp: time.Now(),
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
