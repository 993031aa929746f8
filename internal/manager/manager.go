// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/jontk/jobmgr/internal/alloc"
	"github.com/jontk/jobmgr/internal/control"
	"github.com/jontk/jobmgr/internal/eventlog"
	execiface "github.com/jontk/jobmgr/internal/exec"
	"github.com/jontk/jobmgr/internal/housekeeping"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/jobtap"
	"github.com/jontk/jobmgr/internal/journal"
	"github.com/jontk/jobmgr/internal/kvs"
	"github.com/jontk/jobmgr/internal/priority"
	"github.com/jontk/jobmgr/internal/queue"
	"github.com/jontk/jobmgr/internal/restart"
	"github.com/jontk/jobmgr/internal/statemachine"
	"github.com/jontk/jobmgr/internal/transport"
	cfgpkg "github.com/jontk/jobmgr/pkg/config"
	"github.com/jontk/jobmgr/pkg/logging"
)

// JobManager is the top-level context object that owns the active/inactive
// job table and wires C1-C12 together (SPEC_FULL §3), modeled on the
// teacher's internal/factory.ClientFactory construction pattern: a
// functional-options constructor building one long-lived struct that the
// daemon entry point (cmd/jobmgrd) holds for the life of the process.
//
// There is no libev-style blocking reactor loop to own directly: every
// collaborator here is already callback-driven (the committer's async
// batch-commit futures, the transport's response-stream readers, the
// housekeeping/exec release hooks), the same structure spec.md's origin
// (flux's single-threaded reactor dispatching to registered handlers)
// uses under the hood. JobManager's job is construction, restart, and an
// orderly shutdown of that wiring - not an additional event loop.
type JobManager struct {
	mu sync.Mutex

	cfg   *cfgpkg.Config
	store kvs.Store
	tp    transport.Transport
	log   logging.Logger

	table        *job.Table
	journal      *journal.Journal
	committer    *eventlog.Committer
	jobtap       *jobtap.Host
	pipeline     *alloc.Pipeline
	exec         *execiface.Interface
	housekeeping *housekeeping.Housekeeping
	priority     *priority.Engine
	statemachine *statemachine.Driver
	queues       *queue.Registry
	control      *control.Service
	restorer     *restart.Restorer

	Validate *Validator

	housekeepingRunner housekeeping.Runner
	clock              eventlog.Clock
	started            bool
}

// Option configures a JobManager at construction time.
type Option func(*JobManager) error

// WithStore overrides the KVS collaborator (default: an in-memory store,
// matching spec.md §1's naming of the KVS implementation out of scope).
func WithStore(store kvs.Store) Option {
	return func(m *JobManager) error {
		m.store = store
		return nil
	}
}

// WithTransport overrides the RPC transport collaborator (default: an
// in-process transport, matching spec.md §1's naming of the wire
// transport out of scope).
func WithTransport(tp transport.Transport) Option {
	return func(m *JobManager) error {
		m.tp = tp
		return nil
	}
}

// WithLogger overrides the structured logger every collaborator shares.
func WithLogger(log logging.Logger) Option {
	return func(m *JobManager) error {
		m.log = log
		return nil
	}
}

// WithHousekeepingRunner overrides the process launcher housekeeping uses
// for its configured post-job script (default: processRunner, an
// os/exec-backed Runner).
func WithHousekeepingRunner(r housekeeping.Runner) Option {
	return func(m *JobManager) error {
		m.housekeepingRunner = r
		return nil
	}
}

// WithClock overrides the eventlog.Clock the batch committer and
// control-service RPC surface share (default: eventlog.RealClock{}).
// Pass a *SimClock to drive batch-commit timing deterministically in
// tests instead of sleeping past cfg.BatchTimeout.
func WithClock(clock eventlog.Clock) Option {
	return func(m *JobManager) error {
		m.clock = clock
		return nil
	}
}

// New builds a JobManager from cfg, wiring every collaborator C1-C12
// needs in the dependency order internal/*'s own import graph requires
// (job -> kvs -> transport -> journal -> eventlog -> jobtap -> priority ->
// alloc -> exec -> housekeeping -> statemachine -> queue -> control ->
// restart). cfg may be nil (defaults to cfgpkg.NewDefault()).
func New(cfg *cfgpkg.Config, opts ...Option) (*JobManager, error) {
	if cfg == nil {
		cfg = cfgpkg.NewDefault()
	}

	m := &JobManager{cfg: cfg, Validate: NewValidator("manager")}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, fmt.Errorf("manager: apply option: %w", err)
		}
	}
	if m.store == nil {
		m.store = kvs.NewMemoryStore()
	}
	if m.tp == nil {
		m.tp = transport.NewInProcess()
	}
	if m.log == nil {
		m.log = logging.NewLogger(logging.DefaultConfig())
	}
	if m.clock == nil {
		m.clock = eventlog.RealClock{}
	}

	m.table = job.NewTable()
	m.journal = journal.New(journal.DefaultRingSize)
	m.committer = eventlog.New(m.store, m.journal, m.clock, cfg.BatchTimeout, m.log)

	m.jobtap = jobtap.NewHost(m.log)
	if err := m.jobtap.Load(context.Background(), jobtap.PriorityDefaultPlugin(), nil); err != nil {
		return nil, fmt.Errorf("manager: load priority.default plugin: %w", err)
	}

	m.pipeline = alloc.New(m.tp, m.committer, m.log)
	m.priority = priority.New(m.jobtap, m.committer, m.pipeline, m.log)
	m.exec = execiface.New(m.tp, m.committer, m.log)

	hkConfig := housekeeping.Config{Command: cfg.HousekeepingCommand, ReleaseAfter: cfg.HousekeepingReleaseAfter}
	directFree := !hkConfig.Configured()
	if hkConfig.Configured() {
		runner := m.housekeepingRunner
		if runner == nil {
			runner = processRunner{argv: cfg.HousekeepingCommand}
		}
		m.housekeeping = housekeeping.New(hkConfig, runner, m.tp, m.committer, m.log)
	}

	m.statemachine = statemachine.New(
		m.committer, m.jobtap, m.pipeline, m.exec, m.housekeeping, m.priority,
		m.tp, m.table, directFree, m.log,
	)
	m.committer.SetAdvancer(m.statemachine)

	if cfg.NamedQueuesEnabled {
		m.queues = queue.NewNamed([]string{cfg.DefaultQueue})
	} else {
		m.queues = queue.NewAnonymous()
	}

	m.control = control.New(
		m.table, m.committer, m.jobtap, m.pipeline, m.priority, m.queues,
		m.store, m.tp, m.clock, m.log,
	)
	m.statemachine.SetOnInactive(m.control.NotifyInactive)

	m.restorer = restart.New(m.store, m.table, m.committer, m.jobtap, m.priority, m.queues, m.log)

	return m, nil
}

// Control exposes the control-service RPC surface (C10) for the RPC
// router (cmd/jobmgrd) or in-process callers (cmd/jobmgrctl's embedded
// demo mode) to drive.
func (m *JobManager) Control() *control.Service { return m.control }

// Journal exposes the event broadcast log (C12) for the debug HTTP
// surface's websocket/SSE streamer (pkg/streaming) to subscribe to.
func (m *JobManager) Journal() *journal.Journal { return m.journal }

// Queues exposes queue admin (C5) for the control-service RPC router to
// drive the enable/disable/start/stop/status operations spec.md §4.10
// groups under queue admin rather than control.Service itself.
func (m *JobManager) Queues() *queue.Registry { return m.queues }

// JobTap exposes the plugin host (C4) so the daemon entry point can load
// configured plugins before Start runs restart replay.
func (m *JobManager) JobTap() *jobtap.Host { return m.jobtap }

// Table exposes the active/inactive job table (C1) for read-only
// introspection (the debug HTTP surface, tests).
func (m *JobManager) Table() *job.Table { return m.table }

// Start runs the startup sequence (spec.md §4.9 steps 1-7): KVS traversal,
// eventlog replay, dependency recheck, and restart-specific SCHED/RUN
// bookkeeping, then marks the manager ready to accept new submissions.
func (m *JobManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager: already started")
	}
	if err := m.restorer.Load(ctx); err != nil {
		return fmt.Errorf("manager: restart load: %w", err)
	}
	m.started = true
	return nil
}

// Stop flushes the open eventlog batch and writes the shutdown checkpoint
// (spec.md §4.9 "On shutdown"). It does not reject new RPCs itself; the
// daemon entry point is responsible for draining its own request router
// before calling Stop.
func (m *JobManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	if err := m.restorer.Save(ctx); err != nil {
		return fmt.Errorf("manager: restart save: %w", err)
	}
	m.started = false
	return nil
}

// processRunner launches housekeeping's configured command with os/exec,
// one process per rank, reporting completion through onRankDone as each
// process exits. jobID/userID are passed as JOBMGR_JOBID/JOBMGR_USERID
// environment variables, the same convention the teacher's SSH-driven
// integration harness uses for out-of-band parameters to a launched
// command.
type processRunner struct {
	argv []string
}

func (p processRunner) Run(ctx context.Context, jobID uint64, userID uint32, ranks []int, onRankDone func(rank int, err error)) error {
	if len(p.argv) == 0 {
		return fmt.Errorf("housekeeping: no command configured")
	}
	for _, rank := range ranks {
		rank := rank
		cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("JOBMGR_JOBID=%d", jobID),
			fmt.Sprintf("JOBMGR_USERID=%d", userID),
			fmt.Sprintf("JOBMGR_RANK=%d", rank),
		)
		go func() {
			err := cmd.Run()
			onRankDone(rank, err)
		}()
	}
	return nil
}
