// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jontk/jobmgr/internal/control"
	"github.com/jontk/jobmgr/internal/job"
	"github.com/jontk/jobmgr/internal/manager"
	"github.com/jontk/jobmgr/pkg/config"
)

var (
	// Version information (set at build time).
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	outputFmt string
	debug     bool

	rootCmd = &cobra.Command{
		Use:     "jobmgrctl",
		Short:   "Operator CLI for the job-manager core",
		Long:    `A command-line interface for driving the job-manager control-service RPC surface.`,
		Version: Version,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(submitCmd, waitCmd, raiseCmd, killCmd, killAllCmd, urgencyCmd,
		updateCmd, drainCmd, idleCmd, purgeCmd, annotateCmd, listCmd, getAttrCmd,
		getInfoCmd, queueCmd, versionCmd)
}

// jobManager is the single in-process JobManager this CLI invocation
// drives. jobmgrctl has no wire client of its own: internal/transport and
// internal/kvs are abstract collaborators named out of scope (spec.md §1)
// with only in-process/in-memory implementations, so - like cmd/jobmgrd's
// single-process demo mode - jobmgrctl embeds a JobManager rather than
// dialing a remote one. A future jobmgrd exposing a real wire RPC surface
// would let this swap createManager for a thin client without touching
// any command below, since every command is already written against
// *control.Service alone.
var jobManagerInstance *manager.JobManager

func createManager() (*manager.JobManager, error) {
	if jobManagerInstance != nil {
		return jobManagerInstance, nil
	}
	cfg := config.NewDefault()
	cfg.Debug = debug
	m, err := manager.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create job manager: %w", err)
	}
	if err := m.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start job manager: %w", err)
	}
	jobManagerInstance = m
	return m, nil
}

func printOutput(data any) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("jobmgrctl version %s\n", Version)
		if BuildTime != "" {
			fmt.Printf("Build Time: %s\n", BuildTime)
		}
		if Commit != "" {
			fmt.Printf("Commit:     %s\n", Commit)
		}
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a pre-validated job",
	Run: func(cmd *cobra.Command, args []string) {
		userID, _ := cmd.Flags().GetUint32("user")
		urgency, _ := cmd.Flags().GetInt32("urgency")
		queueName, _ := cmd.Flags().GetString("queue")
		waitable, _ := cmd.Flags().GetBool("waitable")

		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}

		var flags job.Flags
		if waitable {
			flags |= job.FlagWaitable
		}

		resultCh := make(chan control.SubmitResult, 1)
		id, err := m.Control().Submit(context.Background(), control.SubmitRequest{
			UserID: userID, Urgency: urgency, Flags: flags, Queue: queueName,
		}, func(r control.SubmitResult) { resultCh <- r })
		if err != nil {
			log.Fatal(err)
		}

		select {
		case r := <-resultCh:
			if !r.Valid {
				log.Fatalf("job %d rejected: %v", r.ID, r.Err)
			}
			if outputFmt == "json" {
				_ = printOutput(r)
				return
			}
			fmt.Printf("Submitted job %d\n", r.ID)
		case <-time.After(5 * time.Second):
			log.Fatalf("timed out waiting for job %d to commit", id)
		}
	},
}

func init() {
	submitCmd.Flags().Uint32P("user", "u", 0, "Owning user id")
	submitCmd.Flags().Int32("urgency", job.UrgencyDefault, "Job urgency")
	submitCmd.Flags().StringP("queue", "q", "", "Target queue name")
	submitCmd.Flags().Bool("waitable", false, "Mark the job waitable (eligible for wait/wait-any)")
}

var waitCmd = &cobra.Command{
	Use:   "wait [JOB_ID]",
	Short: "Wait for a waitable job to finish (omit JOB_ID for FLUX_JOBID_ANY)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}

		id := control.WaitAny
		if len(args) == 1 {
			id = parseJobID(args[0])
		}

		r, err := m.Control().Wait(context.Background(), id)
		if err != nil {
			log.Fatal(err)
		}
		if outputFmt == "json" {
			_ = printOutput(r)
			return
		}
		if r.Success {
			fmt.Printf("Job %d finished successfully\n", r.ID)
		} else {
			fmt.Printf("Job %d failed: %s\n", r.ID, r.Errstr)
		}
	},
}

var raiseCmd = &cobra.Command{
	Use:   "raise JOB_ID",
	Short: "Raise an exception against a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		severity, _ := cmd.Flags().GetInt("severity")
		excType, _ := cmd.Flags().GetString("type")
		note, _ := cmd.Flags().GetString("note")

		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		id := parseJobID(args[0])
		if err := m.Control().Raise(context.Background(), id, severity, excType, note); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Raised %s exception (severity %d) against job %d\n", excType, severity, id)
	},
}

func init() {
	raiseCmd.Flags().Int("severity", 0, "Exception severity (0 is fatal)")
	raiseCmd.Flags().String("type", "cancel", "Exception type")
	raiseCmd.Flags().String("note", "", "Human-readable note")
}

var killCmd = &cobra.Command{
	Use:   "kill JOB_ID",
	Short: "Signal a running job's shell",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		signum, _ := cmd.Flags().GetInt("signal")
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		id := parseJobID(args[0])
		if err := m.Control().Kill(context.Background(), id, signum); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Sent signal %d to job %d\n", signum, id)
	},
}

func init() {
	killCmd.Flags().Int("signal", 9, "Signal number to deliver")
}

var killAllCmd = &cobra.Command{
	Use:   "killall",
	Short: "Signal every running job (optionally scoped to one user)",
	Run: func(cmd *cobra.Command, args []string) {
		signum, _ := cmd.Flags().GetInt("signal")
		userID, _ := cmd.Flags().GetUint32("user")
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		if err := m.Control().KillAll(context.Background(), userID, signum); err != nil {
			log.Fatal(err)
		}
		fmt.Println("Signal delivered to matching running jobs")
	},
}

func init() {
	killAllCmd.Flags().Int("signal", 9, "Signal number to deliver")
	killAllCmd.Flags().Uint32P("user", "u", 0, "Restrict to this owning user (0 selects every running job)")
}

var urgencyCmd = &cobra.Command{
	Use:   "urgency JOB_ID VALUE",
	Short: "Change a job's urgency",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		id := parseJobID(args[0])
		val, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			log.Fatalf("invalid urgency %q: %v", args[1], err)
		}
		if err := m.Control().Urgency(context.Background(), id, int32(val)); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Set job %d urgency to %d\n", id, val)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update JOB_ID KEY=VALUE [KEY=VALUE ...]",
	Short: "Update jobspec attributes on an active job",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		requesterUID, _ := cmd.Flags().GetUint32("requester")
		instanceOwner, _ := cmd.Flags().GetBool("instance-owner")

		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		id := parseJobID(args[0])
		updates := map[string]any{}
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				log.Fatalf("invalid KEY=VALUE pair %q", kv)
			}
			updates[k] = v
		}
		err = m.Control().Update(context.Background(), id, control.UpdateRequest{
			RequesterUID: requesterUID, InstanceOwner: instanceOwner, Updates: updates,
		})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Updated job %d\n", id)
	},
}

func init() {
	updateCmd.Flags().Uint32("requester", 0, "Requesting user id")
	updateCmd.Flags().Bool("instance-owner", false, "Apply as the instance owner")
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Block until no active jobs remain",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		done := make(chan struct{})
		m.Control().Drain(func() { close(done) })
		<-done
		fmt.Println("Drained: no active jobs remain")
	},
}

var idleCmd = &cobra.Command{
	Use:   "idle",
	Short: "Block until no job is running or pending allocation",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		done := make(chan int, 1)
		m.Control().Idle(func(pending int) { done <- pending })
		pending := <-done
		fmt.Printf("Idle: %d job(s) pending\n", pending)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge JOB_ID",
	Short: "Remove an inactive job's KVS records",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		id := parseJobID(args[0])
		if err := m.Control().Purge(context.Background(), id); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Purged job %d\n", id)
	},
}

var annotateCmd = &cobra.Command{
	Use:   "annotate JOB_ID KEY=VALUE [KEY=VALUE ...]",
	Short: "Merge annotations into a job's control aux",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		id := parseJobID(args[0])
		annotations := map[string]any{}
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				log.Fatalf("invalid KEY=VALUE pair %q", kv)
			}
			annotations[k] = v
		}
		if err := m.Control().Annotate(context.Background(), id, annotations); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Annotated job %d\n", id)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active jobs",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		entries := m.Control().List(limit)
		if outputFmt == "json" {
			_ = printOutput(entries)
			return
		}
		fmt.Printf("%-10s %-10s %-10s %-12s %-10s\n", "JOB ID", "USER", "URGENCY", "PRIORITY", "STATE")
		fmt.Println(strings.Repeat("-", 56))
		for _, e := range entries {
			fmt.Printf("%-10d %-10d %-10d %-12d %-10s\n", e.ID, e.UserID, e.Urgency, e.Priority, stateName(e.State))
		}
		fmt.Printf("\nTotal: %d jobs\n", len(entries))
	},
}

func init() {
	listCmd.Flags().IntP("limit", "l", 0, "Maximum number of jobs to return (0 is unbounded)")
}

var getAttrCmd = &cobra.Command{
	Use:   "getattr JOB_ID ATTR",
	Short: "Fetch one job attribute (jobspec, R, or eventlog)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		id := parseJobID(args[0])
		val, err := m.Control().GetAttr(id, args[1])
		if err != nil {
			log.Fatal(err)
		}
		_ = printOutput(val)
		if outputFmt != "json" {
			fmt.Printf("%v\n", val)
		}
	},
}

var getInfoCmd = &cobra.Command{
	Use:   "getinfo",
	Short: "Show the current max job id counter",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("max_jobid: %d\n", m.Control().GetInfo())
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue admin (status, enable, disable, start, stop)",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status [NAME]",
	Short: "Show one or every queue's admin state",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := createManager()
		if err != nil {
			log.Fatal(err)
		}
		titleCase := cases.Title(language.English)
		if len(args) == 1 {
			q, stopped, reason, err := m.Queues().Status(args[0])
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("%s: enable=%t stopped=%t reason=%q\n",
				titleCase.String(q.Name), q.Enable, stopped, reason)
			return
		}
		fmt.Printf("%-15s %-8s %-8s %s\n", "QUEUE", "ENABLE", "STOPPED", "REASON")
		for _, q := range m.Queues().List() {
			stopped, reason, err := queueStopped(m, q.Name)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("%-15s %-8t %-8t %s\n", q.Name, q.Enable, stopped, reason)
		}
	},
}

func queueStopped(m *manager.JobManager, name string) (bool, string, error) {
	_, stopped, reason, err := m.Queues().Status(name)
	return stopped, reason, err
}

var queueEnableCmd = &cobra.Command{
	Use:   "enable [NAME]",
	Short: "Enable submission to a queue (or --all)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) { runQueueToggle(cmd, args, true) },
}

var queueDisableCmd = &cobra.Command{
	Use:   "disable [NAME]",
	Short: "Disable submission to a queue (or --all)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) { runQueueToggle(cmd, args, false) },
}

func runQueueToggle(cmd *cobra.Command, args []string, enable bool) {
	all, _ := cmd.Flags().GetBool("all")
	reason, _ := cmd.Flags().GetString("reason")
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	m, err := createManager()
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Queues().Enable(name, all, enable, reason); err != nil {
		log.Fatal(err)
	}
	fmt.Println("ok")
}

var queueStartCmd = &cobra.Command{
	Use:   "start [NAME]",
	Short: "Start scheduling a queue (or --all)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) { runQueueStart(cmd, args, true) },
}

var queueStopCmd = &cobra.Command{
	Use:   "stop [NAME]",
	Short: "Stop scheduling a queue (or --all)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) { runQueueStart(cmd, args, false) },
}

func runQueueStart(cmd *cobra.Command, args []string, start bool) {
	all, _ := cmd.Flags().GetBool("all")
	reason, _ := cmd.Flags().GetString("reason")
	nocheckpoint, _ := cmd.Flags().GetBool("nocheckpoint")
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	m, err := createManager()
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Queues().Start(name, all, start, reason, nocheckpoint); err != nil {
		log.Fatal(err)
	}
	fmt.Println("ok")
}

func init() {
	for _, c := range []*cobra.Command{queueEnableCmd, queueDisableCmd} {
		c.Flags().Bool("all", false, "Apply to every queue")
		c.Flags().String("reason", "", "Reason recorded for the admin change")
	}
	for _, c := range []*cobra.Command{queueStartCmd, queueStopCmd} {
		c.Flags().Bool("all", false, "Apply to every queue")
		c.Flags().String("reason", "", "Reason recorded for the admin change")
		c.Flags().Bool("nocheckpoint", false, "Don't persist this as the restart-time default")
	}
	queueCmd.AddCommand(queueStatusCmd, queueEnableCmd, queueDisableCmd, queueStartCmd, queueStopCmd)
}

func parseJobID(s string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		log.Fatalf("invalid job id %q: %v", s, err)
	}
	return id
}

func stateName(s job.State) string {
	return cases.Lower(language.English).String(string(s))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
