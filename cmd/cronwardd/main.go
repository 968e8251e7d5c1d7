// Command cronwardd wires the core components into a single process: it
// reads configuration, opens the audit log and registry, restores circuit
// breaker state, performs the mandated recovery sweep, and serves the
// HTTP and WebSocket surfaces. Startup order matters: audit chain
// verification must happen before anything reads the registry, since a
// broken chain is a fatal integrity error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cronward/cronward/config"
	"github.com/cronward/cronward/httpapi"
	"github.com/cronward/cronward/runtime/audit"
	"github.com/cronward/cronward/runtime/cron"
	"github.com/cronward/cronward/runtime/dedupe"
	"github.com/cronward/cronward/runtime/events"
	"github.com/cronward/cronward/runtime/firewall"
	"github.com/cronward/cronward/runtime/killswitch"
	"github.com/cronward/cronward/runtime/pool"
	"github.com/cronward/cronward/runtime/ratelimit"
	"github.com/cronward/cronward/runtime/registry"
	"github.com/cronward/cronward/runtime/runner"
	"github.com/cronward/cronward/runtime/telemetry"
	"github.com/cronward/cronward/runtime/template"
	"github.com/cronward/cronward/wsapi"
)

func main() {
	configPath := flag.String("config", "cronward.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "cronwardd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg, err = config.FromEnv(cfg)
	if err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}

	logger := telemetry.NewClueLogger()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// 1. Audit chain verification. A broken chain is fatal: the process
	// refuses to start rather than risk accepting new firewalled actions
	// on top of a tampered record.
	auditPath := filepath.Join(cfg.DataDir, "audit.jsonl")
	result, err := verifyAuditFile(auditPath)
	if err != nil {
		return fmt.Errorf("verifying audit chain: %w", err)
	}
	if !result.Valid {
		return fmt.Errorf("audit chain broken at line %d: %s", result.BrokenAt, result.Reason)
	}
	auditor, err := audit.Open(auditPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditor.Close()

	// 2. Registry load (Open replays the durable snapshot, including each
	// job's last-persisted circuit breaker state).
	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry"))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}

	ks := killswitch.New(reg, filepath.Join(cfg.DataDir, "killswitch.active"))

	tracker := runner.NewFileChangeTracker(filepath.Join(cfg.DataDir, "tracker"))
	templates := template.NewRegistry()
	limiter := ratelimit.New(ratelimit.Budget{Limit: 60, Window: time.Minute, Burst: 10})
	dedupeIdx := dedupe.New()

	bus := events.NewBus()

	jobRunner := runner.New(runner.Config{
		Templates: templates,
		Tracker:   tracker,
		Auditor:   auditor,
		Registry:  reg,
		Bus:       bus,
		// NewSession is a deployment integration point, the same way an
		// HTTP/WS-only surface was once external-only: the actual agent
		// loop that decides which tools to call per item lives outside
		// this process and is wired in here before Start is called.
		NewSession: nil,
	})

	metricsRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewPromMetrics(metricsRegistry)

	workerPool := pool.New(cfg.Pool)
	workerPool.SetMetrics(metrics)
	defer workerPool.Shutdown()

	// Deployments register their concrete Template implementations via
	// templates.Register before this point; every registered template
	// shares one Firewall instance, threading the same rate limiter,
	// dedupe index, auditor, and event bus through its tool calls.
	sharedFirewall := firewall.New(map[string]firewall.ToolSpec{}, limiter, dedupeIdx, auditor, bus)
	sharedFirewall.SetMetrics(metrics)
	for _, t := range templates.All() {
		jobRunner.RegisterFirewall(t.ID(), sharedFirewall)
	}

	// 3. Stuck-job recovery and 4. breaker state restoration happen before
	// the Cron Service's first tick, so TriggerJob/runDueJobs never observe
	// a job whose breaker silently reset to closed across a restart.
	if _, err := reg.RecoverStuckJobs(cfg.Cron.StuckJobTimeout); err != nil {
		return fmt.Errorf("recovering stuck jobs: %w", err)
	}
	jobs := reg.GetJobs()
	jobRunner.RestoreBreakers(jobs)

	cronSvc := cron.New(cfg.Cron, reg, ks, jobRunner, bus, time.Now, newULID)
	cronSvc.SetMetrics(metrics)
	cronSvc.SetExecutor(func(ctx context.Context, job registry.Job, runULID string) error {
		// Dispatch the run onto the worker pool's system lane rather than
		// running it inline on the caller's goroutine (the cron tick loop
		// or an HTTP-triggered call): this is the "invokes Job Runner on
		// Worker Pool" hop, and it's what gives scheduled runs lane
		// isolation and bounded concurrency instead of unbounded
		// goroutine-per-tick fan-out.
		started := time.Now()
		_, execErr := workerPool.Exec(ctx, pool.LaneSystem, pool.Spec{
			Run: func(ctx context.Context) (pool.Result, error) {
				_, _, err := jobRunner.Run(ctx, job, runULID)
				return pool.Result{}, err
			},
		})
		err := execErr
		record := registry.RunRecord{
			JobID:     job.ID,
			RunULID:   runULID,
			StartedAt: started,
		}
		status := registry.LastStatusSuccess
		if err != nil {
			status = registry.LastStatusFailure
			record.Error = err.Error()
		}
		record.Status = status
		finished := time.Now()
		record.FinishedAt = &finished
		record.DurationMs = finished.Sub(started).Milliseconds()
		if recErr := reg.AppendRunRecord(record); recErr != nil {
			logger.Error(ctx, "failed to append run record", "jobId", job.ID, "error", recErr)
		}
		if _, relErr := reg.ReleaseRun(job.ID, runULID, status); relErr != nil {
			logger.Error(ctx, "failed to release run token", "jobId", job.ID, "error", relErr)
		}
		return err
	})

	// 5. Arming sweep + tick start, performed inside Start.
	if err := cronSvc.Start(ctx); err != nil {
		return fmt.Errorf("starting cron service: %w", err)
	}
	defer cronSvc.Stop()

	httpServer := httpapi.NewServer(cronSvc, reg, ks, cfg.BearerToken, metricsRegistry)
	stream := wsapi.NewStream(wsapi.Config{
		MaxConnsPerIP: cfg.WSMaxConnsPerIP,
		MaxFrameBytes: cfg.WSMaxFrameBytes,
		WriteTimeout:  5 * time.Second,
	}, bus)

	mux := http.NewServeMux()
	mux.Handle("/api/", httpServer.Router())
	mux.Handle("/ws/events", stream)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "cronwardd listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func verifyAuditFile(path string) (audit.VerifyResult, error) {
	l, err := audit.Open(path)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	defer l.Close()
	return l.VerifyChain()
}

func newULID() string {
	return ulid.Make().String()
}
