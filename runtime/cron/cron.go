// Package cron implements the Cron Service (C10): the coordinator that
// detects due jobs, claims them via the registry's CAS, arms the per-job
// circuit breaker, and dispatches to an injected executor. It publishes
// job:armed, job:started, job:completed, job:failed, and job:stuck events
// on the bus it is given; circuit:opened and circuit:closed come from the
// per-job breakers' transition hooks (see runtime/runner).
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/cronward/cronward/runtime/breaker"
	"github.com/cronward/cronward/runtime/events"
	"github.com/cronward/cronward/runtime/killswitch"
	"github.com/cronward/cronward/runtime/registry"
	"github.com/cronward/cronward/runtime/telemetry"
)

// Executor runs a job's work for a given run token. It must eventually
// release the run's CAS token — normally by the Job Runner completing and
// the bridge releasing it. When the executor returns an error, the service
// releases the token itself and records lastStatus = "failure"; a panic in
// the executor is not recovered.
type Executor func(ctx context.Context, job registry.Job, runULID string) error

// Config tunes the service's tick interval and stuck-job policy.
type Config struct {
	TickInterval    time.Duration
	StuckJobTimeout time.Duration
}

// DefaultConfig matches the defaults named in the design notes.
func DefaultConfig() Config {
	return Config{TickInterval: 60 * time.Second, StuckJobTimeout: 2 * time.Hour}
}

// BreakerProvider returns (creating on first reference) the per-job
// circuit breaker.
type BreakerProvider interface {
	Breaker(jobID string) *breaker.Breaker
}

// Service is the Cron Service.
type Service struct {
	cfg        Config
	registry   *registry.Registry
	killSwitch *killswitch.Switch
	breakers   BreakerProvider
	bus        events.Bus
	now        func() time.Time
	ulidGen    func() string
	metrics    telemetry.Metrics

	mu       sync.Mutex
	executor Executor
	stopTick chan struct{}
	running  bool
}

// New constructs a Service. executor may be nil initially and installed
// later via SetExecutor, matching the source's two-phase wiring.
func New(cfg Config, reg *registry.Registry, ks *killswitch.Switch, breakers BreakerProvider, bus events.Bus, now func() time.Time, ulidGen func() string) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:        cfg,
		registry:   reg,
		killSwitch: ks,
		breakers:   breakers,
		bus:        bus,
		now:        now,
		ulidGen:    ulidGen,
		metrics:    telemetry.NoopMetrics{},
	}
}

// SetExecutor installs the bridge to the Job Runner.
func (s *Service) SetExecutor(fn Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = fn
}

// SetMetrics installs a Metrics recorder used to count ticks and job
// outcomes. Call before Start.
func (s *Service) SetMetrics(m telemetry.Metrics) {
	s.metrics = m
}

// Start performs recovery in the mandated order — stuck-job recovery,
// then an arming sweep of every enabled job with no nextRunAtMs — and
// begins the periodic tick. Audit chain verification and breaker-state
// restoration happen upstream of Start, at process wiring time, since
// they are not the registry's concern.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopTick = make(chan struct{})
	s.mu.Unlock()

	if err := s.detectStuckJobsLocked(); err != nil {
		return fmt.Errorf("cron: stuck-job recovery: %w", err)
	}

	for _, job := range s.registry.GetJobs() {
		if !job.Enabled || job.NextRunAtMs != 0 {
			continue
		}
		next, err := NextRunAt(job.Schedule, s.now())
		if err != nil {
			continue
		}
		if _, err := s.registry.UpdateJob(job.ID, func(j *registry.Job) {
			j.NextRunAtMs = next.UnixMilli()
			j.Status = registry.StatusArmed
		}); err != nil {
			return fmt.Errorf("cron: arming job %q: %w", job.ID, err)
		}
		s.publish(ctx, events.TopicJobArmed, job.ID, nil)
	}

	go s.tickLoop(ctx)
	return nil
}

// Stop halts the periodic tick. In-flight executions are not canceled.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopTick)
}

func (s *Service) tickLoop(ctx context.Context) {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.IncCounter("cron.tick", 1)
			s.runDueJobs(ctx)
		}
	}
}

// CreateJob persists job and arms it by computing its initial
// nextRunAtMs from its schedule.
func (s *Service) CreateJob(job registry.Job) error {
	next, err := NextRunAt(job.Schedule, s.now())
	if err != nil {
		return fmt.Errorf("cron: computing schedule for %q: %w", job.ID, err)
	}
	job.NextRunAtMs = next.UnixMilli()
	if job.Status == "" {
		job.Status = registry.StatusArmed
	}
	return s.registry.AddJob(job)
}

// UpdateJob delegates to the registry, re-arming the job if patch cleared
// its schedule state: a job left enabled, unclaimed, and with no
// nextRunAtMs gets a fresh nextRunAtMs from its schedule and is marked
// armed.
func (s *Service) UpdateJob(id string, patch func(*registry.Job)) (bool, error) {
	return s.registry.UpdateJob(id, func(j *registry.Job) {
		patch(j)
		if j.Enabled && j.NextRunAtMs == 0 && j.CurrentRunULID == "" {
			if next, err := NextRunAt(j.Schedule, s.now()); err == nil {
				j.NextRunAtMs = next.UnixMilli()
				j.Status = registry.StatusArmed
			}
		}
	})
}

// DeleteJob delegates to the registry.
func (s *Service) DeleteJob(id string) (bool, error) {
	return s.registry.DeleteJob(id)
}

// TriggerJob is the manual-fire path. It returns false without side
// effects if the job is missing, the kill switch is active, the breaker
// blocks, or the CAS fails. Otherwise it calls the executor synchronously
// within the caller's context.
func (s *Service) TriggerJob(ctx context.Context, id string) (bool, error) {
	if s.killSwitch.IsActive() {
		return false, nil
	}
	job, ok := s.registry.GetJob(id)
	if !ok {
		return false, nil
	}
	jobBreaker := s.breakers.Breaker(id)
	if !jobBreaker.CanExecute() {
		return false, nil
	}

	runULID := s.ulidGen()
	claimed, err := s.registry.TryClaimRun(id, runULID)
	if err != nil || !claimed {
		return false, err
	}

	return true, s.dispatch(ctx, job, runULID)
}

// RunDueJobs is the periodic sweep: every enabled, armed job whose
// nextRunAtMs has passed is claimed and dispatched, provided the kill
// switch is inactive and the breaker permits. Errors from individual jobs
// are swallowed here (RateLimitError/CircuitOpenError/KillSwitchActiveError
// merely skip a tick per the propagation policy); callers that need to
// observe per-job failures should subscribe to the event bus instead.
func (s *Service) RunDueJobs(ctx context.Context) {
	s.runDueJobs(ctx)
}

func (s *Service) runDueJobs(ctx context.Context) {
	if s.killSwitch.IsActive() {
		return
	}
	now := s.now().UnixMilli()
	for _, job := range s.registry.GetJobs() {
		if !job.Enabled || job.Status != registry.StatusArmed || job.NextRunAtMs > now {
			continue
		}
		jobBreaker := s.breakers.Breaker(job.ID)
		if !jobBreaker.CanExecute() {
			continue
		}

		runULID := s.ulidGen()
		claimed, err := s.registry.TryClaimRun(job.ID, runULID)
		if err != nil || !claimed {
			continue
		}

		if !job.OneShot {
			next, err := NextRunAt(job.Schedule, s.now())
			if err == nil {
				_, _ = s.registry.UpdateJob(job.ID, func(j *registry.Job) {
					j.NextRunAtMs = next.UnixMilli()
				})
			}
		}

		dispatchErr := s.dispatch(ctx, job, runULID)
		if job.OneShot {
			// Only a successful run retires a one-shot job; a failure
			// leaves it armed so the next tick can retry it.
			_, _ = s.registry.UpdateJob(job.ID, func(j *registry.Job) {
				if dispatchErr == nil {
					j.Enabled = false
					j.Status = registry.StatusDisabled
				} else if j.Enabled && j.CurrentRunULID == "" {
					j.Status = registry.StatusArmed
				}
			})
		}
	}
}

// dispatch calls the installed executor and guarantees the CAS token is
// released, even if the executor returns synchronously with an error.
func (s *Service) dispatch(ctx context.Context, job registry.Job, runULID string) error {
	s.mu.Lock()
	executor := s.executor
	s.mu.Unlock()
	if executor == nil {
		_, _ = s.registry.ReleaseRun(job.ID, runULID, registry.LastStatusFailure)
		return fmt.Errorf("cron: no executor installed")
	}

	s.publish(ctx, events.TopicJobStarted, job.ID, nil)
	s.metrics.IncCounter("cron.job_started", 1, "job", job.ID)
	err := executor(ctx, job, runULID)
	if err != nil {
		_, _ = s.registry.ReleaseRun(job.ID, runULID, registry.LastStatusFailure)
		s.publish(ctx, events.TopicJobFailed, job.ID, map[string]any{"class": breaker.ClassExternal})
		s.metrics.IncCounter("cron.job_failed", 1, "job", job.ID)
		return err
	}
	// A well-behaved executor (the Job Runner bridge) releases the token
	// itself after writing the RunRecord; release here is a no-op if it
	// already did (ReleaseRun requires a token match).
	s.publish(ctx, events.TopicJobCompleted, job.ID, map[string]any{"success": true})
	s.metrics.IncCounter("cron.job_completed", 1, "job", job.ID)
	return nil
}

// DetectStuckJobs applies the same recovery policy as the registry but
// emits job:stuck for every affected job.
func (s *Service) DetectStuckJobs(ctx context.Context) error {
	recovered, err := s.registry.RecoverStuckJobs(s.cfg.StuckJobTimeout)
	if err != nil {
		return err
	}
	for _, id := range recovered {
		s.publish(ctx, events.TopicJobStuck, id, nil)
	}
	return nil
}

func (s *Service) detectStuckJobsLocked() error {
	_, err := s.registry.RecoverStuckJobs(s.cfg.StuckJobTimeout)
	return err
}

// GetBreaker returns the per-job circuit breaker instance.
func (s *Service) GetBreaker(id string) *breaker.Breaker {
	return s.breakers.Breaker(id)
}

func (s *Service) publish(ctx context.Context, topic events.Topic, jobID string, payload any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.Event{Topic: topic, JobID: jobID, Payload: payload})
}

// NextRunAt computes the next fire time for sched relative to from,
// interpreting "every" as a time.ParseDuration string, "cron" as a
// standard five-field cron expression, and "once" as an RFC3339 timestamp
// (which fires exactly once and never again thereafter).
func NextRunAt(sched registry.Schedule, from time.Time) (time.Time, error) {
	switch sched.Kind {
	case registry.ScheduleEvery:
		d, err := time.ParseDuration(sched.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: parsing every-expression %q: %w", sched.Expression, err)
		}
		return from.Add(d), nil
	case registry.ScheduleCron:
		schedule, err := robfigcron.ParseStandard(sched.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: parsing cron expression %q: %w", sched.Expression, err)
		}
		return schedule.Next(from), nil
	case registry.ScheduleOnce:
		t, err := time.Parse(time.RFC3339, sched.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: parsing once-expression %q: %w", sched.Expression, err)
		}
		if !t.After(from) {
			return time.Time{}, fmt.Errorf("cron: once-expression %q is not in the future", sched.Expression)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("cron: unknown schedule kind %q", sched.Kind)
	}
}
