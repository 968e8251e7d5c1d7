// Package runner implements the Job Runner (C9): given a job and a run
// token, it resolves the job's template, asks it for the current set of
// work items, opens a sandboxed session per changed item with the
// template's firewall policy installed, and records the run's outcome on
// the job's circuit breaker. The caller writes the run's RunRecord.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cronward/cronward/runtime/audit"
	"github.com/cronward/cronward/runtime/breaker"
	"github.com/cronward/cronward/runtime/events"
	"github.com/cronward/cronward/runtime/firewall"
	"github.com/cronward/cronward/runtime/registry"
	"github.com/cronward/cronward/runtime/template"
)

// ChangeTracker persists a per-job map of item key -> last observed hash,
// so the runner can skip items that have not changed since the prior run.
// Implementations must be safe to load/save independently per job.
type ChangeTracker interface {
	HasChanged(jobID, key, hash string) bool
	Update(jobID, key, hash string)
	Flush(jobID string) error
}

// Session runs an agent session for a single changed template item, using
// callTool to route every tool invocation through the Tool Firewall.
// Implementations are supplied by whatever drives the actual agent loop;
// the runner only contracts the shape.
type Session interface {
	Run(ctx context.Context, item template.Item, prompt string, callTool ToolCaller) (SessionOutcome, error)
}

// ToolCaller is how a Session reaches the firewall without depending on
// the firewall package directly.
type ToolCaller func(ctx context.Context, req firewall.CallRequest) (firewall.CallResult, error)

// SessionOutcome summarizes what one item's session did.
type SessionOutcome struct {
	ToolCalls int
	Class     breaker.FailureClass // zero value means success
	Err       error
}

// Runner executes jobs.
type Runner struct {
	templates  *template.Registry
	firewalls  map[string]*firewall.Firewall // keyed by templateId
	breakers   map[string]*breaker.Breaker   // keyed by jobId
	tracker    ChangeTracker
	auditor    *audit.Log
	registry   *registry.Registry
	bus        events.Bus
	newSession func(policy firewall.Policy) Session
	now        func() time.Time
}

// Config wires a Runner's dependencies.
type Config struct {
	Templates  *template.Registry
	Tracker    ChangeTracker
	Auditor    *audit.Log
	Registry   *registry.Registry
	// Bus receives circuit:opened and circuit:closed events from every
	// per-job breaker this Runner constructs. Optional; nil disables the
	// events without affecting breaker behavior.
	Bus        events.Bus
	NewSession func(policy firewall.Policy) Session
	Now        func() time.Time
}

// New constructs a Runner.
func New(cfg Config) *Runner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		templates:  cfg.Templates,
		firewalls:  make(map[string]*firewall.Firewall),
		breakers:   make(map[string]*breaker.Breaker),
		tracker:    cfg.Tracker,
		auditor:    cfg.Auditor,
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		newSession: cfg.NewSession,
		now:        now,
	}
}

// Breaker returns (creating on first reference) the per-job circuit
// breaker. The cron service consults the same instance before dispatch.
// A freshly created breaker publishes circuit:opened/circuit:closed to the
// Runner's event bus on every state transition the design notes call out.
func (r *Runner) Breaker(jobID string) *breaker.Breaker {
	if b, ok := r.breakers[jobID]; ok {
		return b
	}
	b := breaker.New(breaker.DefaultConfig(), breaker.WithTransitionHook(func(ev breaker.TransitionEvent) {
		r.publishTransition(jobID, ev)
	}))
	r.breakers[jobID] = b
	return b
}

func (r *Runner) publishTransition(jobID string, ev breaker.TransitionEvent) {
	if r.bus == nil {
		return
	}
	topic := events.TopicCircuitClosed
	if ev.To == breaker.StateOpen {
		topic = events.TopicCircuitOpened
	}
	_ = r.bus.Publish(context.Background(), events.Event{Topic: topic, JobID: jobID})
}

// RestoreBreakers seeds a breaker for every job from its persisted state,
// so a process restart resumes each job's circuit exactly where it left
// off instead of starting every job closed. Must run before the Cron
// Service's first tick.
func (r *Runner) RestoreBreakers(jobs []registry.Job) {
	for _, job := range jobs {
		r.Breaker(job.ID).RestoreState(job.CircuitBreaker)
	}
}

// RegisterFirewall installs the firewall instance to use for a given
// template id. The firewall must already have the template's policy
// reachable for Call; the runner passes policy explicitly on every call so
// one Firewall can serve multiple templates if their tool tables overlap.
func (r *Runner) RegisterFirewall(templateID string, fw *firewall.Firewall) {
	r.firewalls[templateID] = fw
}

// Run executes job under runULID: resolves the template, asks it to
// produce the current set of items, runs a session for every changed item,
// and returns the run's outcome. The caller (the Cron Service's executor
// bridge) is responsible for writing the RunRecord and releasing the CAS
// token; Run only reports what happened.
func (r *Runner) Run(ctx context.Context, job registry.Job, runULID string) (itemsProcessed, toolCalls int, runErr error) {
	tmpl, ok := r.templates.Lookup(job.TemplateID)
	if !ok {
		return 0, 0, fmt.Errorf("runner: template %q not found for job %q", job.TemplateID, job.ID)
	}
	fw, ok := r.firewalls[job.TemplateID]
	if !ok {
		return 0, 0, fmt.Errorf("runner: no firewall registered for template %q", job.TemplateID)
	}

	r.auditor.SetRunContext(audit.RunContext{JobID: job.ID, RunULID: runULID, TemplateID: job.TemplateID})
	defer r.auditor.SetRunContext(audit.RunContext{})

	items, err := tmpl.ResolveItems(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("runner: resolving items: %w", err)
	}

	if r.newSession == nil {
		return 0, 0, fmt.Errorf("runner: no session factory configured for template %q", job.TemplateID)
	}

	policy := tmpl.Policy()
	jobBreaker := r.Breaker(job.ID)
	session := r.newSession(policy)

	var firstErr error
	var firstClass breaker.FailureClass

	for _, item := range items {
		itemHash := template.Hash(item.Data, tmpl.CanonicalHashFields(), tmpl.ExcludedHashFields())
		if r.tracker != nil && !r.tracker.HasChanged(job.ID, item.Key, itemHash) {
			continue
		}

		prompt := tmpl.BuildPrompt(item)
		caller := func(ctx context.Context, req firewall.CallRequest) (firewall.CallResult, error) {
			req.JobID = job.ID
			return fw.Call(ctx, req, policy)
		}

		outcome, err := session.Run(ctx, item, prompt, caller)
		itemsProcessed++
		toolCalls += outcome.ToolCalls

		if err != nil || outcome.Err != nil {
			if firstErr == nil {
				if err != nil {
					firstErr = err
				} else {
					firstErr = outcome.Err
				}
				firstClass = outcome.Class
				if firstClass == "" {
					firstClass = breaker.ClassExternal
				}
			}
			jobBreaker.RecordFailure(firstClass)
			continue
		}

		jobBreaker.RecordSuccess()
		if r.tracker != nil {
			r.tracker.Update(job.ID, item.Key, itemHash)
		}
	}

	if r.tracker != nil {
		if err := r.tracker.Flush(job.ID); err != nil {
			return itemsProcessed, toolCalls, fmt.Errorf("runner: flushing change tracker: %w", err)
		}
	}

	// Persist the breaker's state into the job record so a process restart
	// restores it via RestoreBreakers instead of reopening every circuit.
	if r.registry != nil {
		state := jobBreaker.GetState()
		_, _ = r.registry.UpdateJob(job.ID, func(j *registry.Job) { j.CircuitBreaker = state })
	}

	return itemsProcessed, toolCalls, firstErr
}
