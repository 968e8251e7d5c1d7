// Package firewall implements the Tool Firewall (C8): the enforcement
// funnel every tool call traverses before it is allowed to touch the
// outside world. It consults capability resolution, template policy,
// dry-run interception, the rate limiter, the dedupe index, and finally
// pairs every admitted call with an intent/result audit record. A call the
// dedupe index already marks as done returns an already_done result
// without writing a new audit entry; every other call that returns leaves
// a denied, dry_run, or result entry.
package firewall

import (
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sony/gobreaker"

	"github.com/cronward/cronward/runtime/audit"
	"github.com/cronward/cronward/runtime/dedupe"
	"github.com/cronward/cronward/runtime/events"
	"github.com/cronward/cronward/runtime/ratelimit"
	"github.com/cronward/cronward/runtime/telemetry"
)

// Capability is a tool's declared access level.
type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
	CapabilityAdmin Capability = "admin"
)

// ToolSpec is the firewall's view of a registered tool: its capability and
// the function that actually performs the call once admitted.
type ToolSpec struct {
	Capability   Capability
	ParamsSchema *jsonschema.Schema // optional; nil skips schema validation
	Invoke       func(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Constraint is a post-admit predicate for a specific tool: a violation is
// itself a denial.
type Constraint struct {
	DraftOnly        bool
	LabelsOnly       bool
	MaxCommentLength int
	DeniedEvents     []string
}

// Check evaluates the constraint against the call's params, returning a
// denial reason if violated, or "" if the call may proceed.
func (c Constraint) Check(params map[string]any) string {
	if c.DraftOnly {
		if draft, _ := params["draft"].(bool); !draft {
			return "draftOnly constraint: call did not set draft=true"
		}
	}
	if c.LabelsOnly {
		for k := range params {
			if k != "labels" {
				return fmt.Sprintf("labelsOnly constraint: param %q is not permitted", k)
			}
		}
	}
	if c.MaxCommentLength > 0 {
		if comment, ok := params["comment"].(string); ok && len(comment) > c.MaxCommentLength {
			return fmt.Sprintf("maxCommentLength constraint: comment exceeds %d characters", c.MaxCommentLength)
		}
	}
	if event, ok := params["event"].(string); ok {
		for _, denied := range c.DeniedEvents {
			if denied == event {
				return fmt.Sprintf("deniedEvents constraint: event %q is not permitted", event)
			}
		}
	}
	return ""
}

// Policy is the template-declared tool policy the firewall enforces for
// every call made during that template's sessions.
type Policy struct {
	TemplateID  string
	Allow       []string
	Deny        []string
	Constraints map[string]Constraint
}

func (p Policy) allows(tool string) bool {
	for _, t := range p.Allow {
		if t == tool {
			return true
		}
	}
	return false
}

func (p Policy) denies(tool string) bool {
	for _, t := range p.Deny {
		if t == tool {
			return true
		}
	}
	return false
}

// CallRequest is one tool-call attempt submitted to the firewall.
type CallRequest struct {
	Tool       string
	Target     string
	Params     map[string]any
	JobID      string
	DedupeKey  string
	DryRun     bool
}

// CallResult is what the firewall returns after a call has fully resolved
// (admitted-and-executed, denied, or dry-run-intercepted).
type CallResult struct {
	Result             map[string]any
	Denied             bool
	DenialReason       string
	DryRun             bool
	AlreadyDone        bool
	IntentSeq          int64
	RateLimitRemaining *int
}

// Firewall is the enforcement funnel. One Firewall is shared across every
// call for a process; per-tool circuit breakers are created lazily.
type Firewall struct {
	tools   map[string]ToolSpec
	limiter *ratelimit.Limiter
	dedupe  *dedupe.Index
	auditor *audit.Log
	bus     events.Bus
	metrics telemetry.Metrics

	toolBreakers map[string]*gobreaker.CircuitBreaker
}

// New constructs a Firewall. tools is the registered tool table; the
// firewall never admits a call for a tool not present in it.
func New(tools map[string]ToolSpec, limiter *ratelimit.Limiter, dedupeIdx *dedupe.Index, auditor *audit.Log, bus events.Bus) *Firewall {
	return &Firewall{
		tools:        tools,
		limiter:      limiter,
		dedupe:       dedupeIdx,
		auditor:      auditor,
		bus:          bus,
		metrics:      telemetry.NoopMetrics{},
		toolBreakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetMetrics installs a Metrics recorder used to count admitted/denied
// calls by tool. Call before the firewall serves traffic.
func (f *Firewall) SetMetrics(m telemetry.Metrics) {
	f.metrics = m
}

// breakerFor returns (creating on first use) a per-tool gobreaker. This is
// a second, independent breaker axis from the per-job breaker (C4): C4
// trips on a job's accumulated failures across an entire run; this one
// trips on a single tool's own reliability regardless of which job calls
// it, guarding against a flaky downstream integration poisoning every job
// that happens to use it.
func (f *Firewall) breakerFor(tool string) *gobreaker.CircuitBreaker {
	if b, ok := f.toolBreakers[tool]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: 2,
		Timeout:     30 * time.Second,
	})
	f.toolBreakers[tool] = b
	return b
}

// Call runs req through the full enforcement funnel.
func (f *Firewall) Call(ctx context.Context, req CallRequest, policy Policy) (CallResult, error) {
	spec, known := f.tools[req.Tool]
	if !known {
		return f.deny(req, fmt.Sprintf("unknown tool %q", req.Tool))
	}

	if spec.Capability == CapabilityAdmin {
		if f.bus != nil {
			_ = f.bus.Publish(ctx, events.Event{
				Topic: events.TopicAdminToolAlert,
				JobID: req.JobID,
				Payload: map[string]any{
					"severity": "critical",
					"trigger":  "admin_tool_denied",
					"tool":     req.Tool,
				},
			})
		}
		return f.deny(req, "admin capability tools are always denied")
	}

	if policy.denies(req.Tool) {
		return f.deny(req, fmt.Sprintf("tool %q is in the template's deny list", req.Tool))
	}
	if !policy.allows(req.Tool) {
		return f.deny(req, fmt.Sprintf("tool %q is not in the template's allow list", req.Tool))
	}
	if constraint, ok := policy.Constraints[req.Tool]; ok {
		if reason := constraint.Check(req.Params); reason != "" {
			return f.deny(req, reason)
		}
	}
	if spec.ParamsSchema != nil {
		if err := spec.ParamsSchema.Validate(req.Params); err != nil {
			return f.deny(req, fmt.Sprintf("params failed schema validation: %s", err))
		}
	}

	if req.DryRun && spec.Capability == CapabilityWrite {
		seq, err := f.auditor.RecordDryRun(req.Tool, req.Target, req.Params)
		if err != nil {
			return CallResult{}, err
		}
		return CallResult{
			DryRun:    true,
			IntentSeq: seq,
			Result:    map[string]any{"status": "intercepted", "dryRun": true},
		}, nil
	}

	if !f.limiter.TryConsume(req.Tool, req.JobID) {
		return f.deny(req, "rate limit exceeded")
	}

	toolBreaker := f.breakerFor(req.Tool)
	if toolBreaker.State() == gobreaker.StateOpen {
		// Per-tool trip: treated exactly like a rate-limit denial rather
		// than recorded as an intent/result pair, since no call is ever
		// attempted.
		return f.deny(req, fmt.Sprintf("tool %q circuit breaker is open", req.Tool))
	}

	if req.DedupeKey != "" && f.dedupe.IsDuplicate(req.DedupeKey) {
		return CallResult{
			AlreadyDone: true,
			Result:      map[string]any{"status": "already_done"},
		}, nil
	}

	intentSeq, err := f.auditor.RecordIntent(req.Tool, req.Target, req.Params, false)
	if err != nil {
		return CallResult{}, err
	}
	if req.DedupeKey != "" {
		f.dedupe.RecordPending(req.DedupeKey, intentSeq)
	}

	result, callErr := toolBreaker.Execute(func() (any, error) {
		return spec.Invoke(ctx, req.Params)
	})

	remaining := f.limiter.GetRemaining(req.Tool, req.JobID).Global
	var resultMap map[string]any
	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	} else if m, ok := result.(map[string]any); ok {
		resultMap = m
	}

	if _, err := f.auditor.RecordResult(intentSeq, resultMap, errMsg, &remaining); err != nil {
		return CallResult{}, err
	}
	if callErr == nil && req.DedupeKey != "" {
		f.dedupe.Record(req.DedupeKey)
	}
	if callErr != nil {
		f.metrics.IncCounter("firewall.calls_failed", 1, "tool", req.Tool)
	} else {
		f.metrics.IncCounter("firewall.calls_admitted", 1, "tool", req.Tool)
	}

	return CallResult{
		Result:             resultMap,
		IntentSeq:          intentSeq,
		RateLimitRemaining: &remaining,
	}, callErr
}

func (f *Firewall) deny(req CallRequest, reason string) (CallResult, error) {
	f.metrics.IncCounter("firewall.calls_denied", 1, "tool", req.Tool)
	seq, err := f.auditor.RecordDenied(req.Tool, req.Target, req.Params, reason)
	if err != nil {
		return CallResult{}, err
	}
	return CallResult{Denied: true, DenialReason: reason, IntentSeq: seq}, nil
}
