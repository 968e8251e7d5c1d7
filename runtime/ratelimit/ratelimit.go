// Package ratelimit implements the sliding-window-over-fixed-budget rate
// limiter consulted by the Tool Firewall before every tool call: one bucket
// per tool, and a second bucket per (tool, job) pair when a job id is given.
// Both buckets use the tool's budget and a job-scoped call draws from both,
// so the tool's bucket is the one that runs out first; a single job can
// spend the whole tool budget.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget configures a single bucket: burst permits refilling at the given
// rate per window.
type Budget struct {
	Limit  int           // permits per Window
	Window time.Duration // refill window
	Burst  int           // max permits held at once; defaults to Limit
}

func (b Budget) ratePerSecond() rate.Limit {
	if b.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(b.Limit) / b.Window.Seconds())
}

func (b Budget) burst() int {
	if b.Burst > 0 {
		return b.Burst
	}
	if b.Limit > 0 {
		return b.Limit
	}
	return 1
}

// Remaining reports a bucket's current headroom.
type Remaining struct {
	Global int
	Job    *int
}

// Limiter enforces per-tool and per-(tool,job) budgets. Safe for concurrent
// use; buckets are created lazily on first reference to a tool/job pair.
type Limiter struct {
	mu     sync.Mutex
	def    Budget
	byTool map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	budget  Budget
	perJob  map[string]*rate.Limiter
}

// New constructs a Limiter using def as the budget for any tool without a
// more specific override (set via Configure).
func New(def Budget) *Limiter {
	return &Limiter{def: def, byTool: make(map[string]*bucket)}
}

// Configure installs a tool-specific budget, overriding the default for
// that tool. Must be called before the tool's bucket is first referenced.
func (l *Limiter) Configure(tool string, budget Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byTool[tool] = &bucket{
		limiter: rate.NewLimiter(budget.ratePerSecond(), budget.burst()),
		budget:  budget,
		perJob:  make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucketFor(tool string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byTool[tool]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(l.def.ratePerSecond(), l.def.burst()),
			budget:  l.def,
			perJob:  make(map[string]*rate.Limiter),
		}
		l.byTool[tool] = b
	}
	return b
}

func (b *bucket) jobLimiter(jobID string) *rate.Limiter {
	if jl, ok := b.perJob[jobID]; ok {
		return jl
	}
	jl := rate.NewLimiter(b.budget.ratePerSecond(), b.budget.burst())
	b.perJob[jobID] = jl
	return jl
}

// TryConsume attempts to take one permit from tool's bucket, and from the
// per-(tool,job) bucket if jobID is non-empty. It decrements the global
// bucket first: a job-scoped failure still counts against the tool's
// global budget, matching the firewall's "most restrictive wins" posture.
func (l *Limiter) TryConsume(tool, jobID string) bool {
	b := l.bucketFor(tool)
	if !b.limiter.Allow() {
		return false
	}
	if jobID == "" {
		return true
	}

	l.mu.Lock()
	jl := b.jobLimiter(jobID)
	l.mu.Unlock()
	return jl.Allow()
}

// GetRemaining reports the tool's global headroom and, if jobID is
// non-empty, its per-job headroom. Headroom is the number of permits
// currently available in the token bucket, floored at 0.
func (l *Limiter) GetRemaining(tool, jobID string) Remaining {
	b := l.bucketFor(tool)
	global := tokensAvailable(b.limiter, b.budget.burst())

	if jobID == "" {
		return Remaining{Global: global}
	}
	l.mu.Lock()
	jl := b.jobLimiter(jobID)
	l.mu.Unlock()
	job := tokensAvailable(jl, b.budget.burst())
	return Remaining{Global: global, Job: &job}
}

func tokensAvailable(l *rate.Limiter, burst int) int {
	tokens := int(l.TokensAt(time.Now()))
	if tokens < 0 {
		return 0
	}
	if tokens > burst {
		return burst
	}
	return tokens
}
