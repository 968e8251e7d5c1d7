// Package pool implements the two-lane bounded worker pool (C7) that runs
// submitted work: job runs handed over by the cron executor bridge, and
// commands built with Sandbox.Spec. Each lane —
// interactive and system — has its own bounded queue so saturation of one
// never blocks submissions to the other.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cronward/cronward/runtime/telemetry"
)

// Lane names one of the pool's two independent queues.
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneSystem      Lane = "system"
)

// ErrQueueFull is returned by Exec when the target lane's queue is at
// capacity.
var ErrQueueFull = errors.New("pool: lane queue is full")

// ErrClosed is returned by Exec after Shutdown has been called.
var ErrClosed = errors.New("pool: pool is shut down")

// Spec describes one unit of sandboxed work.
type Spec struct {
	Run func(ctx context.Context) (Result, error)
}

// Result is the outcome of a sandboxed Spec.Run invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type job struct {
	ctx    context.Context
	spec   Spec
	result chan jobOutcome
}

type jobOutcome struct {
	result Result
	err    error
}

// Config tunes lane depth, worker concurrency, and shutdown behavior.
type Config struct {
	QueueDepth       int // per-lane bounded queue depth; default 10
	Workers          int // per-lane worker goroutines; default 2
	ShutdownDeadline time.Duration
}

// DefaultConfig matches the defaults named in the design notes.
func DefaultConfig() Config {
	return Config{QueueDepth: 10, Workers: 2, ShutdownDeadline: 30 * time.Second}
}

type laneState struct {
	queue chan job
	wg    sync.WaitGroup
}

// Pool is the two-lane bounded worker pool.
type Pool struct {
	cfg     Config
	lanes   map[Lane]*laneState
	cancel  context.CancelFunc
	ctx     context.Context
	metrics telemetry.Metrics

	mu     sync.Mutex
	closed bool
}

// New constructs a Pool and starts its worker goroutines for both lanes.
func New(cfg Config) *Pool {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		lanes:   make(map[Lane]*laneState),
		ctx:     ctx,
		cancel:  cancel,
		metrics: telemetry.NoopMetrics{},
	}
	for _, lane := range []Lane{LaneInteractive, LaneSystem} {
		ls := &laneState{queue: make(chan job, cfg.QueueDepth)}
		p.lanes[lane] = ls
		for i := 0; i < cfg.Workers; i++ {
			ls.wg.Add(1)
			go p.worker(ls)
		}
	}
	return p
}

// SetMetrics installs a Metrics recorder. Call before submitting work;
// Exec reads it without synchronization.
func (p *Pool) SetMetrics(m telemetry.Metrics) {
	p.metrics = m
}

func (p *Pool) worker(ls *laneState) {
	defer ls.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-ls.queue:
			if !ok {
				return
			}
			// Run under a context that Shutdown's forced cancel also reaches.
			runCtx, cancel := context.WithCancel(j.ctx)
			stop := context.AfterFunc(p.ctx, cancel)
			result, err := j.spec.Run(runCtx)
			stop()
			cancel()
			j.result <- jobOutcome{result: result, err: err}
		}
	}
}

// Exec submits spec to lane and blocks until it completes, the lane's
// queue is full, or ctx is canceled. A full queue fails immediately rather
// than blocking the submitter: lane isolation means a caller on the
// interactive lane is never made to wait behind system-lane backpressure
// and vice versa.
func (p *Pool) Exec(ctx context.Context, lane Lane, spec Spec) (Result, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Result{}, ErrClosed
	}
	p.mu.Unlock()

	ls, ok := p.lanes[lane]
	if !ok {
		return Result{}, fmt.Errorf("pool: unknown lane %q", lane)
	}

	j := job{ctx: ctx, spec: spec, result: make(chan jobOutcome, 1)}
	select {
	case ls.queue <- j:
	default:
		p.metrics.IncCounter("pool.queue_full", 1, "lane", string(lane))
		return Result{}, ErrQueueFull
	}
	p.metrics.RecordGauge("pool.queue_depth", float64(len(ls.queue)), "lane", string(lane))

	started := time.Now()
	select {
	case outcome := <-j.result:
		p.metrics.RecordTimer("pool.exec_duration", time.Since(started), "lane", string(lane))
		return outcome.result, outcome.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		return Result{}, ErrClosed
	}
}

// Shutdown stops accepting new work and waits up to cfg.ShutdownDeadline
// for in-flight work to finish, then forcibly cancels anything still
// running.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, ls := range p.lanes {
		close(ls.queue)
	}

	done := make(chan struct{})
	go func() {
		for _, ls := range p.lanes {
			ls.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownDeadline):
		p.cancel()
		<-done
	}
}
