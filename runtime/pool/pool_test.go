package pool

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecReturnsResult(t *testing.T) {
	p := New(Config{QueueDepth: 2, Workers: 1, ShutdownDeadline: time.Second})
	defer p.Shutdown()

	result, err := p.Exec(context.Background(), LaneInteractive, Spec{
		Run: func(ctx context.Context) (Result, error) {
			return Result{Stdout: "hi"}, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hi", result.Stdout)
}

func TestQueueFullFailsFast(t *testing.T) {
	p := New(Config{QueueDepth: 1, Workers: 1, ShutdownDeadline: time.Second})
	defer p.Shutdown()

	blocker := make(chan struct{})
	started := make(chan struct{})
	go p.Exec(context.Background(), LaneInteractive, Spec{
		Run: func(ctx context.Context) (Result, error) {
			close(started)
			<-blocker
			return Result{}, nil
		},
	})
	<-started

	// The one worker is busy; fill the queue depth of 1, then overflow.
	go p.Exec(context.Background(), LaneInteractive, Spec{Run: func(ctx context.Context) (Result, error) {
		<-blocker
		return Result{}, nil
	}})
	// Give the goroutine a chance to enqueue.
	runtime.Gosched()

	_, err := p.Exec(context.Background(), LaneInteractive, Spec{Run: func(ctx context.Context) (Result, error) {
		return Result{}, nil
	}})
	require.ErrorIs(t, err, ErrQueueFull)
	close(blocker)
}

func TestLanesAreIsolated(t *testing.T) {
	p := New(Config{QueueDepth: 1, Workers: 1, ShutdownDeadline: time.Second})
	defer p.Shutdown()

	blocker := make(chan struct{})
	started := make(chan struct{})
	go p.Exec(context.Background(), LaneSystem, Spec{
		Run: func(ctx context.Context) (Result, error) {
			close(started)
			<-blocker
			return Result{}, nil
		},
	})
	<-started

	done := make(chan struct{})
	go func() {
		_, err := p.Exec(context.Background(), LaneInteractive, Spec{Run: func(ctx context.Context) (Result, error) {
			return Result{Stdout: "ok"}, nil
		}})
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("interactive lane blocked by saturated system lane")
	}
	close(blocker)
}

func TestShutdownWaitsThenForciblyAborts(t *testing.T) {
	p := New(Config{QueueDepth: 1, Workers: 1, ShutdownDeadline: 50 * time.Millisecond})

	go p.Exec(context.Background(), LaneInteractive, Spec{
		Run: func(ctx context.Context) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
	})
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not forcibly abort in-flight work")
	}
}
