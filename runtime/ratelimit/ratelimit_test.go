package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryConsumeDepletesGlobalBucket(t *testing.T) {
	l := New(Budget{Limit: 2, Window: time.Minute})

	require.True(t, l.TryConsume("run_shell", ""))
	require.True(t, l.TryConsume("run_shell", ""))
	require.False(t, l.TryConsume("run_shell", ""), "third call exceeds the burst of 2")
}

func TestTryConsumePerJobBucketIsIndependentPerJob(t *testing.T) {
	l := New(Budget{Limit: 2, Window: time.Minute})

	require.True(t, l.TryConsume("run_shell", "job-a"))
	require.True(t, l.TryConsume("run_shell", "job-b"), "job-b has its own per-job bucket")
	// Both permits of the tool's global bucket (burst 2) are now spent, so
	// job-a is refused even though its own per-job bucket still holds one.
	require.False(t, l.TryConsume("run_shell", "job-a"))
}

func TestConfigureOverridesDefaultBudget(t *testing.T) {
	l := New(Budget{Limit: 1, Window: time.Minute})
	l.Configure("search", Budget{Limit: 5, Window: time.Minute})

	for i := 0; i < 5; i++ {
		require.True(t, l.TryConsume("search", ""), "call %d should be within the configured burst of 5", i)
	}
	require.False(t, l.TryConsume("search", ""))
}

func TestGetRemainingReportsHeadroom(t *testing.T) {
	l := New(Budget{Limit: 3, Window: time.Minute})

	before := l.GetRemaining("run_shell", "job-a")
	require.Equal(t, 3, before.Global)
	require.NotNil(t, before.Job)
	require.Equal(t, 3, *before.Job)

	require.True(t, l.TryConsume("run_shell", "job-a"))

	after := l.GetRemaining("run_shell", "job-a")
	require.Equal(t, 2, after.Global)
	require.Equal(t, 2, *after.Job)
}
