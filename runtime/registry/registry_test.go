package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clockAt(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func newTestRegistry(t *testing.T, now *time.Time) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), WithClock(clockAt(now)))
	require.NoError(t, err)
	return r
}

func TestAddJobRejectsDuplicateID(t *testing.T) {
	now := time.Unix(0, 0)
	r := newTestRegistry(t, &now)
	require.NoError(t, r.AddJob(Job{ID: "job-1"}))
	require.Error(t, r.AddJob(Job{ID: "job-1"}))
}

func TestTryClaimRunIsExclusive(t *testing.T) {
	now := time.Unix(0, 0)
	r := newTestRegistry(t, &now)
	require.NoError(t, r.AddJob(Job{ID: "job-1"}))

	ok, err := r.TryClaimRun("job-1", "run-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.TryClaimRun("job-1", "run-b")
	require.NoError(t, err)
	require.False(t, ok, "second claim must fail while the first is held")

	job, found := r.GetJob("job-1")
	require.True(t, found)
	require.Equal(t, "run-a", job.CurrentRunULID, "failed CAS must not mutate the held claim")
	require.Equal(t, StatusRunning, job.Status)
}

func TestReleaseRunRequiresMatchingToken(t *testing.T) {
	now := time.Unix(0, 0)
	r := newTestRegistry(t, &now)
	require.NoError(t, r.AddJob(Job{ID: "job-1"}))
	_, err := r.TryClaimRun("job-1", "run-a")
	require.NoError(t, err)

	ok, err := r.ReleaseRun("job-1", "run-b", LastStatusSuccess)
	require.NoError(t, err)
	require.False(t, ok, "mismatched token must not release")

	ok, err = r.ReleaseRun("job-1", "run-a", LastStatusSuccess)
	require.NoError(t, err)
	require.True(t, ok)

	job, _ := r.GetJob("job-1")
	require.Empty(t, job.CurrentRunULID)
	require.Equal(t, StatusEnabled, job.Status)
	require.Equal(t, LastStatusSuccess, job.LastStatus)
}

func TestReleaseRunArmsWhenNextRunIsFuture(t *testing.T) {
	now := time.Unix(1000, 0)
	r := newTestRegistry(t, &now)
	require.NoError(t, r.AddJob(Job{ID: "job-1", NextRunAtMs: now.Add(time.Hour).UnixMilli()}))
	_, err := r.TryClaimRun("job-1", "run-a")
	require.NoError(t, err)

	ok, err := r.ReleaseRun("job-1", "run-a", LastStatusSuccess)
	require.NoError(t, err)
	require.True(t, ok)

	job, _ := r.GetJob("job-1")
	require.Equal(t, StatusArmed, job.Status)
}

func TestRecoverStuckJobsSkipsRecentClaims(t *testing.T) {
	now := time.Unix(10000, 0)
	r := newTestRegistry(t, &now)
	require.NoError(t, r.AddJob(Job{ID: "stale"}))
	require.NoError(t, r.AddJob(Job{ID: "fresh"}))
	_, err := r.TryClaimRun("stale", "run-a")
	require.NoError(t, err)

	now = now.Add(3 * time.Hour)
	_, err = r.TryClaimRun("fresh", "run-b")
	require.NoError(t, err)

	recovered, err := r.RecoverStuckJobs(2 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, recovered)

	stale, _ := r.GetJob("stale")
	require.Equal(t, StatusStuck, stale.Status)
	require.Equal(t, LastStatusTimeout, stale.LastStatus)
	require.Empty(t, stale.CurrentRunULID)

	fresh, _ := r.GetJob("fresh")
	require.Equal(t, StatusRunning, fresh.Status, "recent claim must not be reclaimed")
}

func TestSnapshotPersistsAcrossReopen(t *testing.T) {
	now := time.Unix(0, 0)
	dir := t.TempDir()
	r1, err := Open(dir, WithClock(clockAt(&now)))
	require.NoError(t, err)
	require.NoError(t, r1.AddJob(Job{ID: "job-1", Name: "first"}))
	require.NoError(t, r1.SetKillSwitch(true))

	r2, err := Open(dir, WithClock(clockAt(&now)))
	require.NoError(t, err)
	job, found := r2.GetJob("job-1")
	require.True(t, found)
	require.Equal(t, "first", job.Name)
	require.True(t, r2.IsKillSwitchActive())
}

func TestAppendAndReadRunRecords(t *testing.T) {
	now := time.Unix(0, 0)
	r := newTestRegistry(t, &now)
	require.NoError(t, r.AddJob(Job{ID: "job-1"}))

	require.NoError(t, r.AppendRunRecord(RunRecord{JobID: "job-1", RunULID: "run-a", Status: LastStatusSuccess}))
	require.NoError(t, r.AppendRunRecord(RunRecord{JobID: "job-1", RunULID: "run-b", Status: LastStatusFailure}))

	records, err := r.RunRecords("job-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "run-a", records[0].RunULID)
	require.Equal(t, "run-b", records[1].RunULID)
}

func TestStopRunningJobsReturnsAffectedIDs(t *testing.T) {
	now := time.Unix(0, 0)
	r := newTestRegistry(t, &now)
	require.NoError(t, r.AddJob(Job{ID: "job-1"}))
	require.NoError(t, r.AddJob(Job{ID: "job-2"}))
	_, err := r.TryClaimRun("job-1", "run-a")
	require.NoError(t, err)

	stopped, err := r.StopRunningJobs()
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, stopped)

	job, _ := r.GetJob("job-1")
	require.Equal(t, StatusDisabled, job.Status)
	require.False(t, job.Enabled)
	require.Empty(t, job.CurrentRunULID)
}
