package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Registry is the durable map of jobs: a single-process, mutex-guarded
// store backed by an atomically-written snapshot file, plus one append-only
// JSONL run log per job. All mutators persist the snapshot before
// returning, so a crash between mutation and persistence never happens.
type Registry struct {
	mu   sync.Mutex
	now  func() time.Time
	dir  string
	jobs map[string]*Job

	killSwitch bool
}

// Option customizes a Registry at construction.
type Option func(*Registry)

// WithClock injects a time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open loads (or creates) a Registry persisted under dir: dir/jobs.json is
// the snapshot, dir/runs/<jobId>.jsonl are the per-job run logs.
func Open(dir string, opts ...Option) (*Registry, error) {
	r := &Registry{
		now:  time.Now,
		dir:  dir,
		jobs: make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("registry: creating %s: %w", dir, err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) snapshotPath() string { return filepath.Join(r.dir, "jobs.json") }

func (r *Registry) runLogPath(jobID string) string {
	return filepath.Join(r.dir, "runs", jobID+".jsonl")
}

// snapshotFile is the on-disk shape of the registry snapshot.
type snapshotFile struct {
	Jobs       map[string]*Job `json:"jobs"`
	KillSwitch bool            `json:"killSwitch"`
}

func (r *Registry) load() error {
	b, err := os.ReadFile(r.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: reading snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("registry: parsing snapshot: %w", err)
	}
	if snap.Jobs != nil {
		r.jobs = snap.Jobs
	}
	r.killSwitch = snap.KillSwitch
	return nil
}

// persist writes the current state atomically: write to a temp file in the
// same directory, fsync, then rename over the snapshot path. Caller must
// hold r.mu.
func (r *Registry) persist() error {
	snap := snapshotFile{Jobs: r.jobs, KillSwitch: r.killSwitch}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshaling snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, "jobs-*.json.tmp")
	if err != nil {
		return fmt.Errorf("registry: creating temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: writing temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: syncing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.snapshotPath()); err != nil {
		return fmt.Errorf("registry: renaming snapshot: %w", err)
	}
	return nil
}

// AddJob inserts a new job. Returns an error if the id is already taken.
func (r *Registry) AddJob(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("registry: job %q already exists", job.ID)
	}
	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusEnabled
	}
	cp := job
	r.jobs[job.ID] = &cp
	return r.persist()
}

// UpdateJob applies patch to the job identified by id and persists. patch
// receives a pointer to the live job copy and may mutate any field except
// CurrentRunULID, which is owned exclusively by
// TryClaimRun/ReleaseRun/recovery. Status is also set by those paths; the
// Cron Service's own patches set it when arming or retiring a job.
func (r *Registry) UpdateJob(id string, patch func(*Job)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	patch(job)
	job.UpdatedAt = r.now()
	return true, r.persist()
}

// DeleteJob removes the job and its run log.
func (r *Registry) DeleteJob(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false, nil
	}
	delete(r.jobs, id)
	if err := r.persist(); err != nil {
		return false, err
	}
	_ = os.Remove(r.runLogPath(id))
	return true, nil
}

// GetJob returns a copy of the job identified by id.
func (r *Registry) GetJob(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// GetJobs returns a copy of every job currently registered.
func (r *Registry) GetJobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// TryClaimRun atomically claims a run token for id. Succeeds iff the job
// exists and CurrentRunULID is empty, in which case it sets
// CurrentRunULID = ulid, Status = running, LastRunAtMs = now. Fails
// without any mutation otherwise, so a failed CAS is never observable as
// partial state.
func (r *Registry) TryClaimRun(id, ulid string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.CurrentRunULID != "" {
		return false, nil
	}
	now := r.now()
	job.CurrentRunULID = ulid
	job.Status = StatusRunning
	job.LastRunAtMs = now.UnixMilli()
	job.UpdatedAt = now
	if err := r.persist(); err != nil {
		// Roll back the in-memory mutation so a persist failure never
		// leaves a claim that didn't actually durably commit.
		job.CurrentRunULID = ""
		job.Status = StatusEnabled
		job.LastRunAtMs = 0
		return false, err
	}
	return true, nil
}

// ReleaseRun releases a run claim. Succeeds iff CurrentRunULID == ulid, in
// which case it clears the claim, sets Status back to enabled (or armed if
// NextRunAtMs is in the future), and records lastStatus.
func (r *Registry) ReleaseRun(id, ulid string, lastStatus LastStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.CurrentRunULID != ulid {
		return false, nil
	}
	now := r.now()
	job.CurrentRunULID = ""
	job.LastStatus = lastStatus
	if job.NextRunAtMs > now.UnixMilli() {
		job.Status = StatusArmed
	} else {
		job.Status = StatusEnabled
	}
	job.UpdatedAt = now
	return true, r.persist()
}

// RecoverStuckJobs clears any claim whose LastRunAtMs is older than maxAge,
// setting Status = stuck and LastStatus = timeout. Returns the ids
// affected. Jobs whose claim is recent are left untouched. Per the
// conservative reading of an unspecified detail, a recovered job stays
// stuck until an operator re-arms it explicitly; RecoverStuckJobs does not
// set a new NextRunAtMs.
func (r *Registry) RecoverStuckJobs(maxAge time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-maxAge).UnixMilli()

	var recovered []string
	for id, job := range r.jobs {
		if job.CurrentRunULID == "" {
			continue
		}
		if job.LastRunAtMs > cutoff {
			continue
		}
		job.CurrentRunULID = ""
		job.Status = StatusStuck
		job.LastStatus = LastStatusTimeout
		job.UpdatedAt = now
		recovered = append(recovered, id)
	}
	if len(recovered) == 0 {
		return nil, nil
	}
	return recovered, r.persist()
}

// SetKillSwitch sets the registry's durable kill-switch latch.
func (r *Registry) SetKillSwitch(active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killSwitch = active
	return r.persist()
}

// IsKillSwitchActive reads the durable latch.
func (r *Registry) IsKillSwitchActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killSwitch
}

// StopRunningJobs transitions every job with Status == running to disabled,
// clearing its claim, and returns the affected ids. Used by the kill
// switch's activate() to reclaim ownership from the scheduler.
func (r *Registry) StopRunningJobs() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var stopped []string
	for id, job := range r.jobs {
		if job.Status != StatusRunning {
			continue
		}
		job.Status = StatusDisabled
		job.Enabled = false
		job.CurrentRunULID = ""
		job.UpdatedAt = now
		stopped = append(stopped, id)
	}
	if len(stopped) == 0 {
		return nil, nil
	}
	return stopped, r.persist()
}

// AppendRunRecord appends record to the job's JSONL run log.
func (r *Registry) AppendRunRecord(record RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.runLogPath(record.JobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("registry: opening run log: %w", err)
	}
	defer f.Close()
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("registry: marshaling run record: %w", err)
	}
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}

// RunRecords reads back every run record logged for jobID, in append order.
func (r *Registry) RunRecords(jobID string) ([]RunRecord, error) {
	r.mu.Lock()
	path := r.runLogPath(jobID)
	r.mu.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []RunRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("registry: parsing run record: %w", err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
