// Package killswitch implements the process-wide kill switch (C6): a
// durable latch that, once active, forbids the Cron Service from claiming
// any new run — including an explicit manual trigger — and reaps every
// currently running job back to the scheduler.
package killswitch

import (
	"fmt"
	"os"

	"github.com/cronward/cronward/runtime/registry"
)

// jobStopper is the subset of *registry.Registry the kill switch needs.
// Declared as an interface so tests can substitute a fake.
type jobStopper interface {
	SetKillSwitch(active bool) error
	IsKillSwitchActive() bool
	StopRunningJobs() ([]string, error)
}

// Switch is the kill switch: the durable latch lives in the registry
// snapshot (so it survives process restart alongside job state), backed
// additionally by a sentinel file whose mere presence operators can check
// without the rest of the process running.
type Switch struct {
	registry     jobStopper
	sentinelPath string
}

// New constructs a Switch over reg, with sentinelPath as the on-disk marker
// file. sentinelPath may be empty to disable the file-based marker.
func New(reg *registry.Registry, sentinelPath string) *Switch {
	return &Switch{registry: reg, sentinelPath: sentinelPath}
}

// Activate sets the durable latch, stops every running job (disabling it
// and clearing its run claim so the scheduler never waits on it), and
// returns the affected job ids.
func (s *Switch) Activate() ([]string, error) {
	if err := s.registry.SetKillSwitch(true); err != nil {
		return nil, fmt.Errorf("killswitch: activating: %w", err)
	}
	if s.sentinelPath != "" {
		if err := os.WriteFile(s.sentinelPath, []byte("active\n"), 0o644); err != nil {
			return nil, fmt.Errorf("killswitch: writing sentinel: %w", err)
		}
	}
	stopped, err := s.registry.StopRunningJobs()
	if err != nil {
		return nil, fmt.Errorf("killswitch: stopping running jobs: %w", err)
	}
	return stopped, nil
}

// Deactivate clears the durable latch. It does not re-enable any job that
// Activate disabled; an operator must re-enable jobs explicitly.
func (s *Switch) Deactivate() error {
	if err := s.registry.SetKillSwitch(false); err != nil {
		return fmt.Errorf("killswitch: deactivating: %w", err)
	}
	if s.sentinelPath != "" {
		if err := os.Remove(s.sentinelPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("killswitch: removing sentinel: %w", err)
		}
	}
	return nil
}

// IsActive reports the latch's current state.
func (s *Switch) IsActive() bool {
	return s.registry.IsKillSwitchActive()
}
