package killswitch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	active  bool
	stopped []string
}

func (f *fakeRegistry) SetKillSwitch(active bool) error { f.active = active; return nil }
func (f *fakeRegistry) IsKillSwitchActive() bool        { return f.active }
func (f *fakeRegistry) StopRunningJobs() ([]string, error) {
	return f.stopped, nil
}

func TestActivateWritesSentinelAndStopsJobs(t *testing.T) {
	reg := &fakeRegistry{stopped: []string{"job-1", "job-2"}}
	sentinel := filepath.Join(t.TempDir(), "killswitch.active")
	s := New(nil, sentinel)
	s.registry = reg

	stopped, err := s.Activate()
	require.NoError(t, err)
	require.Equal(t, []string{"job-1", "job-2"}, stopped)
	require.True(t, reg.active)

	_, err = os.Stat(sentinel)
	require.NoError(t, err, "sentinel file must exist while active")
}

func TestDeactivateClearsLatchAndRemovesSentinel(t *testing.T) {
	reg := &fakeRegistry{}
	sentinel := filepath.Join(t.TempDir(), "killswitch.active")
	s := New(nil, sentinel)
	s.registry = reg

	_, err := s.Activate()
	require.NoError(t, err)

	require.NoError(t, s.Deactivate())
	require.False(t, reg.active)
	_, err = os.Stat(sentinel)
	require.True(t, os.IsNotExist(err))
}

func TestIsActiveReflectsRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	s := New(nil, "")
	s.registry = reg
	require.False(t, s.IsActive())
	reg.active = true
	require.True(t, s.IsActive())
}
