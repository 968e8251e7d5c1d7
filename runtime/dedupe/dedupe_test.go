package dedupe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsDuplicateOnlyAfterCompleted(t *testing.T) {
	idx := New()
	require.False(t, idx.IsDuplicate("key-1"))

	idx.RecordPending("key-1", 1)
	require.False(t, idx.IsDuplicate("key-1"), "pending is not yet a duplicate")

	idx.Record("key-1")
	require.True(t, idx.IsDuplicate("key-1"))
}

type fakeLookup struct {
	terminal map[int64]bool
}

func (f fakeLookup) HasTerminalPhase(seq int64) (bool, error) {
	return f.terminal[seq], nil
}

func TestReconcilePromotesPendingWithTerminalAuditEntry(t *testing.T) {
	idx := New()
	idx.RecordPending("key-1", 10)
	idx.RecordPending("key-2", 20)

	err := idx.Reconcile(fakeLookup{terminal: map[int64]bool{10: true}})
	require.NoError(t, err)

	require.True(t, idx.IsDuplicate("key-1"), "intent 10 has a terminal audit entry")
	require.False(t, idx.IsDuplicate("key-2"), "intent 20 has no terminal audit entry, so it is dropped")
}

func TestReconcileLeavesCompletedEntriesAlone(t *testing.T) {
	idx := New()
	idx.RecordPending("key-1", 10)
	idx.Record("key-1")

	err := idx.Reconcile(fakeLookup{terminal: map[int64]bool{}})
	require.NoError(t, err)
	require.True(t, idx.IsDuplicate("key-1"))
}
