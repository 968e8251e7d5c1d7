// Package dedupe implements the caller-supplied dedupeKey index the Tool
// Firewall consults before executing a tool call: a key already in the
// completed state means the firewall should short-circuit rather than
// repeat an action that was already carried out.
package dedupe

import (
	"sync"

	"github.com/cronward/cronward/runtime/audit"
)

// State is a dedupe entry's position in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

// Entry is the state tracked for one dedupeKey.
type Entry struct {
	IntentSeq int64
	State     State
}

// Index is an in-memory, per-instance map from dedupeKey to Entry. It
// carries no durable state of its own: on crash recovery, Reconcile
// rebuilds pending entries' fate from the audit log, which is the
// authoritative record.
type Index struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New constructs an empty Index.
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// IsDuplicate reports whether key has already reached the completed state.
// A pending or unknown key is not a duplicate.
func (idx *Index) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[key]
	return ok && e.State == StateCompleted
}

// RecordPending marks key as pending, associated with the intent seq that
// will resolve it. Call this when recording the intent, before the tool
// call executes.
func (idx *Index) RecordPending(key string, intentSeq int64) {
	if key == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[key] = Entry{IntentSeq: intentSeq, State: StatePending}
}

// Record advances key to the completed state. Call this when the matching
// result is recorded.
func (idx *Index) Record(key string) {
	if key == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e := idx.entries[key]
	e.State = StateCompleted
	idx.entries[key] = e
}

// Drop removes key entirely, used when Reconcile determines a pending
// entry's intent never saw a terminal phase and should not be treated as
// seen at all.
func (idx *Index) Drop(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, key)
}

// AuditLookup resolves whether a given intent seq has a terminal audit
// phase (result, denied, or dry_run) recorded against it. Reconcile uses
// this to decide the fate of dedupe entries left pending by a crash.
type AuditLookup interface {
	HasTerminalPhase(intentSeq int64) (bool, error)
}

// Reconcile walks every pending entry and resolves it against the audit
// log: a pending entry whose intent has a terminal phase recorded is
// promoted to completed (the crash happened after the tool call finished
// but before the in-memory index caught up); a pending entry with no
// terminal phase is dropped (the crash happened before or during the
// call, so it never truly completed).
func (idx *Index) Reconcile(lookup AuditLookup) error {
	idx.mu.Lock()
	pending := make(map[string]Entry)
	for key, e := range idx.entries {
		if e.State == StatePending {
			pending[key] = e
		}
	}
	idx.mu.Unlock()

	for key, e := range pending {
		terminal, err := lookup.HasTerminalPhase(e.IntentSeq)
		if err != nil {
			return err
		}
		if terminal {
			idx.Record(key)
		} else {
			idx.Drop(key)
		}
	}
	return nil
}

// auditLookup adapts an *audit.Log (by scanning its file) to AuditLookup.
// Kept separate from the Index type so tests can substitute a fake without
// touching the filesystem.
type auditLookup struct {
	terminalSeqs func() (map[int64]bool, error)
}

// NewAuditLookup builds an AuditLookup backed by scanning log's on-disk
// entries for result/denied/dry_run phases.
func NewAuditLookup(scan func() ([]audit.Entry, error)) AuditLookup {
	return &auditLookup{terminalSeqs: func() (map[int64]bool, error) {
		entries, err := scan()
		if err != nil {
			return nil, err
		}
		seqs := make(map[int64]bool)
		for _, e := range entries {
			switch e.Phase {
			case audit.PhaseResult:
				seqs[e.IntentSeq] = true
			case audit.PhaseDenied, audit.PhaseDryRun:
				seqs[e.Seq] = true
			}
		}
		return seqs, nil
	}}
}

func (a *auditLookup) HasTerminalPhase(intentSeq int64) (bool, error) {
	seqs, err := a.terminalSeqs()
	if err != nil {
		return false, err
	}
	return seqs[intentSeq], nil
}
