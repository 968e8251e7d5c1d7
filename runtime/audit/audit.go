// Package audit implements the hash-chained, append-only record of every
// firewalled action. Each entry's hash commits to the entry before it, so
// verifyChain can detect any edit, deletion, or reordering of the log file
// after the fact.
//
// The log is a single mutex-guarded choke point: every writer — the Tool
// Firewall recording an intent/result pair, a denial, or a dry-run — goes
// through the same recordXxx call, so seq always increases by exactly one
// per call and the chain never forks.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Phase names the kind of an AuditEntry.
type Phase string

const (
	PhaseIntent  Phase = "intent"
	PhaseResult  Phase = "result"
	PhaseDenied  Phase = "denied"
	PhaseDryRun  Phase = "dry_run"
)

// genesis is the literal prevHash of the first entry in a chain.
const genesis = "genesis"

// Entry is one line of the audit log. Hash is computed over the entry with
// Hash itself zeroed, using canonical (sorted-key) JSON.
type Entry struct {
	Seq                int64          `json:"seq"`
	Phase              Phase          `json:"phase"`
	Action             string         `json:"action"`
	Target             string         `json:"target"`
	Params             map[string]any `json:"params,omitempty"`
	DryRun             bool           `json:"dryRun,omitempty"`
	IntentSeq          int64          `json:"intentSeq,omitempty"`
	Result             map[string]any `json:"result,omitempty"`
	Error              string         `json:"error,omitempty"`
	RateLimitRemaining *int           `json:"rateLimitRemaining,omitempty"`
	PrevHash           string         `json:"prevHash"`
	Hash               string         `json:"hash"`
	Timestamp          time.Time      `json:"timestamp"`
	JobID              string         `json:"jobId,omitempty"`
	RunULID            string         `json:"runUlid,omitempty"`
	TemplateID         string         `json:"templateId,omitempty"`
}

// VerifyResult is the outcome of a chain replay.
type VerifyResult struct {
	Valid    bool
	BrokenAt int64 // seq of the first entry that failed verification, if !Valid
	Reason   string
}

// RunContext is the process-wide set of fields stamped onto every entry
// recorded after SetRunContext is called, until the next call replaces it.
type RunContext struct {
	JobID      string
	RunULID    string
	TemplateID string
}

// Log is the append-only hash chain. A Log is safe for concurrent use; all
// writes serialize through a single mutex so seq assignment, hashing, and
// the on-disk append happen atomically with respect to one another.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	now      func() time.Time
	lastSeq  int64
	lastHash string
	runCtx   RunContext
}

// Option customizes a Log at construction time.
type Option func(*Log)

// WithClock injects a time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open opens (creating if necessary) the log file at path, recovering from
// any partial last write by truncating to the last fully-parseable line,
// and replays the file to recover lastSeq/lastHash.
func Open(path string, opts ...Option) (*Log, error) {
	if err := recoverPartialWrite(path); err != nil {
		return nil, fmt.Errorf("audit: recovering %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}

	l := &Log{
		path:     path,
		file:     f,
		writer:   bufio.NewWriter(f),
		now:      time.Now,
		lastHash: genesis,
	}
	for _, opt := range opts {
		opt(l)
	}

	seq, hash, err := tailState(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.lastSeq = seq
	if hash != "" {
		l.lastHash = hash
	}
	return l, nil
}

// recoverPartialWrite truncates path to the last newline-terminated,
// JSON-parseable line, discarding any trailing partial write from a crash
// mid-append. A missing file is not an error; Open will create it.
func recoverPartialWrite(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var validBytes int64
	for scanner.Scan() {
		line := scanner.Bytes()
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			break
		}
		validBytes += int64(len(line)) + 1 // +1 for the newline
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if validBytes < info.Size() {
		return f.Truncate(validBytes)
	}
	return nil
}

// tailState replays path and returns the last entry's seq and hash, or
// (0, "", nil) for an empty/missing file.
func tailState(path string) (int64, string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var last Entry
	found := false
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return 0, "", fmt.Errorf("audit: corrupt entry in %s: %w", path, err)
		}
		last = e
		found = true
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return 0, "", err
	}
	if !found {
		return 0, "", nil
	}
	return last.Seq, last.Hash, nil
}

// SetRunContext installs the job/run/template fields stamped onto every
// entry recorded from this point forward, until replaced.
func (l *Log) SetRunContext(ctx RunContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runCtx = ctx
}

// RecordIntent appends an intent entry and returns its seq.
func (l *Log) RecordIntent(action, target string, params map[string]any, dryRun bool) (int64, error) {
	return l.append(Entry{
		Phase:  PhaseIntent,
		Action: action,
		Target: target,
		Params: params,
		DryRun: dryRun,
	})
}

// RecordResult appends a result entry referencing a prior intent seq issued
// in this same log file.
func (l *Log) RecordResult(intentSeq int64, result map[string]any, resultErr string, rateLimitRemaining *int) (int64, error) {
	l.mu.Lock()
	known := intentSeq > 0 && intentSeq <= l.lastSeq
	l.mu.Unlock()
	if !known {
		return 0, fmt.Errorf("audit: result references unknown intent seq %d", intentSeq)
	}
	return l.append(Entry{
		Phase:              PhaseResult,
		IntentSeq:          intentSeq,
		Result:             result,
		Error:              resultErr,
		RateLimitRemaining: rateLimitRemaining,
	})
}

// RecordDenied appends a terminal denial entry: no result is expected.
func (l *Log) RecordDenied(action, target string, params map[string]any, reason string) (int64, error) {
	return l.append(Entry{
		Phase:  PhaseDenied,
		Action: action,
		Target: target,
		Params: params,
		Error:  reason,
	})
}

// RecordDryRun appends a terminal dry-run entry: the action was intercepted
// before execution and no result is expected.
func (l *Log) RecordDryRun(action, target string, params map[string]any) (int64, error) {
	return l.append(Entry{
		Phase:  PhaseDryRun,
		Action: action,
		Target: target,
		Params: params,
		DryRun: true,
	})
}

func (l *Log) append(e Entry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.lastSeq + 1
	e.PrevHash = l.lastHash
	e.Timestamp = l.now().UTC()
	e.JobID = l.runCtx.JobID
	e.RunULID = l.runCtx.RunULID
	e.TemplateID = l.runCtx.TemplateID
	e.Hash = ""

	hash, err := hashEntry(e)
	if err != nil {
		return 0, fmt.Errorf("audit: hashing entry: %w", err)
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("audit: marshaling entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.writer.Write(line); err != nil {
		return 0, fmt.Errorf("audit: writing entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("audit: flushing entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("audit: syncing entry: %w", err)
	}

	l.lastSeq = e.Seq
	l.lastHash = e.Hash
	return e.Seq, nil
}

// hashEntry computes SHA-256 of the canonical (sorted-key) JSON of e with
// Hash zeroed.
func hashEntry(e Entry) (string, error) {
	e.Hash = ""
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	canonical, err := canonicalize(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize re-serializes JSON bytes with object keys sorted at every
// level, producing a stable byte representation independent of struct
// field order or map iteration order.
func canonicalize(b []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return marshalSorted(v)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// VerifyChain replays the log file from genesis, recomputing each entry's
// hash and checking prevHash continuity.
func (l *Log) VerifyChain() (VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return VerifyResult{}, err
	}
	return verifyChainFile(l.path)
}

func verifyChainFile(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return VerifyResult{Valid: true}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	prevHash := genesis
	first := true
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return VerifyResult{}, fmt.Errorf("audit: corrupt entry: %w", err)
		}
		if first && e.Seq == 1 && e.PrevHash != genesis {
			// A file opened by Rotate starts at seq 1 and chains from the
			// previous file's head hash rather than from genesis.
			prevHash = e.PrevHash
		}
		first = false
		if e.PrevHash != prevHash {
			return VerifyResult{Valid: false, BrokenAt: e.Seq, Reason: "prevHash mismatch"}, nil
		}
		claimed := e.Hash
		wantHash, err := hashEntry(e)
		if err != nil {
			return VerifyResult{}, err
		}
		if claimed != wantHash {
			return VerifyResult{Valid: false, BrokenAt: e.Seq, Reason: "hash mismatch"}, nil
		}
		prevHash = claimed
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Valid: true}, nil
}

// LastHash returns the chain's current head hash (genesis if empty), the
// value a rotated successor file's first entry must use as prevHash.
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Rotate closes the current file and opens a fresh one at newPath, seeding
// its chain continuation from the current head hash so prevHash of the
// first entry in the new file equals hash of the last entry in the old one.
// Rotation is caller-triggered; the log does not rotate on its own based on
// size or time.
func (l *Log) Rotate(newPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}

	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: rotating to %s: %w", newPath, err)
	}
	l.path = newPath
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.lastSeq = 0
	// lastHash is deliberately left as-is: the new file's first entry
	// chains from the old file's head.
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
