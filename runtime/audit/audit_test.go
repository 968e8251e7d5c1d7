package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordIntentResultChains(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"), WithClock(clockAt(time.Unix(1000, 0))))
	require.NoError(t, err)
	defer log.Close()

	seq1, err := log.RecordIntent("run_shell", "echo", map[string]any{"cmd": "echo hi"}, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	remaining := 4
	seq2, err := log.RecordResult(seq1, map[string]any{"stdout": "hi"}, "", &remaining)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)

	result, err := log.VerifyChain()
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestRecordResultRejectsUnknownIntent(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	defer log.Close()

	_, err = log.RecordResult(99, map[string]any{}, "", nil)
	require.Error(t, err)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := Open(path)
	require.NoError(t, err)

	_, err = log.RecordIntent("run_shell", "echo", nil, false)
	require.NoError(t, err)
	_, err = log.RecordDenied("run_shell", "rm", nil, "policy_denied")
	require.NoError(t, err)
	require.NoError(t, log.Close())

	result, err := verifyChainFile(path)
	require.NoError(t, err)
	require.True(t, result.Valid, "untampered log should verify")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"echo"`, `"ECHO"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	result, err = verifyChainFile(path)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, int64(1), result.BrokenAt)
}

func TestRotatePreservesChain(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit-1.jsonl"))
	require.NoError(t, err)

	_, err = log.RecordIntent("run_shell", "echo", nil, false)
	require.NoError(t, err)
	head := log.LastHash()

	require.NoError(t, log.Rotate(filepath.Join(dir, "audit-2.jsonl")))
	seq, err := log.RecordIntent("run_shell", "echo2", nil, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq, "seq resets per file")

	result, err := log.VerifyChain()
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.NoError(t, log.Close())

	result2, err := verifyChainFile(filepath.Join(dir, "audit-2.jsonl"))
	require.NoError(t, err)
	require.True(t, result2.Valid)

	raw, err := os.ReadFile(filepath.Join(dir, "audit-2.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(raw), head, "rotated file's first entry must chain from the prior file's head hash")
}

func TestRecoverPartialWriteTruncatesTrailingGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := Open(path)
	require.NoError(t, err)
	_, err = log.RecordIntent("run_shell", "echo", nil, false)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"phase":"intent",`) // truncated, never closed
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log2, err := Open(path)
	require.NoError(t, err)
	defer log2.Close()

	seq, err := log2.RecordIntent("run_shell", "echo2", nil, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)

	result, err := log2.VerifyChain()
	require.NoError(t, err)
	require.True(t, result.Valid)
}
