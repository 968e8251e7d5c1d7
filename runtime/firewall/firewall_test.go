package firewall

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cronward/cronward/runtime/audit"
	"github.com/cronward/cronward/runtime/dedupe"
	"github.com/cronward/cronward/runtime/ratelimit"
)

func newTestFirewall(t *testing.T, tools map[string]ToolSpec) *Firewall {
	t.Helper()
	auditor, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { auditor.Close() })
	limiter := ratelimit.New(ratelimit.Budget{Limit: 100, Window: time.Minute})
	return New(tools, limiter, dedupe.New(), auditor, nil)
}

func echoTool() ToolSpec {
	return ToolSpec{
		Capability: CapabilityWrite,
		Invoke: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"echoed": params["msg"]}, nil
		},
	}
}

func TestAdminCapabilityIsAlwaysDenied(t *testing.T) {
	fw := newTestFirewall(t, map[string]ToolSpec{"delete_repo": {Capability: CapabilityAdmin}})
	result, err := fw.Call(context.Background(), CallRequest{Tool: "delete_repo"}, Policy{Allow: []string{"delete_repo"}})
	require.NoError(t, err)
	require.True(t, result.Denied)
}

func TestDenyListWinsOverAllowList(t *testing.T) {
	fw := newTestFirewall(t, map[string]ToolSpec{"comment": echoTool()})
	policy := Policy{Allow: []string{"comment"}, Deny: []string{"comment"}}
	result, err := fw.Call(context.Background(), CallRequest{Tool: "comment"}, policy)
	require.NoError(t, err)
	require.True(t, result.Denied)
}

func TestToolNotInAllowListIsDenied(t *testing.T) {
	fw := newTestFirewall(t, map[string]ToolSpec{"comment": echoTool()})
	result, err := fw.Call(context.Background(), CallRequest{Tool: "comment"}, Policy{Allow: []string{"other_tool"}})
	require.NoError(t, err)
	require.True(t, result.Denied)
}

func TestDryRunInterceptsWriteCapabilityWithoutInvoking(t *testing.T) {
	invoked := false
	tool := ToolSpec{Capability: CapabilityWrite, Invoke: func(ctx context.Context, params map[string]any) (map[string]any, error) {
		invoked = true
		return nil, nil
	}}
	fw := newTestFirewall(t, map[string]ToolSpec{"comment": tool})
	result, err := fw.Call(context.Background(), CallRequest{Tool: "comment", DryRun: true}, Policy{Allow: []string{"comment"}})
	require.NoError(t, err)
	require.True(t, result.DryRun)
	require.False(t, invoked, "dry run must never touch the underlying tool")
}

func TestConstraintViolationIsDenied(t *testing.T) {
	fw := newTestFirewall(t, map[string]ToolSpec{"comment": echoTool()})
	policy := Policy{
		Allow:       []string{"comment"},
		Constraints: map[string]Constraint{"comment": {MaxCommentLength: 5}},
	}
	result, err := fw.Call(context.Background(), CallRequest{
		Tool:   "comment",
		Params: map[string]any{"comment": "this comment is far too long"},
	}, policy)
	require.NoError(t, err)
	require.True(t, result.Denied)
}

func TestRateLimitExceededIsDenied(t *testing.T) {
	auditor, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	defer auditor.Close()
	limiter := ratelimit.New(ratelimit.Budget{Limit: 1, Window: time.Minute})
	fw := New(map[string]ToolSpec{"comment": echoTool()}, limiter, dedupe.New(), auditor, nil)
	policy := Policy{Allow: []string{"comment"}}

	result1, err := fw.Call(context.Background(), CallRequest{Tool: "comment"}, policy)
	require.NoError(t, err)
	require.False(t, result1.Denied)

	result2, err := fw.Call(context.Background(), CallRequest{Tool: "comment"}, policy)
	require.NoError(t, err)
	require.True(t, result2.Denied)
}

func TestDedupeShortCircuitsCompletedKey(t *testing.T) {
	fw := newTestFirewall(t, map[string]ToolSpec{"comment": echoTool()})
	policy := Policy{Allow: []string{"comment"}}

	result1, err := fw.Call(context.Background(), CallRequest{Tool: "comment", DedupeKey: "k1"}, policy)
	require.NoError(t, err)
	require.False(t, result1.Denied)
	require.False(t, result1.AlreadyDone)

	result2, err := fw.Call(context.Background(), CallRequest{Tool: "comment", DedupeKey: "k1"}, policy)
	require.NoError(t, err)
	require.True(t, result2.AlreadyDone)
}

func TestAdmittedCallRecordsIntentAndResult(t *testing.T) {
	fw := newTestFirewall(t, map[string]ToolSpec{"comment": echoTool()})
	policy := Policy{Allow: []string{"comment"}}

	result, err := fw.Call(context.Background(), CallRequest{Tool: "comment", Params: map[string]any{"msg": "hi"}}, policy)
	require.NoError(t, err)
	require.False(t, result.Denied)
	require.Equal(t, "hi", result.Result["echoed"])
	require.Greater(t, result.IntentSeq, int64(0))
}
