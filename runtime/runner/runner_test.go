package runner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cronward/cronward/runtime/audit"
	"github.com/cronward/cronward/runtime/breaker"
	"github.com/cronward/cronward/runtime/dedupe"
	"github.com/cronward/cronward/runtime/firewall"
	"github.com/cronward/cronward/runtime/ratelimit"
	"github.com/cronward/cronward/runtime/registry"
	"github.com/cronward/cronward/runtime/template"
)

type fakeTemplate struct {
	id    string
	items []template.Item
}

func (f *fakeTemplate) ID() string { return f.id }
func (f *fakeTemplate) ResolveItems(ctx context.Context) ([]template.Item, error) {
	return f.items, nil
}
func (f *fakeTemplate) BuildPrompt(item template.Item) string { return "act on " + item.Key }
func (f *fakeTemplate) CanonicalHashFields() []string         { return nil }
func (f *fakeTemplate) ExcludedHashFields() []string          { return nil }
func (f *fakeTemplate) Policy() firewall.Policy               { return firewall.Policy{Allow: []string{"comment"}} }

type fakeSession struct {
	outcome SessionOutcome
	err     error
}

func (f *fakeSession) Run(ctx context.Context, item template.Item, prompt string, callTool ToolCaller) (SessionOutcome, error) {
	return f.outcome, f.err
}

func newTestRunner(t *testing.T, tmpl *fakeTemplate, session Session) *Runner {
	t.Helper()
	dir := t.TempDir()
	auditor, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { auditor.Close() })

	reg, err := registry.Open(filepath.Join(dir, "registry"))
	require.NoError(t, err)

	templates := template.NewRegistry()
	templates.Register(tmpl)

	limiter := ratelimit.New(ratelimit.Budget{Limit: 100})
	fw := firewall.New(map[string]firewall.ToolSpec{
		"comment": {Capability: firewall.CapabilityWrite, Invoke: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}},
	}, limiter, dedupe.New(), auditor, nil)

	r := New(Config{
		Templates:  templates,
		Tracker:    NewFileChangeTracker(filepath.Join(dir, "tracker")),
		Auditor:    auditor,
		Registry:   reg,
		NewSession: func(policy firewall.Policy) Session { return session },
	})
	r.RegisterFirewall(tmpl.id, fw)
	return r
}

func TestRunProcessesAllResolvedItems(t *testing.T) {
	tmpl := &fakeTemplate{id: "tmpl-1", items: []template.Item{
		{Key: "item-1", Data: map[string]any{"a": 1}},
		{Key: "item-2", Data: map[string]any{"a": 2}},
	}}
	session := &fakeSession{outcome: SessionOutcome{ToolCalls: 2}}
	r := newTestRunner(t, tmpl, session)

	job := registry.Job{ID: "job-1", TemplateID: "tmpl-1"}
	processed, toolCalls, err := r.Run(context.Background(), job, "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, processed)
	require.Equal(t, 4, toolCalls)
	require.Equal(t, breaker.StateClosed, r.Breaker("job-1").State())
}

func TestRunSkipsUnchangedItemsOnSecondPass(t *testing.T) {
	tmpl := &fakeTemplate{id: "tmpl-1", items: []template.Item{
		{Key: "item-1", Data: map[string]any{"a": 1}},
	}}
	session := &fakeSession{outcome: SessionOutcome{}}
	r := newTestRunner(t, tmpl, session)
	job := registry.Job{ID: "job-1", TemplateID: "tmpl-1"}

	processed1, _, err := r.Run(context.Background(), job, "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, processed1)

	processed2, _, err := r.Run(context.Background(), job, "run-2")
	require.NoError(t, err)
	require.Equal(t, 0, processed2, "unchanged item must be skipped on the next run")
}

func TestRunRecordsFailureAgainstBreaker(t *testing.T) {
	tmpl := &fakeTemplate{id: "tmpl-1", items: []template.Item{
		{Key: "item-1", Data: map[string]any{"a": 1}},
	}}
	session := &fakeSession{outcome: SessionOutcome{Class: breaker.ClassTransient}, err: errTest}
	r := newTestRunner(t, tmpl, session)
	job := registry.Job{ID: "job-1", TemplateID: "tmpl-1"}

	_, _, err := r.Run(context.Background(), job, "run-1")
	require.Error(t, err)
	require.Equal(t, 1, breakerFailureCount(r.Breaker("job-1")))
}

func breakerFailureCount(b *breaker.Breaker) int {
	return b.GetState().Failures
}

var errTest = fakeErr("session failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
