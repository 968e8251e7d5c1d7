// Package template defines the tagged-variant contract a job template
// implements: resolving the current set of work items, building the prompt
// an agent session uses for an item, declaring which fields of an item's
// data participate in its change-detection hash, and exposing the
// firewall policy that governs tool access for the template's sessions.
//
// Templates are registered by id in a per-process Registry; the job runner
// (runtime/runner) looks templates up by Job.TemplateID at the start of
// every run.
package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/cronward/cronward/runtime/firewall"
)

type (
	// Item is a single unit of template-declared work (e.g. one pull
	// request, one issue). Hash is derived from a canonical subset of Data
	// so the runner can detect whether an item changed since it was last
	// observed.
	Item struct {
		Key  string
		Hash string
		Data map[string]any
	}

	// Template is the per-job-kind contract. Implementations are
	// registered once per process and shared across every job that
	// references them by TemplateID.
	Template interface {
		// ID returns the template's registry key, matching Job.TemplateID.
		ID() string

		// ResolveItems returns the current set of work items for this
		// template. Implementations typically call out to an external
		// system (e.g. a code-hosting API).
		ResolveItems(ctx context.Context) ([]Item, error)

		// BuildPrompt renders the prompt an agent session uses to act on
		// item.
		BuildPrompt(item Item) string

		// CanonicalHashFields lists the Data keys that participate in an
		// item's change-detection hash. Empty means all keys participate,
		// minus ExcludedHashFields.
		CanonicalHashFields() []string

		// ExcludedHashFields lists Data keys to always omit from the hash
		// (e.g. volatile fields like "updated_at" that change without the
		// item's substance changing).
		ExcludedHashFields() []string

		// Policy returns the firewall policy pre-installed into every
		// session opened for this template.
		Policy() firewall.Policy
	}

	// Registry looks templates up by id. Unlike the Job Registry (C5),
	// this is a plain in-memory map: templates are process-wide code, not
	// durable state.
	Registry struct {
		byID map[string]Template
	}
)

// NewRegistry constructs an empty template Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Template)}
}

// Register adds t to the registry, keyed by t.ID(). Registering a
// duplicate id overwrites the prior entry.
func (r *Registry) Register(t Template) {
	r.byID[t.ID()] = t
}

// Lookup returns the template registered under id.
func (r *Registry) Lookup(id string) (Template, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// All returns every registered template, for wiring code that needs to
// install a firewall instance against each one at process startup.
func (r *Registry) All() []Template {
	out := make([]Template, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// Hash computes an item's change-detection hash from the canonical subset
// of data declared by the template: CanonicalHashFields (or all keys, if
// empty) minus ExcludedHashFields, serialized with sorted keys so the hash
// is stable across map iteration order.
func Hash(data map[string]any, canonicalFields, excludedFields []string) string {
	excluded := make(map[string]struct{}, len(excludedFields))
	for _, f := range excludedFields {
		excluded[f] = struct{}{}
	}

	var keys []string
	if len(canonicalFields) > 0 {
		keys = canonicalFields
	} else {
		for k := range data {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	subset := make(map[string]any, len(keys))
	for _, k := range keys {
		if _, skip := excluded[k]; skip {
			continue
		}
		v, ok := data[k]
		if !ok {
			continue
		}
		subset[k] = v
	}

	canonical, err := canonicalJSON(subset)
	if err != nil {
		// Unreachable for JSON-safe map values; fall back to a stable
		// empty-input hash rather than panicking on template data.
		canonical = []byte("{}")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON serializes v with map keys sorted at every level, matching
// the canonicalization contract used by the audit log (§4.1).
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
