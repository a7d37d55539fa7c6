// Package result holds the values a flow run produces: the per-fetch
// FetchResult and the run-scoped Accumulator that callbacks observe.
package result

import (
	"slices"
	"sync"
)

// Absent is the value recorded for a declared output field whose path matched nothing.
// The key is present in the Output map; its value is nil.
var Absent any = nil

// Output maps an output field name to its extracted values.
// Fields extracted from a successful response hold []any in document order, or Absent.
// Outputs produced by an error handler may hold any shape.
type Output map[string]any

// Values returns the field's values normalized to a slice: a scalar becomes a
// one-element slice and an absent or missing field becomes nil.
func (o Output) Values(field string) []any {
	v, ok := o[field]
	if !ok || v == nil {
		return nil
	}
	switch tv := v.(type) {
	case []any:
		return tv
	case []string:
		out := make([]any, len(tv))
		for i, s := range tv {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// IsAbsent reports whether field is present with the absent sentinel
func (o Output) IsAbsent(field string) bool {
	v, ok := o[field]
	return ok && v == nil
}

// FetchResult is the outcome of one logical fetch of an endpoint
type FetchResult struct {
	Input  map[string]any `json:"input,omitempty"`
	Output Output         `json:"output,omitempty"`
}

// Empty reports whether this is the empty result returned after retries are exhausted
func (r FetchResult) Empty() bool {
	return r.Input == nil && r.Output == nil
}

// Clone returns a deep copy of r. The empty result stays empty.
func (r FetchResult) Clone() FetchResult {
	return FetchResult{
		Input:  cloneMap(r.Input),
		Output: Output(cloneMap(r.Output)),
	}
}

// Snapshot is a deep copy of an accumulator, keyed by endpoint identity.
// Changing it does not affect the accumulator or any cached result.
type Snapshot map[string]FetchResult

// Get returns the result recorded for an endpoint identity
func (s Snapshot) Get(id string) (FetchResult, bool) {
	r, ok := s[id]
	return r, ok
}

// Accumulator maps endpoint identity to the most recent FetchResult for that endpoint.
// It is shared by every step of one run. Writes and the callback that follows them
// happen inside one critical section, so callbacks of a run never overlap.
type Accumulator struct {
	mu      sync.Mutex
	results map[string]FetchResult
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{results: make(map[string]FetchResult)}
}

// Record stores r under id, replacing any earlier result, then invokes notify
// with a snapshot taken after the write. notify may be nil.
func (a *Accumulator) Record(id string, r FetchResult, notify func(Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.results[id] = r
	if notify != nil {
		notify(a.snapshotLocked())
	}
}

// Apply runs fn against the current snapshot, merges the returned delta by key,
// then invokes notify with the merged snapshot. notify may be nil.
func (a *Accumulator) Apply(fn func(Snapshot) (Snapshot, error), notify func(Snapshot)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delta, err := fn(a.snapshotLocked())
	if err != nil {
		return err
	}
	for id, r := range delta {
		a.results[id] = r.Clone()
	}
	if notify != nil {
		notify(a.snapshotLocked())
	}
	return nil
}

// Snapshot returns a copy of the current results
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Len returns the number of endpoint identities recorded
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

func (a *Accumulator) snapshotLocked() Snapshot {
	snapshot := make(Snapshot, len(a.results))
	for id, r := range a.results {
		snapshot[id] = r.Clone()
	}
	return snapshot
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the JSON-shaped containers in v; other values are shared
func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case Output:
		return Output(cloneMap(tv))
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(tv)
	default:
		return v
	}
}
