// Package cache memoizes completed fetches by endpoint identity and parameter set.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/wehubfusion/apiflow/pkg/result"
)

// Key identifies a fetch: the endpoint identity plus an order-independent
// rendering of its input parameters.
type Key struct {
	Endpoint string
	Params   string
}

// String returns a printable form of the key
func (k Key) String() string {
	return k.Endpoint + "|" + k.Params
}

// NewKey builds the cache key for endpoint id and params.
// Equal parameter maps produce equal keys regardless of insertion order.
func NewKey(endpoint string, params map[string]any) Key {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([][2]string, len(names))
	for i, name := range names {
		pairs[i] = [2]string{name, canonicalValue(params[name])}
	}
	// quoting keeps names and values containing separators distinct; strings always marshal
	data, _ := json.Marshal(pairs)

	return Key{Endpoint: endpoint, Params: string(data)}
}

// canonicalValue renders a parameter value so that equal values render equally.
// encoding/json sorts map keys, which makes nested maps order-independent too.
func canonicalValue(v any) string {
	switch tv := v.(type) {
	case string:
		return "s:" + tv
	case nil:
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return "j:" + string(data)
}

// Store is the contract the fetcher uses to memoize results
type Store interface {
	Get(key Key) (result.FetchResult, bool)
	Put(key Key, r result.FetchResult)
}

// Stats reports cache effectiveness
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Memory is an unbounded in-memory Store. Entries live as long as the Memory value.
type Memory struct {
	mu      sync.RWMutex
	entries map[Key]result.FetchResult
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemory creates an empty in-memory cache
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]result.FetchResult)}
}

// Get returns a copy of the result stored under key
func (m *Memory) Get(key Key) (result.FetchResult, bool) {
	m.mu.RLock()
	r, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return result.FetchResult{}, false
	}
	m.hits.Add(1)
	return r.Clone(), true
}

// Put stores a copy of r under key. A later Put for the same key replaces the earlier one.
func (m *Memory) Put(key Key, r result.FetchResult) {
	r = r.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = r
}

// Len returns the number of cached entries
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns hit and miss counters
func (m *Memory) Stats() Stats {
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Entries: m.Len(),
	}
}

// Noop is a Store that never remembers anything
type Noop struct{}

// Get always misses
func (Noop) Get(Key) (result.FetchResult, bool) { return result.FetchResult{}, false }

// Put discards the result
func (Noop) Put(Key, result.FetchResult) {}
