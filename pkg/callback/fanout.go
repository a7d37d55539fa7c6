package callback

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/wehubfusion/apiflow/pkg/result"
)

// Multi returns a callback that invokes every non-nil fn in order
func Multi(fns ...func(result.Snapshot)) func(result.Snapshot) {
	var active []func(result.Snapshot)
	for _, fn := range fns {
		if fn != nil {
			active = append(active, fn)
		}
	}
	return func(s result.Snapshot) {
		for _, fn := range active {
			fn(s)
		}
	}
}

// JSONLines returns a callback that writes each snapshot to w as one JSON document
// per line. Write errors are reported to onErr, which may be nil.
func JSONLines(w io.Writer, onErr func(error)) func(result.Snapshot) {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(s result.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(s); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

// Latest keeps the most recent snapshot delivered to its Func
type Latest struct {
	mu   sync.Mutex
	snap result.Snapshot
}

// Func returns the callback that stores snapshots
func (l *Latest) Func() func(result.Snapshot) {
	return func(s result.Snapshot) {
		l.mu.Lock()
		l.snap = s
		l.mu.Unlock()
	}
}

// Snapshot returns the most recent snapshot, or nil if none arrived
func (l *Latest) Snapshot() result.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}
