package result

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputValues(t *testing.T) {
	out := Output{
		"list":   []any{"a", "b"},
		"scalar": "x",
		"absent": Absent,
		"typed":  []string{"p", "q"},
	}

	assert.Equal(t, []any{"a", "b"}, out.Values("list"))
	assert.Equal(t, []any{"x"}, out.Values("scalar"))
	assert.Nil(t, out.Values("absent"))
	assert.Nil(t, out.Values("missing"))
	assert.Equal(t, []any{"p", "q"}, out.Values("typed"))

	assert.True(t, out.IsAbsent("absent"))
	assert.False(t, out.IsAbsent("missing"))
	assert.False(t, out.IsAbsent("list"))
}

func TestFetchResultEmpty(t *testing.T) {
	assert.True(t, FetchResult{}.Empty())
	assert.False(t, FetchResult{Input: map[string]any{}}.Empty())
	assert.False(t, FetchResult{Input: map[string]any{"id": "1"}, Output: Output{}}.Empty())
}

func TestAccumulatorRecord_LastWriteWins(t *testing.T) {
	acc := NewAccumulator()

	var seen []Snapshot
	notify := func(s Snapshot) { seen = append(seen, s) }

	acc.Record("b", FetchResult{Input: map[string]any{"word": "one"}}, notify)
	acc.Record("b", FetchResult{Input: map[string]any{"word": "two"}}, notify)

	require.Len(t, seen, 2)
	assert.Equal(t, "one", seen[0]["b"].Input["word"])
	assert.Equal(t, "two", seen[1]["b"].Input["word"])
	assert.Equal(t, 1, acc.Len())
}

func TestAccumulatorSnapshotIsolated(t *testing.T) {
	acc := NewAccumulator()
	acc.Record("a", FetchResult{Input: map[string]any{"id": "1"}}, nil)

	snap := acc.Snapshot()
	acc.Record("b", FetchResult{Input: map[string]any{"id": "2"}}, nil)

	_, ok := snap.Get("b")
	assert.False(t, ok, "snapshot must not observe later writes")
	assert.Len(t, acc.Snapshot(), 2)
}

func TestAccumulatorSnapshotDeepCopy(t *testing.T) {
	acc := NewAccumulator()
	acc.Record("b", FetchResult{
		Input:  map[string]any{"word": "some"},
		Output: Output{"d": []any{"def"}, "meta": map[string]any{"tags": []any{"x"}}},
	}, func(s Snapshot) {
		s["b"].Output["d"] = []any{"changed"}
		s["b"].Input["word"] = "changed"
	})

	snap := acc.Snapshot()
	snap["b"].Output["meta"].(map[string]any)["tags"].([]any)[0] = "changed"

	again := acc.Snapshot()
	assert.Equal(t, []any{"def"}, again["b"].Output["d"])
	assert.Equal(t, "some", again["b"].Input["word"])
	assert.Equal(t, []any{"x"}, again["b"].Output["meta"].(map[string]any)["tags"])
}

func TestFetchResultClone(t *testing.T) {
	assert.True(t, FetchResult{}.Clone().Empty())

	orig := FetchResult{
		Input:  map[string]any{"id": "1"},
		Output: Output{"list": []any{"a"}, "absent": Absent, "typed": []string{"p"}},
	}
	clone := orig.Clone()
	assert.Equal(t, orig, clone)

	clone.Output["list"].([]any)[0] = "b"
	clone.Output["typed"].([]string)[0] = "q"
	assert.Equal(t, []any{"a"}, orig.Output["list"])
	assert.Equal(t, []string{"p"}, orig.Output["typed"])
	assert.True(t, clone.Output.IsAbsent("absent"))
}

func TestAccumulatorApply(t *testing.T) {
	acc := NewAccumulator()
	acc.Record("a", FetchResult{Input: map[string]any{"id": "1"}, Output: Output{"title": []any{"T"}}}, nil)

	var notified Snapshot
	err := acc.Apply(func(s Snapshot) (Snapshot, error) {
		title := s["a"].Output.Values("title")
		return Snapshot{
			"a":       FetchResult{Input: s["a"].Input, Output: Output{"title": []any{"overwritten"}}},
			"derived": FetchResult{Output: Output{"count": []any{len(title)}}},
		}, nil
	}, func(s Snapshot) { notified = s })
	require.NoError(t, err)

	assert.Equal(t, []any{"overwritten"}, notified["a"].Output["title"])
	assert.Equal(t, []any{1}, notified["derived"].Output["count"])

	boom := errors.New("boom")
	err = acc.Apply(func(Snapshot) (Snapshot, error) { return nil, boom }, func(Snapshot) {
		t.Fatal("notify must not run when the transform fails")
	})
	assert.ErrorIs(t, err, boom)
}

func TestAccumulatorConcurrentRecord(t *testing.T) {
	acc := NewAccumulator()

	var (
		wg       sync.WaitGroup
		inNotify int
		overlaps int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc.Record("b", FetchResult{Input: map[string]any{"i": i}}, func(Snapshot) {
				inNotify++
				if inNotify > 1 {
					overlaps++
				}
				inNotify--
			})
		}(i)
	}
	wg.Wait()

	assert.Zero(t, overlaps)
	assert.Equal(t, 1, acc.Len())
}
