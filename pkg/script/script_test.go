package script

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/apiflow/pkg/endpoint"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/result"
)

func newRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestLinker(t *testing.T) {
	r := newRunner(t, Config{})
	fn, err := r.Compile("first-word", `output => [{ word: output.title.toLowerCase().split(" ")[0] }]`)
	require.NoError(t, err)
	assert.Equal(t, "first-word", fn.Name())

	params, err := fn.Linker().Link(context.Background(), map[string]any{"title": "Some Words"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"word": "some"}}, params)
}

func TestLinker_ReturnShapes(t *testing.T) {
	r := newRunner(t, Config{})

	single, err := r.Compile("single", `function (o) { return { id: o.n } }`)
	require.NoError(t, err)
	params, err := single.Linker().Link(context.Background(), map[string]any{"n": "7"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": "7"}}, params)

	none, err := r.Compile("none", `o => null`)
	require.NoError(t, err)
	params, err = none.Linker().Link(context.Background(), map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Empty(t, params)

	bad, err := r.Compile("bad", `o => [1, 2]`)
	require.NoError(t, err)
	_, err = bad.Linker().Link(context.Background(), map[string]any{"n": 1})
	assert.ErrorIs(t, err, sdkerrors.ErrScript)

	scalar, err := r.Compile("scalar", `o => "nope"`)
	require.NoError(t, err)
	_, err = scalar.Linker().Link(context.Background(), map[string]any{"n": 1})
	assert.ErrorIs(t, err, sdkerrors.ErrScript)
}

func TestCompile_Invalid(t *testing.T) {
	r := newRunner(t, Config{})

	for name, src := range map[string]string{
		"empty":        "  ",
		"syntax":       "o => {",
		"not function": "42",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Compile(name, src)
			assert.ErrorIs(t, err, sdkerrors.ErrScript)
		})
	}
}

func TestCall_Throw(t *testing.T) {
	r := newRunner(t, Config{})
	fn, err := r.Compile("thrower", `o => { throw new Error("kaput") }`)
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), map[string]any{}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrScript)
	assert.Contains(t, err.Error(), "kaput")
}

func TestCall_Timeout(t *testing.T) {
	r := newRunner(t, Config{Timeout: 50 * time.Millisecond})
	fn, err := r.Compile("spin", `o => { while (true) {} }`)
	require.NoError(t, err)

	_, err = fn.Call(context.Background(), nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// the runtime is reusable afterwards
	ok, err := r.Compile("ok", `o => 1`)
	require.NoError(t, err)
	v, err := ok.Call(context.Background(), nil, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestLinker_StopsWhenContextCancelled(t *testing.T) {
	r := newRunner(t, Config{Timeout: time.Minute})
	fn, err := r.Compile("spin", `o => { while (true) {} }`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = fn.Linker().Link(ctx, map[string]any{"n": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrScript)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTransformer_StopsWhenContextCancelled(t *testing.T) {
	r := newRunner(t, Config{Timeout: time.Minute})
	fn, err := r.Compile("spin", `results => { while (true) {} }`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = fn.Transformer().Transform(ctx, result.Snapshot{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSandbox(t *testing.T) {
	r := newRunner(t, Config{SecurityLevel: SecurityLevelStrict})

	fn, err := r.Compile("globals", `o => [typeof require, typeof process, typeof Buffer].join(",")`)
	require.NoError(t, err)
	v, err := fn.Call(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined,undefined", v)

	evil, err := r.Compile("eval", `o => eval("1 + 1")`)
	require.NoError(t, err)
	_, err = evil.Call(context.Background(), nil, false)
	assert.ErrorIs(t, err, sdkerrors.ErrScript)

	logs, err := r.Compile("console", `o => { console.log("hello", o); return true }`)
	require.NoError(t, err)
	v, err = logs.Call(context.Background(), "x", false)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestNewRunner_InvalidSecurityLevel(t *testing.T) {
	_, err := NewRunner(Config{SecurityLevel: "lax"})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidConfig)
}

func TestTransformer(t *testing.T) {
	r := newRunner(t, Config{})
	fn, err := r.Compile("count", `results => ({ summary: { output: { count: Object.keys(results).length } } })`)
	require.NoError(t, err)

	delta, err := fn.Transformer().Transform(context.Background(), result.Snapshot{
		"a": {Input: map[string]any{"id": 1}, Output: result.Output{"title": []any{"x"}}},
		"b": {Input: map[string]any{}, Output: result.Output{}},
	})
	require.NoError(t, err)
	require.Contains(t, delta, "summary")
	assert.Equal(t, float64(2), delta["summary"].Output["count"])

	empty, err := r.Compile("empty", `results => undefined`)
	require.NoError(t, err)
	delta, err = empty.Transformer().Transform(context.Background(), result.Snapshot{})
	require.NoError(t, err)
	assert.Nil(t, delta)
}

func TestErrorHandler(t *testing.T) {
	r := newRunner(t, Config{})
	fn, err := r.Compile("not-found", `resp => ({ title: ["No title for " + resp.input.id], status: resp.status, reason: resp.json.message })`)
	require.NoError(t, err)

	out := fn.ErrorHandler().HandleError(context.Background(), &endpoint.ErrorResponse{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"message":"gone"}`),
		URL:        "https://xkcd.com/404/info.0.json",
		Input:      map[string]any{"id": "404"},
	})

	assert.Equal(t, []any{"No title for 404"}, out["title"])
	assert.EqualValues(t, 404, out["status"])
	assert.Equal(t, "gone", out["reason"])
}

func TestErrorHandler_FailureYieldsEmptyOutput(t *testing.T) {
	r := newRunner(t, Config{})
	fn, err := r.Compile("broken", `resp => resp.json.missing.field`)
	require.NoError(t, err)

	out := fn.ErrorHandler().HandleError(context.Background(), &endpoint.ErrorResponse{StatusCode: 500, Body: []byte("oops")})
	assert.Equal(t, map[string]any{}, out)
}

func TestConcurrentCallsShareBoundedPool(t *testing.T) {
	r := newRunner(t, Config{PoolSize: 2})
	fn, err := r.Compile("double", `o => [{ n: o.n * 2 }]`)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params, err := fn.Linker().Link(context.Background(), map[string]any{"n": i})
			assert.NoError(t, err)
			if assert.Len(t, params, 1) {
				assert.EqualValues(t, i*2, params[0]["n"])
			}
		}(i)
	}
	wg.Wait()

	stats := r.Stats()
	assert.LessOrEqual(t, stats.TotalCreated, int64(2))
	assert.LessOrEqual(t, stats.CurrentSize, 2)
}
