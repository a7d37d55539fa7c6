package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/apiflow/pkg/endpoint"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/result"
)

func endpoints(t *testing.T) (*endpoint.Endpoint, *endpoint.Endpoint) {
	t.Helper()
	comic := endpoint.MustNew(endpoint.Config{
		URL:     "https://xkcd.com/{id}/info.0.json",
		Params:  map[string]endpoint.ParamKind{"id": endpoint.URLParam},
		Outputs: []endpoint.OutputSpec{{Name: "title", Path: "safe_title"}},
	})
	dict := endpoint.MustNew(endpoint.Config{
		URL:     "https://api.dictionaryapi.dev/api/v2/entries/en/{word}",
		Params:  map[string]endpoint.ParamKind{"word": endpoint.URLParam},
		Outputs: []endpoint.OutputSpec{{Name: "definition", Path: "$..definition"}},
	})
	return comic, dict
}

func TestNew(t *testing.T) {
	comic, dict := endpoints(t)

	f, err := New("xkcd",
		Linkage(comic, dict, Rename("word")),
		Transform(TransformFunc(func(context.Context, result.Snapshot) (result.Snapshot, error) { return nil, nil })).Named("noop"),
	)
	require.NoError(t, err)

	assert.Equal(t, "xkcd", f.Name())
	assert.Equal(t, 2, f.Len())

	steps := f.Steps()
	assert.Equal(t, LinkageStep, steps[0].Kind())
	assert.Equal(t, comic.ID()+" -> "+dict.ID(), steps[0].Name())
	assert.Same(t, comic, steps[0].From())
	assert.Same(t, dict, steps[0].To())
	assert.Equal(t, TransformStep, steps[1].Kind())
	assert.Equal(t, "noop", steps[1].Name())
	assert.Equal(t, "transform", steps[1].Kind().String())

	eps := f.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, comic.ID(), eps[0].ID())
}

func TestNew_StepsAreCopied(t *testing.T) {
	comic, dict := endpoints(t)
	steps := []Step{Linkage(comic, dict, Identity())}
	f := MustNew("copy", steps...)

	steps[0] = Transform(TransformFunc(func(context.Context, result.Snapshot) (result.Snapshot, error) { return nil, nil }))
	assert.Equal(t, LinkageStep, f.Steps()[0].Kind())
}

func TestNew_Invalid(t *testing.T) {
	comic, dict := endpoints(t)

	tests := []struct {
		name  string
		steps []Step
	}{
		{"no steps", nil},
		{"nil from", []Step{Linkage(nil, dict, Identity())}},
		{"nil to", []Step{Linkage(comic, nil, Identity())}},
		{"nil linker", []Step{Linkage(comic, dict, nil)}},
		{"nil transformer", []Step{Transform(nil)}},
		{"zero step", []Step{{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("bad", tt.steps...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, sdkerrors.ErrInvalidFlow))
		})
	}

	assert.Panics(t, func() { MustNew("bad") })
}

func TestRename(t *testing.T) {
	params, err := Rename("word").Link(context.Background(), map[string]any{"title": "some"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"word": "some"}}, params)
}

func TestIdentity(t *testing.T) {
	in := map[string]any{"word": "v1"}
	params, err := Identity().Link(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, in, params[0])

	params[0]["word"] = "changed"
	assert.Equal(t, "v1", in["word"])
}

func TestLinkFuncFanOut(t *testing.T) {
	split := LinkFunc(func(_ context.Context, out map[string]any) ([]map[string]any, error) {
		return []map[string]any{{"n": 1}, {"n": 2}, {"n": 3}}, nil
	})
	params, err := split.Link(context.Background(), map[string]any{"x": nil})
	require.NoError(t, err)
	assert.Len(t, params, 3)
}
