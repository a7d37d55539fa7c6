package endpoint

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
	"github.com/wehubfusion/apiflow/pkg/pathutil"
	"github.com/wehubfusion/apiflow/pkg/result"
)

func comicEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	e, err := New(Config{
		URL:     "https://xkcd.com/{id}/info.0.json",
		Params:  map[string]ParamKind{"id": URLParam},
		Outputs: []OutputSpec{{Name: "title", Path: "$.safe_title"}, {Name: "year", Path: "year"}},
		ErrorHandlers: map[int]ErrorHandler{
			404: StaticOutput(map[string]any{"title": []any{"No title found"}}),
		},
	})
	require.NoError(t, err)
	return e
}

func TestNew_Defaults(t *testing.T) {
	e := comicEndpoint(t)

	assert.Equal(t, "https://xkcd.com/{id}/info.0.json", e.ID())
	assert.Equal(t, http.MethodGet, e.Method())
	assert.Equal(t, "GET https://xkcd.com/{id}/info.0.json", e.String())

	outputs := e.Outputs()
	require.Len(t, outputs, 2)
	assert.Equal(t, "title", outputs[0].Name)
	assert.Equal(t, "year", outputs[1].Name)

	kind, ok := e.Kind("id")
	assert.True(t, ok)
	assert.Equal(t, URLParam, kind)

	_, ok = e.ErrorHandler(404)
	assert.True(t, ok)
	_, ok = e.ErrorHandler(500)
	assert.False(t, ok)
	assert.Equal(t, []int{404}, e.HandledStatuses())
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "empty url", cfg: Config{}},
		{name: "malformed path", cfg: Config{URL: "https://x", Outputs: []OutputSpec{{Name: "a", Path: "$.a["}}}},
		{name: "duplicate output", cfg: Config{URL: "https://x", Outputs: []OutputSpec{{Name: "a", Path: "a"}, {Name: "a", Path: "b"}}}},
		{name: "unnamed output", cfg: Config{URL: "https://x", Outputs: []OutputSpec{{Path: "a"}}}},
		{name: "undeclared placeholder", cfg: Config{URL: "https://x/{id}"}},
		{name: "placeholder declared as body", cfg: Config{URL: "https://x/{id}", Params: map[string]ParamKind{"id": BodyParam}}},
		{name: "unterminated placeholder", cfg: Config{URL: "https://x/{id", Params: map[string]ParamKind{"id": URLParam}}},
		{name: "stray brace", cfg: Config{URL: "https://x/}"}},
		{name: "unknown kind", cfg: Config{URL: "https://x", Params: map[string]ParamKind{"id": ParamKind(9)}}},
		{name: "nil handler", cfg: Config{URL: "https://x", ErrorHandlers: map[int]ErrorHandler{404: nil}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrInvalidEndpoint)
		})
	}

	_, err := New(Config{URL: "https://x", Outputs: []OutputSpec{{Name: "a", Path: "$.a["}}})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidPath)
	assert.Panics(t, func() { MustNew(Config{}) })
}

func TestParseParamKind(t *testing.T) {
	k, err := ParseParamKind("URL")
	require.NoError(t, err)
	assert.Equal(t, URLParam, k)

	k, err = ParseParamKind("body")
	require.NoError(t, err)
	assert.Equal(t, BodyParam, k)

	_, err = ParseParamKind("header")
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidEndpoint)
}

func TestPartition(t *testing.T) {
	e := MustNew(Config{
		URL:    "https://api/{user}",
		Method: "post",
		Params: map[string]ParamKind{"user": URLParam, "name": BodyParam},
	})

	urlParams, bodyParams := e.Partition(map[string]any{"user": "u1", "name": "n", "ignored": 1})
	assert.Equal(t, map[string]any{"user": "u1"}, urlParams)
	assert.Equal(t, map[string]any{"name": "n"}, bodyParams)
	assert.Equal(t, http.MethodPost, e.Method())
}

func TestBuildURL(t *testing.T) {
	e := comicEndpoint(t)

	got, err := e.BuildURL(map[string]any{"id": 2630})
	require.NoError(t, err)
	assert.Equal(t, "https://xkcd.com/2630/info.0.json", got)

	got, err = e.BuildURL(map[string]any{"id": "a b/c"})
	require.NoError(t, err)
	assert.Equal(t, "https://xkcd.com/a%20b%2Fc/info.0.json", got)

	_, err = e.BuildURL(map[string]any{})
	assert.ErrorIs(t, err, sdkerrors.ErrMissingURLParam)
}

func TestBuildURL_QueryPlaceholders(t *testing.T) {
	e := MustNew(Config{
		URL:    "https://api.example.com/search/{scope}?q={word}&lang={lang}",
		Params: map[string]ParamKind{"scope": URLParam, "word": URLParam, "lang": URLParam},
	})

	got, err := e.BuildURL(map[string]any{"scope": "a&b", "word": "x&admin=1", "lang": "en us"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/search/a&b?q=x%26admin%3D1&lang=en+us", got)

	parsed, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, url.Values{"q": {"x&admin=1"}, "lang": {"en us"}}, parsed.Query())
}

func TestBuildBody(t *testing.T) {
	t.Run("no template no params", func(t *testing.T) {
		e := MustNew(Config{URL: "https://x"})
		body, err := e.BuildBody(nil)
		require.NoError(t, err)
		assert.Nil(t, body)
	})

	t.Run("no template flat params", func(t *testing.T) {
		e := MustNew(Config{URL: "https://x", Params: map[string]ParamKind{"q": BodyParam}})
		body, err := e.BuildBody(map[string]any{"q": "go"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"q":"go"}`, string(body))
	})

	t.Run("nested template", func(t *testing.T) {
		e := MustNew(Config{
			URL:    "https://x",
			Method: http.MethodPost,
			Params: map[string]ParamKind{"query": BodyParam, "limit": BodyParam},
			BodyTemplate: map[string]any{
				"search": map[string]any{
					"query": "default",
					"options": map[string]any{
						"limit":  10,
						"fuzzy":  true,
						"fields": []any{"a", "b"},
					},
				},
				"version": "v1",
				"a.b":     "dotted",
			},
		})

		body, err := e.BuildBody(map[string]any{"query": "words", "limit": 3})
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"search": {"query": "words", "options": {"limit": 3, "fuzzy": true, "fields": ["a", "b"]}},
			"version": "v1",
			"a.b": "dotted"
		}`, string(body))
	})

	t.Run("dotted key replaced", func(t *testing.T) {
		e := MustNew(Config{
			URL:          "https://x",
			Params:       map[string]ParamKind{"a.b": BodyParam},
			BodyTemplate: map[string]any{"a.b": "old"},
		})
		body, err := e.BuildBody(map[string]any{"a.b": "new"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"a.b":"new"}`, string(body))
	})
}

func TestNewRequest(t *testing.T) {
	e := MustNew(Config{
		URL:    "https://api.example.com/users/{user}",
		Method: http.MethodPut,
		Params: map[string]ParamKind{"user": URLParam, "name": BodyParam},
		Credentials: Credentials{
			Headers: map[string]string{"Authorization": "Bearer t"},
			Cookies: map[string]string{"session": "abc", "a": "1"},
		},
	})

	req, err := e.NewRequest(context.Background(), map[string]any{"user": "42", "name": "Ann"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "https://api.example.com/users/42", req.URL.String())
	assert.Equal(t, "Bearer t", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	cookie, err := req.Cookie("session")
	require.NoError(t, err)
	assert.Equal(t, "abc", cookie.Value)

	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]any{"name": "Ann"}, decoded)
}

func TestNewRequest_GetWithoutBody(t *testing.T) {
	e := comicEndpoint(t)
	req, err := e.NewRequest(context.Background(), map[string]any{"id": "1"})
	require.NoError(t, err)
	assert.Nil(t, req.Body)
	assert.Empty(t, req.Header.Get("Content-Type"))
}

func TestExtract(t *testing.T) {
	e := comicEndpoint(t)
	doc, err := pathutil.ParseDocument([]byte(`{"safe_title": "Some Words"}`))
	require.NoError(t, err)

	out := e.Extract(doc)
	assert.Equal(t, []any{"Some Words"}, out["title"])
	assert.True(t, out.IsAbsent("year"))
	_, present := out["year"]
	assert.True(t, present, "absent fields keep their key")
	assert.Equal(t, result.Absent, out["year"])
}

func TestErrorHandlers(t *testing.T) {
	static := StaticOutput(map[string]any{"title": []any{"No title found"}})
	first := static.HandleError(context.Background(), &ErrorResponse{StatusCode: 404})
	first["title"] = "mutated"
	second := static.HandleError(context.Background(), &ErrorResponse{StatusCode: 404})
	assert.Equal(t, []any{"No title found"}, second["title"])

	fn := ErrorHandlerFunc(func(_ context.Context, resp *ErrorResponse) map[string]any {
		msg, _ := resp.JSON("message")
		return map[string]any{"error": msg, "status": resp.StatusCode}
	})
	out := fn.HandleError(context.Background(), &ErrorResponse{StatusCode: 429, Body: []byte(`{"message":"slow down"}`)})
	assert.Equal(t, map[string]any{"error": "slow down", "status": 429}, out)

	_, ok := (&ErrorResponse{Body: []byte("not json")}).JSON("message")
	assert.False(t, ok)
}
