package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/sjson"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
)

// leaf is a non-object value in the body template together with its sjson path
type leaf struct {
	key  string
	path string
}

// NewRequest builds the HTTP request for params: URL parameters fill the
// template, body parameters fill the body template, credentials become headers
// and cookies.
func (e *Endpoint) NewRequest(ctx context.Context, params map[string]any) (*http.Request, error) {
	urlParams, bodyParams := e.Partition(params)

	target, err := e.BuildURL(urlParams)
	if err != nil {
		return nil, err
	}

	body, err := e.BuildBody(bodyParams)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, e.method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sdkerrors.ErrInvalidEndpoint, target, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range e.credentials.Headers {
		req.Header.Set(key, value)
	}

	names := make([]string, 0, len(e.credentials.Cookies))
	for name := range e.credentials.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AddCookie(&http.Cookie{Name: name, Value: e.credentials.Cookies[name]})
	}

	return req, nil
}

// BuildURL substitutes urlParams into the URL template. Values are rendered
// with fmt, path-escaped before the "?" and query-escaped after it.
func (e *Endpoint) BuildURL(urlParams map[string]any) (string, error) {
	if len(e.placeholders) == 0 {
		return e.url, nil
	}

	var b strings.Builder
	rest := e.url
	inQuery := false
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}') + start
		name := rest[start+1 : end]

		value, ok := urlParams[name]
		if !ok {
			return "", fmt.Errorf("%w: {%s} in %s", sdkerrors.ErrMissingURLParam, name, e.url)
		}

		b.WriteString(rest[:start])
		if strings.ContainsRune(rest[:start], '?') {
			inQuery = true
		}
		// path segments and query values reserve different characters
		if inQuery {
			b.WriteString(url.QueryEscape(fmt.Sprint(value)))
		} else {
			b.WriteString(url.PathEscape(fmt.Sprint(value)))
		}
		rest = rest[end+1:]
	}

	return b.String(), nil
}

// BuildBody returns the JSON request body, or nil when there is nothing to send.
// Without a template the body is the flat map of body parameters. With a template,
// each leaf whose key names a body parameter is replaced by that parameter; every
// other leaf keeps its literal default.
func (e *Endpoint) BuildBody(bodyParams map[string]any) ([]byte, error) {
	if len(e.bodyTemplate) == 0 {
		if len(bodyParams) == 0 {
			return nil, nil
		}
		data, err := json.Marshal(bodyParams)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", sdkerrors.ErrInvalidEndpoint, err)
		}
		return data, nil
	}

	data, err := json.Marshal(e.bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: encode body template: %v", sdkerrors.ErrInvalidEndpoint, err)
	}

	for _, l := range e.bodyLeaves {
		value, ok := bodyParams[l.key]
		if !ok {
			continue
		}
		data, err = sjson.SetBytes(data, l.path, value)
		if err != nil {
			return nil, fmt.Errorf("%w: set %s: %v", sdkerrors.ErrInvalidEndpoint, l.path, err)
		}
	}

	return data, nil
}

// parsePlaceholders returns the {name} placeholders of a URL template in order
func parsePlaceholders(template string) ([]string, error) {
	var names []string
	rest := template
	for {
		start := strings.IndexAny(rest, "{}")
		if start < 0 {
			return names, nil
		}
		if rest[start] == '}' {
			return nil, fmt.Errorf("unmatched '}'")
		}
		end := strings.IndexAny(rest[start+1:], "{}")
		if end < 0 || rest[start+1+end] != '}' {
			return nil, fmt.Errorf("unterminated placeholder")
		}
		name := rest[start+1 : start+1+end]
		if name == "" {
			return nil, fmt.Errorf("empty placeholder")
		}
		names = append(names, name)
		rest = rest[start+1+end+1:]
	}
}

// collectLeaves walks a body template and records every non-object value with
// the sjson path that addresses it. Arrays are leaves.
func collectLeaves(template map[string]any, prefix []string) []leaf {
	keys := make([]string, 0, len(template))
	for k := range template {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var leaves []leaf
	for _, k := range keys {
		segments := append(append([]string{}, prefix...), escapePathSegment(k))
		if nested, ok := template[k].(map[string]any); ok {
			leaves = append(leaves, collectLeaves(nested, segments)...)
			continue
		}
		leaves = append(leaves, leaf{key: k, path: strings.Join(segments, ".")})
	}
	return leaves
}

// escapePathSegment escapes characters that sjson treats as path syntax
func escapePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
