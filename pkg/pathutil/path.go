// Package pathutil compiles and evaluates path expressions that select values
// out of a JSON document.
//
// Two dialects are supported. Expressions starting with "$" are JSONPath
// (recursive descent "..", wildcards "[*]" and ".*", indexes and slices).
// Any other expression is a gjson path ("name", "items.#.id") and may also be
// written in slash notation ("/user/email").
package pathutil

import (
	"fmt"
	"math"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/tidwall/gjson"
	sdkerrors "github.com/wehubfusion/apiflow/pkg/errors"
)

// Dialect identifies the syntax of a compiled path
type Dialect int

const (
	// DialectJSONPath is used for expressions that start with "$"
	DialectJSONPath Dialect = iota

	// DialectGJSON is used for every other expression
	DialectGJSON
)

// String returns the string representation of the dialect
func (d Dialect) String() string {
	switch d {
	case DialectJSONPath:
		return "jsonpath"
	case DialectGJSON:
		return "gjson"
	}
	return "unknown"
}

// Path is a compiled, immutable path expression. It is safe for concurrent use.
type Path struct {
	expr    string
	dialect Dialect

	jsonPath jp.Expr

	gjsonPath string
	// wildcards is the number of "#" iteration segments; gjson nests one array per segment
	wildcards int
}

// Compile parses expr and returns a Path.
// Malformed expressions fail here rather than when the path is evaluated.
func Compile(expr string) (*Path, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: expression is empty", sdkerrors.ErrInvalidPath)
	}

	if strings.HasPrefix(trimmed, "$") {
		parsed, err := jp.ParseString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", sdkerrors.ErrInvalidPath, expr, err)
		}
		if err := checkFragments(parsed); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", sdkerrors.ErrInvalidPath, expr, err)
		}
		return &Path{expr: trimmed, dialect: DialectJSONPath, jsonPath: parsed}, nil
	}

	gpath, err := normalizeGJSONPath(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", sdkerrors.ErrInvalidPath, expr, err)
	}

	return &Path{
		expr:      trimmed,
		dialect:   DialectGJSON,
		gjsonPath: gpath,
		wildcards: countWildcards(gpath),
	}, nil
}

// MustCompile is like Compile but panics if the expression cannot be parsed
func MustCompile(expr string) *Path {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the expression the path was compiled from
func (p *Path) String() string {
	return p.expr
}

// Dialect returns the syntax the path was compiled with
func (p *Path) Dialect() Dialect {
	return p.dialect
}

// Find returns every value matched by the path, in document order.
// It returns an empty slice, never an error, when nothing matches.
func (p *Path) Find(doc *Document) []any {
	if doc == nil {
		return nil
	}

	switch p.dialect {
	case DialectJSONPath:
		return evalJSONPath(p.jsonPath, gjson.ParseBytes(doc.Raw()), nil)
	default:
		result := gjson.GetBytes(doc.Raw(), p.gjsonPath)
		if !result.Exists() {
			return nil
		}
		return flatten(result.Value(), p.wildcards)
	}
}

// First returns the first match of the path and whether there was one
func (p *Path) First(doc *Document) (any, bool) {
	matches := p.Find(doc)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Document is a JSON body validated once and shared by every path evaluated against it
type Document struct {
	raw []byte
}

// ParseDocument validates raw JSON
func ParseDocument(raw []byte) (*Document, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", sdkerrors.ErrInvalidResponse)
	}
	return &Document{raw: raw}, nil
}

// Raw returns the original bytes of the document
func (d *Document) Raw() []byte {
	return d.raw
}

// Value returns the decoded document. Numbers decode as float64.
func (d *Document) Value() any {
	return gjson.ParseBytes(d.raw).Value()
}

// checkFragments rejects fragments evalJSONPath does not walk
func checkFragments(x jp.Expr) error {
	for _, frag := range x {
		switch frag.(type) {
		case jp.Root, jp.At, jp.Bracket, jp.Child, jp.Nth, jp.Wildcard,
			jp.Descent, jp.Slice, jp.Union, *jp.Filter:
		default:
			return fmt.Errorf("unsupported fragment %T", frag)
		}
	}
	return nil
}

// evalJSONPath walks the fragments over node and appends matches to out.
// Object members are visited in the order they appear in the raw document,
// and recursive descent visits a node before its children.
func evalJSONPath(x jp.Expr, node gjson.Result, out []any) []any {
	if len(x) == 0 {
		return append(out, node.Value())
	}
	rest := x[1:]

	switch frag := x[0].(type) {
	case jp.Root, jp.At, jp.Bracket:
		return evalJSONPath(rest, node, out)
	case jp.Child:
		if child, ok := member(node, string(frag)); ok {
			out = evalJSONPath(rest, child, out)
		}
	case jp.Nth:
		if child, ok := element(node, int(frag)); ok {
			out = evalJSONPath(rest, child, out)
		}
	case jp.Wildcard:
		eachChild(node, func(child gjson.Result) {
			out = evalJSONPath(rest, child, out)
		})
	case jp.Descent:
		out = evalJSONPath(rest, node, out)
		eachChild(node, func(child gjson.Result) {
			out = evalJSONPath(x, child, out)
		})
	case jp.Slice:
		if !node.IsArray() {
			return out
		}
		items := node.Array()
		for _, i := range sliceIndexes(frag, len(items)) {
			out = evalJSONPath(rest, items[i], out)
		}
	case jp.Union:
		for _, key := range frag {
			var (
				child gjson.Result
				ok    bool
			)
			switch k := key.(type) {
			case string:
				child, ok = member(node, k)
			case int64:
				child, ok = element(node, int(k))
			}
			if ok {
				out = evalJSONPath(rest, child, out)
			}
		}
	case *jp.Filter:
		eachChild(node, func(child gjson.Result) {
			if frag.Match(child.Value()) {
				out = evalJSONPath(rest, child, out)
			}
		})
	}
	return out
}

// member returns the first member of an object named key
func member(node gjson.Result, key string) (gjson.Result, bool) {
	var (
		found gjson.Result
		ok    bool
	)
	if !node.IsObject() {
		return found, false
	}
	node.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			found, ok = v, true
			return false
		}
		return true
	})
	return found, ok
}

// element returns the array item at index i; negative indexes count from the end
func element(node gjson.Result, i int) (gjson.Result, bool) {
	if !node.IsArray() {
		return gjson.Result{}, false
	}
	items := node.Array()
	if i < 0 {
		i += len(items)
	}
	if i < 0 || i >= len(items) {
		return gjson.Result{}, false
	}
	return items[i], true
}

// eachChild calls fn for every object member or array item in document order
func eachChild(node gjson.Result, fn func(child gjson.Result)) {
	if !node.IsObject() && !node.IsArray() {
		return
	}
	node.ForEach(func(_, v gjson.Result) bool {
		fn(v)
		return true
	})
}

// sliceIndexes expands a [start:end:step] fragment against an array of size items
func sliceIndexes(s jp.Slice, size int) []int {
	start, step := 0, 1
	if len(s) > 0 {
		start = s[0]
	}
	if len(s) > 2 {
		step = s[2]
	}
	if step == 0 || size == 0 {
		return nil
	}

	end := size
	if step < 0 {
		end = -size - 1
	}
	if len(s) > 1 && s[1] < math.MaxInt32 {
		end = s[1]
	}

	if start < 0 {
		start += size
	}
	if end < 0 {
		end += size
	}

	var indexes []int
	if step > 0 {
		start = max(start, 0)
		end = min(end, size)
		for i := start; i < end; i += step {
			indexes = append(indexes, i)
		}
		return indexes
	}

	start = min(start, size-1)
	end = max(end, -1)
	for i := start; i > end; i += step {
		indexes = append(indexes, i)
	}
	return indexes
}

// normalizeGJSONPath converts slash notation to dot notation and rejects
// paths with empty segments or unbalanced query brackets.
func normalizeGJSONPath(path string) (string, error) {
	if strings.HasPrefix(path, "/") {
		path = strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", ".")
		if path == "" {
			return "", fmt.Errorf("path has no segments")
		}
	}

	depth := 0
	segmentLen := 0
	escaped := false
	for _, r := range path {
		if escaped {
			escaped = false
			segmentLen++
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return "", fmt.Errorf("unbalanced %q", r)
			}
		case '.', '|':
			if depth == 0 {
				if segmentLen == 0 {
					return "", fmt.Errorf("empty path segment")
				}
				segmentLen = 0
				continue
			}
		}
		segmentLen++
	}

	if escaped {
		return "", fmt.Errorf("dangling escape")
	}
	if depth != 0 {
		return "", fmt.Errorf("unbalanced brackets")
	}
	if segmentLen == 0 {
		return "", fmt.Errorf("empty path segment")
	}

	return path, nil
}

// countWildcards counts bare "#" segments that are followed by another segment
func countWildcards(path string) int {
	segments := strings.Split(path, ".")
	count := 0
	for i, segment := range segments {
		if segment == "#" && i < len(segments)-1 {
			count++
		}
	}
	return count
}

// flatten removes the array nesting gjson adds for each "#" segment
func flatten(value any, levels int) []any {
	if levels == 0 {
		return []any{value}
	}

	items, ok := value.([]any)
	if !ok {
		return []any{value}
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		if levels > 1 {
			out = append(out, flatten(item, levels-1)...)
			continue
		}
		out = append(out, item)
	}
	return out
}
