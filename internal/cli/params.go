package cli

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// paramRange is a half-open integer range bound to one parameter
type paramRange struct {
	key        string
	start, end int
}

// parseParams parses KEY=VALUE pairs. Values stay strings.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid param format %q, expected KEY=VALUE", kv)
		}
		params[strings.TrimSpace(key)] = value
	}
	return params, nil
}

// parseRange parses KEY=START:END
func parseRange(spec string) (paramRange, error) {
	key, bounds, ok := strings.Cut(spec, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return paramRange{}, fmt.Errorf("invalid range format %q, expected KEY=START:END", spec)
	}

	lo, hi, ok := strings.Cut(bounds, ":")
	if !ok {
		return paramRange{}, fmt.Errorf("invalid range format %q, expected KEY=START:END", spec)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return paramRange{}, fmt.Errorf("invalid range start in %q: %w", spec, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return paramRange{}, fmt.Errorf("invalid range end in %q: %w", spec, err)
	}
	if end <= start {
		return paramRange{}, fmt.Errorf("empty range %q: end must be greater than start", spec)
	}

	return paramRange{key: key, start: start, end: end}, nil
}

// expandParamSets builds one parameter set per combination of range values,
// each carrying the fixed params. Without ranges there is a single set.
func expandParamSets(pairs, ranges []string) ([]map[string]any, error) {
	base, err := parseParams(pairs)
	if err != nil {
		return nil, err
	}

	sets := []map[string]any{base}
	seen := make(map[string]bool, len(ranges))
	for _, spec := range ranges {
		r, err := parseRange(spec)
		if err != nil {
			return nil, err
		}
		if _, fixed := base[r.key]; fixed || seen[r.key] {
			return nil, fmt.Errorf("parameter %q is set more than once", r.key)
		}
		seen[r.key] = true

		next := make([]map[string]any, 0, len(sets)*(r.end-r.start))
		for _, set := range sets {
			for v := r.start; v < r.end; v++ {
				params := maps.Clone(set)
				params[r.key] = v
				next = append(next, params)
			}
		}
		sets = next
	}
	return sets, nil
}
