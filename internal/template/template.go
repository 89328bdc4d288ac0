// Package template resolves {{name}} and {{name.path.to.field}}
// placeholders in action configuration against a run's context map.
//
// This is deliberately not a general expression language: placeholders are
// dot paths only, resolved by map walking. A placeholder that does not
// resolve is a hard error so that no action ever executes with silently
// missing data.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// ResolutionError reports an unresolvable placeholder.
type ResolutionError struct {
	Placeholder string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("template: cannot resolve %q", e.Placeholder)
}

// ResolveString substitutes all placeholders in s using ctx.
// A string that is exactly one placeholder resolves to the raw value's
// string form; embedded placeholders are stringified in place.
func ResolveString(s string, ctx map[string]interface{}) (string, error) {
	var resolveErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := lookup(ctx, strings.Split(path, "."))
		if !ok {
			if resolveErr == nil {
				resolveErr = &ResolutionError{Placeholder: path}
			}
			return m
		}
		return stringify(v)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

// ResolveValue walks v and resolves placeholders in every string it
// contains, recursing through maps and slices. Non-string leaves pass
// through unchanged.
func ResolveValue(v interface{}, ctx map[string]interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return ResolveString(t, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, sub := range t {
			r, err := ResolveValue(sub, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, sub := range t {
			r, err := ResolveValue(sub, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap resolves every string in m; convenience for action args.
func ResolveMap(m map[string]interface{}, ctx map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out, err := ResolveValue(m, ctx)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func lookup(m map[string]interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	for _, key := range path[1:] {
		sub, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok = sub[key]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Avoid 3.000000 noise for integral values that arrived via JSON.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case nil:
		return ""
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
