package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// lookupPath walks a dot-separated path through decoded JSON values.
// Numeric segments index arrays. An empty path returns v itself.
func lookupPath(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			cur = node[seg]
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// lookupVar reads a variable by exact key first, so names like
// "decide.choice" resolve, then as a path.
func lookupVar(vars map[string]interface{}, key string) interface{} {
	if v, ok := vars[key]; ok {
		return v
	}
	return lookupPath(vars, key)
}

// applyTransform applies a named input transform. ok is false for unknown
// transforms, which leave the value unchanged.
func applyTransform(v interface{}, name string) (out interface{}, ok bool) {
	switch name {
	case "":
		return v, true
	case "upper":
		return strings.ToUpper(stringify(v)), true
	case "lower":
		return strings.ToLower(stringify(v)), true
	case "trim":
		return strings.TrimSpace(stringify(v)), true
	case "string":
		return stringify(v), true
	case "json":
		s, isString := v.(string)
		if !isString {
			return v, true
		}
		body, _ := stripFence(s)
		var parsed interface{}
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &parsed); err != nil {
			return v, true
		}
		return parsed, true
	case "first_line":
		s := strings.TrimSpace(stringify(v))
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = strings.TrimSpace(s[:i])
		}
		return s, true
	default:
		return v, false
	}
}

// stringify renders strings as-is and everything else as compact JSON.
func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
