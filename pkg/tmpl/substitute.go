package tmpl

import (
	"fmt"
	"strconv"
	"strings"
)

// findRefs returns every variable name referenced via {{name}} anywhere
// in s. Used at load time to fail closed on unresolved references
// (spec §3 invariant) before any install ever runs.
func findRefs(s string) []string {
	var refs []string
	i := 0
	for {
		start := strings.Index(s[i:], "{{")
		if start == -1 {
			return refs
		}
		start += i
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return refs
		}
		end += start
		expr := strings.TrimSpace(s[start+2 : end])
		for _, f := range identifiersIn(expr) {
			refs = append(refs, f)
		}
		i = end + 2
	}
}

// identifiersIn extracts bare field-lookup identifiers from an
// expression for reference-checking purposes; it does not need a full
// parse since it is only used to validate that names exist.
func identifiersIn(expr string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		name := cur.String()
		cur.Reset()
		if name == "join" || name == "default" {
			return
		}
		if _, err := strconv.ParseInt(name, 10, 64); err == nil {
			return
		}
		out = append(out, name)
	}
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if isIdentPart(c) {
			cur.WriteByte(c)
		} else {
			flush()
		}
	}
	flush()
	return out
}

// substitute replaces every {{expr}} occurrence in s using vars,
// rendering exactly once (spec §9's rejection of late-bound
// re-evaluation: the output of substitute is never fed back in).
func substitute(s string, vars map[string]evalValue) (string, error) {
	var out strings.Builder
	i := 0
	for {
		start := strings.Index(s[i:], "{{")
		if start == -1 {
			out.WriteString(s[i:])
			return out.String(), nil
		}
		start += i
		out.WriteString(s[i:start])
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", fmt.Errorf("tmpl: unterminated {{ in template")
		}
		end += start
		exprStr := strings.TrimSpace(s[start+2 : end])
		node, err := parseExpr(exprStr)
		if err != nil {
			return "", err
		}
		val, err := eval(node, vars)
		if err != nil {
			return "", err
		}
		out.WriteString(val.String())
		i = end + 2
	}
}

// substituteAny walks an arbitrary decoded-YAML value (map/slice/string/
// scalar), substituting inside every string leaf. It never calls back
// into reflection over Go structs -- only the generic any tree produced
// by a YAML decode -- so there is no risk of touching unrelated fields.
func substituteAny(v any, vars map[string]evalValue) (any, error) {
	switch t := v.(type) {
	case string:
		return substitute(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := substituteAny(val, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := substituteAny(val, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// toEvalValue coerces a resolved config value (from defaults or user
// overrides) into the restricted evalValue union.
func toEvalValue(v any) evalValue {
	switch t := v.(type) {
	case int:
		return evalValue{isInt: true, intVal: int64(t)}
	case int64:
		return evalValue{isInt: true, intVal: t}
	case bool:
		if t {
			return evalValue{str: "true"}
		}
		return evalValue{str: "false"}
	case []string:
		return evalValue{list: t}
	case []any:
		list := make([]string, len(t))
		for i, item := range t {
			list[i] = fmt.Sprintf("%v", item)
		}
		return evalValue{list: list}
	case nil:
		return evalValue{str: ""}
	default:
		return evalValue{str: fmt.Sprintf("%v", t)}
	}
}
