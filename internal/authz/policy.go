package authz

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// EvaluateConditions reports whether every condition holds against the
// request context. Conditions map an attribute name to a literal value
// (exact match), a list of values (membership) or a comparator object with
// gte/lte/gt/lt/eq/ne keys. Empty conditions always hold. Pure, no I/O.
func EvaluateConditions(conditions, context map[string]any) bool {
	for attr, expected := range conditions {
		actual, ok := context[attr]
		if !ok {
			return false
		}
		switch want := expected.(type) {
		case []any:
			if !containsValue(want, actual) {
				return false
			}
		case map[string]any:
			if !compareValue(want, actual) {
				return false
			}
		default:
			if !looseEqual(expected, actual) {
				return false
			}
		}
	}
	return true
}

func containsValue(set []any, value any) bool {
	for _, candidate := range set {
		if looseEqual(candidate, value) {
			return true
		}
	}
	return false
}

func compareValue(spec map[string]any, actual any) bool {
	for op, bound := range spec {
		switch op {
		case "eq":
			if !looseEqual(bound, actual) {
				return false
			}
		case "ne":
			if looseEqual(bound, actual) {
				return false
			}
		case "gte", "lte", "gt", "lt":
			a, aok := toFloat(actual)
			b, bok := toFloat(bound)
			if !aok || !bok {
				return false
			}
			switch op {
			case "gte":
				if !(a >= b) {
					return false
				}
			case "lte":
				if !(a <= b) {
					return false
				}
			case "gt":
				if !(a > b) {
					return false
				}
			case "lt":
				if !(a < b) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// looseEqual compares numerically when both sides parse as numbers,
// otherwise by string form. JSON decoding yields float64 for all numbers,
// so a policy literal 5 must equal a context value 5.0.
func looseEqual(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

// MatchPath reports whether path matches pattern. A single `*` matches one
// path segment; `**` matches any suffix including the empty one. Patterns
// compile to anchored expressions and are cached.
func MatchPath(pattern, path string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(normalizePath(path))
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	normalized := normalizePath(pattern)
	var sb strings.Builder
	sb.WriteString("^")
	segments := strings.Split(strings.TrimPrefix(normalized, "/"), "/")
	for i, seg := range segments {
		last := i == len(segments)-1
		switch seg {
		case "**":
			if last {
				// Suffix wildcard also matches the empty remainder.
				sb.WriteString("(?:/.*)?")
			} else {
				sb.WriteString("/.*")
			}
		case "*":
			sb.WriteString("/[^/]+")
		default:
			sb.WriteString("/")
			sb.WriteString(regexp.QuoteMeta(seg))
		}
	}
	sb.WriteString("$")

	compiled, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	patternMu.Lock()
	patternCache[pattern] = compiled
	patternMu.Unlock()
	return compiled, nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// MatchAction reports whether a policy action pattern covers the derived
// action. Only the bare wildcard is special.
func MatchAction(pattern, action string) bool {
	return pattern == "*" || strings.EqualFold(pattern, action)
}

// AppliesTo reports whether the policy covers the given module, path and
// action.
func (p Policy) AppliesTo(module, path, action string) bool {
	if p.Module != "*" && !strings.EqualFold(p.Module, module) {
		return false
	}
	resourceMatch := len(p.Resources) == 0
	for _, pattern := range p.Resources {
		if MatchPath(pattern, path) {
			resourceMatch = true
			break
		}
	}
	if !resourceMatch {
		return false
	}
	actionMatch := len(p.Actions) == 0
	for _, pattern := range p.Actions {
		if MatchAction(pattern, action) {
			actionMatch = true
			break
		}
	}
	return actionMatch
}
