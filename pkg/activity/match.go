package activity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

// contextMatcher evaluates context filters against decoded records, for
// servers that cannot cast the comment to jsonb without risking an error
// on a corrupt row. A record without a decoded context behaves like a
// NULL context column: only isnull lookups can select it.
type contextMatcher struct {
	filters []Filter
	// docs holds the parsed Value of whole-document filters, by index.
	docs map[int]any
}

func newContextMatcher(filters []Filter) (*contextMatcher, error) {
	m := &contextMatcher{filters: filters, docs: map[int]any{}}
	for i, f := range filters {
		if len(f.Path) > 0 || f.Lookup == IsNull {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(f.Value), &v); err != nil {
			return nil, fmt.Errorf("%w: filter %s: value is not JSON: %v", pgwire.ErrInvalidArgument, f, err)
		}
		m.docs[i] = v
	}
	return m, nil
}

// match reports whether rec passes every filter.
func (m *contextMatcher) match(rec *Record) bool {
	var doc []byte
	var parsed any
	if rec.Context != nil {
		var err error
		if doc, err = json.Marshal(rec.Context); err != nil {
			doc = nil
		} else if err := json.Unmarshal(doc, &parsed); err != nil {
			doc = nil
		}
	}
	for i, f := range m.filters {
		var ok, known bool
		if len(f.Path) > 0 {
			ok, known = matchPath(f, doc)
		} else {
			ok, known = m.matchDoc(i, f, doc, parsed)
		}
		if !known {
			// NULL comparison: excluded, negated or not.
			return false
		}
		if ok == f.Negate {
			return false
		}
	}
	return true
}

func (m *contextMatcher) matchDoc(i int, f Filter, doc []byte, parsed any) (ok, known bool) {
	if f.Lookup == IsNull {
		isNull, _ := strconv.ParseBool(f.Value)
		return (doc == nil) == isNull, true
	}
	if doc == nil {
		return false, false
	}
	switch f.Lookup {
	case Exact:
		return reflect.DeepEqual(parsed, m.docs[i]), true
	case Contains:
		return jsonContains(parsed, m.docs[i]), true
	}
	return false, false
}

// jsonContains is jsonb's @> on decoded values.
func jsonContains(a, b any) bool {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range bv {
			x, ok := av[k]
			if !ok || !jsonContains(x, v) {
				return false
			}
		}
		return true
	case []any:
		av, ok := a.([]any)
		if !ok {
			return false
		}
		for _, e := range bv {
			found := false
			for _, x := range av {
				if jsonContains(x, e) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// extractPathText follows path through doc like jsonb_extract_path_text:
// strings come back unquoted, other values as JSON text, and a missing
// value or JSON null as not found.
func extractPathText(doc []byte, path []string) (gjson.Result, string, bool) {
	if doc == nil {
		return gjson.Result{}, "", false
	}
	comps := make([]string, len(path))
	for i, k := range path {
		comps[i] = gjson.Escape(k)
	}
	res := gjson.GetBytes(doc, strings.Join(comps, "."))
	if !res.Exists() || res.Type == gjson.Null {
		return res, "", false
	}
	if res.Type == gjson.String {
		return res, res.Str, true
	}
	return res, res.Raw, true
}

func matchPath(f Filter, doc []byte) (ok, known bool) {
	res, text, found := extractPathText(doc, f.Path)
	if f.Lookup == IsNull {
		isNull, _ := strconv.ParseBool(f.Value)
		return !found == isNull, true
	}
	if !found {
		return false, false
	}

	switch f.Lookup {
	case Exact:
		return text == f.Value, true
	case In:
		for _, v := range strings.Split(f.Value, ",") {
			if text == strings.TrimSpace(v) {
				return true, true
			}
		}
		return false, true
	case Gt, Gte, Lt, Lte:
		if want, err := strconv.ParseFloat(f.Value, 64); err == nil {
			if res.Type != gjson.Number {
				return false, false
			}
			return compareOrdered(res.Float(), want, f.Lookup), true
		}
		return compareOrdered(text, f.Value, f.Lookup), true
	case IExact:
		return strings.EqualFold(text, f.Value), true
	case Contains:
		return strings.Contains(text, f.Value), true
	case IContains:
		return strings.Contains(strings.ToLower(text), strings.ToLower(f.Value)), true
	case StartsWith:
		return strings.HasPrefix(text, f.Value), true
	case IStartsWith:
		return strings.HasPrefix(strings.ToLower(text), strings.ToLower(f.Value)), true
	case EndsWith:
		return strings.HasSuffix(text, f.Value), true
	}
	return false, false
}

func compareOrdered[T float64 | string](a, b T, l Lookup) bool {
	switch l {
	case Gt:
		return a > b
	case Gte:
		return a >= b
	case Lt:
		return a < b
	case Lte:
		return a <= b
	}
	return a == b
}
