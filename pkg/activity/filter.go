package activity

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

// Lookup is the comparison a Filter applies.
type Lookup string

const (
	Exact       Lookup = "exact"
	IExact      Lookup = "iexact"
	Gt          Lookup = "gt"
	Gte         Lookup = "gte"
	Lt          Lookup = "lt"
	Lte         Lookup = "lte"
	Contains    Lookup = "contains"
	IContains   Lookup = "icontains"
	StartsWith  Lookup = "startswith"
	IStartsWith Lookup = "istartswith"
	EndsWith    Lookup = "endswith"
	In          Lookup = "in"
	IsNull      Lookup = "isnull"
)

var lookups = []Lookup{Exact, IExact, Gt, Gte, Lt, Lte, Contains, IContains, StartsWith, IStartsWith, EndsWith, In, IsNull}

// Filter restricts a listing to records whose Field (or, for context, the
// value at Path inside it) compares to Value under Lookup.
type Filter struct {
	Field  string
	Path   []string
	Lookup Lookup
	Value  string
	// Negate inverts the comparison (the "!=" operator).
	Negate bool
}

func (f Filter) String() string {
	lhs := strings.Join(append([]string{f.Field}, f.Path...), "__")
	if f.Negate {
		return lhs + "!=" + f.Value
	}
	return lhs + "__" + string(f.Lookup) + "=" + f.Value
}

var operators = []struct {
	tok    string
	lookup Lookup
	negate bool
}{
	// Two-character operators first so "<=" is not read as "<".
	{"==", Exact, false},
	{"!=", Exact, true},
	{">=", Gte, false},
	{"<=", Lte, false},
	{"=", Exact, false},
	{">", Gt, false},
	{"<", Lt, false},
}

// ParseFilter parses one filter expression. Two spellings are accepted:
//
//	duration__gt=1 minute       field[__key...][__lookup]=value
//	context.user.id >= 10       field[.key...] op value
//
// where op is one of = == != > >= < <=. Keys address values nested in the
// context and are only valid for the context field. Values are passed to
// the server as text and cast there, so "1 minute" works for durations
// and ISO timestamps for the time fields.
func ParseFilter(s string) (Filter, error) {
	i := strings.IndexAny(s, "!<>=")
	if i <= 0 {
		return Filter{}, fmt.Errorf("%w: filter %q has no operator", pgwire.ErrInvalidArgument, s)
	}

	var f Filter
	var tok string
	for _, op := range operators {
		if strings.HasPrefix(s[i:], op.tok) {
			tok = op.tok
			f.Lookup, f.Negate = op.lookup, op.negate
			f.Value = strings.TrimSpace(s[i+len(tok):])
			break
		}
	}
	if tok == "" {
		return Filter{}, fmt.Errorf("%w: filter %q has no operator", pgwire.ErrInvalidArgument, s)
	}
	if strings.HasPrefix(s[i+len(tok):], "=") {
		return Filter{}, fmt.Errorf("%w: filter %q has an unknown operator %q", pgwire.ErrInvalidArgument, s, tok+"=")
	}

	parts := strings.Split(strings.TrimSpace(s[:i]), "__")
	if n := len(parts); n > 1 && slices.Contains(lookups, Lookup(parts[n-1])) {
		if tok != "=" {
			return Filter{}, fmt.Errorf("%w: filter %q combines lookup %q with operator %q",
				pgwire.ErrInvalidArgument, s, parts[n-1], tok)
		}
		f.Lookup = Lookup(parts[n-1])
		parts = parts[:n-1]
	}

	head := strings.Split(parts[0], ".")
	f.Field = head[0]
	f.Path = append(head[1:], parts[1:]...)
	if f.Field == "" || slices.Contains(f.Path, "") {
		return Filter{}, fmt.Errorf("%w: filter %q has an empty field name", pgwire.ErrInvalidArgument, s)
	}

	if _, ok := columns[f.Field]; !ok {
		return Filter{}, fmt.Errorf("%w: unknown field %q in filter %q", pgwire.ErrInvalidArgument, f.Field, s)
	}
	if len(f.Path) > 0 && columns[f.Field].kind != kindJSON {
		return Filter{}, fmt.Errorf("%w: field %q has no keys (filter %q)", pgwire.ErrInvalidArgument, f.Field, s)
	}
	if f.Lookup == IsNull {
		if _, err := strconv.ParseBool(f.Value); err != nil {
			return Filter{}, fmt.Errorf("%w: isnull takes true or false, got %q", pgwire.ErrInvalidArgument, f.Value)
		}
	}
	return f, nil
}

// ParseFilters parses each expression with ParseFilter.
func ParseFilters(exprs []string) ([]Filter, error) {
	out := make([]Filter, 0, len(exprs))
	for _, e := range exprs {
		f, err := ParseFilter(e)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// args accumulates bind arguments and hands out their placeholders.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// compile renders f as a boolean SQL expression over the activity CTE.
func (f Filter) compile(a *args) (string, error) {
	col, ok := columns[f.Field]
	if !ok {
		return "", fmt.Errorf("%w: unknown field %q", pgwire.ErrInvalidArgument, f.Field)
	}

	var expr string
	var err error
	switch {
	case col.kind == kindJSON && len(f.Path) > 0:
		expr, err = f.compileJSONPath(a)
	case col.kind == kindJSON:
		expr, err = f.compileJSON(a)
	default:
		expr, err = f.compileScalar(col, a)
	}
	if err != nil {
		return "", err
	}
	if f.Negate {
		// Rows where the column is NULL stay excluded, as with "=".
		return "NOT (" + expr + ")", nil
	}
	return expr, nil
}

func (f Filter) value(col column) string {
	switch col.normalize {
	case normState:
		return NormalizeState(f.Value)
	case normWaitEvent:
		return NormalizeWaitEvent(f.Value)
	}
	return f.Value
}

func isNullSQL(expr, value string) string {
	if isNull, _ := strconv.ParseBool(value); isNull {
		return expr + " IS NULL"
	}
	return expr + " IS NOT NULL"
}

func (f Filter) compileScalar(col column, a *args) (string, error) {
	expr := col.name
	cast := col.kind.cast()

	switch f.Lookup {
	case IsNull:
		return isNullSQL(expr, f.Value), nil
	case Exact:
		return expr + " = " + a.add(f.value(col)) + cast, nil
	case Gt, Gte, Lt, Lte:
		return expr + " " + f.Lookup.operator() + " " + a.add(f.value(col)) + cast, nil
	case In:
		var ph []string
		for _, v := range strings.Split(f.Value, ",") {
			ph = append(ph, a.add(Filter{Value: strings.TrimSpace(v)}.value(col))+cast)
		}
		return expr + " IN (" + strings.Join(ph, ", ") + ")", nil
	}

	if col.kind != kindText {
		return "", fmt.Errorf("%w: lookup %q needs a text field, %q is not one", pgwire.ErrInvalidArgument, f.Lookup, f.Field)
	}
	return textLookup(expr, f.Lookup, a.add(f.value(col)))
}

func textLookup(expr string, l Lookup, ph string) (string, error) {
	switch l {
	case IExact:
		return "lower(" + expr + ") = lower(" + ph + "::text)", nil
	case Contains:
		return "strpos(" + expr + ", " + ph + "::text) > 0", nil
	case IContains:
		return "strpos(lower(" + expr + "), lower(" + ph + "::text)) > 0", nil
	case StartsWith:
		return "starts_with(" + expr + ", " + ph + "::text)", nil
	case IStartsWith:
		return "starts_with(lower(" + expr + "), lower(" + ph + "::text))", nil
	case EndsWith:
		return "right(" + expr + ", length(" + ph + "::text)) = " + ph + "::text", nil
	}
	return "", fmt.Errorf("%w: unsupported lookup %q", pgwire.ErrInvalidArgument, l)
}

// compileJSON handles lookups on the whole context document.
func (f Filter) compileJSON(a *args) (string, error) {
	switch f.Lookup {
	case IsNull:
		return isNullSQL("context", f.Value), nil
	case Exact:
		return "context = " + a.add(f.Value) + "::jsonb", nil
	case Contains:
		return "context @> " + a.add(f.Value) + "::jsonb", nil
	}
	return "", fmt.Errorf("%w: lookup %q is not supported on the whole context; name a key", pgwire.ErrInvalidArgument, f.Lookup)
}

// compileJSONPath handles lookups on a value nested in the context.
// Values are compared as text, except that ordering lookups with a
// numeric argument compare JSON numbers numerically.
func (f Filter) compileJSONPath(a *args) (string, error) {
	keys := make([]string, len(f.Path))
	for i, k := range f.Path {
		keys[i] = a.add(k) + "::text"
	}
	path := strings.Join(keys, ", ")
	text := "jsonb_extract_path_text(context, " + path + ")"

	switch f.Lookup {
	case IsNull:
		return isNullSQL(text, f.Value), nil
	case Exact:
		return text + " = " + a.add(f.Value) + "::text", nil
	case In:
		var ph []string
		for _, v := range strings.Split(f.Value, ",") {
			ph = append(ph, a.add(strings.TrimSpace(v))+"::text")
		}
		return text + " IN (" + strings.Join(ph, ", ") + ")", nil
	case Gt, Gte, Lt, Lte:
		if _, err := strconv.ParseFloat(f.Value, 64); err == nil {
			num := "CASE WHEN jsonb_typeof(jsonb_extract_path(context, " + path + ")) = 'number' THEN " + text + "::numeric END"
			return num + " " + f.Lookup.operator() + " " + a.add(f.Value) + "::numeric", nil
		}
		return text + " " + f.Lookup.operator() + " " + a.add(f.Value) + "::text", nil
	}
	return textLookup(text, f.Lookup, a.add(f.Value))
}

func (l Lookup) operator() string {
	switch l {
	case Gt:
		return ">"
	case Gte:
		return ">="
	case Lt:
		return "<"
	case Lte:
		return "<="
	}
	return "="
}
