package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in   string
		want Filter
	}{
		{"duration__gt=1 minute", Filter{Field: "duration", Lookup: Gt, Value: "1 minute"}},
		{"duration > 1 minute", Filter{Field: "duration", Lookup: Gt, Value: "1 minute"}},
		{"pid>=10", Filter{Field: "pid", Lookup: Gte, Value: "10"}},
		{"id<=10", Filter{Field: "id", Lookup: Lte, Value: "10"}},
		{"state!=idle", Filter{Field: "state", Lookup: Exact, Value: "idle", Negate: true}},
		{"context.user.id=7", Filter{Field: "context", Path: []string{"user", "id"}, Lookup: Exact, Value: "7"}},
		{"context__user__id__gte=7", Filter{Field: "context", Path: []string{"user", "id"}, Lookup: Gte, Value: "7"}},
		{"context.key__in=A,B", Filter{Field: "context", Path: []string{"key"}, Lookup: In, Value: "A,B"}},
		{"query__icontains=select", Filter{Field: "query", Lookup: IContains, Value: "select"}},
		{"query=a=b", Filter{Field: "query", Lookup: Exact, Value: "a=b"}},
		{"context__isnull=true", Filter{Field: "context", Lookup: IsNull, Value: "true"}},
		{`context.key == "A"`, Filter{Field: "context", Path: []string{"key"}, Lookup: Exact, Value: `"A"`}},
		{"context.key==A", Filter{Field: "context", Path: []string{"key"}, Lookup: Exact, Value: "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFilter(tt.in)
			require.NoError(t, err)
			if len(tt.want.Path) == 0 {
				assert.Empty(t, got.Path)
				got.Path = nil
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilter_Errors(t *testing.T) {
	tests := []struct {
		in      string
		message string
	}{
		{"pid", "has no operator"},
		{"=5", "has no operator"},
		{"nope=1", "unknown field"},
		{"state.sub=x", "has no keys"},
		{"duration__gt>1", "combines lookup"},
		{"context..a=1", "empty field name"},
		{"query__isnull=maybe", "isnull takes true or false"},
		{"pid>==1", `unknown operator ">=="`},
		{"pid!==1", `unknown operator "!=="`},
		{"query===x", `unknown operator "==="`},
		{"query__contains==x", "combines lookup"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseFilter(tt.in)
			require.ErrorIs(t, err, pgwire.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestParseFilters_StopsAtFirstError(t *testing.T) {
	fs, err := ParseFilters([]string{"pid=1", "state=active"})
	require.NoError(t, err)
	assert.Len(t, fs, 2)

	_, err = ParseFilters([]string{"pid=1", "bogus=2"})
	assert.ErrorIs(t, err, pgwire.ErrInvalidArgument)
}

func TestFilter_Compile(t *testing.T) {
	tests := []struct {
		in   string
		sql  string
		args []any
	}{
		{"duration__gt=1 minute", "duration > $1::interval", []any{"1 minute"}},
		{"pid=42", "pid = $1::int", []any{"42"}},
		{"pid__in=1, 2", "pid IN ($1::int, $2::int)", []any{"1", "2"}},
		{"start<2024-01-02T00:00:00Z", "query_start < $1::timestamptz", []any{"2024-01-02T00:00:00Z"}},
		{"user=app", "usename = $1::text", []any{"app"}},
		{"state=idle in transaction", "state = $1::text", []any{"IDLE_IN_TRANSACTION"}},
		{"wait_event=ClientRead", "wait_event = $1::text", []any{"CLIENT_READ"}},
		{"state!=active", "NOT (state = $1::text)", []any{"ACTIVE"}},
		{"query__iexact=select 1", "lower(query) = lower($1::text)", []any{"select 1"}},
		{"query__contains=users", "strpos(query, $1::text) > 0", []any{"users"}},
		{"query__startswith=SELECT", "starts_with(query, $1::text)", []any{"SELECT"}},
		{"query__endswith=;", "right(query, length($1::text)) = $1::text", []any{";"}},
		{"client_addr__isnull=false", "client_addr IS NOT NULL", nil},
		{"context__isnull=true", "context IS NULL", nil},
		{`context={"key":"A"}`, "context = $1::jsonb", []any{`{"key":"A"}`}},
		{`context__contains={"key":"A"}`, "context @> $1::jsonb", []any{`{"key":"A"}`}},
		{"context.key=A", "jsonb_extract_path_text(context, $1::text) = $2::text", []any{"key", "A"}},
		{"context.key!=A", "NOT (jsonb_extract_path_text(context, $1::text) = $2::text)", []any{"key", "A"}},
		{"context.user.name__istartswith=ad",
			"starts_with(lower(jsonb_extract_path_text(context, $1::text, $2::text)), lower($3::text))",
			[]any{"user", "name", "ad"}},
		{"context.user.id >= 10",
			"CASE WHEN jsonb_typeof(jsonb_extract_path(context, $1::text, $2::text)) = 'number' " +
				"THEN jsonb_extract_path_text(context, $1::text, $2::text)::numeric END >= $3::numeric",
			[]any{"user", "id", "10"}},
		{"context.env > b", "jsonb_extract_path_text(context, $1::text) > $2::text", []any{"env", "b"}},
		{"context.key__in=A,B", "jsonb_extract_path_text(context, $1::text) IN ($2::text, $3::text)", []any{"key", "A", "B"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, err := ParseFilter(tt.in)
			require.NoError(t, err)
			var a args
			sql, err := f.compile(&a)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.args, []any(a))
		})
	}
}

func TestFilter_CompileRejectsTextLookupsOnOtherKinds(t *testing.T) {
	for _, in := range []string{"duration__contains=1", "pid__startswith=1", "context__gt=1"} {
		f, err := ParseFilter(in)
		require.NoError(t, err, in)
		var a args
		_, err = f.compile(&a)
		assert.ErrorIs(t, err, pgwire.ErrInvalidArgument, in)
	}
}

func TestFilter_String(t *testing.T) {
	f, err := ParseFilter("context.user.id >= 10")
	require.NoError(t, err)
	assert.Equal(t, "context__user__id__gte=10", f.String())

	f, err = ParseFilter("state != idle")
	require.NoError(t, err)
	assert.Equal(t, "state!=idle", f.String())
}
