package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/pgactivity/pkg/tag"
)

func TestContextMatcher(t *testing.T) {
	rec := &Record{Context: tag.MustNew(
		"key", "A",
		"n", 12,
		"user", map[string]any{"name": "Ada", "tags": []any{"x", "y"}},
		"gone", nil,
		"dotted.key", "v",
	)}
	bare := &Record{}

	tests := []struct {
		filter string
		rec    *Record
		want   bool
	}{
		{"context.key=A", rec, true},
		{"context.key=B", rec, false},
		{"context.key!=B", rec, true},
		{"context.missing!=B", rec, false},
		{"context.key!=B", bare, false},
		{"context.key__in=B, A", rec, true},
		{"context.n > 10", rec, true},
		{"context.n <= 10", rec, false},
		{"context.key > 1", rec, false},
		{"context.key >= A", rec, true},
		{"context.user.name__iexact=ada", rec, true},
		{"context.user.name__icontains=D", rec, true},
		{"context.user.name__startswith=Ad", rec, true},
		{"context.user.name__istartswith=ad", rec, true},
		{"context.user.name__endswith=da", rec, true},
		{"context.user.name__contains=x", rec, false},
		{"context.user.tags.1=y", rec, true},
		{"context.gone__isnull=true", rec, true},
		{"context.missing__isnull=true", rec, true},
		{"context.key__isnull=true", rec, false},
		{"context.dotted.key=v", rec, false},
		{"context__isnull=true", bare, true},
		{"context__isnull=false", rec, true},
		{`context__contains={"user":{"tags":["y"]}}`, rec, true},
		{`context__contains={"user":{"tags":["z"]}}`, rec, false},
		{`context__contains={"key":"A"}`, bare, false},
		{`context={"key":"A"}`, rec, false},
		{`context={"key":"A","n":12,"user":{"name":"Ada","tags":["x","y"]},"gone":null,"dotted.key":"v"}`, rec, true},
	}
	for _, tt := range tests {
		f, err := ParseFilter(tt.filter)
		require.NoError(t, err, tt.filter)
		m, err := newContextMatcher([]Filter{f})
		require.NoError(t, err, tt.filter)
		assert.Equal(t, tt.want, m.match(tt.rec), tt.filter)
	}
}

func TestContextMatcher_KeyWithDot(t *testing.T) {
	rec := &Record{Context: tag.MustNew("dotted.key", "v")}
	m, err := newContextMatcher([]Filter{{Field: "context", Path: []string{"dotted.key"}, Lookup: Exact, Value: "v"}})
	require.NoError(t, err)
	assert.True(t, m.match(rec))
}

func TestContextMatcher_AllFiltersMustMatch(t *testing.T) {
	rec := &Record{Context: tag.MustNew("key", "A", "n", 3)}
	fs, err := ParseFilters([]string{"context.key=A", "context.n > 5"})
	require.NoError(t, err)
	m, err := newContextMatcher(fs)
	require.NoError(t, err)
	assert.False(t, m.match(rec))
}
