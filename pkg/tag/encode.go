package tag

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

const (
	// CommentPrefix opens the context comment. It is part of the wire
	// format and must not change without changing CommentPattern.
	CommentPrefix = "/*pga_context="
	CommentSuffix = "*/"

	// CommentPattern matches the context comment at the start of a
	// statement. The JSON body cannot contain '*' because Encode replaces
	// it, so the first "*/" always closes the comment.
	CommentPattern = `^/\*pga_context=(\{[^*]*\})\*/`
)

var commentRE = regexp.MustCompile(CommentPattern + `\n?`)

// Encode renders c as a context comment.
//
// Every '*' in the serialized JSON is replaced with '-' so user values
// cannot terminate the comment early. The substitution is lossy: a value
// containing "a*b" decodes as "a-b".
func Encode(c *Context) (string, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	return CommentPrefix + strings.ReplaceAll(string(body), "*", "-") + CommentSuffix, nil
}

// Extract finds a leading context comment in query. It returns the JSON
// body of the comment and the query with the comment (and the newline that
// follows it) removed. ok is false when query carries no comment, in which
// case stripped is query itself.
func Extract(query string) (body string, stripped string, ok bool) {
	m := commentRE.FindStringSubmatchIndex(query)
	if m == nil {
		return "", query, false
	}
	return query[m[2]:m[3]], query[m[1]:], true
}

// Decode parses the JSON body of a context comment.
func Decode(body string) (*Context, error) {
	c := &Context{}
	if err := json.Unmarshal([]byte(body), c); err != nil {
		return nil, fmt.Errorf("%w: %v", pgwire.ErrDecodeFailure, err)
	}
	return c, nil
}

// Split recovers the context and the original statement from a tagged
// query. An untagged query yields a nil Context and no error. A comment
// that is present but not valid JSON yields a nil Context, the stripped
// statement and an error wrapping pgwire.ErrDecodeFailure.
func Split(query string) (*Context, string, error) {
	body, stripped, ok := Extract(query)
	if !ok {
		return nil, stripped, nil
	}
	c, err := Decode(body)
	if err != nil {
		return nil, stripped, err
	}
	return c, stripped, nil
}

// Tag prefixes sql with the comment for c. A statement that already starts
// with a context comment has it replaced, so tagging twice is harmless.
func Tag(c *Context, sql string) (string, error) {
	comment, err := Encode(c)
	if err != nil {
		return "", err
	}
	if _, stripped, ok := Extract(sql); ok {
		sql = stripped
	}
	return comment + "\n" + sql, nil
}

// Rewrite tags sql with the metadata of the scope open on ctx. Without an
// open scope sql is returned unchanged.
func Rewrite(ctx context.Context, sql string) (string, error) {
	md := FromContext(ctx)
	if md == nil {
		return sql, nil
	}
	return Tag(md, sql)
}
