// Package tag attaches caller-supplied metadata to SQL statements.
//
// Metadata lives in a scope carried by a context.Context. While a scope is
// open, every statement sent through a wrapped Querier is prefixed with a
// comment of the form
//
//	/*pga_context={"key":"value"}*/
//
// which the activity reader later recovers from pg_stat_activity.
package tag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

// Context is an ordered mapping of string keys to JSON-serializable values.
// Keys keep the position of their first insertion; setting an existing key
// replaces its value in place. The zero value is empty and ready to use.
type Context struct {
	keys   []string
	values map[string]any
}

// New builds a Context from alternating key/value arguments.
func New(kv ...any) (*Context, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of key/value arguments (%d)", pgwire.ErrInvalidArgument, len(kv))
	}
	c := &Context{}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: key at position %d is %T, not string", pgwire.ErrInvalidArgument, i, kv[i])
		}
		c.Set(key, kv[i+1])
	}
	return c, nil
}

// MustNew is like New but panics on malformed arguments.
func MustNew(kv ...any) *Context {
	c, err := New(kv...)
	if err != nil {
		panic(err)
	}
	return c
}

// FromMap builds a Context from m with keys in sorted order.
func FromMap(m map[string]any) *Context {
	c := &Context{}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		c.Set(k, m[k])
	}
	return c
}

// Set stores value under key.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Len returns the number of keys.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Keys returns the keys in insertion order.
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	return slices.Clone(c.keys)
}

// All returns an iterator over entries in insertion order.
func (c *Context) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		if c == nil {
			return
		}
		for _, k := range c.keys {
			if !yield(k, c.values[k]) {
				return
			}
		}
	}
}

// Map returns the entries as a plain map.
func (c *Context) Map() map[string]any {
	m := make(map[string]any, c.Len())
	for k, v := range c.All() {
		m[k] = v
	}
	return m
}

// Merge copies every entry of other into c, overwriting existing keys.
func (c *Context) Merge(other *Context) {
	for k, v := range other.All() {
		c.Set(k, v)
	}
}

// Clone returns a shallow copy. Cloning nil yields an empty Context.
func (c *Context) Clone() *Context {
	out := &Context{}
	out.Merge(c)
	return out
}

// MarshalJSON encodes the entries as a JSON object in insertion order.
func (c *Context) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range c.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valBytes, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		b.Write(keyBytes)
		b.WriteByte(':')
		b.Write(valBytes)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON parses a JSON object, preserving key order.
func (c *Context) UnmarshalJSON(data []byte) error {
	c.keys = nil
	c.values = nil

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("context must be a JSON object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}

		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("value for key %q: %w", key, err)
		}
		c.Set(key, val)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// String renders the Context as JSON for logs and CLI output.
func (c *Context) String() string {
	if c == nil {
		return "<nil>"
	}
	b, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid context: %v>", err)
	}
	return string(b)
}
