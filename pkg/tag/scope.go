package tag

import (
	"context"
	"sync"
)

type scopeKey struct{}

// scope is the single active Context of one logical execution. Nested
// Enter calls share it; only the outermost release closes it.
type scope struct {
	mu     sync.Mutex
	md     *Context
	closed bool
}

func (s *scope) merge(md *Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.md.Merge(md)
	return true
}

func (s *scope) snapshot() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.md.Clone()
}

func (s *scope) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.md = nil
}

func activeScope(ctx context.Context) *scope {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s
}

// Enter opens a tagging scope carrying md and returns the context to issue
// statements with, plus a release func.
//
// If ctx already carries an open scope, md is merged into that same scope
// (new values overwrite old ones) and Enter returns ctx unchanged with a
// release func that does nothing: metadata accumulates across nested calls
// and stays visible to the outer caller until the outermost scope is
// released. Releasing the outermost scope stops tagging for every context
// derived from it. Release may be called more than once.
//
//	ctx, release := tag.Enter(ctx, tag.MustNew("job", "nightly-report"))
//	defer release()
func Enter(ctx context.Context, md *Context) (context.Context, func()) {
	if s := activeScope(ctx); s != nil && s.merge(md) {
		return ctx, func() {}
	}

	s := &scope{md: md.Clone()}
	var once sync.Once
	return context.WithValue(ctx, scopeKey{}, s), func() { once.Do(s.close) }
}

// Annotate merges md into the scope carried by ctx. It does nothing and
// returns false when no scope is open.
func Annotate(ctx context.Context, md *Context) bool {
	s := activeScope(ctx)
	if s == nil {
		return false
	}
	return s.merge(md)
}

// FromContext returns a copy of the metadata of the open scope, or nil.
func FromContext(ctx context.Context) *Context {
	s := activeScope(ctx)
	if s == nil {
		return nil
	}
	return s.snapshot()
}

// Active reports whether ctx carries an open scope.
func Active(ctx context.Context) bool {
	return activeScope(ctx) != nil
}
