package tag

import (
	"context"
	"net/http"
	"slices"
)

// Middleware tags every statement issued while serving a request with the
// request path and method.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, release := Enter(r.Context(), MustNew("url", r.URL.Path, "method", r.Method))
		defer release()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Command opens a scope tagged with a command name, for CLIs and job
// runners. Names listed in ignore (typically long-running server commands)
// and the empty name are not tagged; the returned release is then a no-op.
func Command(ctx context.Context, name string, ignore ...string) (context.Context, func()) {
	if name == "" || slices.Contains(ignore, name) {
		return ctx, func() {}
	}
	return Enter(ctx, MustNew("command", name))
}
