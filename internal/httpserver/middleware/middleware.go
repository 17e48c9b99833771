package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/davidbz/ember/internal/config"
	"github.com/davidbz/ember/internal/observability"
)

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// internalErrorBody matches the gateway error envelope.
const internalErrorBody = `{"error":{"message":"internal error","type":"internal_error"}}` + "\n"

// Chain composes middlewares; the first one is the outermost wrapper.
//
//	handler := Chain(CORS(corsConfig), Trace(), Recover())(mux)
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Recover turns a handler panic into a 500 in the gateway error envelope.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				observability.FromContext(r.Context()).Error("handler panicked",
					observability.Any("panic", rec),
					observability.String("stack", string(debug.Stack())),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(internalErrorBody))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// BuildMiddlewareChain composes the production chain: CORS -> Trace -> Recover.
// Recover sits inside Trace so a recovered panic is logged with request ids
// and its 500 shows up in the request log.
func BuildMiddlewareChain(corsConfig *config.CORSConfig) Middleware {
	return Chain(
		CORS(corsConfig),
		Trace(),
		Recover(),
	)
}
