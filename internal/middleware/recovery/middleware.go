// Package recovery provides panic-recovery middleware for the control
// plane's HTTP surfaces (registry API, dynamic proxy), wrapping a plain
// net/http handler chain.
package recovery

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"meshctl/pkg/errors"
)

// Config configures recovery middleware.
type Config struct {
	// StackTrace enables stack trace logging.
	StackTrace bool
	// PanicHandler is called when a panic occurs, in addition to the
	// default logging and 500 response.
	PanicHandler func(r *http.Request, recovered any, stack []byte)
}

// Middleware wraps next with panic recovery, writing a JSON 500 body on
// the control plane's error envelope shape instead of letting the
// connection crash.
func Middleware(config Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}

				stack := debug.Stack()
				logger.Error("panic recovered", "panic", recovered, "path", r.URL.Path, "method", r.Method)
				if config.StackTrace {
					logger.Error("stack trace", "stack", string(stack))
				}
				if config.PanicHandler != nil {
					config.PanicHandler(r, recovered, stack)
				}

				err := errors.NewError(errors.ErrorTypeInternal, "internal server error").
					WithDetail("panic", fmt.Sprintf("%v", recovered))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(err.HTTPStatusCode())
				fmt.Fprintf(w, `{"error":%q,"message":%q}`, err.Type, err.Message)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Default creates recovery middleware with stack trace logging enabled.
func Default(logger *slog.Logger) func(http.Handler) http.Handler {
	return Middleware(Config{StackTrace: true}, logger)
}
