package router

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shandysiswandi/unimq/internal/pkg/stacktrace"
)

// middlewareRecoverer answers 500 when a handler panics. http.ErrAbortHandler
// is re-raised so net/http can abort the response as intended.
func middlewareRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if err, ok := rvr.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rvr)
			}

			slog.ErrorContext(r.Context(), "panic in http handler",
				"method", r.Method, "path", matchedRoutePath(r), "panic", rvr, stacktrace.Attr())
			writeMessage(w, http.StatusInternalServerError, msgInternal)
		}()

		next.ServeHTTP(w, r)
	})
}
