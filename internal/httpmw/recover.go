package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, if
// set, runs once per recovered panic (metrics). http.ErrAbortHandler is
// re-raised so the server can abort the connection as intended.
func Recover(logger log.Logger, onPanic func()) Middleware {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				if onPanic != nil {
					onPanic()
				}

				err, ok := v.(error)
				if ok {
					err = xerrors.Wrap(err, "panic")
				} else {
					err = xerrors.New(fmt.Sprintf("panic: %v", v))
				}
				log.FromContextOr(r.Context(), logger).Error(r.Context(), err, "httpserver panic recovered",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
