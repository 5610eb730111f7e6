package middleware

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Recovery recovers from a panic anywhere downstream (QIDO/WADO/STOW
// handlers, admin CRUD) and renders it through WriteError rather than a
// bare http.Error, so a panicking request still gets the same
// {"error":...,"kind":...} body spec.md §7 promises every other failure
// path, instead of a plain-text response the dicomweb client can't parse.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("panic recovered")

				WriteError(w, fmt.Errorf("internal error: %v", rec))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
