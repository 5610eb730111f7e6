package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/rs/zerolog/log"
)

// WriteError renders err as the short machine-readable body the read path
// contract promises, choosing the status code from its Kind.
func WriteError(w http.ResponseWriter, err error) {
	status := spaxerr.StatusFor(err)
	kind := spaxerr.KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	if status >= 500 {
		log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
