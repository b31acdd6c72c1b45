package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// maxJSONBody bounds the small JSON request bodies.
const maxJSONBody = 64 * 1024

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}

// httpError sends a {message, code} error envelope. internalDetails are
// logged server-side and never sent to the client.
func httpError(w http.ResponseWriter, status int, code, clientMsg string, internalDetails ...string) {
	if len(internalDetails) > 0 {
		log.Error().
			Int("status", status).
			Str("clientMsg", clientMsg).
			Strs("internalDetails", internalDetails).
			Msg("HTTP error with internal details")
	}
	respondJSON(w, status, errorBody{Message: clientMsg, Code: code})
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// writeError maps a pipeline error onto the envelope. Only kinds written for
// users reach the client verbatim unless debug is on.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := tryon.KindOf(err)
	status := tryon.HTTPStatus(kind)
	msg := tryon.PublicMessage(err, s.cfg.Debug)
	if status >= http.StatusInternalServerError || kind == tryon.KindUnknown {
		httpError(w, status, kind.String(), msg, r.URL.Path, err.Error())
		return
	}
	log.Info().Err(err).Str("path", r.URL.Path).Str("code", kind.String()).Msg("Request rejected")
	httpError(w, status, kind.String(), msg)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return tryon.Validation("Request body too large.")
		}
		return tryon.Validation("Invalid request body.")
	}
	return nil
}
