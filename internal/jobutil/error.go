// Package jobutil records session failures the same way for every caller:
// the inline path, the worker, and the dispatcher.
package jobutil

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Transitioner is the store operation SetJobError needs.
type Transitioner interface {
	TransitionSession(ctx context.Context, id string, from, to tryon.Status, mutate func(*store.Session)) (*store.Session, error)
}

// SetJobError logs cause and moves the session from `from` to failed,
// keeping the full message, kind and operator detail on the record.
// The returned session is nil if the transition itself failed.
func SetJobError(ctx context.Context, st Transitioner, sessionID string, from tryon.Status, cause error) *store.Session {
	kind := tryon.KindOf(cause)
	var detail string
	if te, ok := tryon.AsError(cause); ok {
		detail = te.Detail
	}

	log.Error().
		Err(cause).
		Str("sessionId", sessionID).
		Str("kind", kind.String()).
		Msg("Job failed")

	sess, err := st.TransitionSession(ctx, sessionID, from, tryon.StatusFailed, func(s *store.Session) {
		s.ErrorMessage = cause.Error()
		s.ErrorKind = kind.String()
		s.ErrorDetail = detail
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to record job failure")
		return nil
	}
	return sess
}

// StoredError rebuilds the pipeline error recorded on a failed session so
// it can be rendered with tryon.PublicMessage.
func StoredError(s *store.Session) *tryon.Error {
	return &tryon.Error{
		Kind:    tryon.ParseKind(s.ErrorKind),
		Message: s.ErrorMessage,
		Detail:  s.ErrorDetail,
	}
}
