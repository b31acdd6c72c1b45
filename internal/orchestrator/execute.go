package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/cache"
	"github.com/fpang/virtual-tryon/internal/imaging"
	"github.com/fpang/virtual-tryon/internal/jobs"
	"github.com/fpang/virtual-tryon/internal/jobutil"
	"github.com/fpang/virtual-tryon/internal/notify"
	"github.com/fpang/virtual-tryon/internal/s3util"
	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Execute fulfils a pending session: it claims it (pending -> processing),
// generates, stores the result and completes it. Any failure after the
// claim ends the session as failed, and the returned error is that cause.
//
// A session that another caller already claimed or finished is returned as
// it is, without error, so duplicate deliveries are harmless.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string) (*store.Session, error) {
	start := time.Now()

	sess, err := o.Store.TransitionSession(ctx, sessionID, tryon.StatusPending, tryon.StatusProcessing, nil)
	if errors.Is(err, store.ErrStatusConflict) {
		current, gerr := o.Store.GetSession(ctx, sessionID)
		if gerr != nil {
			return nil, tryon.Storage(gerr, "Failed to load the try-on.")
		}
		if current == nil {
			log.Info().Str("sessionId", sessionID).Msg("Session deleted before it could be claimed")
			return nil, tryon.NotFound("Session not found.")
		}
		log.Info().Str("sessionId", sessionID).Str("status", string(current.Status)).Msg("Session already claimed, skipping")
		return current, nil
	}
	if err != nil {
		if tryon.KindOf(err) == tryon.KindNotFound {
			return nil, err
		}
		return nil, tryon.Storage(err, "Failed to start the try-on.")
	}

	subject, err := o.readInput(ctx, sess.SubjectKey, "subject")
	if err != nil {
		return o.fail(ctx, sess, err, start)
	}
	garmentImg, err := o.readInput(ctx, sess.GarmentKey, "garment")
	if err != nil {
		return o.fail(ctx, sess, err, start)
	}

	res, err := o.Generator.Generate(ctx, subject, garmentImg, o.Config.Prompt, sess.AspectRatio)
	if err != nil {
		return o.fail(ctx, sess, err, start)
	}

	resultKey := s3util.ResultKey(jobs.ResultName())
	if err := o.Objects.Put(ctx, resultKey, res.Data, res.MIME); err != nil {
		return o.fail(ctx, sess, tryon.Storage(err, "Failed to save the generated image."), start)
	}
	thumbKey := o.thumbnail(ctx, sess.ID, resultKey, res.Data)

	done, err := o.Store.TransitionSession(ctx, sess.ID, tryon.StatusProcessing, tryon.StatusCompleted, func(s *store.Session) {
		s.ResultKey = resultKey
		s.ThumbnailKey = thumbKey
	})
	if err != nil {
		return o.fail(ctx, sess, tryon.Storage(err, "Failed to record the result."), start)
	}

	if done.Fingerprint != "" {
		o.Cache.Store(ctx, done.Fingerprint, cache.Entry{
			ResultKey:    resultKey,
			ThumbnailKey: thumbKey,
			MIME:         res.MIME,
			SessionID:    done.ID,
		})
	}
	o.Notifier.Completed(ctx, notify.Completed{
		SessionID: done.ID,
		OwnerID:   done.OwnerID,
		Status:    string(done.Status),
		ResultKey: resultKey,
	})
	o.record("completed", done.Mode, start)

	log.Info().
		Str("sessionId", done.ID).
		Str("resultKey", resultKey).
		Dur("duration", time.Since(start)).
		Msg("Try-on completed")
	return done, nil
}

func (o *Orchestrator) readInput(ctx context.Context, key, role string) (tryon.Image, error) {
	data, err := o.Objects.Get(ctx, key)
	if err != nil {
		return tryon.Image{}, tryon.Storage(err, "Failed to read the %s image.", role)
	}
	return tryon.Image{Data: data, MIME: imaging.Detect(data), Filename: key}, nil
}

// thumbnail stores a history thumbnail for the result. Failures only cost
// the thumbnail.
func (o *Orchestrator) thumbnail(ctx context.Context, sessionID, resultKey string, data []byte) string {
	thumb, err := imaging.Thumbnail(data, imaging.DefaultThumbnailMaxDimension)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to generate result thumbnail")
		return ""
	}
	key := s3util.ThumbKey(resultKey)
	if err := o.Objects.Put(ctx, key, thumb, tryon.MIMEJPEG); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to store result thumbnail")
		return ""
	}
	return key
}

func (o *Orchestrator) fail(ctx context.Context, sess *store.Session, cause error, start time.Time) (*store.Session, error) {
	failed := jobutil.SetJobError(ctx, o.Store, sess.ID, tryon.StatusProcessing, cause)
	o.Notifier.Completed(ctx, notify.Completed{
		SessionID: sess.ID,
		OwnerID:   sess.OwnerID,
		Status:    string(tryon.StatusFailed),
		ErrorKind: tryon.KindOf(cause).String(),
	})
	o.record("failed", sess.Mode, start)
	return failed, cause
}
