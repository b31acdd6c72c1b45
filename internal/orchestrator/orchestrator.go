// Package orchestrator runs a try-on request end to end: validation, rate
// limiting, garment resolution, the result cache, session bookkeeping and
// generation.
//
// Submit accepts a request. Execute fulfils an accepted session and is the
// only code path that calls the generator, whether it runs inline or in the
// worker, so both modes leave identical terminal records.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/cache"
	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/garment"
	"github.com/fpang/virtual-tryon/internal/gemini"
	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/imaging"
	"github.com/fpang/virtual-tryon/internal/jobs"
	"github.com/fpang/virtual-tryon/internal/jobutil"
	"github.com/fpang/virtual-tryon/internal/metrics"
	"github.com/fpang/virtual-tryon/internal/notify"
	"github.com/fpang/virtual-tryon/internal/s3util"
	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Gate admits or rejects a request for an identity.
type Gate interface {
	Check(ctx context.Context, id identity.Identity) error
}

// GarmentResolver turns a garment reference into bytes.
type GarmentResolver interface {
	Resolve(ctx context.Context, ref tryon.GarmentRef) (*garment.Resolved, error)
}

// Request is one generation request.
type Request struct {
	Identity    identity.Identity
	Subject     tryon.SubjectRef
	Garment     tryon.GarmentRef
	AspectRatio tryon.AspectRatio
}

// Outcome is what Submit and Status report back. Failure is set only when
// Status is failed and carries the error recorded on the session.
type Outcome struct {
	Status    tryon.Status `json:"status"`
	JobID     string       `json:"jobId,omitempty"`
	ResultKey string       `json:"-"`
	ResultURL string       `json:"imageUrl,omitempty"`
	Cached    bool         `json:"cached,omitempty"`
	Failure   *tryon.Error `json:"-"`
}

// Deps are the collaborators of an Orchestrator. Notifier and Dispatcher
// may be nil; without a Dispatcher every request runs inline.
type Deps struct {
	Config     *config.Config
	Store      store.SessionStore
	Objects    s3util.Objects
	Generator  gemini.Generator
	Garments   GarmentResolver
	Limiter    Gate
	Cache      *cache.Results
	Notifier   *notify.Notifier
	Dispatcher Dispatcher
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	Deps
	rules imaging.Rules
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		Deps:  d,
		rules: imaging.Rules{Allowed: d.Config.AllowedMIME, MaxSize: d.Config.MaxFileSize},
	}
}

// Submit validates and accepts req. In async mode it returns a pending
// outcome carrying the job ID; otherwise it waits for the result up to the
// interactive timeout, after which the caller gets a pending outcome and
// the work carries on.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()

	// 1. validate
	if req.Garment == nil {
		return nil, tryon.Validation("Please select a clothing item.")
	}
	ratio := req.AspectRatio
	if ratio == "" {
		ratio = o.Config.AspectRatio
	}
	subject, err := o.loadSubject(ctx, req)
	if err != nil {
		return nil, err
	}

	// 2. rate limit
	if err := o.Limiter.Check(ctx, req.Identity); err != nil {
		return nil, err
	}

	// 3. garment, whose scratch copy goes away whatever happens next
	g, err := o.Garments.Resolve(ctx, req.Garment)
	if err != nil {
		return nil, err
	}
	defer g.Cleanup()
	if err := imaging.Recheck(&g.Image, o.rules.Allowed); err != nil {
		return nil, err
	}

	// 4. cache
	fp := o.Cache.Key(subject.image.Data, g.Image.Data, o.Config.Prompt, ratio)
	if hit, ok := o.Cache.Lookup(ctx, fp); ok {
		url, err := o.Objects.URL(ctx, hit.ResultKey)
		if err != nil {
			log.Warn().Err(err).Str("resultKey", hit.ResultKey).Msg("Failed to sign cached result, generating instead")
		} else {
			log.Info().Str("identity", req.Identity.String()).Str("fingerprint", fp).Msg("Serving try-on from cache")
			return &Outcome{Status: tryon.StatusCompleted, ResultKey: hit.ResultKey, ResultURL: url, Cached: true}, nil
		}
	}

	// 5. session
	sess, err := o.accept(ctx, req, subject, g, fp, ratio)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("sessionId", sess.ID).
		Str("identity", req.Identity.String()).
		Str("mode", string(sess.Mode)).
		Dur("acceptDuration", time.Since(start)).
		Msg("Try-on accepted")

	if o.Config.Async() && o.Dispatcher != nil {
		if err := o.Dispatcher.Dispatch(ctx, sess.ID); err != nil {
			jobutil.SetJobError(ctx, o.Store, sess.ID, tryon.StatusPending, tryon.Storage(err, "Failed to queue the try-on. Please try again."))
			return nil, tryon.Storage(err, "Failed to queue the try-on. Please try again.")
		}
		return &Outcome{Status: tryon.StatusPending, JobID: sess.ID}, nil
	}
	return o.runInline(ctx, sess.ID)
}

type subjectInput struct {
	image tryon.Image
	// upload is set when the subject is a stored upload being reused.
	upload *store.Upload
}

func (o *Orchestrator) loadSubject(ctx context.Context, req Request) (*subjectInput, error) {
	switch {
	case req.Subject.Upload != nil:
		img := *req.Subject.Upload
		if err := imaging.Validate(&img, o.rules); err != nil {
			return nil, err
		}
		return &subjectInput{image: img}, nil

	case req.Subject.UploadID != "":
		u, err := o.Store.GetUpload(ctx, req.Subject.UploadID)
		if err != nil {
			return nil, tryon.Storage(err, "Failed to load your image.")
		}
		if u == nil {
			return nil, tryon.NotFound("Image not found.")
		}
		if u.OwnerID != req.Identity.String() {
			return nil, tryon.Forbidden("You do not have access to this image.")
		}
		data, err := o.Objects.Get(ctx, u.Key)
		if err != nil {
			return nil, tryon.NotFound("Image not found.")
		}
		img := tryon.Image{Data: data, MIME: u.MIME}
		if err := imaging.Recheck(&img, o.rules.Allowed); err != nil {
			return nil, err
		}
		return &subjectInput{image: img, upload: u}, nil

	default:
		return nil, tryon.Validation("Please upload an image.")
	}
}

// accept persists the inputs and creates the pending session. A fresh
// subject is kept as an Upload so the same identity can reuse it. Only a
// signed-in user owns the session; anonymous sessions carry just the
// identity key and never show up in a history.
func (o *Orchestrator) accept(ctx context.Context, req Request, subject *subjectInput, g *garment.Resolved, fp string, ratio tryon.AspectRatio) (*store.Session, error) {
	u := subject.upload
	if u == nil {
		u = &store.Upload{
			ID:          jobs.NewUploadID(),
			OwnerID:     req.Identity.String(),
			MIME:        subject.image.MIME,
			Size:        subject.image.Size(),
			HasLocation: imaging.HasLocation(subject.image.Data),
		}
		u.Key = s3util.UploadKey(u.ID, u.MIME)
		if err := o.Objects.Put(ctx, u.Key, subject.image.Data, u.MIME); err != nil {
			return nil, tryon.Storage(err, "Failed to save your image. Please try again.")
		}
		if err := o.Store.PutUpload(ctx, u); err != nil {
			return nil, tryon.Storage(err, "Failed to save your image. Please try again.")
		}
	}

	sess := &store.Session{
		ID:                 jobs.NewSessionID(),
		IdentityKey:        req.Identity.String(),
		Status:             tryon.StatusPending,
		Mode:               g.Mode,
		SubjectKey:         u.Key,
		GarmentKey:         g.Key,
		Fingerprint:        fp,
		AspectRatio:        ratio,
		SubjectHasLocation: u.HasLocation,
	}
	if req.Identity.IsUser() {
		sess.OwnerID = req.Identity.String()
	}
	switch ref := req.Garment.(type) {
	case tryon.CatalogGarment:
		sess.CatalogItemID, sess.CatalogImageID = ref.ItemID, ref.ImageID
	case tryon.FreeFormGarment:
		sess.GarmentID = ref.ID
	}
	if sess.GarmentKey == "" {
		sess.GarmentKey = s3util.InputKey(sess.ID, "garment")
		if err := o.Objects.Put(ctx, sess.GarmentKey, g.Image.Data, g.Image.MIME); err != nil {
			return nil, tryon.Storage(err, "Failed to save the clothing image. Please try again.")
		}
	}

	if err := o.Store.CreateSession(ctx, sess); err != nil {
		return nil, tryon.Storage(err, "Failed to start the try-on. Please try again.")
	}
	return sess, nil
}

// runInline executes the session on a context detached from the caller and
// waits up to the interactive timeout.
func (o *Orchestrator) runInline(ctx context.Context, sessionID string) (*Outcome, error) {
	type result struct {
		sess *store.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := o.Execute(context.WithoutCancel(ctx), sessionID)
		done <- result{sess, err}
	}()

	timer := time.NewTimer(o.Config.InteractiveTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		out, err := o.outcome(ctx, r.sess)
		if err != nil {
			return nil, err
		}
		if out.Failure != nil {
			return nil, out.Failure
		}
		return out, nil
	case <-timer.C:
		log.Warn().Str("sessionId", sessionID).Dur("timeout", o.Config.InteractiveTimeout).Msg("Try-on exceeded interactive timeout, continuing in background")
		return &Outcome{Status: tryon.StatusPending, JobID: sessionID}, nil
	case <-ctx.Done():
		return &Outcome{Status: tryon.StatusPending, JobID: sessionID}, nil
	}
}

func (o *Orchestrator) outcome(ctx context.Context, sess *store.Session) (*Outcome, error) {
	out := &Outcome{Status: sess.Status, JobID: sess.ID, ResultKey: sess.ResultKey}
	switch sess.Status {
	case tryon.StatusCompleted:
		url, err := o.Objects.URL(ctx, sess.ResultKey)
		if err != nil {
			return nil, tryon.Storage(err, "Failed to load the result image.")
		}
		out.ResultURL = url
	case tryon.StatusFailed:
		out.Failure = jobutil.StoredError(sess)
	}
	return out, nil
}

// Status reads a session for polling. Anyone holding the job ID may poll.
// A failed session is a normal outcome here, not an error: the poll itself
// succeeded.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*Outcome, error) {
	sess, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, tryon.Storage(err, "Failed to load the try-on status.")
	}
	if sess == nil {
		return nil, tryon.NotFound("Job not found.")
	}
	return o.outcome(ctx, sess)
}

func (o *Orchestrator) record(outcome string, mode tryon.GarmentMode, start time.Time) {
	metrics.Default().
		Dimension("Outcome", outcome).
		Dimension("Mode", string(mode)).
		Metric("GenerationDurationMs", float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
		Count("Generations").
		Flush()
}
