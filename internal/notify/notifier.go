package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// UnseenCounter bumps an owner's count of results not yet viewed.
type UnseenCounter interface {
	IncrementUnseen(ctx context.Context, ownerID string) error
}

// Emitter publishes completion events.
type Emitter interface {
	EmitCompleted(ctx context.Context, event Completed) error
}

// Notifier fans a completion out to the counter and the emitter. Either may
// be nil. Failures are logged and never returned: a notification problem
// must not change the outcome of a generation.
type Notifier struct {
	counter UnseenCounter
	emitter Emitter
}

// New creates a Notifier.
func New(counter UnseenCounter, emitter Emitter) *Notifier {
	return &Notifier{counter: counter, emitter: emitter}
}

// Completed records a finished session. Only successful results count as
// unseen.
func (n *Notifier) Completed(ctx context.Context, event Completed) {
	if n == nil {
		return
	}
	if n.counter != nil && event.Status == "completed" && event.OwnerID != "" {
		if err := n.counter.IncrementUnseen(ctx, event.OwnerID); err != nil {
			log.Warn().Err(err).Str("sessionId", event.SessionID).Msg("Failed to increment unseen counter")
		}
	}
	if n.emitter != nil {
		if err := n.emitter.EmitCompleted(ctx, event); err != nil {
			log.Warn().Err(err).Str("sessionId", event.SessionID).Msg("Failed to emit completion event")
		}
	}
}
