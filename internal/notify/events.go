// Package notify tells interested parties that a try-on finished: the owner's
// unseen-results counter and an EventBridge event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

const (
	// EventSource is the Source of every emitted event.
	EventSource = "virtual-tryon"
	// DetailTypeCompleted is the DetailType for a finished session.
	DetailTypeCompleted = "TryOnCompleted"
)

// Completed is the event detail for a finished session, successful or not.
type Completed struct {
	SessionID string `json:"sessionId"`
	OwnerID   string `json:"ownerId"`
	Status    string `json:"status"`
	ResultKey string `json:"resultKey,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
}

// EventsAPI is the subset of the EventBridge client used here.
type EventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridge emits Completed events onto a bus.
type EventBridge struct {
	client  EventsAPI
	busName string
}

// NewEventBridge creates an emitter. An empty busName uses the default bus.
func NewEventBridge(client EventsAPI, busName string) *EventBridge {
	return &EventBridge{client: client, busName: busName}
}

// EmitCompleted publishes a TryOnCompleted event.
func (e *EventBridge) EmitCompleted(ctx context.Context, event Completed) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", DetailTypeCompleted, err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(EventSource),
		DetailType: aws.String(DetailTypeCompleted),
		Detail:     aws.String(string(detail)),
	}
	if e.busName != "" {
		entry.EventBusName = aws.String(e.busName)
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", event.SessionID).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("sessionId", event.SessionID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().Str("sessionId", event.SessionID).Str("status", event.Status).Msg("TryOnCompleted emitted to EventBridge")
	return nil
}
