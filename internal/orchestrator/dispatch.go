package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/tryon"
)

// Dispatcher hands an accepted session to whatever fulfils it.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string) error
}

// WorkerEventType is the only event type the worker understands.
const WorkerEventType = "tryon"

// WorkerEvent is the payload sent to the worker Lambda.
type WorkerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// InvokeAPI is the subset of the Lambda client LambdaDispatcher uses.
type InvokeAPI interface {
	Invoke(ctx context.Context, in *lambdasvc.InvokeInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
}

// LambdaDispatcher invokes the worker Lambda asynchronously.
type LambdaDispatcher struct {
	client      InvokeAPI
	functionArn string
}

// NewLambdaDispatcher creates a dispatcher for the worker at functionArn.
func NewLambdaDispatcher(client InvokeAPI, functionArn string) *LambdaDispatcher {
	return &LambdaDispatcher{client: client, functionArn: functionArn}
}

// Dispatch uses InvocationType=Event, so it returns as soon as Lambda has
// queued the event.
func (d *LambdaDispatcher) Dispatch(ctx context.Context, sessionID string) error {
	if d.client == nil || d.functionArn == "" {
		return fmt.Errorf("worker lambda not configured")
	}
	payload, err := json.Marshal(WorkerEvent{Type: WorkerEventType, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal worker event: %w", err)
	}

	_, err = d.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(d.functionArn),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("Failed to invoke worker Lambda")
		return fmt.Errorf("invoke worker lambda: %w", err)
	}
	log.Debug().Str("sessionId", sessionID).Msg("Worker Lambda invoked asynchronously")
	return nil
}

// InlineDispatcher runs sessions in a goroutine of the current process. It
// stands in for the worker when serving locally in async mode.
type InlineDispatcher struct {
	Run func(ctx context.Context, sessionID string) error
}

func (d InlineDispatcher) Dispatch(ctx context.Context, sessionID string) error {
	go func() {
		if err := d.Run(context.WithoutCancel(ctx), sessionID); err != nil {
			log.Debug().Err(err).Str("sessionId", sessionID).Msg("Inline job finished with error")
		}
	}()
	return nil
}

// HandleWorkerEvent is the worker entry point. Generation failures are
// recorded on the session and not returned, so Lambda does not retry them.
func (o *Orchestrator) HandleWorkerEvent(ctx context.Context, event WorkerEvent) error {
	if event.Type != WorkerEventType {
		return fmt.Errorf("unknown event type: %s", event.Type)
	}
	if event.SessionID == "" {
		return fmt.Errorf("worker event without sessionId")
	}
	sess, err := o.Execute(ctx, event.SessionID)
	if sess == nil && err != nil {
		if tryon.KindOf(err) == tryon.KindNotFound {
			log.Warn().Str("sessionId", event.SessionID).Msg("Worker event for a missing session, dropping")
			return nil
		}
		return err
	}
	return nil
}
