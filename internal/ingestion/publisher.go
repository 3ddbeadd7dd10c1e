package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/event"
)

// EventSubjectPrefix roots every outbound subject: settle.events.{event_type}.
const EventSubjectPrefix = "settle.events"

// PublishableEvent is a committed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventID        string      `json:"event_id"`
	CommitSequence uint64      `json:"commit_sequence"`
	TxID           int64       `json:"tx_id"`
	EventType      string      `json:"event_type"`
	PartitionKey   string      `json:"partition_key"`
	Payload        event.Event `json:"payload"`
	StateHash      string      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

// NewPublishableEvent converts a committed envelope.
func NewPublishableEvent(env *event.Envelope, at time.Time) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		CommitSequence: env.CommitSequence,
		TxID:           env.TxID,
		EventType:      env.EventType.String(),
		PartitionKey:   env.Payload.PartitionKey(),
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      at,
	}
}

// Subject returns the NATS subject the event is published on.
func (e PublishableEvent) Subject() string {
	return fmt.Sprintf("%s.%s", EventSubjectPrefix, e.EventType)
}

// Sink delivers one event downstream.
type Sink interface {
	Publish(ctx context.Context, evt PublishableEvent) error
	Name() string
}

// OutboundPublisher drains committed events to a Sink. Publishing is
// best-effort: consumers that miss an event can read the Postgres event log.
type OutboundPublisher struct {
	sink      Sink
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

func NewOutboundPublisher(sink Sink, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		sink:      sink,
		inputChan: inputChan,
		logger:    logger.With().Str("sink", sink.Name()).Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.sink.Publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).
					Int64("sequence", evt.Sequence).
					Str("event_type", evt.EventType).
					Msg("outbound publish failed")
			}
		}
	}
}

// NATSSink publishes to JetStream with the event id as message id, so a
// republished event is deduplicated by the stream.
type NATSSink struct {
	js jetstream.JetStream
}

func NewNATSSink(js jetstream.JetStream) *NATSSink {
	return &NATSSink{js: js}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.EventID))
	return err
}
