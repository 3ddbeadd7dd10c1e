package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettlement/internal/observability"
)

// Batch is one sequencer batch pulled from JetStream, framed records already
// split. The shell acks it only after the batch was committed and logged.
type Batch struct {
	Subject   string
	Data      []byte
	Records   [][]byte
	StreamSeq uint64
	Received  time.Time
	AckFunc   func() // processed or duplicate
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // will never succeed, stop redelivery
}

// SubscriberConfig names the JetStream stream and durable consumer batches
// are read from.
type SubscriberConfig struct {
	StreamName   string
	Subject      string
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
}

// DefaultSubscriberConfig returns the single ordered batch subject. One
// subject with one consumer keeps the sequencer's order intact.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		StreamName:   "SETTLE_BATCHES",
		Subject:      "settle.batches",
		ConsumerName: "settled",
		AckWait:      30 * time.Second,
		MaxDeliver:   5,
	}
}

// BatchSubscriber consumes sequencer batches from NATS JetStream and feeds
// them to the shell through batchChan.
type BatchSubscriber struct {
	js        jetstream.JetStream
	batchChan chan<- Batch
	consumer  jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewBatchSubscriber(js jetstream.JetStream, batchChan chan<- Batch, metrics *observability.Metrics, logger zerolog.Logger) *BatchSubscriber {
	return &BatchSubscriber{
		js:        js,
		batchChan: batchChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer and starts delivery. Messages are
// delivered one at a time (MaxAckPending=1) so batches reach the core in
// stream order even across redeliveries.
func (s *BatchSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}
	s.consumer = cc

	s.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	return nil
}

func (s *BatchSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	if s.metrics != nil {
		s.metrics.BatchesReceived.WithLabelValues("nats").Inc()
	}

	records, err := DecodeBatch(msg.Data())
	if err != nil {
		// A malformed frame never decodes on redelivery either.
		s.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("drop malformed batch")
		_ = msg.Term()
		return
	}

	batch := Batch{
		Subject:  msg.Subject(),
		Data:     msg.Data(),
		Records:  records,
		Received: time.Now(),
		AckFunc:  func() { _ = msg.Ack() },
		NakFunc:  func() { _ = msg.Nak() },
		TermFunc: func() { _ = msg.Term() },
	}
	if md, err := msg.Metadata(); err == nil {
		batch.StreamSeq = md.Sequence.Stream
	}

	select {
	case s.batchChan <- batch:
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

// Stop gracefully stops the consumer.
func (s *BatchSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("batch subscriber stopped")
}

// EnsureStreams creates the inbound batch stream and the outbound event
// stream if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "SETTLE_BATCHES",
			Subjects:  []string{"settle.batches"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "SETTLE_EVENTS",
			Subjects:  []string{EventSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("settled"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
