// Package kafka is the broker-backed event bus for the scan pipeline. One
// bus instance serves both directions: task submissions flow toward workers
// and lifecycle and progress events flow back out to observers.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/domain/scanning"
	"github.com/compliscan/compliscan/internal/infra/eventbus/kafka/tracing"
	"github.com/compliscan/compliscan/internal/infra/eventbus/serialization"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

// EventBusMetrics records publish and consume outcomes per topic.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config carries the broker addresses, topic names, and identifiers one bus
// instance needs.
type Config struct {
	// Brokers lists the Kafka bootstrap addresses.
	Brokers []string

	// TaskTopic carries task submissions awaiting a worker claim.
	TaskTopic string
	// LifecycleTopic carries task lifecycle transitions.
	LifecycleTopic string
	// ProgressTopic carries scan progress updates.
	ProgressTopic string

	// GroupID names the consumer group this instance joins.
	GroupID string
	// ClientID identifies this client to the cluster.
	ClientID string

	// ServiceType tags bus logs with the kind of process using it, such as
	// "worker" or "scanctl".
	ServiceType string

	// FromLatest starts consumption at the newest offset instead of the oldest
	// retained one. Transient observers set this; workers keep the default so
	// unclaimed submissions survive restarts.
	FromLatest bool
}

// offsetCommitInterval bounds how long an acknowledged offset may sit
// uncommitted. Messages acked inside that window redeliver after a crash.
const offsetCommitInterval = time.Second

var _ events.EventBus = (*EventBus)(nil)

// EventBus routes domain events through Kafka. Publishing is synchronous and
// waits for full ISR acknowledgement; consumption runs through a consumer
// group with auto-commit disabled.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// routes maps each event type to the topic that carries it.
	routes map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBusFromConfig dials the brokers and assembles a bus ready to
// publish and subscribe. Metrics are mandatory; the bus is the seam every
// cross-process hop passes through, so an uninstrumented one hides outages.
func NewEventBusFromConfig(
	cfg *Config,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	producer, err := newSyncProducer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	consumerGroup, err := newConsumerGroup(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		routes: map[events.EventType]string{
			scanning.EventTypeTaskSubmitted:     cfg.TaskTopic,      // client -> worker
			scanning.EventTypeTaskStarted:       cfg.LifecycleTopic, // worker -> observers
			scanning.EventTypeTaskStageAdvanced: cfg.LifecycleTopic,
			scanning.EventTypeTaskCompleted:     cfg.LifecycleTopic,
			scanning.EventTypeTaskFailed:        cfg.LifecycleTopic,
			scanning.EventTypeTaskCancelled:     cfg.LifecycleTopic,
			scanning.EventTypeTaskProgressed:    cfg.ProgressTopic, // worker -> observers
		},
		logger: log.With(
			"component", "kafka_event_bus",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
			"service_type", cfg.ServiceType,
		),
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// newSyncProducer builds a producer that blocks until the full ISR set
// acknowledges each message. Hash partitioning by key keeps every event for
// one task on one partition, which preserves per-task ordering.
func newSyncProducer(cfg *Config) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(cfg.Brokers, sc)
}

// newConsumerGroup builds a consumer group with auto-commit off. Offsets
// move only after a handler acknowledges the message.
func newConsumerGroup(cfg *Config) (sarama.ConsumerGroup, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Version = sarama.V2_8_0_0
	sc.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	sc.Consumer.Group.Session.Timeout = 20 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if cfg.FromLatest {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
}

// Publish serializes one envelope and sends it to the topic configured for
// its type, blocking until the broker acknowledges the write.
// TODO: retry sends that fail with a transient broker error such as
// LEADER_NOT_AVAILABLE instead of surfacing them immediately.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.routes[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	value, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(value),
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)
	return nil
}

// Subscribe starts a consumer group session over the topics that carry
// eventTypes and feeds every decoded envelope to handler. The session runs
// until ctx is cancelled or the bus closes.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")))
	defer span.End()

	// Several event types usually share a topic; subscribe to each topic once.
	seen := make(map[string]struct{})
	topics := make([]string, 0, len(eventTypes))
	for _, et := range eventTypes {
		topic, ok := b.routes[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)
	return nil
}

// consumeLoop keeps rejoining the consumer group after rebalances until ctx
// ends.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler events.HandlerFunc) {
	h := &claimHandler{
		handler: handler,
		logger:  b.logger,
		tracer:  b.tracer,
		metrics: b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, h); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// claimHandler adapts the subscriber's HandlerFunc to sarama's consumer
// group contract.
type claimHandler struct {
	handler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim drains one assigned partition. Offsets advance only through
// the ack each handler receives; a handler that never acks leaves its
// message uncommitted for redelivery.
func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)
	log := h.logger.With("operation", "consume_claim", "partition", claim.Partition())

	lastCommit := time.Now()
	for msg := range claim.Messages() {
		h.consumeMessage(sess, claim, msg, &lastCommit, log)
	}

	// Flush anything marked since the last periodic commit.
	sess.Commit()
	return nil
}

// consumeMessage decodes one record and runs the subscriber's handler.
// Records that cannot be decoded are marked immediately; replaying a poison
// message would fail the same way forever.
func (h *claimHandler) consumeMessage(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
	msg *sarama.ConsumerMessage,
	lastCommit *time.Time,
	log *logger.Logger,
) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evtType, payloadBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		sess.MarkMessage(msg, "")
		span.RecordError(err)
		return
	}

	payload, err := serialization.DeserializePayload(evtType, payloadBytes)
	if err != nil {
		sess.MarkMessage(msg, "")
		span.RecordError(err)
		return
	}

	envelope := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata: events.EventMetadata{
			Partition: claim.Partition(),
			Offset:    msg.Offset,
		},
	}

	log.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", evtType,
		"key", envelope.Key,
	)

	ack := func(err error) {
		// Handlers may ack from another goroutine after routing the event, so
		// the ack gets its own span linked back to the consume span.
		ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
			trace.WithLinks(trace.LinkFromContext(msgCtx)))
		defer ackSpan.End()

		if err != nil {
			log.Error(ackCtx, "Failed to acknowledge message", "error", err)
			h.metrics.IncConsumeError(ackCtx, msg.Topic)
			ackSpan.RecordError(err)
			ackSpan.SetStatus(codes.Error, "failed to acknowledge message")
			return
		}
		h.metrics.IncMessageConsumed(ackCtx, msg.Topic)
		sess.MarkMessage(msg, "")

		// Committing here blocks the ack path, but only once per interval.
		if time.Since(*lastCommit) > offsetCommitInterval {
			sess.Commit()
			*lastCommit = time.Now()
			log.Debug(ackCtx, "Committed offsets", "topic", msg.Topic, "offset", msg.Offset)
		}
	}

	if err := h.handler(msgCtx, envelope, ack); err != nil {
		log.Error(msgCtx, "Failed to handle message", "error", err)
		span.RecordError(err)
	}
}

// Close shuts the producer down first so nothing new lands while the
// consumer group finishes its final commits.
func (b *EventBus) Close() error {
	log := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		log.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		log.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	log.Info(ctx, "Closed event bus")
	return nil
}
