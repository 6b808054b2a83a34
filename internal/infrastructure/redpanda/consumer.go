package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the group consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// StartOffset is "earliest" or "latest" for a group without commits.
	StartOffset    string
	SessionTimeout time.Duration
	// HandlerRetries is how often a failing record is retried before it is
	// handed to the dead-letter hook and committed.
	HandlerRetries int
	RetryBackoff   time.Duration
}

// DefaultConsumerConfig returns defaults for the audit archiver.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "careplan-audit-archiver",
		Topics:         []string{TopicAuditTrail},
		StartOffset:    "earliest",
		SessionTimeout: 30 * time.Second,
		HandlerRetries: 3,
		RetryBackoff:   200 * time.Millisecond,
	}
}

// Message is one consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message.
type Handler func(ctx context.Context, msg *Message) error

// DeadLetterFunc receives a message whose handler kept failing.
type DeadLetterFunc func(ctx context.Context, msg *Message, err error)

// Consumer reads a consumer group. A record's offset is marked for commit only
// after its handler succeeded or it was dead-lettered.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	handler    Handler
	deadLetter DeadLetterFunc
	logger     *zap.Logger
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled      int64
	failed       int64
	deadLettered int64
}

// NewConsumer creates a group consumer.
func NewConsumer(cfg ConsumerConfig, handler Handler, deadLetter DeadLetterFunc, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("group id and topics are required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:     client,
		config:     cfg,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.loop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop commits marked offsets and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("commit on stop: %w", err)
	}
	return nil
}

func (c *Consumer) loop() {
	defer c.wg.Done()
	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			if c.ctx.Err() != nil {
				return
			}
			c.process(rec)
			if c.ctx.Err() == nil {
				c.client.MarkCommitRecords(rec)
			}
		})

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

func (c *Consumer) process(rec *kgo.Record) {
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, &headerCarrier{rec: rec})
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", rec.Topic),
			attribute.Int64("partition", int64(rec.Partition)),
			attribute.Int64("offset", rec.Offset),
		))
	defer span.End()

	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   make(map[string]string, len(rec.Headers)),
		Timestamp: rec.Timestamp,
	}
	for _, h := range rec.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	var err error
	for attempt := 0; attempt <= c.config.HandlerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
			}
		}
		if err = c.handler(ctx, msg); err == nil {
			atomic.AddInt64(&c.handled, 1)
			return
		}
		atomic.AddInt64(&c.failed, 1)
		c.logger.Warn("message handler failed",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	atomic.AddInt64(&c.deadLettered, 1)
	if c.deadLetter != nil {
		c.deadLetter(ctx, msg, err)
	}
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	Handled      int64
	Failed       int64
	DeadLettered int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:      atomic.LoadInt64(&c.handled),
		Failed:       atomic.LoadInt64(&c.failed),
		DeadLettered: atomic.LoadInt64(&c.deadLettered),
	}
}
