package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: 3,
	}, nil
}

// WithDLQ routes messages that fail permanently, or exhaust their retries, to topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, 10*time.Minute),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.process(session, msg)
	}
	return nil
}

// process retries transient failures in place so the partition offset never moves
// past an unhandled message; permanent or exhausted failures go to the DLQ.
func (h *consumerGroupHandler) process(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx := session.Context()
	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.clear(msg)
			session.MarkMessage(msg, "")
			return
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)

		var dlqErr *DLQError
		permanent := errors.As(err, &dlqErr)
		attempts := h.retryTracker.record(msg)
		if !permanent && !h.retryTracker.exhausted(attempts) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempts) * 200 * time.Millisecond):
			}
			continue
		}
		if dlqErr == nil {
			dlqErr = &DLQError{Err: err, Reason: "retries_exhausted"}
		}
		h.deadLetter(session, msg, dlqErr, attempts)
		return
	}
}

func (h *consumerGroupHandler) deadLetter(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Warn("kafka message dropped without dlq", "topic", msg.Topic, "offset", msg.Offset)
		h.retryTracker.clear(msg)
		session.MarkMessage(msg, "")
		return
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	if _, _, err := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, string(msg.Key), payload); err != nil {
		h.logger.Error("kafka dlq publish failed", "topic", h.dlqTopic, "error", err)
		return
	}
	h.retryTracker.clear(msg)
	session.MarkMessage(msg, "")
}

type retryKey struct {
	topic     string
	partition int32
	offset    int64
}

type retryEntry struct {
	attempts int
	seen     time.Time
}

type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	entries     map[retryKey]retryEntry
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		entries:     make(map[retryKey]retryEntry),
	}
}

func (r *retryTracker) record(msg *sarama.ConsumerMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for k, e := range r.entries {
		if now.Sub(e.seen) > r.ttl {
			delete(r.entries, k)
		}
	}
	key := retryKey{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
	e := r.entries[key]
	e.attempts++
	e.seen = now
	r.entries[key] = e
	return e.attempts
}

func (r *retryTracker) exhausted(attempts int) bool {
	return attempts >= r.maxAttempts
}

func (r *retryTracker) clear(msg *sarama.ConsumerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, retryKey{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset})
}
