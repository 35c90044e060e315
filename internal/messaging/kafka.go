package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/validation"
	"github.com/temcen/bookrex/pkg/models"
)

const maxRetries = 3

// RatingEventHandler applies one decoded rating event.
type RatingEventHandler func(ctx context.Context, event models.RatingEvent) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageBus consumes rating events and parks unprocessable ones on the
// dead letter topic.
type MessageBus struct {
	reader    messageReader
	dlqWriter messageWriter
	validator *validation.SchemaValidator
	topic     string
	baseDelay time.Duration
	logger    *logrus.Logger
}

func NewMessageBus(cfg config.KafkaConfig, validator *validation.SchemaValidator, logger *logrus.Logger) *MessageBus {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topics.RatingEvents,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.RatingEventsDLQ,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return newMessageBus(reader, dlqWriter, validator, cfg.Topics.RatingEvents, logger)
}

func newMessageBus(reader messageReader, dlq messageWriter, validator *validation.SchemaValidator, topic string, logger *logrus.Logger) *MessageBus {
	return &MessageBus{
		reader:    reader,
		dlqWriter: dlq,
		validator: validator,
		topic:     topic,
		baseDelay: time.Second,
		logger:    logger,
	}
}

// ConsumeRatingEvents blocks until ctx is done. Every fetched message is
// committed once it has been handled or parked on the DLQ.
func (mb *MessageBus) ConsumeRatingEvents(ctx context.Context, handler RatingEventHandler) error {
	for {
		message, err := mb.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).Error("Failed to read message from Kafka")
			continue
		}

		fields := logrus.Fields{
			"topic":     message.Topic,
			"partition": message.Partition,
			"offset":    message.Offset,
		}

		if err := mb.handleMessage(ctx, message, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).WithFields(fields).Error("Failed to process rating event")
			if dlqErr := mb.sendToDLQ(ctx, message, err); dlqErr != nil {
				mb.logger.WithError(dlqErr).WithFields(fields).Error("Failed to send message to DLQ")
				// leave uncommitted so the message is redelivered
				continue
			}
		}

		if err := mb.reader.CommitMessages(ctx, message); err != nil {
			mb.logger.WithError(err).WithFields(fields).Warn("Failed to commit Kafka offset")
		}
	}
}

func (mb *MessageBus) handleMessage(ctx context.Context, message kafka.Message, handler RatingEventHandler) error {
	if result := mb.validator.ValidateRatingEvent(message.Value); !result.Valid {
		return fmt.Errorf("schema validation failed: %w", result.Err())
	}

	var event models.RatingEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal rating event: %w", err)
	}

	return mb.processWithRetry(ctx, event, handler)
}

func (mb *MessageBus) processWithRetry(ctx context.Context, event models.RatingEvent, handler RatingEventHandler) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := mb.baseDelay * time.Duration(1<<uint(attempt-1))
			mb.logger.WithFields(logrus.Fields{
				"user_id": event.UserID,
				"book_id": event.BookID,
				"attempt": attempt,
				"delay":   delay,
			}).Info("Retrying rating event")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = handler(ctx, event)
		if lastErr == nil {
			return nil
		}
		mb.logger.WithError(lastErr).WithFields(logrus.Fields{
			"user_id": event.UserID,
			"attempt": attempt,
		}).Warn("Rating event processing failed")
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type dlqMessage struct {
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           string          `json:"error"`
	DLQTimestamp    time.Time       `json:"dlq_timestamp"`
}

func (mb *MessageBus) sendToDLQ(ctx context.Context, message kafka.Message, originalError error) error {
	original := json.RawMessage(message.Value)
	if !json.Valid(message.Value) {
		quoted, _ := json.Marshal(string(message.Value))
		original = quoted
	}

	dlqBytes, err := json.Marshal(dlqMessage{
		OriginalMessage: original,
		Error:           originalError.Error(),
		DLQTimestamp:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   message.Key,
		Value: dlqBytes,
		Headers: []kafka.Header{
			{Key: "original_topic", Value: []byte(mb.topic)},
			{Key: "original_offset", Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: "error", Value: []byte(originalError.Error())},
		},
	}

	if err := mb.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"offset": message.Offset,
		"error":  originalError.Error(),
	}).Warn("Message sent to DLQ")

	return nil
}

func (mb *MessageBus) Close() error {
	var errs []error

	if err := mb.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}
	if err := mb.dlqWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close DLQ writer: %w", err))
	}

	return errors.Join(errs...)
}
