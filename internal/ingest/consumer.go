package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/pkg/metrics"
	"brainlytree.dev/moldwatch/pkg/mq"
)

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger      *slog.Logger
	Handler     *Handler
	RabbitMQURL string
	QueueName   string
	Metrics     *metrics.IngestMetrics // optional
}

// Consumer consumes normalized wake events from RabbitMQ and feeds them to
// the wake handler.
type Consumer struct {
	logger   *slog.Logger
	handler  *Handler
	mqClient mq.ClientInterface
	metrics  *metrics.IngestMetrics
	done     chan struct{}
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("wake handler cannot be nil")
	}
	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	mqClient := mq.New(cfg.QueueName, cfg.RabbitMQURL, cfg.Logger)

	return &Consumer{
		logger:   cfg.Logger,
		handler:  cfg.Handler,
		mqClient: mqClient,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}, nil
}

// Start begins consuming messages from RabbitMQ.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting wake consumer")

	// Wait for MQ client to be ready
	time.Sleep(2 * time.Second)

	deliveries, err := c.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("wake consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping wake processing")
			close(c.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				close(c.done)
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()

	var event WakeEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		c.logger.Error("failed to decode wake event", "error", err)
		if c.metrics != nil {
			c.metrics.WakeErrors.WithLabelValues("decode").Inc()
		}
		// Acknowledge malformed messages to avoid reprocessing them forever.
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	_, err := c.handler.HandleWake(ctx, &WakeRequest{
		DeviceRef:  event.DeviceRef,
		CapturedAt: event.CapturedAt,
		ImageName:  event.ImageName,
		Telemetry:  event.Telemetry,
	})
	if err != nil {
		var lerr *lineage.LineageError
		if errors.As(err, &lerr) {
			// Incomplete lineage will not heal by requeueing; drop and let
			// operations act on the log.
			c.logger.Error("dropping wake with incomplete lineage",
				"device", lerr.DeviceRef,
				"level", lerr.Level,
				"error", err,
			)
			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Error("failed to ack message", "error", ackErr)
			}
			return
		}

		c.logger.Error("failed to ingest wake",
			"device", event.DeviceRef,
			"error", err,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
		return
	}

	if c.metrics != nil {
		c.metrics.IngestDuration.WithLabelValues("amqp").Observe(time.Since(start).Seconds())
	}
	c.logger.Debug("wake event processed", "device", event.DeviceRef)
}

// Stop stops the consumer and closes the MQ client.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping wake consumer")

	if err := c.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	<-c.done

	c.logger.Info("wake consumer stopped")
	return nil
}
