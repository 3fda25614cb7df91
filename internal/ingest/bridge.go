package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"brainlytree.dev/moldwatch/pkg/mq"
	"brainlytree.dev/moldwatch/pkg/mqttc"
)

// DeviceTopicFilter matches the data topic every camera publishes on:
// ESP32CAM/<MAC>/data.
const DeviceTopicFilter = "ESP32CAM/+/data"

// BridgeConfig holds the configuration for the Bridge.
type BridgeConfig struct {
	Logger  *slog.Logger
	MQTT    *mqttc.Client
	Queue   mq.ClientInterface
	Tracker *ChunkTracker
	Topic   string
}

// Bridge subscribes to the device MQTT topic, forwards wake events onto the
// durable internal queue, and feeds image metadata and chunks straight into
// the chunk tracker.
type Bridge struct {
	logger  *slog.Logger
	mqtt    *mqttc.Client
	queue   mq.ClientInterface
	tracker *ChunkTracker
	topic   string
}

// NewBridge creates a new Bridge instance.
func NewBridge(cfg *BridgeConfig) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("bridge config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MQTT == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue client cannot be nil")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("chunk tracker cannot be nil")
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DeviceTopicFilter
	}

	return &Bridge{
		logger:  cfg.Logger,
		mqtt:    cfg.MQTT,
		queue:   cfg.Queue,
		tracker: cfg.Tracker,
		topic:   topic,
	}, nil
}

// Start subscribes to the device topic.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("starting device bridge", "topic", b.topic)
	return b.mqtt.Subscribe(b.topic, 1, func(topic string, payload []byte) error {
		return b.handleMessage(ctx, topic, payload)
	})
}

// Stop disconnects the MQTT client.
func (b *Bridge) Stop() {
	b.mqtt.Disconnect()
	b.logger.Info("device bridge stopped")
}

func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) error {
	msg, err := decodeDeviceMessage(payload)
	if err != nil {
		return err
	}

	deviceRef := msg.DeviceID
	if deviceRef == "" {
		deviceRef = macFromTopic(topic)
	}
	if deviceRef == "" {
		return fmt.Errorf("message on %s carries no device identity", topic)
	}

	switch msg.classify() {
	case kindWake:
		return b.forwardWake(ctx, deviceRef, msg)

	case kindImageMeta:
		return b.tracker.HandleMeta(ctx, deviceRef, msg.ImageName, *msg.TotalChunkCount)

	case kindChunk:
		data, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode chunk payload: %w", err)
		}
		return b.tracker.HandleChunk(ctx, deviceRef, msg.ImageName, *msg.ChunkID, data)

	default:
		b.logger.Warn("unknown device message format", "topic", topic)
		return nil
	}
}

// forwardWake normalizes the wake and pushes it to the durable queue so a
// broker or process restart cannot lose it.
func (b *Bridge) forwardWake(ctx context.Context, deviceRef string, msg *deviceMessage) error {
	capturedAt := time.Now().UTC()
	if msg.CapturedAt != nil {
		capturedAt = msg.CapturedAt.UTC()
	}

	event := WakeEvent{
		DeviceRef:  deviceRef,
		CapturedAt: capturedAt,
		ImageName:  msg.ImageName,
		Telemetry:  msg.Telemetry,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode wake event: %w", err)
	}

	if err := b.queue.Push(ctx, body); err != nil {
		return fmt.Errorf("failed to enqueue wake event: %w", err)
	}

	b.logger.Debug("wake event forwarded", "device", deviceRef)
	return nil
}

// macFromTopic extracts the MAC segment from ESP32CAM/<MAC>/data.
func macFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}
