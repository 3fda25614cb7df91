// Package ingest accepts device wake events and chunked image transfers.
// Devices publish JSON to MQTT; the bridge normalizes wake events onto a
// durable RabbitMQ queue and feeds chunks straight into the tracker.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Telemetry keys devices send. Unknown keys are ignored.
const (
	KeyTemperature = "temperature"
	KeyHumidity    = "humidity"
	KeyPressure    = "pressure"
	KeyGas         = "gas_resistance"
	KeyBattery     = "battery_voltage"
	KeySignal      = "signal_strength"
)

// WakeEvent is the normalized wake message carried on the internal queue
// and accepted by the HTTP ingestion call.
type WakeEvent struct {
	DeviceRef  string             `json:"device_id"`
	CapturedAt time.Time          `json:"captured_at"`
	ImageName  string             `json:"image_name,omitempty"`
	Telemetry  map[string]float64 `json:"telemetry"`
}

// deviceMessage is the raw JSON a device publishes. One shape covers all
// three message kinds: a wake with telemetry, image metadata
// (total_chunk_count without chunk_id), and a chunk (chunk_id plus base64
// payload).
type deviceMessage struct {
	DeviceID        string             `json:"device_id"`
	ImageName       string             `json:"image_name"`
	CapturedAt      *time.Time         `json:"captured_at"`
	Telemetry       map[string]float64 `json:"telemetry"`
	TotalChunkCount *int               `json:"total_chunk_count"`
	ChunkID         *int               `json:"chunk_id"`
	Payload         string             `json:"payload"`
}

type messageKind int

const (
	kindUnknown messageKind = iota
	kindWake
	kindImageMeta
	kindChunk
)

// classify decides which of the three device message kinds this is.
// Metadata carries total_chunk_count but no chunk_id; a chunk carries
// chunk_id; anything else with telemetry is a wake.
func (m *deviceMessage) classify() messageKind {
	switch {
	case m.ChunkID != nil:
		return kindChunk
	case m.TotalChunkCount != nil:
		return kindImageMeta
	case m.Telemetry != nil:
		return kindWake
	default:
		return kindUnknown
	}
}

func decodeDeviceMessage(payload []byte) (*deviceMessage, error) {
	var msg deviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode device message: %w", err)
	}
	return &msg, nil
}
