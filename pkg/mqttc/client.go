// Package mqttc wraps the Eclipse Paho client with the small surface the
// device bridge needs: connect, subscribe with a plain handler func, publish.
package mqttc

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler processes a single inbound MQTT message.
type MessageHandler func(topic string, payload []byte) error

// Config holds the MQTT connection configuration.
type Config struct {
	Logger    *slog.Logger
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// UseTLS enables TLS on the broker connection. Field devices publish
	// through HiveMQ-style cloud brokers on port 8883.
	UseTLS bool
}

// Client is a thin wrapper around a connected paho client.
type Client struct {
	client mqtt.Client
	logger *slog.Logger
}

// New connects to the broker and returns a ready client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		cfg.Logger.Info("mqtt connected", "broker", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		cfg.Logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Client{
		client: client,
		logger: cfg.Logger,
	}, nil
}

// Subscribe registers a handler for the topic filter. Handler errors are
// logged, not propagated; a bad device message must not break the
// subscription.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Error("mqtt message handler failed",
				"topic", msg.Topic(),
				"error", err,
			)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish sends a payload to the topic.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Disconnect closes the broker connection, allowing 250ms for in-flight work.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
