package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"brainlytree.dev/moldwatch/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingest server",
	Long: `Run the ingest server that:
- Bridges device MQTT traffic onto the durable wake queue
- Consumes wake events and maintains day sessions
- Buffers and assembles chunked image transfers
- Submits completed images for scoring and reconciles stuck ones`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	// Ingest-specific flags
	ingestCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	ingestCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	ingestCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	ingestCmd.Flags().String("db-password", "", "PostgreSQL password")
	ingestCmd.Flags().String("db-name", "moldwatch", "PostgreSQL database name")
	ingestCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	ingestCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	ingestCmd.Flags().String("queue-name", "wake-events", "RabbitMQ queue name for wake events")
	ingestCmd.Flags().String("mqtt-broker-url", "tcp://localhost:1883", "MQTT broker URL")
	ingestCmd.Flags().String("mqtt-client-id", "moldwatch-ingest", "MQTT client identifier")
	ingestCmd.Flags().String("mqtt-username", "", "MQTT username")
	ingestCmd.Flags().String("mqtt-password", "", "MQTT password")
	ingestCmd.Flags().String("mqtt-topic", ingest.DeviceTopicFilter, "MQTT device data topic filter")
	ingestCmd.Flags().String("redis-addr", "localhost:6379", "Redis address for the chunk buffer")
	ingestCmd.Flags().String("redis-password", "", "Redis password")
	ingestCmd.Flags().Int("redis-db", 0, "Redis database number")
	ingestCmd.Flags().Duration("chunk-ttl", time.Hour, "Chunk buffer TTL")
	ingestCmd.Flags().String("image-dir", "/var/lib/moldwatch/images", "Directory for assembled images")
	ingestCmd.Flags().String("scoring-url", "", "Scoring service base URL (empty disables scoring)")
	ingestCmd.Flags().String("scoring-api-key", "", "Scoring service API key")
	ingestCmd.Flags().String("metrics-addr", ":9100", "Prometheus metrics listen address")

	// Bind flags to viper
	_ = viper.BindPFlag("ingest.db.host", ingestCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("ingest.db.port", ingestCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("ingest.db.user", ingestCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("ingest.db.password", ingestCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("ingest.db.name", ingestCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("ingest.db.sslmode", ingestCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("ingest.rabbitmq.url", ingestCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("ingest.rabbitmq.queue_name", ingestCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("ingest.mqtt.broker_url", ingestCmd.Flags().Lookup("mqtt-broker-url"))
	_ = viper.BindPFlag("ingest.mqtt.client_id", ingestCmd.Flags().Lookup("mqtt-client-id"))
	_ = viper.BindPFlag("ingest.mqtt.username", ingestCmd.Flags().Lookup("mqtt-username"))
	_ = viper.BindPFlag("ingest.mqtt.password", ingestCmd.Flags().Lookup("mqtt-password"))
	_ = viper.BindPFlag("ingest.mqtt.topic", ingestCmd.Flags().Lookup("mqtt-topic"))
	_ = viper.BindPFlag("ingest.redis.addr", ingestCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("ingest.redis.password", ingestCmd.Flags().Lookup("redis-password"))
	_ = viper.BindPFlag("ingest.redis.db", ingestCmd.Flags().Lookup("redis-db"))
	_ = viper.BindPFlag("ingest.chunk_ttl", ingestCmd.Flags().Lookup("chunk-ttl"))
	_ = viper.BindPFlag("ingest.image_dir", ingestCmd.Flags().Lookup("image-dir"))
	_ = viper.BindPFlag("ingest.scoring.url", ingestCmd.Flags().Lookup("scoring-url"))
	_ = viper.BindPFlag("ingest.scoring.api_key", ingestCmd.Flags().Lookup("scoring-api-key"))
	_ = viper.BindPFlag("ingest.metrics.addr", ingestCmd.Flags().Lookup("metrics-addr"))
}

func runIngest(_ *cobra.Command, _ []string) error {
	logger := GetLogger("ingest")
	logger.Info("starting ingest service")

	config := &ingest.ServerConfig{
		Logger:        logger,
		DBHost:        viper.GetString("ingest.db.host"),
		DBPort:        viper.GetInt("ingest.db.port"),
		DBUser:        viper.GetString("ingest.db.user"),
		DBPassword:    viper.GetString("ingest.db.password"),
		DBName:        viper.GetString("ingest.db.name"),
		DBSSLMode:     viper.GetString("ingest.db.sslmode"),
		RabbitMQURL:   viper.GetString("ingest.rabbitmq.url"),
		QueueName:     viper.GetString("ingest.rabbitmq.queue_name"),
		MQTTBrokerURL: viper.GetString("ingest.mqtt.broker_url"),
		MQTTClientID:  viper.GetString("ingest.mqtt.client_id"),
		MQTTUsername:  viper.GetString("ingest.mqtt.username"),
		MQTTPassword:  viper.GetString("ingest.mqtt.password"),
		MQTTTopic:     viper.GetString("ingest.mqtt.topic"),
		RedisAddr:     viper.GetString("ingest.redis.addr"),
		RedisPassword: viper.GetString("ingest.redis.password"),
		RedisDB:       viper.GetInt("ingest.redis.db"),
		ChunkTTL:      viper.GetDuration("ingest.chunk_ttl"),
		ImageDir:      viper.GetString("ingest.image_dir"),
		ScoringURL:    viper.GetString("ingest.scoring.url"),
		ScoringAPIKey: viper.GetString("ingest.scoring.api_key"),
		MetricsAddr:   viper.GetString("ingest.metrics.addr"),
	}

	server, err := ingest.NewServer(config)
	if err != nil {
		logger.Error("failed to create ingest server", "error", err)
		return err
	}

	logger.Info("ingest server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"queue", config.QueueName,
		"mqtt_broker", config.MQTTBrokerURL,
		"mqtt_topic", config.MQTTTopic,
		"redis_addr", config.RedisAddr,
		"image_dir", config.ImageDir,
		"metrics_addr", config.MetricsAddr,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("ingest server error", "error", err)
		return err
	}

	logger.Info("ingest server stopped")
	return nil
}
