// Package config loads and validates the daemon's configuration from
// environment variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/s2opc-rt/pubsubcore/internal/logging"
)

// Config holds every knob the reference daemon (cmd/rtpubsubd) needs to
// wire the core to its external collaborators. Tags:
//
//	env: environment variable name
//	envDefault: value used when the variable is unset
type Config struct {
	// Tick source
	TickInterval time.Duration `env:"RTPS_TICK_INTERVAL" envDefault:"10ms"`

	// IRT / Publisher sizing
	NMessages        uint32 `env:"RTPS_N_MESSAGES" envDefault:"8"`
	MaxMessageSize   uint32 `env:"RTPS_MAX_MESSAGE_SIZE" envDefault:"256"`
	MessagePeriodMs  uint32 `env:"RTPS_MESSAGE_PERIOD_TICKS" envDefault:"100"`
	MessageOffsetMs  uint32 `env:"RTPS_MESSAGE_OFFSET_TICKS" envDefault:"0"`

	// MBX / Subscriber sizing
	NInputs       int `env:"RTPS_N_INPUTS" envDefault:"1"`
	NOutputs      int `env:"RTPS_N_OUTPUTS" envDefault:"1"`
	MaxClients    int `env:"RTPS_MAX_CLIENTS" envDefault:"4"`
	MaxEvents     int `env:"RTPS_MAX_EVENTS" envDefault:"16"`
	MaxPayload    int `env:"RTPS_MAX_PAYLOAD" envDefault:"256"`

	// Transport: NATS feeds the subscriber's input MBX and republishes
	// the first output pin
	NATSURL            string        `env:"RTPS_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject        string        `env:"RTPS_NATS_SUBJECT" envDefault:"rtpubsub.input"`
	NATSOutSubject     string        `env:"RTPS_NATS_OUT_SUBJECT" envDefault:"rtpubsub.output"`
	NATSOutletInterval time.Duration `env:"RTPS_NATS_OUTLET_INTERVAL" envDefault:"40ms"`

	// Transport: Kafka feeds the publisher's messages
	KafkaBrokers       string `env:"RTPS_KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaConsumerGroup string `env:"RTPS_KAFKA_CONSUMER_GROUP" envDefault:"rtpubsubd"`
	KafkaTopic         string `env:"RTPS_KAFKA_TOPIC" envDefault:"rtpubsub.payloads"`

	// Admission gate (internal/platform.ResourceGuard)
	CPURejectThreshold float64 `env:"RTPS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MaxInputRatePerSec int     `env:"RTPS_MAX_INPUT_RATE" envDefault:"2000"`

	// Observability
	MetricsAddr     string        `env:"RTPS_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"RTPS_METRICS_INTERVAL" envDefault:"15s"`
	LogLevel        logging.Level `env:"RTPS_LOG_LEVEL" envDefault:"info"`
	LogFormat       logging.Format `env:"RTPS_LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) then environment variables into a Config
// and validates it. logger may be nil during early bootstrap, before a
// structured logger exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks range, enum, and sizing-rule invariants. It rejects
// configurations that would violate a core invariant (e.g. MaxEvents < 2,
// since DBO requires n_slots >= 2) before the core ever gets a chance to.
func (c *Config) Validate() error {
	if c.NMessages == 0 {
		return fmt.Errorf("RTPS_N_MESSAGES must be > 0")
	}
	if c.MaxMessageSize == 0 {
		return fmt.Errorf("RTPS_MAX_MESSAGE_SIZE must be > 0")
	}
	if c.MessagePeriodMs == 0 {
		return fmt.Errorf("RTPS_MESSAGE_PERIOD_TICKS must be > 0")
	}
	if c.NInputs < 0 || c.NOutputs < 0 {
		return fmt.Errorf("RTPS_N_INPUTS/RTPS_N_OUTPUTS must be >= 0")
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("RTPS_MAX_CLIENTS must be > 0")
	}
	if c.MaxEvents < 2 {
		return fmt.Errorf("RTPS_MAX_EVENTS must be >= 2 (DBO requires n_slots >= 2)")
	}
	if c.MaxPayload < 1 {
		return fmt.Errorf("RTPS_MAX_PAYLOAD must be > 0")
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RTPS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MaxInputRatePerSec < 1 {
		return fmt.Errorf("RTPS_MAX_INPUT_RATE must be > 0")
	}
	switch c.LogLevel {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("RTPS_LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case logging.FormatJSON, logging.FormatPretty:
	default:
		return fmt.Errorf("RTPS_LOG_FORMAT must be one of json,pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured record.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Dur("tick_interval", c.TickInterval).
		Uint32("n_messages", c.NMessages).
		Uint32("max_message_size", c.MaxMessageSize).
		Int("n_inputs", c.NInputs).
		Int("n_outputs", c.NOutputs).
		Int("max_clients", c.MaxClients).
		Int("max_events", c.MaxEvents).
		Int("max_payload", c.MaxPayload).
		Str("nats_url", c.NATSURL).
		Str("kafka_brokers", c.KafkaBrokers).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", string(c.LogLevel)).
		Msg("configuration loaded")
}
