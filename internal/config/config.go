package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the configuration for the exchange server.
type Config struct {
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Sequencer SequencerConfig `envPrefix:"SEQUENCER_"`
	Journal   JournalConfig   `envPrefix:"JOURNAL_"`
	Kafka     KafkaConfig     `envPrefix:"KAFKA_"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"` // console or json
}

// ServerConfig holds the TCP listener settings.
type ServerConfig struct {
	Address     string        `env:"ADDRESS" envDefault:"0.0.0.0"`
	Port        int           `env:"PORT" envDefault:"9001"`
	Workers     int           `env:"WORKERS" envDefault:"10"`
	ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
}

// SequencerConfig bounds the queue in front of the matching engine.
type SequencerConfig struct {
	QueueSize     int           `env:"QUEUE_SIZE" envDefault:"1024"`
	SubmitTimeout time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"100ms"`
}

// JournalConfig controls the on-disk trade ledger.
type JournalConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	Path    string `env:"PATH" envDefault:"data/journal"`
}

// KafkaConfig controls trade publication.
type KafkaConfig struct {
	Enabled bool     `env:"ENABLED" envDefault:"false"`
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"trades"`
}

// Load reads an optional .env file from the working directory, then parses
// the environment into a Config and validates it.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad(files ...string) Config {
	cfg, err := Load(files...)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (cfg Config) Validate() error {
	switch {
	case cfg.Server.Port <= 0 || cfg.Server.Port > 65535:
		return fmt.Errorf("%w: server port %d", ErrInvalidConfig, cfg.Server.Port)
	case cfg.Server.Workers <= 0:
		return fmt.Errorf("%w: server workers %d", ErrInvalidConfig, cfg.Server.Workers)
	case cfg.Sequencer.QueueSize <= 0:
		return fmt.Errorf("%w: sequencer queue size %d", ErrInvalidConfig, cfg.Sequencer.QueueSize)
	case cfg.Sequencer.SubmitTimeout < 0:
		return fmt.Errorf("%w: negative submit timeout", ErrInvalidConfig)
	case cfg.Journal.Enabled && cfg.Journal.Path == "":
		return fmt.Errorf("%w: journal enabled without a path", ErrInvalidConfig)
	case cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0:
		return fmt.Errorf("%w: kafka enabled without brokers", ErrInvalidConfig)
	}
	return nil
}

// ListenAddress is the host:port the server binds.
func (cfg ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
}
