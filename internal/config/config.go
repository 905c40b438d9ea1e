package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	QueueDriverMemory    = "memory"
	QueueDriverJetStream = "jetstream"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	HospitalID  string `mapstructure:"HOSPITAL_ID"`

	MLLPHost           string        `mapstructure:"MLLP_HOST"`
	MLLPPorts          string        `mapstructure:"MLLP_PORTS"`
	MLLPIdleTimeout    time.Duration `mapstructure:"MLLP_IDLE_TIMEOUT"`
	MLLPKeepAlive      time.Duration `mapstructure:"MLLP_KEEPALIVE"`
	MLLPMaxMessageSize int           `mapstructure:"MLLP_MAX_MESSAGE_SIZE"`
	SentinelDeviceID   string        `mapstructure:"SENTINEL_DEVICE_ID"`

	SenderApp       string        `mapstructure:"SENDER_APP"`
	SenderFacility  string        `mapstructure:"SENDER_FACILITY"`
	HL7Version      string        `mapstructure:"HL7_VERSION"`
	DispatchTimeout time.Duration `mapstructure:"DISPATCH_TIMEOUT"`

	QueueDriver      string        `mapstructure:"QUEUE_DRIVER"`
	QueueCapacity    int           `mapstructure:"QUEUE_CAPACITY"`
	QueueWorkers     int           `mapstructure:"QUEUE_WORKERS"`
	QueueMaxAttempts int           `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	QueueBackoff     time.Duration `mapstructure:"QUEUE_BACKOFF"`
	QueueSpoolPath   string        `mapstructure:"QUEUE_SPOOL_PATH"`

	NATSURL      string `mapstructure:"NATS_URL"`
	NATSStream   string `mapstructure:"NATS_STREAM"`
	NATSSubject  string `mapstructure:"NATS_SUBJECT"`
	NATSConsumer string `mapstructure:"NATS_CONSUMER"`

	StaleAfter time.Duration `mapstructure:"STALE_AFTER"`

	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	APIBodyLimit      string        `mapstructure:"API_BODY_LIMIT"`
	APIRequestTimeout time.Duration `mapstructure:"API_REQUEST_TIMEOUT"`
	APIRateLimit      float64       `mapstructure:"API_RATE_LIMIT"`
	APIRateBurst      int           `mapstructure:"API_RATE_BURST"`
}

var defaults = map[string]interface{}{
	"ENV":                   "development",
	"PORT":                  "8000",
	"DB_MAX_CONNS":          20,
	"DB_MIN_CONNS":          5,
	"MLLP_HOST":             "0.0.0.0",
	"MLLP_PORTS":            "2575",
	"MLLP_IDLE_TIMEOUT":     "0s",
	"MLLP_KEEPALIVE":        "30s",
	"MLLP_MAX_MESSAGE_SIZE": 1 << 20,
	"SENTINEL_DEVICE_ID":    uuid.Nil.String(),
	"SENDER_APP":            "HIS",
	"SENDER_FACILITY":       "HOSPITAL",
	"HL7_VERSION":           "2.5",
	"DISPATCH_TIMEOUT":      "5s",
	"QUEUE_DRIVER":          QueueDriverMemory,
	"QUEUE_CAPACITY":        1024,
	"QUEUE_WORKERS":         1,
	"QUEUE_MAX_ATTEMPTS":    3,
	"QUEUE_BACKOFF":         "2s",
	"NATS_URL":              "nats://127.0.0.1:4222",
	"NATS_STREAM":           "DEVICELINK",
	"NATS_SUBJECT":          "devicelink.inbound",
	"NATS_CONSUMER":         "devicelink-processor",
	"STALE_AFTER":           "5m",
	"API_BODY_LIMIT":        "1M",
	"API_REQUEST_TIMEOUT":   "30s",
	"API_RATE_LIMIT":        20,
	"API_RATE_BURST":        40,
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	// Keys without a default still need binding so Unmarshal sees them.
	for _, key := range []string{"DATABASE_URL", "HOSPITAL_ID", "QUEUE_SPOOL_PATH", "AUTH_SIGNING_KEY", "AUTH_ISSUER"} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Ports returns the MLLP listener ports in configured order.
func (c *Config) Ports() ([]int, error) {
	var ports []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(c.MLLPPorts, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("MLLP_PORTS: invalid port %q", part)
		}
		if seen[p] {
			return nil, fmt.Errorf("MLLP_PORTS: port %d listed twice", p)
		}
		seen[p] = true
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("MLLP_PORTS must list at least one port")
	}
	return ports, nil
}

// HospitalUUID returns the configured hospital scope, or uuid.Nil for any.
func (c *Config) HospitalUUID() uuid.UUID {
	id, _ := uuid.Parse(c.HospitalID)
	return id
}

// SentinelUUID returns the device id used when an inbound message cannot be
// attributed to a registered device.
func (c *Config) SentinelUUID() uuid.UUID {
	id, _ := uuid.Parse(c.SentinelDeviceID)
	return id
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}
	if _, err := c.Ports(); err != nil {
		return err
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("PORT: invalid port %q", c.Port)
	}

	switch c.QueueDriver {
	case QueueDriverMemory:
	case QueueDriverJetStream:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when QUEUE_DRIVER is %q", QueueDriverJetStream)
		}
	default:
		return fmt.Errorf("QUEUE_DRIVER must be %q or %q, got %q", QueueDriverMemory, QueueDriverJetStream, c.QueueDriver)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.QueueMaxAttempts)
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be positive")
	}

	if c.APIRateLimit < 0 {
		return fmt.Errorf("API_RATE_LIMIT must not be negative")
	}
	if c.APIRateLimit > 0 && c.APIRateBurst < 1 {
		return fmt.Errorf("API_RATE_BURST must be at least 1 when API_RATE_LIMIT is set")
	}

	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}

	if c.HospitalID != "" {
		if _, err := uuid.Parse(c.HospitalID); err != nil {
			return fmt.Errorf("HOSPITAL_ID is not a valid UUID: %w", err)
		}
	}
	if c.SentinelDeviceID != "" {
		if _, err := uuid.Parse(c.SentinelDeviceID); err != nil {
			return fmt.Errorf("SENTINEL_DEVICE_ID is not a valid UUID: %w", err)
		}
	}
	return nil
}
