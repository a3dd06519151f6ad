package tradovate

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Environment types for Tradovate
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// Config holds the environment-specific endpoints plus the optional tunables
// loaded from a YAML overrides file.
type Config struct {
	Environment Environment

	TradingRESTURL    string
	MarketDataRESTURL string
	TradingWSURL      string
	MarketDataWSURL   string

	Tunables Tunables
}

// Tunables are operational knobs that can be overridden via the YAML file
// named by TRADOVATE_CONFIG. All values have safe defaults; the file is
// optional.
type Tunables struct {
	LogLevel           string `yaml:"log_level"`
	HeartbeatAfterMs   int    `yaml:"heartbeat_after_ms"`
	ConnectTimeoutSec  int    `yaml:"connect_timeout_sec"`
	ReconnectDelaySec  int    `yaml:"reconnect_delay_sec"`
	ThrottleRetrySec   int    `yaml:"throttle_retry_sec"`
	RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
	MaxTicketReplays   int    `yaml:"max_ticket_replays"`
}

func defaultTunables() Tunables {
	return Tunables{
		LogLevel:          "info",
		HeartbeatAfterMs:  2500,
		ConnectTimeoutSec: 30,
		ReconnectDelaySec: 5,
		ThrottleRetrySec:  2,
		RequestTimeoutSec: 15,
		MaxTicketReplays:  8,
	}
}

// HeartbeatAfter returns the traffic-driven heartbeat cadence as a duration.
func (t Tunables) HeartbeatAfter() time.Duration {
	return time.Duration(t.HeartbeatAfterMs) * time.Millisecond
}

// ConnectTimeout returns the hard connect deadline as a duration.
func (t Tunables) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutSec) * time.Second
}

// ReconnectDelay returns the supervisor back-off delay as a duration.
func (t Tunables) ReconnectDelay() time.Duration {
	return time.Duration(t.ReconnectDelaySec) * time.Second
}

// ThrottleRetry returns the wait applied before retrying a throttled call.
func (t Tunables) ThrottleRetry() time.Duration {
	return time.Duration(t.ThrottleRetrySec) * time.Second
}

// RequestTimeout returns the per-request HTTP timeout as a duration.
func (t Tunables) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSec) * time.Second
}

// LoadEnvironmentConfig loads environment-specific Tradovate configuration
// from environment variables. TRADOVATE_ENVIRONMENT value "live" selects the
// live endpoints; any other value (including empty) selects demo.
func LoadEnvironmentConfig(logger *zap.SugaredLogger) (*Config, error) {
	environment := os.Getenv("TRADOVATE_ENVIRONMENT")

	cfg := &Config{Tunables: defaultTunables()}

	switch environment {
	case "live":
		cfg.Environment = EnvLive
		cfg.TradingRESTURL = "https://live.tradovateapi.com/v1"
		cfg.MarketDataRESTURL = "https://md.tradovateapi.com/v1"
		cfg.TradingWSURL = "wss://live.tradovateapi.com/v1/websocket"
		cfg.MarketDataWSURL = "wss://md.tradovateapi.com/v1/websocket"
		logger.Warn("Configured for LIVE trading environment - real money at risk!")

	default:
		cfg.Environment = EnvDemo
		cfg.TradingRESTURL = "https://demo.tradovateapi.com/v1"
		cfg.MarketDataRESTURL = "https://md-demo.tradovateapi.com/v1"
		cfg.TradingWSURL = "wss://demo.tradovateapi.com/v1/websocket"
		cfg.MarketDataWSURL = "wss://md-demo.tradovateapi.com/v1/websocket"
		logger.Info("Using demo trading environment")
	}

	if path := os.Getenv("TRADOVATE_CONFIG"); path != "" {
		if err := loadTunables(path, &cfg.Tunables); err != nil {
			return nil, fmt.Errorf("failed to load tunables from %s: %w", path, err)
		}
		logger.Infow("Loaded tunables overrides", "path", path)
	}

	logger.Infow("Tradovate environment configured",
		"environment", cfg.Environment,
		"trading_rest", cfg.TradingRESTURL,
		"market_data_ws", cfg.MarketDataWSURL)

	return cfg, nil
}

// loadTunables overlays YAML overrides on top of the defaults already in dst.
func loadTunables(path string, dst *Tunables) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}

// Credentials carries the seven fields of a Tradovate credential exchange.
// All fields must be non-empty for a full auth attempt.
type Credentials struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId"`
	AppVersion string `json:"appVersion"`
	DeviceID   string `json:"deviceId"`
	CID        string `json:"cid"`
	Secret     string `json:"sec"`
}

// CredentialsFromEnv reads credentials from environment variables. The device
// id falls back to a generated UUID when TRADOVATE_DEVICE_ID is unset, so a
// fresh environment still authenticates as a distinct device.
func CredentialsFromEnv() Credentials {
	deviceID := os.Getenv("TRADOVATE_DEVICE_ID")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	return Credentials{
		Name:       os.Getenv("TRADOVATE_USERNAME"),
		Password:   os.Getenv("TRADOVATE_PASSWORD"),
		AppID:      os.Getenv("TRADOVATE_APP_ID"),
		AppVersion: os.Getenv("TRADOVATE_APP_VERSION"),
		DeviceID:   deviceID,
		CID:        os.Getenv("TRADOVATE_CID"),
		Secret:     os.Getenv("TRADOVATE_SECRET"),
	}
}

// Validate reports ErrCredentialsMissing when any required field is empty.
func (c Credentials) Validate() error {
	if c.Name == "" || c.Password == "" || c.AppID == "" || c.AppVersion == "" ||
		c.DeviceID == "" || c.CID == "" || c.Secret == "" {
		return ErrCredentialsMissing
	}
	return nil
}
