package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay and the agent. Both binaries
// read the same environment; each uses the fields it needs.
type Config struct {
	// Relay configuration
	Port                     int `envconfig:"PORT" default:"8080"`
	MetricsPort              int `envconfig:"METRICS_PORT" default:"9090"`
	HeartbeatIntervalSeconds int `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"30"`

	// Agent configuration
	RelayWSURL   string `envconfig:"RELAY_WS_URL" default:"ws://localhost:8080/"`
	BrowserWSURL string `envconfig:"BROWSER_WS_URL" default:"ws://localhost:9222/devtools/browser"`
	JoinBaseURL  string `envconfig:"JOIN_BASE_URL" default:"https://join.jelly-party.com/"`

	// Identity this agent joins with. An empty PARTY_ID makes the agent mint
	// a fresh party; an empty CLIENT_EMOJI lets the relay assign one.
	PartyID     string `envconfig:"PARTY_ID" default:""`
	ClientName  string `envconfig:"CLIENT_NAME" default:"Anonymous"`
	ClientEmoji string `envconfig:"CLIENT_EMOJI" default:""`
}

// Load loads configuration from a .env file when present, then the
// environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be a valid port number")
	}
	if config.MetricsPort <= 0 || config.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT must be a valid port number")
	}
	if config.Port == config.MetricsPort {
		return fmt.Errorf("PORT and METRICS_PORT must differ")
	}
	if config.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be greater than 0")
	}
	if !isWSURL(config.RelayWSURL) {
		return fmt.Errorf("RELAY_WS_URL must be a ws:// or wss:// URL")
	}
	if !isWSURL(config.BrowserWSURL) {
		return fmt.Errorf("BROWSER_WS_URL must be a ws:// or wss:// URL")
	}
	if config.JoinBaseURL == "" {
		return fmt.Errorf("JOIN_BASE_URL is required")
	}
	if config.ClientName == "" {
		return fmt.Errorf("CLIENT_NAME is required")
	}

	return nil
}

func isWSURL(raw string) bool {
	return strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://")
}
