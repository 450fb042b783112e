package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the deployment configuration. The reconnection and pending
// window values are policy knobs with the documented defaults.
type Config struct {
	Sync struct {
		APIBaseURL           string `yaml:"api_base_url"`
		StreamURL            string `yaml:"stream_url"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
		ReconnectIntervalMs  int    `yaml:"reconnect_interval_ms"`
		PendingBidWindowMs   int    `yaml:"pending_bid_window_ms"`
	} `yaml:"sync"`

	Session struct {
		UserID   int64  `yaml:"user_id"`
		Username string `yaml:"username"`
		Token    string `yaml:"token"`
	} `yaml:"session"`

	DevServer struct {
		Addr               string `yaml:"addr"`
		SimulateIntervalMs int    `yaml:"simulate_interval_ms"`
	} `yaml:"dev_server"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Sync.APIBaseURL = "http://localhost:8080"
	cfg.Sync.StreamURL = "ws://localhost:8080/ws"
	cfg.Sync.MaxReconnectAttempts = 5
	cfg.Sync.ReconnectIntervalMs = 3000
	cfg.Sync.PendingBidWindowMs = 10000
	cfg.Session.Username = "anonymous"
	cfg.DevServer.Addr = ":8080"
	cfg.DevServer.SimulateIntervalMs = 4000
	return cfg
}

// loadConfig reads the YAML config file when present and applies
// environment overrides on top
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.Sync.APIBaseURL = getEnv("BIDSYNC_API_URL", cfg.Sync.APIBaseURL)
	cfg.Sync.StreamURL = getEnv("BIDSYNC_STREAM_URL", cfg.Sync.StreamURL)
	cfg.Sync.MaxReconnectAttempts = getEnvAsInt("BIDSYNC_MAX_RECONNECT_ATTEMPTS", cfg.Sync.MaxReconnectAttempts)
	cfg.Sync.ReconnectIntervalMs = getEnvAsInt("BIDSYNC_RECONNECT_INTERVAL_MS", cfg.Sync.ReconnectIntervalMs)
	cfg.Sync.PendingBidWindowMs = getEnvAsInt("BIDSYNC_PENDING_BID_WINDOW_MS", cfg.Sync.PendingBidWindowMs)
	cfg.Session.Username = getEnv("BIDSYNC_USERNAME", cfg.Session.Username)
	cfg.Session.Token = getEnv("BIDSYNC_TOKEN", cfg.Session.Token)

	return cfg, nil
}

func (c *Config) reconnectInterval() time.Duration {
	return time.Duration(c.Sync.ReconnectIntervalMs) * time.Millisecond
}

func (c *Config) pendingBidWindow() time.Duration {
	return time.Duration(c.Sync.PendingBidWindowMs) * time.Millisecond
}

func (c *Config) simulateInterval() time.Duration {
	return time.Duration(c.DevServer.SimulateIntervalMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
