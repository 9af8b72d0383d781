// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jason-s-yu/cambia-host/internal/hub"
)

var ErrInvalidConfig = errors.New("config: invalid value")

// Config is loaded once at startup and never changed afterwards.
type Config struct {
	Port     string
	LogLevel string

	// LobbySize is the member count at which the default checker reports a
	// lobby ready for launch.
	LobbySize    int
	LobbyTimeout time.Duration

	LaunchAckTimeout  time.Duration
	LaunchRetryWindow time.Duration

	UserGrace       time.Duration
	HubGrace        time.Duration
	UserBufferLimit int
	HubBufferLimit  int

	SweepInterval  time.Duration
	EventQueueSize int
	HubPolicy      hub.Policy

	// HubSecretHash is the argon2id hash hubs must present the secret for.
	// Empty disables the check.
	HubSecretHash   string
	TokenExpireTime string

	RedisAddr        string
	RedisDB          int
	HistoryQueueName string

	HistorianBatchSize int
	HistorianFlush     time.Duration

	// GameConfig is forwarded verbatim to hubs in every launch_game.
	GameConfig map[string]string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:               "8080",
		LogLevel:           "info",
		LobbySize:          4,
		LobbyTimeout:       5 * time.Minute,
		LaunchAckTimeout:   10 * time.Second,
		LaunchRetryWindow:  time.Minute,
		UserGrace:          30 * time.Second,
		HubGrace:           60 * time.Second,
		UserBufferLimit:    256,
		HubBufferLimit:     1024,
		SweepInterval:      time.Second,
		EventQueueSize:     1024,
		HubPolicy:          hub.PolicyLeastRatio,
		RedisAddr:          "localhost:6379",
		HistoryQueueName:   "cambia_lifecycle",
		HistorianBatchSize: 20,
		HistorianFlush:     500 * time.Millisecond,
		GameConfig:         map[string]string{},
	}
}

// fileConfig is the TOML layout of HOST_CONFIG_FILE.
type fileConfig struct {
	Port              string            `toml:"port"`
	LogLevel          string            `toml:"log_level"`
	LobbySize         int               `toml:"lobby_size"`
	LobbyTimeout      string            `toml:"lobby_timeout"`
	LaunchAckTimeout  string            `toml:"launch_ack_timeout"`
	LaunchRetryWindow string            `toml:"launch_retry_window"`
	UserGrace         string            `toml:"user_grace"`
	HubGrace          string            `toml:"hub_grace"`
	UserBufferLimit   int               `toml:"user_buffer_limit"`
	HubBufferLimit    int               `toml:"hub_buffer_limit"`
	SweepInterval     string            `toml:"sweep_interval"`
	EventQueueSize    int               `toml:"event_queue_size"`
	HubPolicy         string            `toml:"hub_selection_policy"`
	RedisAddr         string            `toml:"redis_addr"`
	RedisDB           int               `toml:"redis_db"`
	HistoryQueueName  string            `toml:"history_queue_name"`
	Game              map[string]string `toml:"game"`
}

// Load builds the configuration from defaults, the optional TOML file named
// by HOST_CONFIG_FILE, and the environment, in that order of precedence.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("HOST_CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load host config: %w", err)
	}

	if meta.IsDefined("port") {
		c.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("lobby_size") {
		c.LobbySize = raw.LobbySize
	}
	if meta.IsDefined("user_buffer_limit") {
		c.UserBufferLimit = raw.UserBufferLimit
	}
	if meta.IsDefined("hub_buffer_limit") {
		c.HubBufferLimit = raw.HubBufferLimit
	}
	if meta.IsDefined("event_queue_size") {
		c.EventQueueSize = raw.EventQueueSize
	}
	if meta.IsDefined("hub_selection_policy") {
		c.HubPolicy = hub.Policy(strings.TrimSpace(raw.HubPolicy))
	}
	if meta.IsDefined("redis_addr") {
		c.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_db") {
		c.RedisDB = raw.RedisDB
	}
	if meta.IsDefined("history_queue_name") {
		c.HistoryQueueName = strings.TrimSpace(raw.HistoryQueueName)
	}
	if meta.IsDefined("game") {
		for k, v := range raw.Game {
			c.GameConfig[k] = v
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"lobby_timeout", raw.LobbyTimeout, &c.LobbyTimeout},
		{"launch_ack_timeout", raw.LaunchAckTimeout, &c.LaunchAckTimeout},
		{"launch_retry_window", raw.LaunchRetryWindow, &c.LaunchRetryWindow},
		{"user_grace", raw.UserGrace, &c.UserGrace},
		{"hub_grace", raw.HubGrace, &c.HubGrace},
		{"sweep_interval", raw.SweepInterval, &c.SweepInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("load host config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) overlayEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HubPolicy = hub.Policy(getEnv("HUB_SELECTION_POLICY", string(c.HubPolicy)))
	c.HubSecretHash = getEnv("HUB_SECRET_HASH", c.HubSecretHash)
	c.TokenExpireTime = getEnv("TOKEN_EXPIRE_TIME", c.TokenExpireTime)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.HistoryQueueName = getEnv("HISTORY_QUEUE_NAME", c.HistoryQueueName)

	var err error
	ints := []struct {
		key string
		dst *int
	}{
		{"LOBBY_SIZE", &c.LobbySize},
		{"USER_BUFFER_LIMIT", &c.UserBufferLimit},
		{"HUB_BUFFER_LIMIT", &c.HubBufferLimit},
		{"EVENT_QUEUE_SIZE", &c.EventQueueSize},
		{"REDIS_DB", &c.RedisDB},
		{"HISTORIAN_BATCH_SIZE", &c.HistorianBatchSize},
	}
	for _, i := range ints {
		if *i.dst, err = getEnvInt(i.key, *i.dst); err != nil {
			return err
		}
	}

	flushMs, err := getEnvInt("HISTORIAN_FLUSH_MS", int(c.HistorianFlush/time.Millisecond))
	if err != nil {
		return err
	}
	c.HistorianFlush = time.Duration(flushMs) * time.Millisecond

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LOBBY_TIMEOUT", &c.LobbyTimeout},
		{"LAUNCH_ACK_TIMEOUT", &c.LaunchAckTimeout},
		{"LAUNCH_RETRY_WINDOW", &c.LaunchRetryWindow},
		{"USER_GRACE", &c.UserGrace},
		{"HUB_GRACE", &c.HubGrace},
		{"SWEEP_INTERVAL", &c.SweepInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	policy, err := hub.ParsePolicy(string(c.HubPolicy))
	if err != nil {
		return err
	}
	c.HubPolicy = policy

	switch {
	case c.LobbySize < 1:
		return fmt.Errorf("%w: lobby size %d", ErrInvalidConfig, c.LobbySize)
	case c.LobbyTimeout <= 0, c.LaunchAckTimeout <= 0, c.UserGrace <= 0, c.HubGrace <= 0, c.SweepInterval <= 0:
		return fmt.Errorf("%w: timeouts and grace periods must be positive", ErrInvalidConfig)
	case c.LaunchRetryWindow < 0:
		return fmt.Errorf("%w: launch retry window %s", ErrInvalidConfig, c.LaunchRetryWindow)
	case c.UserBufferLimit < 0, c.HubBufferLimit < 0:
		return fmt.Errorf("%w: buffer limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

// getEnv reads an environment variable or returns a default value.
func getEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

// getEnvInt parses an environment variable as an integer.
func getEnvInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, s)
	}
	return v, nil
}

// getEnvDuration parses an environment variable as a time.Duration ("30s", "5m").
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, s)
	}
	return v, nil
}
