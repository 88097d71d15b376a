package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Badge   BadgeConfig   `yaml:"badge"`
	Message MessageConfig `yaml:"message"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	BaseURL   string `yaml:"base_url"`
	SocketURL string `yaml:"socket_url"`
	Env       string `yaml:"env"`
}

type AuthConfig struct {
	TokenFile   string `yaml:"token_file"`
	TokenSecret string `yaml:"token_secret"`
}

type BadgeConfig struct {
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

type MessageConfig struct {
	MaxLength int `yaml:"max_length"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File receives log output instead of stderr when set.
	File string `yaml:"file"`
}

// Load reads configuration from the optional YAML file named by
// CHATSYNC_CONFIG, then applies environment variables on top.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CHATSYNC_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Server.BaseURL = strings.TrimRight(getEnv("API_BASE_URL", cfg.Server.BaseURL), "/")
	cfg.Server.SocketURL = getEnv("SOCKET_URL", cfg.Server.SocketURL)
	cfg.Server.Env = getEnv("ENV", cfg.Server.Env)
	cfg.Auth.TokenFile = getEnv("TOKEN_FILE", cfg.Auth.TokenFile)
	cfg.Auth.TokenSecret = getEnv("TOKEN_SECRET", cfg.Auth.TokenSecret)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	flushTimeout, err := time.ParseDuration(getEnv("BADGE_FLUSH_TIMEOUT", cfg.Badge.FlushTimeout.String()))
	if err != nil {
		return nil, fmt.Errorf("invalid BADGE_FLUSH_TIMEOUT: %w", err)
	}
	cfg.Badge.FlushTimeout = flushTimeout

	maxLength, err := strconv.Atoi(getEnv("MESSAGE_MAX_LENGTH", strconv.Itoa(cfg.Message.MaxLength)))
	if err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_MAX_LENGTH: %w", err)
	}
	cfg.Message.MaxLength = maxLength

	if cfg.Server.SocketURL == "" {
		cfg.Server.SocketURL = SocketURLFor(cfg.Server.BaseURL)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
			Env:     "development",
		},
		Auth: AuthConfig{
			TokenFile: ".chatsync/tokens",
		},
		Badge: BadgeConfig{
			FlushTimeout: 10 * time.Second,
		},
		Message: MessageConfig{
			MaxLength: 2000,
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// getEnv gets an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// SocketURLFor derives the websocket endpoint from the REST base URL.
func SocketURLFor(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/socket"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/socket"
	}
	return baseURL + "/socket"
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
