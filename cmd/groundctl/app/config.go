package app

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaudRate = 57600
	defaultRetries  = 3
)

// Config represents the main application configuration
type Config struct {
	Settings Settings       `yaml:"settings"`
	Link     LinkConfig     `yaml:"link"`
	Mission  MissionConfig  `yaml:"mission"`
	Recorder RecorderConfig `yaml:"recorder"`
	Feed     FeedConfig     `yaml:"feed"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LinkConfig represents the serial link settings
type LinkConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baudRate"`
	Retries  int    `yaml:"retries"`
}

// MissionConfig selects the mission to upload after connecting. An empty
// file means no upload, telemetry only.
type MissionConfig struct {
	File              string `yaml:"file"`
	AddTakeoff        bool   `yaml:"addTakeoff"`
	AddReturnToLaunch bool   `yaml:"addReturnToLaunch"`
}

// RecorderConfig represents flight log settings
type RecorderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DataDirectory string `yaml:"dataDirectory"`
}

// FeedConfig represents the telemetry websocket feed settings
type FeedConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// LoadConfig reads and validates the yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if config.Link.Port == "" {
		return nil, fmt.Errorf("link.port must be set")
	}
	if config.Link.BaudRate == 0 {
		config.Link.BaudRate = defaultBaudRate
	}
	if config.Link.Retries == 0 {
		config.Link.Retries = defaultRetries
	}
	if config.Feed.Enabled && config.Feed.ListenAddr == "" {
		config.Feed.ListenAddr = ":8080"
	}

	return &config, nil
}
