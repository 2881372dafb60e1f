package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Upload  UploadConfig  `yaml:"upload" json:"upload"`
	Health  HealthConfig  `yaml:"health" json:"health"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds the WebSocket listener configuration
type ServerConfig struct {
	Address          string        `yaml:"address" json:"address"`
	Port             int           `yaml:"port" json:"port"`
	Path             string        `yaml:"path" json:"path"`
	ReadLimit        int64         `yaml:"readLimit" json:"readLimit"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" json:"handshakeTimeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// UploadConfig holds per-session buffering and destination settings
type UploadConfig struct {
	Dir       string      `yaml:"dir" json:"dir"`
	Threshold int         `yaml:"threshold" json:"threshold"`
	Encoding  string      `yaml:"encoding" json:"encoding"`
	DirPerm   os.FileMode `yaml:"dirPerm" json:"dirPerm"`
	FilePerm  os.FileMode `yaml:"filePerm" json:"filePerm"`
}

// HealthConfig holds the gRPC health endpoint configuration
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

const (
	DefaultThreshold = 10 * 1024 * 1024 // 10MiB of compressed input per session
	DefaultReadLimit = 32 * 1024 * 1024
)

// DefaultConfig Default configuration values
var DefaultConfig = Config{
	Server: ServerConfig{
		Address:          "127.0.0.1",
		Port:             3031,
		Path:             "/",
		ReadLimit:        DefaultReadLimit,
		HandshakeTimeout: 10 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	},
	Upload: UploadConfig{
		Dir:       "uploads",
		Threshold: DefaultThreshold,
		Encoding:  "gzip",
		DirPerm:   0755,
		FilePerm:  0644,
	},
	Health: HealthConfig{
		Enabled: false,
		Address: "127.0.0.1",
		Port:    3032,
	},
	Logging: LoggingConfig{
		Level:  "INFO",
		Format: "text",
		Output: "stdout",
	},
}

// LoadConfig loads configuration from multiple sources in order of precedence:
// 1. Environment variables (highest precedence)
// 2. Configuration file
// 3. Default values (lowest precedence)
func LoadConfig() (*Config, string, error) {
	config := DefaultConfig

	path, err := loadFromFile(&config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	if e := loadFromEnv(&config); e != nil {
		return nil, "", fmt.Errorf("failed to load environment variables: %w", e)
	}

	if e := config.Validate(); e != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", e)
	}

	return &config, path, nil
}

// loadFromFile loads configuration from the first YAML file found
func loadFromFile(config *Config) (string, error) {
	configPaths := []string{
		os.Getenv("WSUPLOAD_CONFIG_PATH"),
		"./config.yaml",
		"./config/config.yaml",
		"/etc/wsupload/config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		return path, nil
	}

	return "built-in defaults (no config file found)", nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) error {
	if val := os.Getenv("WSUPLOAD_SERVER_ADDRESS"); val != "" {
		config.Server.Address = val
	}
	if val := os.Getenv("WSUPLOAD_SERVER_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WSUPLOAD_SERVER_PORT %q: %w", val, err)
		}
		config.Server.Port = port
	}
	if val := os.Getenv("WSUPLOAD_SERVER_PATH"); val != "" {
		config.Server.Path = val
	}
	if val := os.Getenv("WSUPLOAD_READ_LIMIT"); val != "" {
		limit, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid WSUPLOAD_READ_LIMIT %q: %w", val, err)
		}
		config.Server.ReadLimit = limit
	}
	if val := os.Getenv("WSUPLOAD_HANDSHAKE_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Server.HandshakeTimeout = timeout
		}
	}
	if val := os.Getenv("WSUPLOAD_SHUTDOWN_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Server.ShutdownTimeout = timeout
		}
	}

	if val := os.Getenv("WSUPLOAD_UPLOAD_DIR"); val != "" {
		config.Upload.Dir = val
	}
	if val := os.Getenv("WSUPLOAD_THRESHOLD"); val != "" {
		threshold, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WSUPLOAD_THRESHOLD %q: %w", val, err)
		}
		config.Upload.Threshold = threshold
	}
	if val := os.Getenv("WSUPLOAD_ENCODING"); val != "" {
		config.Upload.Encoding = val
	}

	if val := os.Getenv("WSUPLOAD_HEALTH_ENABLED"); val != "" {
		config.Health.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("WSUPLOAD_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Health.Port = port
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server path must start with '/': %q", c.Server.Path)
	}

	if c.Server.ReadLimit < 16 {
		return fmt.Errorf("invalid read limit: %d", c.Server.ReadLimit)
	}

	if c.Upload.Dir == "" {
		return fmt.Errorf("upload directory required")
	}

	if c.Upload.Threshold < 1 {
		return fmt.Errorf("invalid upload threshold: %d", c.Upload.Threshold)
	}

	switch strings.ToLower(c.Upload.Encoding) {
	case "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("invalid upload encoding: %s", c.Upload.Encoding)
	}

	if c.Health.Enabled {
		if c.Health.Port < 1 || c.Health.Port > 65535 {
			return fmt.Errorf("invalid health port: %d", c.Health.Port)
		}
		if c.Health.Port == c.Server.Port && c.Health.Address == c.Server.Address {
			return fmt.Errorf("health endpoint must not share the upload listener address")
		}
	}

	validLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func (c *Config) GetHealthAddress() string {
	return fmt.Sprintf("%s:%d", c.Health.Address, c.Health.Port)
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) SaveToFile(path string) error {
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadFromFile loads a specific configuration file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// GenerateDefaultConfig creates a default configuration file
func GenerateDefaultConfig(path string) error {
	config := DefaultConfig
	return config.SaveToFile(path)
}
