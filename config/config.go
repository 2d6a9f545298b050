package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Config struct {
	Port          int     `yaml:"port"`
	Host          string  `yaml:"host"`
	DBDriver      string  `yaml:"db_driver"`
	DBPath        string  `yaml:"db_path"`       // sqlite file or postgres connection string
	ReadTimeout   int     `yaml:"read_timeout"`  // seconds, 0 disables
	WriteTimeout  int     `yaml:"write_timeout"` // seconds
	OutboundQueue int     `yaml:"outbound_queue"`
	MaxLineBytes  int     `yaml:"max_line_bytes"`
	MessageRate   float64 `yaml:"message_rate"` // live PRIVATE deliveries per second, 0 disables
	MessageBurst  int     `yaml:"message_burst"`
	MetricsAddr   string  `yaml:"metrics_addr"` // empty disables
	ControlSocket string  `yaml:"control_socket"`
	LogLevel      string  `yaml:"log_level"`
	LogFormat     string  `yaml:"log_format"` // json or text

	// RejectDuplicateLogin refuses a second login instead of replacing the
	// older session.
	RejectDuplicateLogin bool `yaml:"reject_duplicate_login"`
}

func Default() *Config {
	return &Config{
		Port:          5000,
		DBDriver:      DriverSQLite,
		DBPath:        "chatrelay.db",
		ReadTimeout:   0,
		WriteTimeout:  10,
		OutboundQueue: 256,
		MaxLineBytes:  64 * 1024,
		MessageRate:   0,
		MessageBurst:  40,
		MetricsAddr:   ":9090",
		ControlSocket: "/tmp/chatrelay.sock",
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load builds the configuration from defaults, a .env file in the working
// directory, an optional YAML file and CHATRELAY_* environment variables,
// in that order of precedence (later wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if portStr := os.Getenv("CHATRELAY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Port = port
		}
	}

	if host := os.Getenv("CHATRELAY_HOST"); host != "" {
		c.Host = host
	}

	if driver := os.Getenv("CHATRELAY_DB_DRIVER"); driver != "" {
		c.DBDriver = driver
	}

	if dbPath := os.Getenv("CHATRELAY_DB_PATH"); dbPath != "" {
		c.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("CHATRELAY_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			c.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("CHATRELAY_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			c.WriteTimeout = timeout
		}
	}

	if queueStr := os.Getenv("CHATRELAY_OUTBOUND_QUEUE"); queueStr != "" {
		if queue, err := strconv.Atoi(queueStr); err == nil {
			c.OutboundQueue = queue
		}
	}

	if maxStr := os.Getenv("CHATRELAY_MAX_LINE_BYTES"); maxStr != "" {
		if n, err := strconv.Atoi(maxStr); err == nil {
			c.MaxLineBytes = n
		}
	}

	if rateStr := os.Getenv("CHATRELAY_MESSAGE_RATE"); rateStr != "" {
		if r, err := strconv.ParseFloat(rateStr, 64); err == nil {
			c.MessageRate = r
		}
	}

	if burstStr := os.Getenv("CHATRELAY_MESSAGE_BURST"); burstStr != "" {
		if burst, err := strconv.Atoi(burstStr); err == nil {
			c.MessageBurst = burst
		}
	}

	if addr, ok := os.LookupEnv("CHATRELAY_METRICS_ADDR"); ok {
		c.MetricsAddr = addr
	}

	if sock, ok := os.LookupEnv("CHATRELAY_CONTROL_SOCKET"); ok {
		c.ControlSocket = sock
	}

	if level := os.Getenv("CHATRELAY_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if format := os.Getenv("CHATRELAY_LOG_FORMAT"); format != "" {
		c.LogFormat = format
	}

	if rejectStr := os.Getenv("CHATRELAY_REJECT_DUPLICATE_LOGIN"); rejectStr != "" {
		if reject, err := strconv.ParseBool(rejectStr); err == nil {
			c.RejectDuplicateLogin = reject
		}
	}
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.OutboundQueue <= 0 {
		return fmt.Errorf("outbound queue must be positive, got %d", c.OutboundQueue)
	}
	if c.MaxLineBytes <= 0 {
		return fmt.Errorf("max line bytes must be positive, got %d", c.MaxLineBytes)
	}
	if c.MessageRate < 0 {
		return fmt.Errorf("message rate must not be negative, got %v", c.MessageRate)
	}
	if c.MessageRate > 0 && c.MessageBurst <= 0 {
		return fmt.Errorf("message burst must be positive when rate limiting is on, got %d", c.MessageBurst)
	}
	return nil
}

// Addr is the TCP listen address for the chat endpoint.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// NewLogger builds the process logger described by LogLevel and LogFormat.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
