package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string          `yaml:"environment" validate:"oneof=development production test"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Auth        AuthConfig      `yaml:"auth"`
	Redis       RedisConfig     `yaml:"redis"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	Graph       GraphConfig     `yaml:"graph"`
	Log         LogConfig       `yaml:"log"`
	Tracing     TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" validate:"min=1"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite3 postgres"`
	URL    string `yaml:"url" validate:"required"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" validate:"required,min=16"`
	Issuer    string        `yaml:"issuer" validate:"required"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"gt=0"`
}

// RedisConfig enables cross-process notification publishing when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db" validate:"gte=0"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type WebSocketConfig struct {
	MaxConnectionsPerUser int `yaml:"max_connections_per_user" validate:"gte=1"`
	SendBufferSize        int `yaml:"send_buffer_size" validate:"gte=1"`
}

type GraphConfig struct {
	DefaultSuggestionLimit int `yaml:"default_suggestion_limit" validate:"gte=1,lte=100"`
	DefaultMutualLimit     int `yaml:"default_mutual_limit" validate:"gte=1,lte=100"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE and finally environment variables.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg, err := defaults()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() (*Config, error) {
	// Get the current working directory
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	// Default SQLite database path
	dbPath := filepath.Join(cwd, "data", "linkup.db")

	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			URL:    "sqlite://" + dbPath,
		},
		Auth: AuthConfig{
			JWTSecret: "development-only-secret-key",
			Issuer:    "linkup",
			TokenTTL:  30 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			ChannelPrefix: "notify:",
		},
		WebSocket: WebSocketConfig{
			MaxConnectionsPerUser: 10,
			SendBufferSize:        256,
		},
		Graph: GraphConfig{
			DefaultSuggestionLimit: 10,
			DefaultMutualLimit:     10,
		},
		Log: LogConfig{
			Level:       "info",
			Development: true,
		},
		Tracing: TracingConfig{
			ServiceName: "linkup",
			SampleRate:  1,
		},
	}, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.Server.Address = getEnv("SERVER_ADDRESS", c.Server.Address)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = getEnv("JWT_ISSUER", c.Auth.Issuer)
	if ttl, err := time.ParseDuration(os.Getenv("JWT_TTL")); err == nil {
		c.Auth.TokenTTL = ttl
	}
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		c.Redis.DB = db
	}
	if n, err := strconv.Atoi(os.Getenv("WS_MAX_CONNECTIONS_PER_USER")); err == nil {
		c.WebSocket.MaxConnectionsPerUser = n
	}
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if dev, err := strconv.ParseBool(os.Getenv("LOG_DEVELOPMENT")); err == nil {
		c.Log.Development = dev
	}
	c.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", c.Tracing.Endpoint)
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	if c.Database.Driver != "sqlite3" {
		return c.Database.URL
	}

	// Strip sqlite:// prefix if present
	dbPath := strings.TrimPrefix(c.Database.URL, "sqlite://")

	// If it's not an absolute path, make it relative to the current directory
	if !filepath.IsAbs(dbPath) && !strings.HasPrefix(dbPath, "file:") {
		if cwd, err := os.Getwd(); err == nil {
			dbPath = filepath.Join(cwd, dbPath)
		}
	}

	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.Database.URL, "sqlite://") {
		c.Database.URL = "sqlite://" + newPath
	} else {
		c.Database.URL = newPath
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
