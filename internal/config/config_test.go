package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"linkup/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.WebSocket.MaxConnectionsPerUser)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", ":9090")
	t.Setenv("JWT_SECRET", "a-much-longer-test-secret")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test,http://b.test")

	cfg, err := config.LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "a-much-longer-test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
server:
  address: ":7000"
  read_timeout: 5s
auth:
  jwt_secret: "production-secret-value"
  token_ttl: 1h
graph:
  default_suggestion_limit: 25
log:
  level: warn
`), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 25, cfg.Graph.DefaultSuggestionLimit)
	assert.Equal(t, "warn", cfg.Log.Level)
	// untouched sections keep their defaults
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"short secret", map[string]string{"JWT_SECRET": "short"}},
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "oracle"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "chatty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.LoadFile("")
			assert.Error(t, err)
		})
	}
}

func TestCleanDatabasePath(t *testing.T) {
	cfg, err := config.LoadFile("")
	require.NoError(t, err)

	cfg.UpdateDatabasePath("/tmp/loadtest.db")
	assert.Equal(t, "sqlite:///tmp/loadtest.db", cfg.Database.URL)
	assert.Equal(t, "/tmp/loadtest.db", cfg.CleanDatabasePath())

	cfg.Database.Driver = "postgres"
	cfg.Database.URL = "postgres://localhost/linkup?sslmode=disable"
	assert.Equal(t, "postgres://localhost/linkup?sslmode=disable", cfg.CleanDatabasePath())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkup.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *config.Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, zap.NewNop(), func(c *config.Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// give the watcher time to subscribe
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
