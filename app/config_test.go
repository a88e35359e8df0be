package chatsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := LoadConfig(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, config.Validate())

		assert.Equal(t, DevMode, config.Mode)
		assert.Equal(t, 8080, config.Port)
		assert.Equal(t, "127.0.0.1", config.Hostname)
		assert.Equal(t, []string{"*"}, config.AllowedOrigins)
		assert.Equal(t, SQLiteDriver, config.Store.Driver)
		assert.Equal(t, 40, config.Messages.PageSize)
		assert.Equal(t, 5*time.Second, config.Messages.SweepInterval)
		assert.Equal(t, 800*time.Millisecond, config.Typing.Debounce)
		assert.Equal(t, 3*time.Second, config.Typing.Visibility)
		assert.Equal(t, 20*time.Second, config.Shutdown.Timeout)
		assert.Empty(t, config.Auth.Secret)
	})

	t.Run("file and environment", func(t *testing.T) {
		dir := writeConfig(t, `
port: 9000
log:
  level: debug
  format: json
auth:
  secret: c2VjcmV0
messages:
  pagesize: 10
typing:
  debounce: 500ms
`)
		t.Setenv("CHATSYNC_MESSAGES_PAGESIZE", "25")
		t.Setenv("CHATSYNC_ALLOWEDORIGINS", "http://a.test,http://b.test")

		config, err := LoadConfig(dir)
		require.NoError(t, err)
		require.NoError(t, config.Validate())

		assert.Equal(t, 9000, config.Port)
		assert.Equal(t, "debug", config.Log.Level)
		assert.Equal(t, "json", config.Log.Format)
		assert.Equal(t, []byte("secret"), []byte(config.Auth.Secret))
		assert.Equal(t, 25, config.Messages.PageSize, "environment overrides the file")
		assert.Equal(t, 500*time.Millisecond, config.Typing.Debounce)
		assert.Equal(t, []string{"http://a.test", "http://b.test"}, config.AllowedOrigins)
	})

	t.Run("malformed secret", func(t *testing.T) {
		dir := writeConfig(t, "auth:\n  secret: \"not base64!\"\n")
		_, err := LoadConfig(dir)
		require.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Run("translated field errors", func(t *testing.T) {
		dir := writeConfig(t, `
port: 70000
log:
  format: xml
`)
		config, err := LoadConfig(dir)
		require.NoError(t, err)

		err = config.Validate()
		require.Error(t, err)
		msg := FormatValidationErrors(err)
		assert.Contains(t, msg, "port must be a valid port number")
		assert.Contains(t, msg, "log.format must be one of [text json]")
	})

	t.Run("postgres needs its endpoints", func(t *testing.T) {
		dir := writeConfig(t, "store:\n  driver: postgres\n")
		config, err := LoadConfig(dir)
		require.NoError(t, err)
		require.ErrorContains(t, config.Validate(), "store.postgres.url and realtime.url are required")
	})

	t.Run("token needs a secret", func(t *testing.T) {
		t.Setenv("CHATSYNC_AUTH_TOKEN", "token")
		config, err := LoadConfig(t.TempDir())
		require.NoError(t, err)
		require.ErrorContains(t, config.Validate(), "auth.secret is required")
	})
}
