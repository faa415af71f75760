package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Download.MaxConcurrent)
	assert.Equal(t, "N_m3u8DL-RE", cfg.Download.Binary)
	assert.Equal(t, 7*24*time.Hour, cfg.Storage.LinkTTL)
	assert.Equal(t, 24*time.Hour, cfg.Admin.TokenTTL)
	assert.Equal(t, 60, cfg.Telegram.PollTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
storage:
  bucket: from-file
  keyprefix: shows
download:
  maxconcurrent: 5
`), 0o644))
	t.Setenv("RELAY_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("RELAY_TELEGRAM_OWNERID", "4242")
	t.Setenv("RELAY_STORAGE_BUCKET", "from-env")

	cfg, err := load(dir)
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, int64(4242), cfg.Telegram.OwnerID)
	assert.Equal(t, "from-env", cfg.Storage.Bucket)
	assert.Equal(t, "shows", cfg.Storage.KeyPrefix)
	assert.Equal(t, 5, cfg.Download.MaxConcurrent)
	assert.NoError(t, cfg.Validate())
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RELAY_LOG_LEVEL=debug\nRELAY_DOWNLOAD_BINARY=from-dotenv\n"), 0o644))
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	// registered so the value set by godotenv is removed after the test
	t.Setenv("RELAY_DOWNLOAD_BINARY", "")
	require.NoError(t, os.Unsetenv("RELAY_DOWNLOAD_BINARY"))

	cfg, err := load(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "from-dotenv", cfg.Download.Binary)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.Telegram.Token = "t"
		c.Telegram.OwnerID = 1
		c.Storage.Bucket = "b"
		c.Download.MaxConcurrent = 1
		return c
	}
	require.NoError(t, valid().Validate())

	noToken := valid()
	noToken.Telegram.Token = " "
	assert.ErrorContains(t, noToken.Validate(), "telegram token")

	noOwner := valid()
	noOwner.Telegram.OwnerID = 0
	assert.ErrorContains(t, noOwner.Validate(), "owner id")

	noBucket := valid()
	noBucket.Storage.Bucket = ""
	assert.ErrorContains(t, noBucket.Validate(), "bucket")

	adminNoSecret := valid()
	adminNoSecret.Admin.Addr = ":8080"
	assert.ErrorContains(t, adminNoSecret.Validate(), "jwt secret")
}
