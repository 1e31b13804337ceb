package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "remitscan.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 993, cfg.Mail.Port)
	assert.Equal(t, "INBOX", cfg.Mail.Mailbox)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Vision.Model)
	assert.Equal(t, int64(1024), cfg.Vision.MaxTokens)
	assert.InDelta(t, 60, cfg.Vision.RequestsPerMin, 0.001)
	assert.Equal(t, "download", cfg.Pipeline.DownloadDir)
	assert.Equal(t, "exports", cfg.Pipeline.ExportDir)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, 3, cfg.Pipeline.RetryAttempts)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/remitscan
mail:
  host: imap.example.com
  username: ops@example.com
pipeline:
  max_concurrent: 8
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/remitscan", cfg.Store.DatabaseURL)
	assert.Equal(t, "imap.example.com", cfg.Mail.Host)
	assert.Equal(t, "ops@example.com", cfg.Mail.Username)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset keys.
	assert.Equal(t, 993, cfg.Mail.Port)
}

func TestLoadFromEnv(t *testing.T) {
	chTempDir(t)

	t.Setenv("REMITSCAN_MAIL_HOST", "imap.163.com")
	t.Setenv("REMITSCAN_VISION_KEY", "sk-test")
	t.Setenv("REMITSCAN_PIPELINE_MAX_CONCURRENT", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "imap.163.com", cfg.Mail.Host)
	assert.Equal(t, "sk-test", cfg.Vision.Key)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrent)
}

func TestMailAddr(t *testing.T) {
	m := MailConfig{Host: "imap.163.com", Port: 993}
	assert.Equal(t, "imap.163.com:993", m.Addr())
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.Validate())

	cfg.Mail = MailConfig{Host: "imap.example.com", Username: "u", Password: "p"}
	require.Error(t, cfg.Validate())

	cfg.Vision.Key = "sk-test"
	require.NoError(t, cfg.Validate())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
