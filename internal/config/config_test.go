package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, env := range []string{EnvHost, EnvSymbol, EnvAPIKey, EnvAPISecret} {
		t.Setenv(env, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "XBTUSD", cfg.Symbol)
	assert.Equal(t, "3m", cfg.Resolution)
	assert.Equal(t, "/history", cfg.HistoryEndpoint)
	assert.Equal(t, 5000, cfg.MaxKlineLen)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 3*time.Second, cfg.NotifyGrace)
	assert.False(t, cfg.Continuous)
	assert.False(t, cfg.Authenticated())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoad_FileAndEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
host: https://testnet.example.com
symbol: ETHUSD
resolution: 2h
continuous: true
skip_quote: true
reconnect_delay: 10s
log_level: DEBUG
`)
	t.Setenv(EnvAPIKey, "key")
	t.Setenv(EnvAPISecret, "secret")
	t.Setenv(EnvSymbol, "XBTUSD")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://testnet.example.com", cfg.Host)
	assert.Equal(t, "XBTUSD", cfg.Symbol, "environment wins over the file")
	assert.Equal(t, "2h", cfg.Resolution)
	assert.True(t, cfg.Continuous)
	assert.True(t, cfg.SkipQuote)
	assert.Equal(t, 10*time.Second, cfg.ReconnectDelay)
	assert.True(t, cfg.Authenticated())
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "key without secret", env: map[string]string{EnvAPIKey: "key"}},
		{name: "secret without key", env: map[string]string{EnvAPISecret: "secret"}},
		{name: "bad host", body: "host: not a url\n"},
		{name: "empty symbol", body: "symbol: \"\"\n"},
		{name: "lower-case symbol", body: "symbol: xbtusd\n"},
		{name: "relative history endpoint", body: "history_endpoint: history\n"},
		{name: "negative kline length", body: "max_kline_len: -1\n"},
		{name: "unknown log level", body: "log_level: verbose\n"},
		{name: "zero connect timeout", body: "connect_timeout: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.body != "" {
				path = writeConfig(t, tt.body)
			}
			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "host: [unterminated\n"))
	assert.Error(t, err)
}
