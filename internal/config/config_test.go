package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s2opc-rt/pubsubcore/internal/logging"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(nil)
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaultsValidate(t *testing.T) {
	cfg := defaultConfig(t)
	require.Equal(t, uint32(8), cfg.NMessages)
	require.Equal(t, logging.LevelInfo, cfg.LogLevel)
	require.Equal(t, logging.FormatJSON, cfg.LogFormat)
}

func TestValidateRejectsCoreSizingViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero messages", func(c *Config) { c.NMessages = 0 }},
		{"zero message size", func(c *Config) { c.MaxMessageSize = 0 }},
		{"zero period", func(c *Config) { c.MessagePeriodMs = 0 }},
		{"zero clients", func(c *Config) { c.MaxClients = 0 }},
		{"single event slot", func(c *Config) { c.MaxEvents = 1 }},
		{"zero payload", func(c *Config) { c.MaxPayload = 0 }},
		{"cpu threshold above 100", func(c *Config) { c.CPURejectThreshold = 101 }},
		{"zero input rate", func(c *Config) { c.MaxInputRatePerSec = 0 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
