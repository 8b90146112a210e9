package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/overseer/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, "overseer", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.MetricInterval)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	enabled := func(mut func(*Config)) *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		mut(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{"defaults enabled", enabled(func(*Config) {}), ""},
		{"disabled skips checks", &Config{}, ""},
		{"missing endpoint", enabled(func(c *Config) { c.Endpoint = "" }), "endpoint is required"},
		{"missing service", enabled(func(c *Config) { c.ServiceName = "" }), "service name"},
		{"unknown protocol", enabled(func(c *Config) { c.Protocol = "udp" }), "unknown protocol"},
		{"insecure remote", enabled(func(c *Config) { c.Endpoint = "otel.example.com:4317" }), "plaintext export"},
		{"tls remote", enabled(func(c *Config) {
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}), ""},
		{"sample rate above one", enabled(func(c *Config) { c.SampleRate = 1.5 }), "sample rate"},
		{"negative sample rate", enabled(func(c *Config) { c.SampleRate = -0.1 }), "sample rate"},
		{"zero sample rate", enabled(func(c *Config) { c.SampleRate = 0 }), ""},
		{"zero metric interval", enabled(func(c *Config) { c.MetricInterval = 0 }), "metric interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"localhost:4317":           true,
		"localhost":                true,
		"127.0.0.1:4317":           true,
		"127.8.0.1:4317":           true,
		"[::1]:4317":               true,
		"::1":                      true,
		"http://localhost:4318":    true,
		"https://127.0.0.1/v1":     true,
		"otel.example.com:4317":    false,
		"10.0.0.5:4317":            false,
		"https://otel.example.com": false,
		"localhost.example.com:1":  false,
	}
	for endpoint, want := range tests {
		t.Run(endpoint, func(t *testing.T) {
			assert.Equal(t, want, isLoopback(endpoint))
		})
	}
}

func TestFromObservability(t *testing.T) {
	t.Run("disabled keeps defaults", func(t *testing.T) {
		cfg := FromObservability(config.ObservabilityConfig{}, "")
		assert.False(t, cfg.Enabled)
		assert.Equal(t, "localhost:4317", cfg.Endpoint)
		assert.Equal(t, "dev", cfg.ServiceVersion)
	})

	t.Run("remote endpoint uses tls", func(t *testing.T) {
		cfg := FromObservability(config.ObservabilityConfig{
			EnableTelemetry: true,
			ServiceName:     "overseer-prod",
			OTLPEndpoint:    "collector.internal.example.com:4317",
		}, "1.4.0")
		assert.True(t, cfg.Enabled)
		assert.False(t, cfg.Insecure)
		assert.Equal(t, "overseer-prod", cfg.ServiceName)
		assert.Equal(t, "1.4.0", cfg.ServiceVersion)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("local http endpoint stays plaintext", func(t *testing.T) {
		cfg := FromObservability(config.ObservabilityConfig{
			EnableTelemetry: true,
			OTLPEndpoint:    "http://127.0.0.1:4318",
			OTLPProtocol:    "http",
		}, "")
		assert.True(t, cfg.Insecure)
		assert.Equal(t, ProtocolHTTP, cfg.Protocol)
		assert.Equal(t, "127.0.0.1:4318", hostPort(cfg.Endpoint))
		assert.NoError(t, cfg.Validate())
	})
}
