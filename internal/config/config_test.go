package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "0x1234567890123456789012345678901234567890"

func TestLoad_WithValidConfig(t *testing.T) {
	t.Setenv("OWNER_ADDRESS", testOwner)
	t.Setenv("PORT", "9090")
	t.Setenv("EVENT_POLL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_RPM", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, DefaultAuthMaxSkew, cfg.AuthMaxSkew)
	assert.Equal(t, 2*time.Second, cfg.EventPollInterval)
	assert.Equal(t, common.HexToAddress(testOwner), cfg.Owner())
}

func TestLoad_MissingOwner(t *testing.T) {
	t.Setenv("OWNER_ADDRESS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OWNER_ADDRESS is required")
}

func TestLoad_BadDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("OWNER_ADDRESS", testOwner)
	t.Setenv("AUTH_MAX_SKEW", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultAuthMaxSkew, cfg.AuthMaxSkew)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			OwnerAddress:      testOwner,
			RateLimitRPM:      10,
			RateLimitBurst:    1,
			EventPollInterval: time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad owner", func(c *Config) { c.OwnerAddress = "0x123" }, "OWNER_ADDRESS must be"},
		{"bad registry", func(c *Config) { c.RegistryAddress = "registry" }, "REGISTRY_ADDRESS must be"},
		{"zero rpm", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, "RATE_LIMIT_BURST"},
		{"zero poll", func(c *Config) { c.EventPollInterval = 0 }, "EVENT_POLL_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Registry(t *testing.T) {
	cfg := &Config{OwnerAddress: testOwner}
	assert.Equal(t, crypto.CreateAddress(common.HexToAddress(testOwner), 0), cfg.Registry())

	explicit := "0x00000000000000000000000000000000000000ff"
	cfg.RegistryAddress = explicit
	assert.Equal(t, common.HexToAddress(explicit), cfg.Registry())
}

func TestConfig_Environment(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("OWNER_ADDRESS", testOwner)

	t.Setenv("CORS_ORIGINS", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,,")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}
