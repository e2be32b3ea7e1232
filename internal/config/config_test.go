package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		LogLevel:          4,
		DbType:            "badger",
		SchedulerType:     "gocron",
		LedgerType:        "inmemory",
		EscrowVariant:     "single-key",
		AccountId:         "alice",
		AssetId:           "usd",
		AssetAlias:        "USD",
		AddressPrefix:     "test.",
		ExpiryMargin:      time.Second,
		MessageAmount:     1,
		TransferRetention: time.Hour,
		InitialBalance:    100,
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := testConfig()
		require.NoError(t, cfg.Validate())
		defer cfg.Close()

		require.NotNil(t, cfg.MetricsRegistry())
		svc, err := cfg.AppService()
		require.NoError(t, err)
		require.NotNil(t, svc)
		require.False(t, svc.IsConnected())

		again, err := cfg.AppService()
		require.NoError(t, err)
		require.Equal(t, svc, again)
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name   string
			mutate func(*Config)
		}{
			{"db type", func(c *Config) { c.DbType = "postgres" }},
			{"scheduler type", func(c *Config) { c.SchedulerType = "block" }},
			{"ledger type", func(c *Config) { c.LedgerType = "remote" }},
			{"escrow variant", func(c *Config) { c.EscrowVariant = "three-key" }},
			{"account id", func(c *Config) { c.AccountId = "" }},
			{"asset id", func(c *Config) { c.AssetId = "" }},
			{"dotted asset id", func(c *Config) { c.AssetId = "us.d" }},
			{"private key", func(c *Config) { c.PrivateKey = "nothex" }},
			{"short private key", func(c *Config) { c.PrivateKey = "aabb" }},
			{"message amount", func(c *Config) { c.MessageAmount = 0 }},
			{"expiry margin", func(c *Config) { c.ExpiryMargin = -time.Second }},
		}
		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				cfg := testConfig()
				f.mutate(cfg)
				err := cfg.Validate()
				cfg.Close()
				require.Error(t, err)
			})
		}
	})
}

func TestSupportedType(t *testing.T) {
	require.True(t, supportedDbs.supports("sqlite"))
	require.False(t, supportedDbs.supports("postgres"))
	require.Equal(t, "gocron", supportedSchedulers.String())
}
