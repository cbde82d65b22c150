package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5.0, cfg.RateLimitRPS)
	assert.Equal(t, 10, cfg.ChunkSize)
	assert.Equal(t, 1000, cfg.BulkInsertSize)
	assert.Equal(t, "Asia/Kolkata", cfg.MarketTZ)
	assert.Equal(t, ":8090", cfg.OpsAddr)
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("OHLCV_CHUNK_SIZE", "lots")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OHLCV_CHUNK_SIZE")
}

func TestLoadRejectsNonPositiveRate(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_RPS")
}

func TestMarketLocation(t *testing.T) {
	cfg := &Config{MarketTZ: "Asia/Kolkata"}
	loc, err := cfg.MarketLocation()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", loc.String())

	cfg.MarketTZ = "Mars/Olympus"
	_, err = cfg.MarketLocation()
	assert.Error(t, err)
}
