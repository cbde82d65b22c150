package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config carries every recognized runtime option. Values come from the
// environment with the defaults below; a .env file is honored when present.
type Config struct {
	// Upstream broker API
	UpstreamAccessToken   string
	UpstreamClientID      string
	UpstreamHistoricalURL string
	UpstreamEODURL        string
	UpstreamMasterURL     string
	SectorLookupURL       string

	// Ingestion tuning
	RateLimitRPS    float64
	ChunkSize       int
	BulkInsertSize  int
	MaxFetchRetries int

	// Weekly aggregation
	WeeklyBatchSize  int
	WeeklyMaxWorkers int

	// Sector enrichment
	SectorWorkers   int
	SectorBatchSize int

	// Substrate
	DBURL          string
	SharedStateURL string

	// Misc
	MarketTZ string
	OpsAddr  string
}

// Load reads configuration from the environment. A missing .env file is not
// an error; malformed numeric values are.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	cfg := &Config{
		UpstreamAccessToken:   os.Getenv("UPSTREAM_ACCESS_TOKEN"),
		UpstreamClientID:      os.Getenv("UPSTREAM_CLIENT_ID"),
		UpstreamHistoricalURL: envStr("UPSTREAM_HISTORICAL_URL", "https://api.dhan.co/v2/charts/historical"),
		UpstreamEODURL:        envStr("UPSTREAM_EOD_URL", "https://api.dhan.co/v2/marketfeed/quote"),
		UpstreamMasterURL:     envStr("UPSTREAM_MASTER_URL", "https://images.dhan.co/api-data/api-scrip-master-detailed.csv"),
		SectorLookupURL:       envStr("SECTOR_LOOKUP_URL", "https://scanx.dhan.co/scanx/customscan/fetchdt"),
		DBURL:                 envStr("DB_URL", "postgres://localhost:5432/quantpulse?sslmode=disable"),
		SharedStateURL:        envStr("SHARED_STATE_URL", "redis://localhost:6379/0"),
		MarketTZ:              envStr("MARKET_TZ", "Asia/Kolkata"),
		OpsAddr:               envStr("OPS_ADDR", ":8090"),
	}

	var err error
	if cfg.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.ChunkSize, err = envInt("OHLCV_CHUNK_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.BulkInsertSize, err = envInt("OHLCV_BULK_INSERT_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.WeeklyBatchSize, err = envInt("WEEKLY_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.WeeklyMaxWorkers, err = envInt("WEEKLY_MAX_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.MaxFetchRetries, err = envInt("MAX_FETCH_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.SectorWorkers, err = envInt("SECTOR_WORKERS", 3); err != nil {
		return nil, err
	}
	if cfg.SectorBatchSize, err = envInt("SECTOR_BATCH_SIZE", 15); err != nil {
		return nil, err
	}

	if cfg.RateLimitRPS <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", cfg.RateLimitRPS)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("OHLCV_CHUNK_SIZE must be positive, got %d", cfg.ChunkSize)
	}

	return cfg, nil
}

// MarketLocation resolves the configured market timezone.
func (c *Config) MarketLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.MarketTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid MARKET_TZ %q: %w", c.MarketTZ, err)
	}
	return loc, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}
