package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"match-sync/internal/constants"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

type Config struct {
	DBDriver   string
	DBDSN      string
	ServerPort string
	LogLevel   string

	OpenDotaBaseURL         string
	OpenDotaAPIKey          string
	SteamBaseURL            string
	SteamAPIKey             string
	SourceRequestsPerMinute int

	Sync       SyncConfig
	Enrichment EnrichmentConfig
	Scheduler  SchedulerConfig

	ShutdownGrace time.Duration
}

type SyncConfig struct {
	PageSize      int
	MaxMatches    int
	PageDelay     time.Duration
	MaxConcurrent int
}

type EnrichmentConfig struct {
	QueueCapacity      int
	Workers            int
	BatchSize          int
	RequestsPerMinute  int
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	PriorityWait       time.Duration
	ScanInterval       time.Duration
	ScanInitialDelay   time.Duration
	RateWindowPeriod   time.Duration
	StatisticsInterval time.Duration
}

type SchedulerConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	MaxPerTick   int
	RetryDelay   time.Duration
	Frequencies  FrequencyIntervals
}

// FrequencyIntervals holds the interval of every schedulable sync tier.
type FrequencyIntervals struct {
	Realtime time.Duration
	Hourly   time.Duration
	Daily    time.Duration
	Weekly   time.Duration
	Monthly  time.Duration
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := Default()
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getEnv("DB_DSN", cfg.DBDSN)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.OpenDotaBaseURL = getEnv("OPENDOTA_BASE_URL", cfg.OpenDotaBaseURL)
	cfg.OpenDotaAPIKey = getEnv("OPENDOTA_API_KEY", "")
	cfg.SteamBaseURL = getEnv("STEAM_BASE_URL", cfg.SteamBaseURL)
	cfg.SteamAPIKey = getEnv("STEAM_API_KEY", "")

	var errs []error
	intVar := func(key string, dst *int) {
		v, err := getEnvInt(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	durVar := func(key string, dst *time.Duration) {
		v, err := getEnvDuration(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	intVar("SOURCE_REQUESTS_PER_MINUTE", &cfg.SourceRequestsPerMinute)

	intVar("SYNC_PAGE_SIZE", &cfg.Sync.PageSize)
	intVar("SYNC_MAX_MATCHES", &cfg.Sync.MaxMatches)
	durVar("SYNC_PAGE_DELAY", &cfg.Sync.PageDelay)
	intVar("SYNC_MAX_CONCURRENT", &cfg.Sync.MaxConcurrent)

	intVar("ENRICH_QUEUE_CAPACITY", &cfg.Enrichment.QueueCapacity)
	intVar("ENRICH_WORKERS", &cfg.Enrichment.Workers)
	intVar("ENRICH_BATCH_SIZE", &cfg.Enrichment.BatchSize)
	intVar("ENRICH_REQUESTS_PER_MINUTE", &cfg.Enrichment.RequestsPerMinute)
	intVar("ENRICH_MAX_ATTEMPTS", &cfg.Enrichment.MaxAttempts)
	durVar("ENRICH_RETRY_BASE_DELAY", &cfg.Enrichment.RetryBaseDelay)
	durVar("ENRICH_PRIORITY_WAIT", &cfg.Enrichment.PriorityWait)
	durVar("ENRICH_SCAN_INTERVAL", &cfg.Enrichment.ScanInterval)
	durVar("ENRICH_SCAN_INITIAL_DELAY", &cfg.Enrichment.ScanInitialDelay)

	durVar("SCHEDULER_INTERVAL", &cfg.Scheduler.Interval)
	durVar("SCHEDULER_INITIAL_DELAY", &cfg.Scheduler.InitialDelay)
	intVar("SCHEDULER_MAX_PER_TICK", &cfg.Scheduler.MaxPerTick)
	durVar("SCHEDULER_RETRY_DELAY", &cfg.Scheduler.RetryDelay)
	durVar("SYNC_FREQ_REALTIME", &cfg.Scheduler.Frequencies.Realtime)
	durVar("SYNC_FREQ_HOURLY", &cfg.Scheduler.Frequencies.Hourly)
	durVar("SYNC_FREQ_DAILY", &cfg.Scheduler.Frequencies.Daily)
	durVar("SYNC_FREQ_WEEKLY", &cfg.Scheduler.Frequencies.Weekly)
	durVar("SYNC_FREQ_MONTHLY", &cfg.Scheduler.Frequencies.Monthly)

	durVar("SHUTDOWN_GRACE", &cfg.ShutdownGrace)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.SteamAPIKey == "" {
		logger.Warn().Msg("no STEAM_API_KEY configured, steam fallback source disabled")
	}

	logger.Info().
		Str("db_driver", cfg.DBDriver).
		Str("server_port", cfg.ServerPort).
		Str("log_level", cfg.LogLevel).
		Int("queue_capacity", cfg.Enrichment.QueueCapacity).
		Int("workers", cfg.Enrichment.Workers).
		Int("requests_per_minute", cfg.Enrichment.RequestsPerMinute).
		Dur("scheduler_interval", cfg.Scheduler.Interval).
		Msg("configuration loaded")

	return cfg, nil
}

// Default returns the documented defaults for every setting.
func Default() *Config {
	return &Config{
		DBDriver:                "sqlite3",
		DBDSN:                   "matches.db",
		ServerPort:              "8080",
		LogLevel:                "info",
		OpenDotaBaseURL:         "https://api.opendota.com/api",
		SteamBaseURL:            "https://api.steampowered.com",
		SourceRequestsPerMinute: 60,
		Sync: SyncConfig{
			PageSize:      100,
			MaxMatches:    500,
			PageDelay:     1100 * time.Millisecond,
			MaxConcurrent: 5,
		},
		Enrichment: EnrichmentConfig{
			QueueCapacity:      1000,
			Workers:            2,
			BatchSize:          10,
			RequestsPerMinute:  60,
			MaxAttempts:        3,
			RetryBaseDelay:     time.Second,
			PriorityWait:       5 * time.Second,
			ScanInterval:       5 * time.Minute,
			ScanInitialDelay:   time.Minute,
			RateWindowPeriod:   time.Minute,
			StatisticsInterval: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Interval:     15 * time.Minute,
			InitialDelay: time.Minute,
			MaxPerTick:   10,
			RetryDelay:   time.Hour,
			Frequencies: FrequencyIntervals{
				Realtime: 15 * time.Minute,
				Hourly:   time.Hour,
				Daily:    24 * time.Hour,
				Weekly:   7 * 24 * time.Hour,
				Monthly:  30 * 24 * time.Hour,
			},
		},
		ShutdownGrace: 10 * time.Second,
	}
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.Enrichment.QueueCapacity <= 0 {
		return fmt.Errorf("ENRICH_QUEUE_CAPACITY must be positive")
	}
	if c.Enrichment.Workers <= 0 {
		return fmt.Errorf("ENRICH_WORKERS must be positive")
	}
	if c.Enrichment.BatchSize <= 0 {
		return fmt.Errorf("ENRICH_BATCH_SIZE must be positive")
	}
	if c.Enrichment.RequestsPerMinute <= 0 {
		return fmt.Errorf("ENRICH_REQUESTS_PER_MINUTE must be positive")
	}
	if c.Enrichment.MaxAttempts <= 0 {
		return fmt.Errorf("ENRICH_MAX_ATTEMPTS must be positive")
	}
	if c.Sync.PageSize <= 0 || c.Sync.MaxMatches <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE and SYNC_MAX_MATCHES must be positive")
	}
	if c.Sync.MaxConcurrent <= 0 {
		return fmt.Errorf("SYNC_MAX_CONCURRENT must be positive")
	}
	if c.Scheduler.MaxPerTick <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_PER_TICK must be positive")
	}
	// these feed time.NewTicker and Timer.Reset, which panic or spin on non-positive values
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	if c.Enrichment.ScanInterval <= 0 {
		return fmt.Errorf("ENRICH_SCAN_INTERVAL must be positive")
	}
	if c.Enrichment.RetryBaseDelay <= 0 {
		return fmt.Errorf("ENRICH_RETRY_BASE_DELAY must be positive")
	}
	if c.ShutdownGrace < 0 || c.ShutdownGrace > constants.MaxShutdownGrace {
		return fmt.Errorf("SHUTDOWN_GRACE must be between 0 and %s", constants.MaxShutdownGrace)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

var Module = fx.Provide(Load)
