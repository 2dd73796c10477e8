package cliconfig

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads NIFTYSAVE_* variables from a .env file in the working
// directory. Variables already set in the environment win; a missing file
// is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if !FileExists(path) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnvConfig applies configuration from environment variables (NIFTYSAVE_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("data-dir", os.Getenv("NIFTYSAVE_DATA_DIR"), &cfg.DataDir)
	s.setString("subgraph-url", os.Getenv("NIFTYSAVE_SUBGRAPH_URL"), &cfg.SubgraphURL)
	s.setString("fill-schedule", os.Getenv("NIFTYSAVE_FILL_SCHEDULE"), &cfg.FillSchedule)
	s.setString("purge-schedule", os.Getenv("NIFTYSAVE_PURGE_SCHEDULE"), &cfg.PurgeSchedule)
	s.setString("listen", os.Getenv("NIFTYSAVE_LISTEN_ADDR"), &cfg.ListenAddr)
	s.setString("store", os.Getenv("NIFTYSAVE_STORE"), &cfg.Store)
	s.setString("postgres-dsn", os.Getenv("NIFTYSAVE_POSTGRES_DSN"), &cfg.PostgresDSN)
	s.setString("log-level", os.Getenv("NIFTYSAVE_LOG_LEVEL"), &cfg.LogLevel)
	s.setString("log-format", os.Getenv("NIFTYSAVE_LOG_FORMAT"), &cfg.LogFormat)

	if err := s.setTime("domain-start", os.Getenv("NIFTYSAVE_DOMAIN_START"), &cfg.DomainStart); err != nil {
		return err
	}
	if err := s.setTime("domain-end", os.Getenv("NIFTYSAVE_DOMAIN_END"), &cfg.DomainEnd); err != nil {
		return err
	}

	durations := []struct {
		flag string
		env  string
		dst  *time.Duration
	}{
		{"timeout", "NIFTYSAVE_HTTP_TIMEOUT", &cfg.HTTPTimeout},
		{"slice-width", "NIFTYSAVE_SLICE_WIDTH", &cfg.SliceWidth},
		{"min-slice-width", "NIFTYSAVE_MIN_SLICE_WIDTH", &cfg.MinSliceWidth},
		{"settle-lag", "NIFTYSAVE_SETTLE_LAG", &cfg.SettleLag},
		{"visibility", "NIFTYSAVE_VISIBILITY_TIMEOUT", &cfg.VisibilityTimeout},
		{"max-age", "NIFTYSAVE_MAX_AGE", &cfg.MaxAge},
		{"dedup-window", "NIFTYSAVE_DEDUP_WINDOW", &cfg.DedupWindow},
		{"failure-window", "NIFTYSAVE_FAILURE_WINDOW", &cfg.FailureWindow},
		{"max-oldest-unacked", "NIFTYSAVE_MAX_OLDEST_UNACKED", &cfg.MaxOldestUnacked},
		{"max-cursor-lag", "NIFTYSAVE_MAX_CURSOR_LAG", &cfg.MaxCursorLag},
		{"health-interval", "NIFTYSAVE_HEALTH_INTERVAL", &cfg.HealthInterval},
		{"idle-backoff", "NIFTYSAVE_IDLE_BACKOFF", &cfg.IdleBackoff},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, os.Getenv(d.env), d.dst); err != nil {
			return err
		}
	}

	if err := s.setFloatFromString("rps", os.Getenv("NIFTYSAVE_REQUESTS_PER_SECOND"), &cfg.RequestsPerSecond); err != nil {
		return err
	}

	ints := []struct {
		flag string
		env  string
		dst  *int
	}{
		{"max-slices", "NIFTYSAVE_MAX_SLICES_PER_RUN", &cfg.MaxSlicesPerRun},
		{"max-records", "NIFTYSAVE_MAX_RECORDS_PER_EXECUTE", &cfg.MaxRecordsPerExecute},
		{"page-size", "NIFTYSAVE_PAGE_SIZE", &cfg.PageSize},
		{"batch", "NIFTYSAVE_BATCH_SIZE", &cfg.BatchSize},
		{"concurrency", "NIFTYSAVE_CONCURRENCY", &cfg.Concurrency},
		{"max-attempts", "NIFTYSAVE_MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"max-recent-failures", "NIFTYSAVE_MAX_RECENT_FAILURES", &cfg.MaxRecentFailures},
	}
	for _, i := range ints {
		if err := s.setIntFromString(i.flag, os.Getenv(i.env), i.dst); err != nil {
			return err
		}
	}

	s.setBoolFromString("once", os.Getenv("NIFTYSAVE_ONCE"), &cfg.Once)

	return nil
}
