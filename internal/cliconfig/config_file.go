package cliconfig

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations and timestamps
// to make TOML friendly.
type FileConfig struct {
	DataDir string `toml:"data_dir"`

	SubgraphURL       string  `toml:"subgraph_url"`
	HTTPTimeout       string  `toml:"http_timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`

	DomainStart   string `toml:"domain_start"`
	DomainEnd     string `toml:"domain_end"`
	SliceWidth    string `toml:"slice_width"`
	MinSliceWidth string `toml:"min_slice_width"`
	SettleLag     string `toml:"settle_lag"`

	MaxSlicesPerRun      int    `toml:"max_slices_per_run"`
	MaxRecordsPerExecute int    `toml:"max_records_per_execute"`
	PageSize             int    `toml:"page_size"`
	BatchSize            int    `toml:"batch_size"`
	Concurrency          int    `toml:"concurrency"`
	VisibilityTimeout    string `toml:"visibility_timeout"`

	MaxAttempts int    `toml:"max_attempts"`
	MaxAge      string `toml:"max_age"`
	DedupWindow string `toml:"dedup_window"`

	FailureWindow     string `toml:"failure_window"`
	MaxOldestUnacked  string `toml:"max_oldest_unacked"`
	MaxCursorLag      string `toml:"max_cursor_lag"`
	MaxRecentFailures int    `toml:"max_recent_failures"`

	FillSchedule   string `toml:"fill_schedule"`
	PurgeSchedule  string `toml:"purge_schedule"`
	HealthInterval string `toml:"health_interval"`
	IdleBackoff    string `toml:"idle_backoff"`

	ListenAddr  string `toml:"listen_addr"`
	Store       string `toml:"store"`
	PostgresDSN string `toml:"postgres_dsn"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	Once      *bool  `toml:"once"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.niftysave/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".niftysave", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("subgraph-url", fc.SubgraphURL, &cfg.SubgraphURL)
	s.setString("fill-schedule", fc.FillSchedule, &cfg.FillSchedule)
	s.setString("purge-schedule", fc.PurgeSchedule, &cfg.PurgeSchedule)
	s.setString("listen", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("store", fc.Store, &cfg.Store)
	s.setString("postgres-dsn", fc.PostgresDSN, &cfg.PostgresDSN)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-format", fc.LogFormat, &cfg.LogFormat)

	if err := s.setTime("domain-start", fc.DomainStart, &cfg.DomainStart); err != nil {
		return err
	}
	if err := s.setTime("domain-end", fc.DomainEnd, &cfg.DomainEnd); err != nil {
		return err
	}

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"timeout", fc.HTTPTimeout, &cfg.HTTPTimeout},
		{"slice-width", fc.SliceWidth, &cfg.SliceWidth},
		{"min-slice-width", fc.MinSliceWidth, &cfg.MinSliceWidth},
		{"settle-lag", fc.SettleLag, &cfg.SettleLag},
		{"visibility", fc.VisibilityTimeout, &cfg.VisibilityTimeout},
		{"max-age", fc.MaxAge, &cfg.MaxAge},
		{"dedup-window", fc.DedupWindow, &cfg.DedupWindow},
		{"failure-window", fc.FailureWindow, &cfg.FailureWindow},
		{"max-oldest-unacked", fc.MaxOldestUnacked, &cfg.MaxOldestUnacked},
		{"max-cursor-lag", fc.MaxCursorLag, &cfg.MaxCursorLag},
		{"health-interval", fc.HealthInterval, &cfg.HealthInterval},
		{"idle-backoff", fc.IdleBackoff, &cfg.IdleBackoff},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setFloat("rps", fc.RequestsPerSecond, &cfg.RequestsPerSecond)

	s.setInt("max-slices", fc.MaxSlicesPerRun, &cfg.MaxSlicesPerRun)
	s.setInt("max-records", fc.MaxRecordsPerExecute, &cfg.MaxRecordsPerExecute)
	s.setInt("page-size", fc.PageSize, &cfg.PageSize)
	s.setInt("batch", fc.BatchSize, &cfg.BatchSize)
	s.setInt("concurrency", fc.Concurrency, &cfg.Concurrency)
	s.setInt("max-attempts", fc.MaxAttempts, &cfg.MaxAttempts)
	s.setInt("max-recent-failures", fc.MaxRecentFailures, &cfg.MaxRecentFailures)

	s.setBool("once", fc.Once, &cfg.Once)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
