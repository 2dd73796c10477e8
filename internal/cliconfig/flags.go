package cliconfig

import (
	"time"

	"github.com/spf13/pflag"
)

// BindFlags registers every config flag on fs, using the current values of
// cfg as defaults. Flag names are the keys of the changed map passed to
// ApplyFileConfig and ApplyEnvConfig.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the queue, store and cursor (default $HOME/.niftysave/data)")

	fs.StringVar(&cfg.SubgraphURL, "subgraph-url", cfg.SubgraphURL, "GraphQL endpoint of the EIP-721 subgraph")
	fs.DurationVar(&cfg.HTTPTimeout, "timeout", cfg.HTTPTimeout, "subgraph request timeout")
	fs.Float64Var(&cfg.RequestsPerSecond, "rps", cfg.RequestsPerSecond, "subgraph requests per second")

	TimeVar(fs, &cfg.DomainStart, "domain-start", "start of the ingestion domain (RFC 3339)")
	TimeVar(fs, &cfg.DomainEnd, "domain-end", "fixed end of the ingestion domain (RFC 3339); follows the clock when unset")
	fs.DurationVar(&cfg.SliceWidth, "slice-width", cfg.SliceWidth, "width of slices enqueued by fill")
	fs.DurationVar(&cfg.MinSliceWidth, "min-slice-width", cfg.MinSliceWidth, "narrowest slice fan-out will split to")
	fs.DurationVar(&cfg.SettleLag, "settle-lag", cfg.SettleLag, "how far fill stays behind the clock")

	fs.IntVar(&cfg.MaxSlicesPerRun, "max-slices", cfg.MaxSlicesPerRun, "slices enqueued per fill run (0 = unbounded)")
	fs.IntVar(&cfg.MaxRecordsPerExecute, "max-records", cfg.MaxRecordsPerExecute, "largest slice executed without splitting")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "entities requested per page")
	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "commands received per worker batch")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "commands handled concurrently per batch")
	fs.DurationVar(&cfg.VisibilityTimeout, "visibility", cfg.VisibilityTimeout, "queue visibility timeout")

	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "attempts before a command is dead-lettered")
	fs.DurationVar(&cfg.MaxAge, "max-age", cfg.MaxAge, "age after which a queued command is dead-lettered (0 = never)")
	fs.DurationVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "how long acknowledged dedup keys are remembered")

	fs.DurationVar(&cfg.FailureWindow, "failure-window", cfg.FailureWindow, "how far back dead letters count as recent")
	fs.DurationVar(&cfg.MaxOldestUnacked, "max-oldest-unacked", cfg.MaxOldestUnacked, "health threshold for the oldest queued command")
	fs.DurationVar(&cfg.MaxCursorLag, "max-cursor-lag", cfg.MaxCursorLag, "health threshold for fill cursor lag")
	fs.IntVar(&cfg.MaxRecentFailures, "max-recent-failures", cfg.MaxRecentFailures, "health threshold for recent dead letters")

	fs.StringVar(&cfg.FillSchedule, "fill-schedule", cfg.FillSchedule, "cron expression for fill runs")
	fs.StringVar(&cfg.PurgeSchedule, "purge-schedule", cfg.PurgeSchedule, "cron expression for purge sweeps")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "how often health metrics are refreshed")
	fs.DurationVar(&cfg.IdleBackoff, "idle-backoff", cfg.IdleBackoff, "longest wait between polls of an idle queue")

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API address (empty disables)")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "record store: pebble or postgres")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
}

// TimeVar defines an RFC 3339 timestamp flag.
func TimeVar(fs *pflag.FlagSet, p *time.Time, name, usage string) {
	fs.Var(timeValue{p}, name, usage)
}

type timeValue struct {
	t *time.Time
}

func (v timeValue) String() string {
	if v.t == nil || v.t.IsZero() {
		return ""
	}
	return v.t.Format(time.RFC3339)
}

func (v timeValue) Set(s string) error {
	if s == "" {
		*v.t = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*v.t = t.UTC()
	return nil
}

func (v timeValue) Type() string { return "time" }
