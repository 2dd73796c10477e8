package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/bft-labs/niftysave/internal/app"
	"github.com/bft-labs/niftysave/internal/domain"
)

// DefaultSubgraphURL is the EIP-721 subgraph queried when none is configured.
const DefaultSubgraphURL = "https://api.thegraph.com/subgraphs/name/nftstorage/eip721-subgraph"

// maxSubgraphFirst is the largest first argument graph-node accepts.
const maxSubgraphFirst = 1000

// Store drivers.
const (
	StorePebble   = "pebble"
	StorePostgres = "postgres"
)

// Config holds CLI configuration for niftysave.
type Config struct {
	DataDir string

	SubgraphURL       string
	HTTPTimeout       time.Duration
	RequestsPerSecond float64

	DomainStart   time.Time
	DomainEnd     time.Time
	SliceWidth    time.Duration
	MinSliceWidth time.Duration
	SettleLag     time.Duration

	MaxSlicesPerRun      int
	MaxRecordsPerExecute int
	PageSize             int
	BatchSize            int
	Concurrency          int
	VisibilityTimeout    time.Duration

	MaxAttempts int
	MaxAge      time.Duration
	DedupWindow time.Duration

	FailureWindow     time.Duration
	MaxOldestUnacked  time.Duration
	MaxCursorLag      time.Duration
	MaxRecentFailures int

	FillSchedule   string
	PurgeSchedule  string
	HealthInterval time.Duration
	IdleBackoff    time.Duration

	ListenAddr  string
	Store       string
	PostgresDSN string

	LogLevel  string
	LogFormat string
	Once      bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		SubgraphURL:          DefaultSubgraphURL,
		HTTPTimeout:          30 * time.Second,
		RequestsPerSecond:    5,
		DomainStart:          time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
		SliceWidth:           time.Hour,
		MinSliceWidth:        time.Second,
		SettleLag:            5 * time.Minute,
		MaxSlicesPerRun:      100,
		MaxRecordsPerExecute: 999,
		PageSize:             200,
		BatchSize:            10,
		Concurrency:          4,
		VisibilityTimeout:    2 * time.Minute,
		MaxAttempts:          5,
		MaxAge:               24 * time.Hour,
		DedupWindow:          15 * time.Minute,
		FailureWindow:        time.Hour,
		MaxOldestUnacked:     time.Hour,
		MaxCursorLag:         6 * time.Hour,
		MaxRecentFailures:    10,
		FillSchedule:         "* * * * *",
		PurgeSchedule:        "*/5 * * * *",
		HealthInterval:       30 * time.Second,
		IdleBackoff:          10 * time.Second,
		ListenAddr:           ":9464",
		Store:                StorePebble,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return invalid("data-dir is required")
		}
		c.DataDir = filepath.Join(h, ".niftysave", "data")
	}

	c.SubgraphURL = strings.TrimRight(c.SubgraphURL, "/")
	if c.SubgraphURL == "" {
		return invalid("subgraph-url is required")
	}

	if c.DomainStart.IsZero() {
		return invalid("domain-start is required")
	}
	if !c.DomainEnd.IsZero() && !c.DomainStart.Before(c.DomainEnd) {
		return invalid("domain-end must be after domain-start")
	}
	if c.SliceWidth <= 0 {
		return invalid("slice-width must be positive")
	}
	if c.MinSliceWidth <= 0 || c.MinSliceWidth > c.SliceWidth {
		return invalid("min-slice-width must be positive and at most slice-width")
	}

	for name, v := range map[string]int{
		"max-records":  c.MaxRecordsPerExecute,
		"page-size":    c.PageSize,
		"batch":        c.BatchSize,
		"concurrency":  c.Concurrency,
		"max-attempts": c.MaxAttempts,
	} {
		if v <= 0 {
			return invalid(name + " must be positive")
		}
	}
	// Requests ask for one entity beyond the page.
	if c.MaxRecordsPerExecute >= maxSubgraphFirst {
		return invalid(fmt.Sprintf("max-records must be below %d", maxSubgraphFirst))
	}
	if c.PageSize >= maxSubgraphFirst {
		return invalid(fmt.Sprintf("page-size must be below %d", maxSubgraphFirst))
	}

	if c.HTTPTimeout <= 0 {
		return invalid("timeout must be positive")
	}
	// A page must finish before its command can be redelivered.
	if c.VisibilityTimeout <= c.HTTPTimeout {
		return invalid(fmt.Sprintf("visibility (%s) must exceed timeout (%s)", c.VisibilityTimeout, c.HTTPTimeout))
	}

	if !gronx.IsValid(c.FillSchedule) {
		return invalid(fmt.Sprintf("fill-schedule %q is not a cron expression", c.FillSchedule))
	}
	if !gronx.IsValid(c.PurgeSchedule) {
		return invalid(fmt.Sprintf("purge-schedule %q is not a cron expression", c.PurgeSchedule))
	}

	switch c.Store {
	case StorePebble:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return invalid("postgres-dsn is required with store=postgres")
		}
	default:
		return invalid(fmt.Sprintf("unknown store %q", c.Store))
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return invalid(fmt.Sprintf("unknown log-format %q", c.LogFormat))
	}
	return nil
}

// Tuning returns the settings a running pipeline can pick up without restart.
func (c Config) Tuning() app.Tuning {
	return app.Tuning{
		BatchSize:       c.BatchSize,
		Concurrency:     c.Concurrency,
		MaxSlicesPerRun: c.MaxSlicesPerRun,
		MaxAttempts:     c.MaxAttempts,
		MaxAge:          c.MaxAge,
	}
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.PostgresDSN != "" {
		c.PostgresDSN = "*****"
	}
	return c
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, msg)
}

// configSetter applies configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setTime parses an RFC 3339 timestamp.
func (s *configSetter) setTime(flag, value string, dst *time.Time) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = t.UTC()
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
