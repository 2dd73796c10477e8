package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	logAdapter "github.com/bft-labs/niftysave/internal/adapters/log"
	"github.com/bft-labs/niftysave/internal/cliconfig"
	"github.com/bft-labs/niftysave/internal/httpapi"
	"github.com/bft-labs/niftysave/internal/ports"
)

const helpDescription = `
Mirror ERC-721 token metadata from an EIP-721 subgraph into a local store.

The ingestion domain is cut into time slices. fill enqueues slices, fanout
splits slices that are too dense, execute pages through each slice and
purge dead-letters commands that keep failing. run does all of it on a
schedule and serves an HTTP API.

Configuration is read from $HOME/.niftysave/config.toml, then NIFTYSAVE_*
environment variables (a .env file is loaded first), then flags.
`

var exampleUsage = strings.TrimSpace(`
  niftysave run
  niftysave run --once --domain-start 2021-04-01T00:00:00Z --domain-end 2021-04-02T00:00:00Z
  niftysave fill --max-slices 24
  niftysave health --output json
  niftysave deadletters --since 2021-04-01T00:00:00Z
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries the state shared by every subcommand.
type cli struct {
	cfg     cliconfig.Config
	base    cliconfig.Config
	cfgPath string
	envPath string
	output  string

	changed map[string]bool
	logger  ports.Logger
}

func main() {
	c := &cli{cfg: cliconfig.DefaultConfig()}

	root := &cobra.Command{
		Use:               "niftysave",
		Short:             "Ingest NFT metadata from an EIP-721 subgraph in time slices",
		Long:              strings.TrimSpace(helpDescription),
		Example:           exampleUsage,
		Version:           fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	root.PersistentFlags().StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.niftysave/config.toml)")
	root.PersistentFlags().StringVar(&c.envPath, "env-file", ".env", "dotenv file loaded before reading NIFTYSAVE_* variables")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", outputText, "output format: text, json or yaml")
	cliconfig.BindFlags(root.PersistentFlags(), &c.cfg)

	root.AddCommand(
		c.runCommand(),
		c.fillCommand(),
		c.batchCommand("fanout", "Size queued slices and split the dense ones", func(ctx context.Context, p *pipeline, n int) error {
			r, err := p.ops.FanOut(ctx, n)
			if err != nil {
				return err
			}
			return c.printer().batch(r)
		}),
		c.batchCommand("execute", "Ingest one page for each queued execute command", func(ctx context.Context, p *pipeline, n int) error {
			r, err := p.ops.Execute(ctx, n)
			if err != nil {
				return err
			}
			return c.printer().batch(r)
		}),
		c.purgeCommand(),
		c.healthCommand(),
		c.deadLettersCommand(),
	)

	if err := root.Execute(); err != nil {
		if c.logger != nil {
			c.logger.Error("niftysave", ports.Err(err))
		}
		os.Exit(1)
	}
}

// load resolves the configuration with precedence flags > env > file >
// defaults and builds the logger.
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	if err := c.printer().validate(); err != nil {
		return err
	}

	c.changed = map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { c.changed[f.Name] = true })

	if err := cliconfig.LoadDotEnv(c.envPath); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	// Defaults plus flags; a reloaded config file is applied on top of this.
	c.base = c.cfg

	if c.cfgPath == "" {
		c.cfgPath = cliconfig.DefaultConfigPath()
	}
	if c.cfgPath != "" && cliconfig.FileExists(c.cfgPath) {
		fc, err := cliconfig.LoadFileConfig(c.cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, c.changed); err != nil {
			return err
		}
	}

	if err := cliconfig.ApplyEnvConfig(&c.cfg, c.changed); err != nil {
		return err
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	logger, err := logAdapter.NewZerologAdapter(c.cfg.LogLevel, c.cfg.LogFormat)
	if err != nil {
		return err
	}
	c.logger = logger
	c.logger.Info("configuration", ports.Any("config", c.cfg.Redacted()))
	return nil
}

func (c *cli) printer() printer {
	return printer{w: os.Stdout, format: c.output}
}

// withPipeline opens the pipeline, runs fn and closes it again.
func (c *cli) withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *pipeline) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			c.logger.Warn("close pipeline", ports.Err(err))
		}
	}()
	return fn(ctx, p)
}

func (c *cli) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run fill, fan-out, execute, purge and health on their schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				if c.cfg.Once {
					summary, err := p.runner.RunOnce(ctx)
					if err != nil {
						return err
					}
					return c.printer().print(summary, func(w io.Writer) {
						printer{w: w}.fill(summary.Fill)
						printer{w: w}.batch(summary.FanOut)
						printer{w: w}.batch(summary.Execute)
						printer{w: w}.sweep(summary.Purge)
					})
				}
				return c.serve(ctx, p)
			})
		},
	}
	cmd.Flags().BoolVar(&c.cfg.Once, "once", c.cfg.Once, "fill, drain the queue, sweep once and exit")
	return cmd
}

// serve runs the scheduled pipeline next to the HTTP API and the config
// watcher until ctx is done or one of them fails.
func (c *cli) serve(ctx context.Context, p *pipeline) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.runner.Run(gctx) })

	if c.cfg.ListenAddr != "" {
		srv := httpapi.NewServer(p.ops, p.metrics.Handler(), c.logger)
		g.Go(func() error { return srv.ListenAndServe(gctx, c.cfg.ListenAddr) })
	}

	if c.cfgPath != "" && cliconfig.FileExists(c.cfgPath) {
		w := cliconfig.NewWatcher(c.cfgPath, c.base, c.changed, func(cfg cliconfig.Config) {
			p.runner.Apply(cfg.Tuning())
		}, c.logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	c.logger.Info("niftysave started",
		ports.String("subgraph", c.cfg.SubgraphURL),
		ports.String("store", c.cfg.Store),
		ports.String("data_dir", c.cfg.DataDir))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("niftysave stopped")
	return err
}

func (c *cli) fillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fill",
		Short: "Enqueue the next slices of the ingestion domain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				r, err := p.ops.Fill(ctx, c.cfg.MaxSlicesPerRun)
				if err != nil {
					return err
				}
				return c.printer().fill(r)
			})
		},
	}
}

func (c *cli) batchCommand(use, short string, fn func(ctx context.Context, p *pipeline, n int) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				return fn(ctx, p, c.cfg.BatchSize)
			})
		},
	}
}

func (c *cli) purgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Dead-letter commands past their attempt or age limit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				r, err := p.ops.Purge(ctx)
				if err != nil {
					return err
				}
				return c.printer().sweep(r)
			})
		},
	}
}

func (c *cli) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report queue depth, cursor lag and recent failures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				r, err := p.ops.Report(ctx)
				if err != nil {
					return err
				}
				if err := c.printer().health(r); err != nil {
					return err
				}
				if !r.Healthy {
					return errUnhealthy
				}
				return nil
			})
		},
	}
}

var errUnhealthy = errors.New("pipeline is unhealthy")

func (c *cli) deadLettersCommand() *cobra.Command {
	var since time.Time
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List purged commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withPipeline(cmd, func(ctx context.Context, p *pipeline) error {
				from := since
				if from.IsZero() {
					from = time.Now().UTC().Add(-c.cfg.FailureWindow)
				}
				dls, err := p.ops.DeadLetters(ctx, from)
				if err != nil {
					return err
				}
				return c.printer().deadLetters(dls)
			})
		},
	}
	cliconfig.TimeVar(cmd.Flags(), &since, "since", "list dead letters purged at or after this time (default: now minus --failure-window)")
	return cmd
}
