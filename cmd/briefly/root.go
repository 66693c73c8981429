package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/config"
	"github.com/JakeFAU/briefly-pipeline/internal/logging"
	"github.com/JakeFAU/briefly-pipeline/internal/server"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// runner is what a subcommand drives. It lets tests swap in a fake app.
type runner interface {
	Run(ctx context.Context, once bool) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, opts server.Options) (runner, error) {
	return server.Build(ctx, opts)
}

type rootOptions struct {
	cfgFile string
	once    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "briefly",
		Short: "Deduplicated news ingestion and summary pipeline.",
		Long: `briefly polls a news feed per topic, queues each unseen article once,
summarizes queued articles with a language model and stores one summary per
article URL. Each subcommand runs one part; "all" runs them together.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON); BRIEFLY_* env vars override it")

	cmd.AddCommand(
		newModeCmd(config.ModeProducer, "Poll the feed and publish unseen articles", opts, true),
		newModeCmd(config.ModeConsumer, "Summarize queued articles and store the results", opts, true),
		newModeCmd(config.ModeAPI, "Serve stored summaries over HTTP", opts, false),
		newModeCmd(config.ModeAll, "Run producer, consumer and API in one process", opts, true),
	)
	return cmd
}

func newModeCmd(mode, short string, opts *rootOptions, allowOnce bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   mode,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), mode, opts)
		},
	}
	if allowOnce {
		cmd.Flags().BoolVar(&opts.once, "once", false, "run a single producer pass and/or drain the queue, then exit")
	}
	return cmd
}

func run(ctx context.Context, mode string, opts *rootOptions) error {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, server.Options{
		Config:  cfg,
		Mode:    mode,
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			logger.Warn("close failed", zap.Error(cerr))
		}
	}()

	if err := app.Run(ctx, opts.once); err != nil {
		logger.Error("run failed", zap.String("mode", mode), zap.Error(err))
		return err
	}
	return nil
}

func execute(args []string) int {
	return executeWith(context.Background(), args, os.Stderr)
}

func executeWith(ctx context.Context, args []string, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "briefly: %v\n", err)
		return 1
	}
	return 0
}
