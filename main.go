package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/inbox-payout/cmd"
	"github.com/dhcgn/inbox-payout/config"
	"github.com/dhcgn/inbox-payout/extract"
	"github.com/dhcgn/inbox-payout/filter"
	"github.com/dhcgn/inbox-payout/imap"
	"github.com/dhcgn/inbox-payout/metrics"
	"github.com/dhcgn/inbox-payout/payout"
	"github.com/dhcgn/inbox-payout/pipeline"
	"github.com/dhcgn/inbox-payout/quote"
	"github.com/dhcgn/inbox-payout/runner"
	"github.com/dhcgn/inbox-payout/state"
	"github.com/dhcgn/inbox-payout/stats"
	"github.com/dhcgn/inbox-payout/syncer"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "inbox-payout",
		Short:        "Watch a mailbox for payment notifications and pay out the notified amount on-chain",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c, config.ModeWatch)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting inbox-payout", "host", cfg.IMAPHost, "mailbox", cfg.Mailbox, "dryRun", cfg.DryRun, "journal", cfg.JournalDir)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(cmd.NewReplayCommand(runReplay))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r := runner.New(ctx, logger)

	processor, closePipeline, err := buildPipeline(ctx, cfg, r, logger)
	if err != nil {
		return err
	}
	defer closePipeline()

	dialer, err := imap.NewDialer(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Mailbox:            cfg.Mailbox,
	}, logger)
	if err != nil {
		return fmt.Errorf("imap.NewDialer: %w", err)
	}

	stats.NewReporter(r, logger)

	watcher := syncer.New(dialer, processor, state.NewCursor(), syncer.Options{
		OnOpen: func(status syncer.MailboxStatus) {
			processor.SetKeyPrefix(strconv.FormatUint(uint64(status.UIDValidity), 10))
		},
	}, logger)

	policy := runner.DefaultBackoff()
	policy.MaxAttempts = cfg.ReconnectAttempts
	r.AddSupervisedStage("sync", policy, func(err error) bool {
		return errors.Is(err, syncer.ErrReconnectFailed)
	}, watcher.Run)

	if cfg.MetricsAddr != "" {
		r.AddStage("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsAddr, logger)
		})
	}

	return r.Start()
}

func runReplay(c *cobra.Command, path string) error {
	cfg, err := config.LoadConfig(c, config.ModeReplay)
	if err != nil {
		return err
	}
	top, err := c.Flags().GetInt("top")
	if err != nil {
		return err
	}
	showProgress, err := c.Flags().GetBool("progress")
	if err != nil {
		return err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = cleanup()
	}()
	slog.SetDefault(logger)
	logger.Info("replaying messages", "path", path, "dryRun", cfg.DryRun)

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.New(ctx, logger)
	processor, closePipeline, err := buildPipeline(ctx, cfg, r, logger)
	if err != nil {
		return err
	}
	defer closePipeline()
	processor.SetKeyPrefix("replay:" + filepath.Base(path))

	_, err = cmd.Replay(r, processor, cmd.ReplayOptions{
		Path:     path,
		Top:      top,
		Progress: showProgress,
		Out:      c.OutOrStdout(),
		Logger:   logger,
	})
	return err
}

// buildPipeline wires classifier, extractor, quote client and payout engine.
// The returned func releases the chain connection and the journal file.
func buildPipeline(ctx context.Context, cfg config.Config, sink pipeline.EventSink, logger *slog.Logger) (*pipeline.Processor, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	classifier, err := filter.NewClassifier(filter.Options{
		SubjectMarker: cfg.SubjectMarker,
		Sender:        cfg.Sender,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("filter.NewClassifier: %w", err)
	}

	extractor := extract.New(extract.Options{
		AmountLabels:  cfg.AmountLabels,
		PurposeLabels: cfg.PurposeLabels,
	})

	quotes := quote.New(quote.Options{
		BaseURL: cfg.QuoteURL,
		Pair:    cfg.QuotePair,
		Timeout: cfg.QuoteTimeout,
	}, logger)

	var chain payout.Chain
	if cfg.HasSigner() {
		ethChain, err := payout.DialEthChain(ctx, cfg.ChainURL(), cfg.PrivateKey, cfg.GasLimit)
		if err != nil {
			return nil, cleanup, fmt.Errorf("payout.DialEthChain: %w", err)
		}
		closers = append(closers, ethChain.Close)
		chain = ethChain
		logger.Info("payout wallet ready", "address", ethChain.Address().Hex(), "chainID", ethChain.ChainID(), "rpc", cfg.ChainURL())
	} else if cfg.WatchOnly() {
		watchChain, err := payout.DialWatchChain(ctx, cfg.ChainURL(), cfg.FromAddress, cfg.GasLimit)
		if err != nil {
			return nil, cleanup, fmt.Errorf("payout.DialWatchChain: %w", err)
		}
		closers = append(closers, watchChain.Close)
		chain = watchChain
		logger.Info("watch-only payout wallet ready", "address", watchChain.Address().Hex(), "chainID", watchChain.ChainID(), "rpc", cfg.ChainURL())
	} else {
		logger.Warn("no payout wallet configured; matched notifications will be skipped before preflight")
	}

	var journal state.Journal
	if cfg.JournalDir != "" {
		fileJournal, err := state.NewFileJournal(cfg.JournalDir)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("state.NewFileJournal: %w", err)
		}
		closers = append(closers, func() {
			if err := fileJournal.Close(); err != nil {
				logger.Warn("journal close failed", "err", err)
			}
		})
		journal = fileJournal
		logger.Info("payout journal opened", "path", fileJournal.Path())
	}

	engine := payout.NewEngine(payout.Options{DryRun: cfg.DryRun}, chain, journal, logger)
	return pipeline.New(classifier, extractor, quotes, engine, sink, logger), cleanup, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("inbox-payout-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
