package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/inbox-payout/mbox"
	"github.com/dhcgn/inbox-payout/model"
	"github.com/dhcgn/inbox-payout/progress"
	"github.com/dhcgn/inbox-payout/runner"
	"github.com/dhcgn/inbox-payout/stats"
	"github.com/dhcgn/inbox-payout/syncer"
)

// NewReplayCommand returns the replay subcommand. run receives the file to
// replay after flag parsing.
func NewReplayCommand(run func(cmd *cobra.Command, path string) error) *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Run the messages of an mbox or .eml file through the payout pipeline",
		Long: "Replays archived notifications through classification, extraction, quoting and payout.\n" +
			"The --dry-run flag applies exactly as for the watcher.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}
	replayCmd.Flags().Int("top", 10, "Number of skip reasons to list in the summary")
	replayCmd.Flags().Bool("progress", false, "Show a progress bar and a summary table")
	return replayCmd
}

type ReplayOptions struct {
	Path string
	// Top limits the listed skip reasons.
	Top      int
	Progress bool
	Out      io.Writer
	Logger   *slog.Logger
}

// Replay hands every message in opts.Path to h on r and prints the run
// summary with the most frequent skip reasons.
func Replay(r *runner.Runner, h syncer.Handler, opts ReplayOptions) (stats.Summary, error) {
	reader, err := mbox.NewReader(opts.Path, opts.Logger)
	if err != nil {
		return stats.Summary{}, err
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	bar := progress.New(0, false)
	if opts.Progress {
		total, err := reader.Count()
		if err != nil {
			return stats.Summary{}, err
		}
		bar = progress.New(total, true)
	}

	started := time.Now()
	reporter := stats.NewReporter(r, opts.Logger, bar.Update)

	r.AddStage("replay", func(ctx context.Context) error {
		return reader.Each(func(msg model.InboundMessage) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h.Handle(ctx, msg)
			return nil
		})
	})

	err = r.Start()
	bar.Stop()
	summary := reporter.Summary()
	if err != nil {
		return summary, err
	}

	if opts.Progress {
		if err := progress.PrintSummary(summary, time.Since(started)); err != nil {
			return summary, err
		}
	} else {
		fmt.Fprintf(opts.Out, "Replayed %s: %d scanned, %d matched, %d ignored, %d skipped, %d simulated, %d submitted, %d rejected\n",
			opts.Path, summary.Scanned, summary.Matched, summary.Ignored, summary.Skipped, summary.Simulated, summary.Submitted, summary.Rejected)
	}
	if len(summary.Reasons) > 0 && opts.Top > 0 {
		fmt.Fprintln(opts.Out, "Top reasons:")
		stats.PrettyPrintTop(opts.Out, summary.Reasons, opts.Top)
	}
	return summary, nil
}
