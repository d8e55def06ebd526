// Package progress renders replay progress and the final summary on a
// terminal.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/inbox-payout/stats"
)

// Bar tracks scanned messages against the number of messages in the file.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New starts a progress bar over total messages. A disabled Bar ignores
// every call.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled && total > 0}
	if !bar.enabled {
		return bar
	}

	pterm.Info.Printf("Messages to replay: %d\n", total)
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Replaying").
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update advances the bar on every scanned message and prints refusals
// above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.UpdateTitle(fmt.Sprintf("Replaying message %d", evt.MessageID))
		b.pb.Increment()
	case stats.EventTypeRejected:
		pterm.Warning.Printf("message %d rejected: %s\n", evt.MessageID, evt.Detail)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("message %d: %v\n", evt.MessageID, evt.Err)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	pterm.Success.Println("Replay complete!")
}

// PrintSummary renders the run summary as a pterm table.
func PrintSummary(summary stats.Summary, duration time.Duration) error {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	data := pterm.TableData{
		{"Outcome", "Count"},
		{"Scanned", fmt.Sprint(summary.Scanned)},
		{"Ignored", fmt.Sprint(summary.Ignored)},
		{"Matched", fmt.Sprint(summary.Matched)},
		{"Skipped", fmt.Sprint(summary.Skipped)},
		{"Simulated", fmt.Sprint(summary.Simulated)},
		{"Submitted", fmt.Sprint(summary.Submitted)},
		{"Rejected", fmt.Sprint(summary.Rejected)},
		{"Errors", fmt.Sprint(summary.Errors)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	return nil
}
