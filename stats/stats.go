package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSync     Stage = "sync"
	StageClassify Stage = "classify"
	StageExtract  Stage = "extract"
	StageQuote    Stage = "quote"
	StagePayout   Stage = "payout"
)

type EventType string

const (
	EventTypeScanned   EventType = "scanned"
	EventTypeIgnored   EventType = "ignored"
	EventTypeMatched   EventType = "matched"
	EventTypeSkipped   EventType = "skipped"
	EventTypeSimulated EventType = "simulated"
	EventTypeSubmitted EventType = "submitted"
	EventTypeRejected  EventType = "rejected"
	EventTypeReconnect EventType = "reconnect"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID uint32
	Err       error
	Detail    string
}

type Summary struct {
	Scanned    int
	Ignored    int
	Matched    int
	Skipped    int
	Simulated  int
	Submitted  int
	Rejected   int
	Reconnects int
	Errors     int
	LastError  error
	Reasons    map[string]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"ignored", s.Ignored,
		"matched", s.Matched,
		"skipped", s.Skipped,
		"simulated", s.Simulated,
		"submitted", s.Submitted,
		"rejected", s.Rejected,
		"reconnects", s.Reconnects,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Reasons: make(map[string]int)}}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.Reasons = make(map[string]int, len(c.summary.Reasons))
	for k, v := range c.summary.Reasons {
		summary.Reasons[k] = v
	}
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeIgnored:
		c.summary.Ignored++
	case EventTypeMatched:
		c.summary.Matched++
	case EventTypeSkipped:
		c.summary.Skipped++
		if evt.Detail != "" {
			c.summary.Reasons[evt.Detail]++
		}
	case EventTypeSimulated:
		c.summary.Simulated++
	case EventTypeSubmitted:
		c.summary.Submitted++
	case EventTypeRejected:
		c.summary.Rejected++
		if evt.Detail != "" {
			c.summary.Reasons[evt.Detail]++
		}
	case EventTypeReconnect:
		c.summary.Reconnects++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	observers []func(Event)
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes a collector to stream and logs the summary once the
// stream ends. Observers see every event after it was counted.
func NewReporter(stream EventStream, logger *slog.Logger, observers ...func(Event)) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		observers: observers,
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.drain(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return ctx.Err()
}

func (r *Reporter) drain(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			r.collector.Apply(evt)
			for _, observe := range r.observers {
				observe(evt)
			}
		}
	}
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
