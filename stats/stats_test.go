package stats

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestCollector_Apply(t *testing.T) {
	c := NewCollector()
	events := []Event{
		{Stage: StageSync, Type: EventTypeScanned, MessageID: 7},
		{Stage: StageClassify, Type: EventTypeIgnored, MessageID: 7},
		{Stage: StageSync, Type: EventTypeScanned, MessageID: 9},
		{Stage: StageClassify, Type: EventTypeMatched, MessageID: 9},
		{Stage: StagePayout, Type: EventTypeSkipped, MessageID: 9, Detail: "no quote"},
		{Stage: StagePayout, Type: EventTypeRejected, MessageID: 10, Detail: "insufficient funds"},
		{Stage: StagePayout, Type: EventTypeSimulated, MessageID: 11},
		{Stage: StageSync, Type: EventTypeError, Err: errors.New("boom")},
	}
	for _, evt := range events {
		c.Apply(evt)
	}

	s := c.Snapshot()
	if s.Scanned != 2 || s.Ignored != 1 || s.Matched != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.Skipped != 1 || s.Rejected != 1 || s.Simulated != 1 || s.Errors != 1 {
		t.Fatalf("unexpected outcome counts: %+v", s)
	}
	if s.Reasons["no quote"] != 1 || s.Reasons["insufficient funds"] != 1 {
		t.Fatalf("unexpected reasons: %v", s.Reasons)
	}
	if s.LastError == nil || s.LastError.Error() != "boom" {
		t.Fatalf("LastError = %v", s.LastError)
	}
}

func TestCollector_RunStopsOnClose(t *testing.T) {
	c := NewCollector()
	events := make(chan Event, 2)
	events <- Event{Type: EventTypeScanned}
	events <- Event{Type: EventTypeSubmitted}
	close(events)

	c.Run(context.Background(), events)

	if got := c.Snapshot(); got.Scanned != 1 || got.Submitted != 1 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestPrettyPrintTop(t *testing.T) {
	var buf bytes.Buffer
	PrettyPrintTop(&buf, map[string]int{"no quote": 1, "no amount": 3, "already paid": 1}, 2)

	want := "1. no amount (3)\n2. already paid (1)\n"
	if buf.String() != want {
		t.Errorf("PrettyPrintTop() = %q, want %q", buf.String(), want)
	}
}

type chanStream struct {
	events chan Event
	done   chan error
}

func (s *chanStream) SubscribeStats(_ string, fn func(context.Context, <-chan Event) error) {
	go func() { s.done <- fn(context.Background(), s.events) }()
}

func TestReporter_Observers(t *testing.T) {
	stream := &chanStream{events: make(chan Event), done: make(chan error, 1)}

	var seen []EventType
	reporter := NewReporter(stream, nil, func(evt Event) {
		seen = append(seen, evt.Type)
	})

	stream.events <- Event{Type: EventTypeScanned, MessageID: 1}
	stream.events <- Event{Type: EventTypeSubmitted, MessageID: 1}
	close(stream.events)

	if err := <-stream.done; err != nil {
		t.Fatalf("consume returned %v", err)
	}
	if len(seen) != 2 || seen[0] != EventTypeScanned || seen[1] != EventTypeSubmitted {
		t.Errorf("observer saw %v", seen)
	}
	if s := reporter.Summary(); s.Scanned != 1 || s.Submitted != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}
