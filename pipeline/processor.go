// Package pipeline runs one mailbox message through classification, field
// extraction, quoting and payout.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/dhcgn/inbox-payout/amount"
	"github.com/dhcgn/inbox-payout/extract"
	"github.com/dhcgn/inbox-payout/metrics"
	"github.com/dhcgn/inbox-payout/model"
	"github.com/dhcgn/inbox-payout/payout"
	"github.com/dhcgn/inbox-payout/stats"
)

// ReasonNotNotification marks messages the classifier rejected.
const ReasonNotNotification = "not a payment notification"

type Classifier interface {
	Matches(msg model.InboundMessage) bool
}

type Extractor interface {
	Extract(msg model.InboundMessage) (model.ExtractedPayment, error)
}

type QuoteSource interface {
	Fetch(ctx context.Context) fn.Option[model.Quote]
}

type Payer interface {
	Execute(ctx context.Context, req payout.Request) model.PayoutResult
}

// EventSink receives pipeline events; runner.Runner implements it.
type EventSink interface {
	EmitEvent(evt stats.Event)
}

type Processor struct {
	classifier Classifier
	extractor  Extractor
	quotes     QuoteSource
	payer      Payer
	events     EventSink
	logger     *slog.Logger

	// keyPrefix scopes journal keys, normally the mailbox UIDVALIDITY.
	keyPrefix string
}

func New(classifier Classifier, extractor Extractor, quotes QuoteSource, payer Payer, events EventSink, logger *slog.Logger) *Processor {
	return &Processor{
		classifier: classifier,
		extractor:  extractor,
		quotes:     quotes,
		payer:      payer,
		events:     events,
		logger:     logger,
	}
}

// SetKeyPrefix sets the scope used to build payout journal keys.
func (p *Processor) SetKeyPrefix(prefix string) {
	p.keyPrefix = prefix
}

// Handle runs msg to completion. Every failure becomes a skipped or rejected
// result; Handle never returns an error so the caller can always advance.
func (p *Processor) Handle(ctx context.Context, msg model.InboundMessage) model.PayoutResult {
	p.emit(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeScanned, MessageID: msg.ID})

	if !p.classifier.Matches(msg) {
		p.emit(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeIgnored, MessageID: msg.ID})
		metrics.MessagesTotal.WithLabelValues("ignored").Inc()
		p.log(slog.LevelDebug, "message ignored", msg, "subject", msg.Subject, "from", msg.Sender)
		return model.Skipped(ReasonNotNotification)
	}
	p.emit(stats.Event{Stage: stats.StageClassify, Type: stats.EventTypeMatched, MessageID: msg.ID})
	p.log(slog.LevelInfo, "payment notification", msg, "subject", msg.Subject, "from", msg.Sender)

	result := p.process(ctx, msg)

	p.emit(resultEvent(msg.ID, result))
	metrics.MessagesTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.PayoutsTotal.WithLabelValues(string(result.Status)).Inc()

	level := slog.LevelInfo
	if result.Status == model.PayoutRejected {
		level = slog.LevelWarn
	}
	p.log(level, "payout result", msg, result.LogAttrs()...)
	return result
}

func (p *Processor) process(ctx context.Context, msg model.InboundMessage) model.PayoutResult {
	payment, err := p.extractor.Extract(msg)
	if err != nil {
		return p.extractFailed(msg, "malformed: "+err.Error(), err)
	}
	p.log(slog.LevelDebug, "fields extracted", msg, "rawAmount", payment.RawAmount, "rawPurpose", payment.RawPurpose)

	value := amount.Parse(payment.RawAmount)
	if value.IsNone() {
		return p.extractFailed(msg, payout.ReasonNoAmount, fmt.Errorf("%s: %q", payout.ReasonNoAmount, payment.RawAmount))
	}
	dest := extract.Destination(payment.RawPurpose)
	if dest.IsNone() {
		return p.extractFailed(msg, payout.ReasonNoDestination, fmt.Errorf("%s: %q", payout.ReasonNoDestination, payment.RawPurpose))
	}

	quote := p.quotes.Fetch(ctx)
	if quote.IsNone() {
		p.emit(stats.Event{Stage: stats.StageQuote, Type: stats.EventTypeError, MessageID: msg.ID, Err: errors.New(payout.ReasonNoQuote)})
	}

	return p.payer.Execute(ctx, payout.Request{
		Key:         p.key(msg.ID),
		Destination: dest,
		Amount:      value,
		Quote:       quote,
	})
}

// extractFailed reports a notification whose fields could not be turned into
// a payout request.
func (p *Processor) extractFailed(msg model.InboundMessage, reason string, err error) model.PayoutResult {
	p.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, MessageID: msg.ID, Err: err, Detail: reason})
	p.log(slog.LevelDebug, "extraction failed", msg, "err", err)
	return model.Skipped(reason)
}

func (p *Processor) key(uid uint32) string {
	if p.keyPrefix == "" {
		return fmt.Sprintf("%d", uid)
	}
	return fmt.Sprintf("%s:%d", p.keyPrefix, uid)
}

func (p *Processor) emit(evt stats.Event) {
	if p.events != nil {
		p.events.EmitEvent(evt)
	}
}

func (p *Processor) log(level slog.Level, msg string, m model.InboundMessage, attrs ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Log(context.Background(), level, msg, append([]any{"uid", m.ID}, attrs...)...)
}

func resultEvent(uid uint32, result model.PayoutResult) stats.Event {
	evt := stats.Event{Stage: stats.StagePayout, MessageID: uid, Detail: result.Reason}
	switch result.Status {
	case model.PayoutSimulated:
		evt.Type = stats.EventTypeSimulated
	case model.PayoutSubmitted:
		evt.Type = stats.EventTypeSubmitted
	case model.PayoutRejected:
		evt.Type = stats.EventTypeRejected
	default:
		evt.Type = stats.EventTypeSkipped
	}
	return evt
}
