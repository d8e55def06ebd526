// Package extract pulls the amount and purpose fields out of payment
// notification bodies.
//
// Notification bodies are inconsistent: some carry a styled HTML table, some
// only free text, some both. Fields are looked up through an ordered list of
// strategies and the first one that yields a value wins.
package extract

import (
	"errors"
	"strings"

	"github.com/k3a/html2text"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/net/html"

	"github.com/dhcgn/inbox-payout/model"
)

var (
	ErrMissingAmount  = errors.New("amount field not found")
	ErrMissingPurpose = errors.New("purpose field not found")
)

// DefaultSubtitleClass is the CSS class notification templates put on value cells.
const DefaultSubtitleClass = "subtitle"

var (
	DefaultAmountLabels  = []string{"amount", "monto", "importe"}
	DefaultPurposeLabels = []string{"reason", "motivo", "concepto"}
)

// Options configures field labels and the value cell class.
type Options struct {
	AmountLabels  []string
	PurposeLabels []string
	SubtitleClass string
}

// Document is a message body prepared for the strategies. Every field is
// optional.
type Document struct {
	Root      *html.Node
	TextLines []string
	HTMLLines []string
}

// NewDocument parses the bodies of msg.
func NewDocument(msg model.InboundMessage) *Document {
	doc := &Document{TextLines: splitLines(msg.BodyText)}
	if strings.TrimSpace(msg.BodyHTML) != "" {
		if root, err := html.Parse(strings.NewReader(msg.BodyHTML)); err == nil {
			doc.Root = root
		}
		doc.HTMLLines = splitLines(html2text.HTML2Text(msg.BodyHTML))
	}
	return doc
}

// Strategy looks up the value for any of labels in doc. Labels are already
// normalized.
type Strategy interface {
	Name() string
	Lookup(doc *Document, labels []string) fn.Option[string]
}

// Extractor runs the strategy chain for each required field.
type Extractor struct {
	amountLabels  []string
	purposeLabels []string
	strategies    []Strategy
}

func New(opts Options) *Extractor {
	amountLabels := opts.AmountLabels
	if len(amountLabels) == 0 {
		amountLabels = DefaultAmountLabels
	}
	purposeLabels := opts.PurposeLabels
	if len(purposeLabels) == 0 {
		purposeLabels = DefaultPurposeLabels
	}
	subtitle := opts.SubtitleClass
	if subtitle == "" {
		subtitle = DefaultSubtitleClass
	}

	return &Extractor{
		amountLabels:  normalizeLabels(amountLabels),
		purposeLabels: normalizeLabels(purposeLabels),
		strategies: []Strategy{
			TableStrategy{SubtitleClass: subtitle},
			LineStrategy{},
			RenderedHTMLStrategy{},
		},
	}
}

// Extract returns the raw amount and purpose of msg, or an error naming the
// first field no strategy could find.
func (e *Extractor) Extract(msg model.InboundMessage) (model.ExtractedPayment, error) {
	doc := NewDocument(msg)

	rawAmount, ok := e.lookup(doc, e.amountLabels)
	if !ok {
		return model.ExtractedPayment{}, ErrMissingAmount
	}
	rawPurpose, ok := e.lookup(doc, e.purposeLabels)
	if !ok {
		return model.ExtractedPayment{}, ErrMissingPurpose
	}

	return model.ExtractedPayment{RawAmount: rawAmount, RawPurpose: rawPurpose}, nil
}

// Strategies returns the names of the configured strategies in priority order.
func (e *Extractor) Strategies() []string {
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	return names
}

func (e *Extractor) lookup(doc *Document, labels []string) (string, bool) {
	for _, strategy := range e.strategies {
		value := strategy.Lookup(doc, labels).UnwrapOr("")
		if value != "" {
			return value, true
		}
	}
	return "", false
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if n := normalizeText(label); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// normalizeText collapses whitespace (including non-breaking spaces), trims a
// trailing colon and lowercases.
func normalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimSpace(strings.TrimSuffix(s, ":"))
	return strings.ToLower(s)
}

func splitLines(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}
