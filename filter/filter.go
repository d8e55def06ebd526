package filter

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/dhcgn/inbox-payout/model"
)

// Options captures the classification configuration.
type Options struct {
	// SubjectMarker is the token a payment notification subject starts with.
	SubjectMarker string
	// Sender, when set, is the only From address accepted.
	Sender string
}

// Classifier decides whether a message is a payment notification.
type Classifier struct {
	marker string
	sender string
}

// NewClassifier creates a Classifier from the provided options.
func NewClassifier(opts Options) (*Classifier, error) {
	marker := normalizeSubject(opts.SubjectMarker)
	if marker == "" {
		return nil, fmt.Errorf("subject marker is empty")
	}

	var sender string
	if s := strings.TrimSpace(opts.Sender); s != "" {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("parse sender %q: %w", s, err)
		}
		sender = strings.ToLower(addr.Address)
	}

	return &Classifier{marker: marker, sender: sender}, nil
}

// Matches returns true if msg looks like a payment notification.
func (c *Classifier) Matches(msg model.InboundMessage) bool {
	if !strings.HasPrefix(normalizeSubject(msg.Subject), c.marker) {
		return false
	}
	if c.sender == "" {
		return true
	}
	return senderAddress(msg.Sender) == c.sender
}

// normalizeSubject trims and case-folds s. A leading inverted exclamation or
// question mark is folded into its plain form and then dropped along with
// any other leading "!" or "?" so "¡Recibiste" and "Recibiste" compare equal.
func normalizeSubject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("¡", "!", "¿", "?").Replace(s)
	return strings.TrimSpace(strings.TrimLeft(s, "!?"))
}

func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(from, "<>"))
}
