package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// LineStrategy scans the text/plain body for a line starting with a label.
type LineStrategy struct{}

func (LineStrategy) Name() string { return "text" }

func (LineStrategy) Lookup(doc *Document, labels []string) fn.Option[string] {
	if doc == nil {
		return fn.None[string]()
	}
	return scanLines(doc.TextLines, labels)
}

// RenderedHTMLStrategy runs the line scan over the HTML body rendered to
// text, for messages without a text/plain part.
type RenderedHTMLStrategy struct{}

func (RenderedHTMLStrategy) Name() string { return "rendered-html" }

func (RenderedHTMLStrategy) Lookup(doc *Document, labels []string) fn.Option[string] {
	if doc == nil || len(doc.TextLines) > 0 {
		return fn.None[string]()
	}
	return scanLines(doc.HTMLLines, labels)
}

// scanLines finds the first line whose normalized prefix is a label. The
// value is the rest of that line after an optional colon, or the next line
// when the rest is empty.
func scanLines(lines []string, labels []string) fn.Option[string] {
	for i, line := range lines {
		clean := cleanText(line)
		for _, label := range labels {
			rest, ok := cutLabel(clean, label)
			if !ok {
				continue
			}
			if value := cleanText(strings.TrimPrefix(strings.TrimSpace(rest), ":")); value != "" {
				return fn.Some(value)
			}
			if i+1 < len(lines) {
				if next := strings.TrimSpace(lines[i+1]); next != "" {
					return fn.Some(next)
				}
			}
		}
	}
	return fn.None[string]()
}

// cutLabel reports whether line starts with label, ignoring case, followed by
// a word boundary. It returns the original text after the label.
func cutLabel(line, label string) (string, bool) {
	rest := line
	for _, want := range label {
		r, size := utf8.DecodeRuneInString(rest)
		if size == 0 || !strings.EqualFold(string(r), string(want)) {
			return "", false
		}
		rest = rest[size:]
	}
	if rest != "" && rest[0] != ':' && rest[0] != ' ' {
		return "", false
	}
	return rest, true
}
