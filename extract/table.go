package extract

import (
	"slices"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TableStrategy finds a table row whose cell text equals a label and reads
// the value from the row's subtitle cell, or else from the last cell after
// the label.
type TableStrategy struct {
	SubtitleClass string
}

func (TableStrategy) Name() string { return "table" }

func (s TableStrategy) Lookup(doc *Document, labels []string) fn.Option[string] {
	if doc == nil || doc.Root == nil || len(labels) == 0 {
		return fn.None[string]()
	}

	var found string
	walk(doc.Root, func(n *html.Node) bool {
		if n.DataAtom != atom.Tr {
			return true
		}
		if value := s.rowValue(rowCells(n), labels); value != "" {
			found = value
			return false
		}
		return true
	})

	if found == "" {
		return fn.None[string]()
	}
	return fn.Some(found)
}

func (s TableStrategy) rowValue(cells []*html.Node, labels []string) string {
	for i, cell := range cells {
		if !slices.Contains(labels, normalizeText(nodeText(cell))) {
			continue
		}

		for j, other := range cells {
			if j == i {
				continue
			}
			if sub := findByClass(other, s.SubtitleClass); sub != nil {
				if value := cleanText(nodeText(sub)); value != "" {
					return value
				}
			}
		}

		for j := len(cells) - 1; j > i; j-- {
			if value := cleanText(nodeText(cells[j])); value != "" {
				return value
			}
		}
	}
	return ""
}

// rowCells returns the td/th children of a tr.
func rowCells(tr *html.Node) []*html.Node {
	var cells []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.DataAtom == atom.Td || c.DataAtom == atom.Th {
			cells = append(cells, c)
		}
	}
	return cells
}

// findByClass returns n or its first descendant carrying a class token that
// contains class.
func findByClass(n *html.Node, class string) *html.Node {
	if class == "" {
		return nil
	}
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		for _, attr := range c.Attr {
			if attr.Key != "class" {
				continue
			}
			for _, token := range strings.Fields(attr.Val) {
				if strings.Contains(strings.ToLower(token), class) {
					found = c
					return false
				}
			}
		}
		return true
	})
	return found
}

// walk visits n and its descendants depth-first until visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(c *html.Node) {
		switch {
		case c.Type == html.TextNode:
			b.WriteString(c.Data)
			b.WriteByte(' ')
			return
		case c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style):
			return
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(n)
	return b.String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
