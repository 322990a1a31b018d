// Package extract turns archived page content into model-ready text. It
// hosts the Condition A readability-style HTML extractors and the
// Condition B Markdown preprocessing.
package extract

import (
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Extractor produces readable text from archived HTML. Implementations are
// selected by name from the run config.
type Extractor interface {
	Name() string
	Extract(rawHTML, pageURL string) (string, error)
}

// New returns the named extractor.
func New(name string) (Extractor, error) {
	switch name {
	case "readability":
		return readabilityExtractor{}, nil
	case "plaintext":
		return plaintextExtractor{}, nil
	default:
		return nil, eris.Errorf("extract: unknown extractor %q", name)
	}
}

// readabilityExtractor wraps go-readability's article extraction.
type readabilityExtractor struct{}

func (readabilityExtractor) Name() string { return "readability" }

func (readabilityExtractor) Extract(rawHTML, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", eris.Wrap(err, "extract: parse page url")
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), u)
	if err != nil {
		return "", eris.Wrap(err, "extract: readability")
	}

	return Normalize(article.TextContent), nil
}

// plaintextExtractor walks the DOM and concatenates text nodes, skipping
// script, style, nav, header, and footer subtrees. Coarser than
// readability but dependency-light and deterministic on degenerate markup.
type plaintextExtractor struct{}

func (plaintextExtractor) Name() string { return "plaintext" }

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"svg":      true,
}

func (plaintextExtractor) Extract(rawHTML, _ string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", eris.Wrap(err, "extract: parse html")
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return Normalize(b.String()), nil
}

// Normalize NFC-normalizes text and trims surrounding whitespace so length
// thresholds compare like with like across archive sources.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
