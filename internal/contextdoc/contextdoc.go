// Package contextdoc generates the structured context document for the
// treatment condition. The builder is a narrow, injectable capability so
// the assembler never couples to a specific provider.
package contextdoc

import (
	"strings"

	"github.com/sells-group/bench-cli/internal/model"
)

// Page is one archived page ready for wrapping.
type Page struct {
	URL     string
	Section string
	Content string
}

// Builder wraps a set of preprocessed pages into a single context document
// that groups pages by the llms.txt section they belong to.
type Builder interface {
	// Wrap emits the document: site title/summary as document-level
	// metadata, one wrapper per section in first-seen order, one leaf
	// element per page in input order.
	Wrap(site model.SiteMeta, pages []Page) string
}

// XMLBuilder emits the XML-style context document the treatment condition
// uses. Page content is embedded verbatim; only attribute values are
// escaped.
type XMLBuilder struct{}

// NewXMLBuilder returns the default structured-context builder.
func NewXMLBuilder() *XMLBuilder {
	return &XMLBuilder{}
}

func (b *XMLBuilder) Wrap(site model.SiteMeta, pages []Page) string {
	var sections []string
	grouped := make(map[string][]Page)
	for _, p := range pages {
		if _, ok := grouped[p.Section]; !ok {
			sections = append(sections, p.Section)
		}
		grouped[p.Section] = append(grouped[p.Section], p)
	}

	var doc strings.Builder
	doc.WriteString(`<context title="` + escapeAttr(site.Title) + `"`)
	if site.Summary != "" {
		doc.WriteString(` summary="` + escapeAttr(site.Summary) + `"`)
	}
	doc.WriteString(">\n")

	for _, name := range sections {
		doc.WriteString(`  <section name="` + escapeAttr(name) + `">` + "\n")
		for _, p := range grouped[name] {
			doc.WriteString(`    <page url="` + escapeAttr(p.URL) + `">` + "\n")
			doc.WriteString(p.Content)
			doc.WriteString("\n    </page>\n")
		}
		doc.WriteString("  </section>\n")
	}

	doc.WriteString("</context>")
	return doc.String()
}

var attrEscaper = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
)

func escapeAttr(s string) string {
	return attrEscaper.Replace(s)
}
