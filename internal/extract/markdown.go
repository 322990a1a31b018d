package extract

import (
	"regexp"
	"strings"
)

// Markdown preprocessing for Condition B. Archived Markdown comes straight
// from site exports and carries HTML comments, inlined base64 images, and
// inconsistent whitespace that waste context tokens.

var (
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	// base64 data-URI images in both Markdown and inline HTML form.
	mdBase64ImageRe   = regexp.MustCompile(`!\[[^\]]*\]\(data:[^)]*\)`)
	htmlBase64ImageRe = regexp.MustCompile(`<img[^>]*src="data:[^"]*"[^>]*/?>`)
	blankRunRe        = regexp.MustCompile(`\n{3,}`)
)

// MarkdownOptions selects which preprocessing steps run.
type MarkdownOptions struct {
	StripComments       bool
	StripBase64Images   bool
	NormalizeWhitespace bool
}

// CleanMarkdown applies the configured preprocessing to archived Markdown.
// Line endings are always normalized to LF.
func CleanMarkdown(md string, opts MarkdownOptions) string {
	md = strings.ReplaceAll(md, "\r\n", "\n")
	md = strings.ReplaceAll(md, "\r", "\n")

	if opts.StripComments {
		md = htmlCommentRe.ReplaceAllString(md, "")
	}
	if opts.StripBase64Images {
		md = mdBase64ImageRe.ReplaceAllString(md, "")
		md = htmlBase64ImageRe.ReplaceAllString(md, "")
	}
	if opts.NormalizeWhitespace {
		md = blankRunRe.ReplaceAllString(md, "\n\n")
	}

	return strings.TrimSpace(md)
}
