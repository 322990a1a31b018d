// Package assemble builds model-ready prompts from archived content. It is
// the only place the two presentation pipelines meet the prompt template.
package assemble

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/bench-cli/internal/config"
	"github.com/sells-group/bench-cli/internal/contextdoc"
	"github.com/sells-group/bench-cli/internal/corpus"
	"github.com/sells-group/bench-cli/internal/extract"
	"github.com/sells-group/bench-cli/internal/model"
	"github.com/sells-group/bench-cli/internal/tokens"
)

// sourceSeparator joins multiple extracted pages in Condition A. Visible on
// purpose so models can tell page boundaries apart.
const sourceSeparator = "\n\n---\n\n"

// Assembler turns a (site, question, condition) reference plus the archive
// into a ready-to-send prompt, token counts, and an exclusion verdict. It
// never fails on ordinary missing or broken upstream content; those become
// exclusion verdicts instead.
type Assembler struct {
	cfg       *config.Config
	archive   *corpus.Archive
	extractor extract.Extractor
	builder   contextdoc.Builder
	lookup    *tokens.Lookup
}

// New constructs an Assembler. The context builder is injected so the
// treatment pipeline stays decoupled from a specific provider.
func New(cfg *config.Config, archive *corpus.Archive, builder contextdoc.Builder, lookup *tokens.Lookup) (*Assembler, error) {
	extractor, err := extract.New(cfg.Extraction.Extractor)
	if err != nil {
		return nil, err
	}
	return &Assembler{
		cfg:       cfg,
		archive:   archive,
		extractor: extractor,
		builder:   builder,
		lookup:    lookup,
	}, nil
}

// sourceFailure records one dropped source URL and why.
type sourceFailure struct {
	url    string
	reason string
}

// Assemble produces the AssembledContent for one tuple. A non-empty
// ExclusionReason means no inference call may be issued for it.
func (a *Assembler) Assemble(q model.Question, m config.ModelSpec, cond model.Condition) model.AssembledContent {
	var content string
	var failures []sourceFailure

	switch cond {
	case model.ConditionA:
		content, failures = a.assembleControl(q)
	case model.ConditionB:
		content, failures = a.assembleTreatment(q)
	default:
		return model.AssembledContent{ExclusionReason: fmt.Sprintf("UNKNOWN_CONDITION_%s", cond)}
	}

	if content == "" {
		reason := unanimousReason(failures)
		zap.L().Debug("assemble: condition excluded",
			zap.String("question", q.ID),
			zap.String("condition", string(cond)),
			zap.String("reason", reason),
		)
		return model.AssembledContent{ExclusionReason: reason}
	}

	ac := model.AssembledContent{
		Prompt:       a.renderPrompt(content, q.Text),
		ContentChars: utf8.RuneCountInString(content),
		Notes:        failureNote(failures),
	}

	counts, ok := a.lookup.Get(q.SiteID, q.ID, cond, m.Family)
	ac.InputTokens = counts.InputTokens
	ac.ReferenceTokens = counts.ReferenceTokens
	ac.TokensTrusted = ok

	// A lookup miss leaves no input count to size the window from; sizing
	// off zero would let the engine truncate the prompt, so the model's
	// full limit is used instead.
	window := m.MaxContextLength
	if ok {
		window = counts.InputTokens + a.cfg.Inference.NumPredict + a.cfg.Inference.NumCtxOverhead
		if window > m.MaxContextLength {
			window = m.MaxContextLength
		}
	}
	ac.ContextWindow = window

	return ac
}

// assembleControl runs the Condition A pipeline: archived HTML through the
// readability-style extractor, concatenated in source-URL order.
func (a *Assembler) assembleControl(q model.Question) (string, []sourceFailure) {
	var parts []string
	var failures []sourceFailure

	for _, url := range q.SourceURLs {
		entry, reason := a.resolveEntry(url)
		if reason != "" {
			failures = append(failures, sourceFailure{url: url, reason: reason})
			continue
		}

		raw, err := a.archive.ReadHTML(entry)
		if err != nil {
			failures = append(failures, sourceFailure{url: url, reason: model.ReasonFetchFailed})
			continue
		}

		text, err := a.extractor.Extract(raw, url)
		if err != nil {
			failures = append(failures, sourceFailure{url: url, reason: model.ReasonFetchFailed})
			continue
		}
		if utf8.RuneCountInString(text) < a.cfg.Extraction.MinContentLength {
			failures = append(failures, sourceFailure{url: url, reason: model.ReasonExtractionTooShort})
			continue
		}

		parts = append(parts, text)
	}

	return strings.Join(parts, sourceSeparator), failures
}

// assembleTreatment runs the Condition B pipeline: archived Markdown,
// cleaned and wrapped in the structured context document. Pages in
// sections marked optional are skipped, not failed, unless the question
// requires them.
func (a *Assembler) assembleTreatment(q model.Question) (string, []sourceFailure) {
	var pages []contextdoc.Page
	var failures []sourceFailure

	opts := extract.MarkdownOptions{
		StripComments:       a.cfg.Extraction.StripComments,
		StripBase64Images:   a.cfg.Extraction.StripBase64Images,
		NormalizeWhitespace: a.cfg.Extraction.NormalizeWhitespace,
	}

	for _, url := range q.SourceURLs {
		entry, reason := a.resolveEntry(url)
		if reason != "" {
			failures = append(failures, sourceFailure{url: url, reason: reason})
			continue
		}

		if entry.Optional && !q.RequiresOptional {
			continue
		}

		raw, err := a.archive.ReadMarkdown(entry)
		if err != nil {
			failures = append(failures, sourceFailure{url: url, reason: model.ReasonFetchFailed})
			continue
		}

		cleaned := extract.CleanMarkdown(raw, opts)
		if cleaned == "" {
			failures = append(failures, sourceFailure{url: url, reason: model.ReasonExtractionTooShort})
			continue
		}

		pages = append(pages, contextdoc.Page{
			URL:     url,
			Section: entry.Section,
			Content: cleaned,
		})
	}

	if len(pages) == 0 {
		return "", failures
	}

	return a.builder.Wrap(a.archive.Site(), pages), failures
}

// resolveEntry looks a source URL up in the manifest and returns a failure
// reason when its content is unavailable. Archive fetch failures carry
// their original status code through to the ledger.
func (a *Assembler) resolveEntry(url string) (model.ArchiveEntry, string) {
	entry, ok := a.archive.Entry(url)
	if !ok {
		return model.ArchiveEntry{}, model.ReasonArchiveMissing
	}
	if !entry.OK() {
		return model.ArchiveEntry{}, entry.Status
	}
	return entry, ""
}

// renderPrompt inserts the content block and question into the shared
// template. No condition-identifying language is added here or anywhere
// else in the prompt path.
func (a *Assembler) renderPrompt(content, question string) string {
	return strings.NewReplacer(
		config.PlaceholderContent, content,
		config.PlaceholderQuestion, question,
	).Replace(a.cfg.PromptTemplate)
}

// unanimousReason reduces per-URL failures to one exclusion reason: the
// shared code when every URL failed the same way, else ALL_SOURCES_FAILED.
// No failures at all means every source was skipped rather than failed,
// for example a question whose URLs all sit in optional sections.
func unanimousReason(failures []sourceFailure) string {
	if len(failures) == 0 {
		return model.ReasonNoEligibleSources
	}
	first := failures[0].reason
	for _, f := range failures[1:] {
		if f.reason != first {
			return model.ReasonAllSourcesFailed
		}
	}
	return first
}

// failureNote renders dropped-source details for the scoring_notes column.
func failureNote(failures []sourceFailure) string {
	if len(failures) == 0 {
		return ""
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s (%s)", f.url, f.reason)
	}
	return "dropped sources: " + strings.Join(parts, "; ")
}
