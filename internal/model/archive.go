package model

// FetchStatusOK marks an archive entry whose content was captured.
const FetchStatusOK = "ok"

// SiteMeta is the document-level metadata for an archived site, taken from
// its llms.txt preamble.
type SiteMeta struct {
	SiteID  string `json:"site_id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// ArchiveEntry is the per-URL fetch record from the archive manifest.
// Entries are immutable for the life of a run; the assembler never attempts
// to refresh one.
type ArchiveEntry struct {
	URL          string `json:"url"`
	Status       string `json:"status"`
	FetchedAt    string `json:"fetched_at"`
	HTMLPath     string `json:"html_path"`
	MarkdownPath string `json:"markdown_path"`
	ContentType  string `json:"content_type"`
	Section      string `json:"section"`
	Optional     bool   `json:"optional"`
}

// OK reports whether the entry's content was captured successfully.
func (e ArchiveEntry) OK() bool {
	return e.Status == FetchStatusOK
}

// Manifest is the read-only archive manifest: one site record plus one
// entry per fetched URL.
type Manifest struct {
	Site    SiteMeta                `json:"site"`
	Entries map[string]ArchiveEntry `json:"entries"`
}
