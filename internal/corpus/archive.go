package corpus

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bench-cli/internal/model"
)

// Archive is a read-only view over the archive manifest and its content
// files. It is immutable for the life of a run and safe to share without
// synchronization.
type Archive struct {
	dir      string
	manifest model.Manifest
}

// OpenArchive loads the manifest at manifestPath. Content file paths inside
// the manifest are resolved against dir.
func OpenArchive(dir, manifestPath string) (*Archive, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, eris.Wrap(err, "archive: read manifest")
	}

	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "archive: unmarshal manifest")
	}
	if len(m.Entries) == 0 {
		return nil, eris.New("archive: manifest has no entries")
	}

	return &Archive{dir: dir, manifest: m}, nil
}

// Site returns the document-level site metadata.
func (a *Archive) Site() model.SiteMeta {
	return a.manifest.Site
}

// Entry returns the fetch record for a URL.
func (a *Archive) Entry(url string) (model.ArchiveEntry, bool) {
	e, ok := a.manifest.Entries[url]
	return e, ok
}

// Entries returns the full manifest entry map. Callers must treat it as
// read-only.
func (a *Archive) Entries() map[string]model.ArchiveEntry {
	return a.manifest.Entries
}

// ReadHTML returns the archived HTML for a URL.
func (a *Archive) ReadHTML(entry model.ArchiveEntry) (string, error) {
	return a.readContent(entry.HTMLPath)
}

// ReadMarkdown returns the archived Markdown for a URL.
func (a *Archive) ReadMarkdown(entry model.ArchiveEntry) (string, error) {
	return a.readContent(entry.MarkdownPath)
}

// ContentPath resolves a manifest-relative content path.
func (a *Archive) ContentPath(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(a.dir, rel)
}

func (a *Archive) readContent(rel string) (string, error) {
	if rel == "" {
		return "", eris.New("archive: entry has no content path")
	}
	data, err := os.ReadFile(a.ContentPath(rel))
	if err != nil {
		return "", eris.Wrap(err, "archive: read content")
	}
	return string(data), nil
}
