package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCorpus(t *testing.T) {
	path := writeFile(t, t.TempDir(), "corpus.json", `[
		{"question_id": "q1", "site_id": "docs", "text": "What is X?", "source_urls": ["https://docs.example.com/x"]},
		{"question_id": "q2", "site_id": "docs", "text": "How do I Y?", "source_urls": ["https://docs.example.com/y", "https://docs.example.com/y2"], "requires_optional": true}
	]`)

	questions, err := Load(path)
	require.NoError(t, err)
	require.Len(t, questions, 2)

	// File order preserved.
	assert.Equal(t, "q1", questions[0].ID)
	assert.Equal(t, "q2", questions[1].ID)
	assert.False(t, questions[0].RequiresOptional)
	assert.True(t, questions[1].RequiresOptional)
	assert.Len(t, questions[1].SourceURLs, 2)
}

func TestLoadCorpusErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed json", `{not json`, "unmarshal"},
		{"empty corpus", `[]`, "no questions"},
		{"missing question id", `[{"site_id":"s","source_urls":["u"]}]`, "empty question_id"},
		{"duplicate question id", `[
			{"question_id":"q1","site_id":"s","source_urls":["u"]},
			{"question_id":"q1","site_id":"s","source_urls":["u"]}
		]`, "duplicate question_id"},
		{"missing site id", `[{"question_id":"q1","source_urls":["u"]}]`, "empty site_id"},
		{"no source urls", `[{"question_id":"q1","site_id":"s"}]`, "no source_urls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "corpus.json", tt.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOpenArchive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pages/x.html", "<html><body>hello</body></html>")
	writeFile(t, dir, "pages/x.md", "# Hello")
	manifest := writeFile(t, dir, "manifest.json", `{
		"site": {"site_id": "docs", "title": "Example Docs", "summary": "Documentation for Example."},
		"entries": {
			"https://docs.example.com/x": {
				"url": "https://docs.example.com/x",
				"status": "ok",
				"html_path": "pages/x.html",
				"markdown_path": "pages/x.md",
				"section": "Guides"
			},
			"https://docs.example.com/gone": {
				"url": "https://docs.example.com/gone",
				"status": "HTTP_404",
				"section": "Guides"
			}
		}
	}`)

	a, err := OpenArchive(dir, manifest)
	require.NoError(t, err)

	assert.Equal(t, "Example Docs", a.Site().Title)

	entry, ok := a.Entry("https://docs.example.com/x")
	require.True(t, ok)
	assert.True(t, entry.OK())
	assert.Equal(t, "Guides", entry.Section)

	html, err := a.ReadHTML(entry)
	require.NoError(t, err)
	assert.Contains(t, html, "hello")

	md, err := a.ReadMarkdown(entry)
	require.NoError(t, err)
	assert.Equal(t, "# Hello", md)

	gone, ok := a.Entry("https://docs.example.com/gone")
	require.True(t, ok)
	assert.False(t, gone.OK())
	_, err = a.ReadHTML(gone)
	require.Error(t, err)

	_, ok = a.Entry("https://docs.example.com/unknown")
	assert.False(t, ok)
}

func TestOpenArchiveErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenArchive(dir, filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read manifest")

	empty := writeFile(t, dir, "empty.json", `{"site":{},"entries":{}}`)
	_, err = OpenArchive(dir, empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entries")
}
