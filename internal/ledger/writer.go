// Package ledger owns raw-data.csv, the append-only record that is the
// system's single source of truth for completed work.
package ledger

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bench-cli/internal/model"
)

// utf8BOM prefixes the file so spreadsheet tooling decodes it correctly.
const utf8BOM = "\xEF\xBB\xBF"

// Writer is the append-only, single-writer ledger. Every append writes and
// syncs one full row; a crash loses at most the row being written.
type Writer struct {
	f    *os.File
	path string
}

// OpenWriter opens the ledger for appending, writing the BOM and the fixed
// header exactly once, only when the file is new or empty.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: open")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, eris.Wrap(err, "ledger: stat")
	}

	w := &Writer{f: f, path: path}
	if info.Size() == 0 {
		if err := w.writeRecord(model.LedgerColumns, utf8BOM); err != nil {
			f.Close()
			return nil, err
		}
	}

	return w, nil
}

// Append writes one result row and flushes it to disk before returning.
func (w *Writer) Append(row model.ResultRow) error {
	return w.writeRecord(row.Fields(), "")
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return eris.Wrap(w.f.Close(), "ledger: close")
}

// Path returns the ledger file location.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) writeRecord(fields []string, prefix string) error {
	if _, err := w.f.WriteString(prefix + encodeRecord(fields)); err != nil {
		return eris.Wrap(err, "ledger: write row")
	}
	if err := w.f.Sync(); err != nil {
		return eris.Wrap(err, "ledger: sync")
	}
	return nil
}

// encodeRecord renders one CSV record with every field quoted and LF
// termination. Model responses carry embedded quotes and newlines, so all
// string fields are quoted unconditionally with doubled-quote escaping.
func encodeRecord(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
	return b.String()
}
