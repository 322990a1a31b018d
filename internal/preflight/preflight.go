// Package preflight validates a run's inputs before any inference
// happens. Every check is read-only, so validation can run repeatedly
// and beside a live run without side effects.
package preflight

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sells-group/bench-cli/internal/checkpoint"
	"github.com/sells-group/bench-cli/internal/config"
	"github.com/sells-group/bench-cli/internal/corpus"
	"github.com/sells-group/bench-cli/internal/ledger"
	"github.com/sells-group/bench-cli/internal/model"
	"github.com/sells-group/bench-cli/internal/tokens"
	"github.com/sells-group/bench-cli/pkg/ollama"
)

// Severity classifies a finding. Fatal findings block the run.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityWarning Severity = "warning"
)

// Check is a single finding. OK checks are recorded too, so the report
// shows what was verified, not just what failed.
type Check struct {
	Name     string
	Severity Severity
	OK       bool
	Message  string
}

// Report is the outcome of a validation pass.
type Report struct {
	mu     sync.Mutex
	Checks []Check
}

func (r *Report) add(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Checks = append(r.Checks, c)
}

// ok records a passing check. The severity states what class of finding a
// failure of this check would have been.
func (r *Report) ok(name string, sev Severity, message string) {
	r.add(Check{Name: name, Severity: sev, OK: true, Message: message})
}

func (r *Report) fatal(name, message string) {
	r.add(Check{Name: name, Severity: SeverityFatal, OK: false, Message: message})
}

func (r *Report) warn(name, message string) {
	r.add(Check{Name: name, Severity: SeverityWarning, OK: false, Message: message})
}

// HasFatal reports whether any fatal finding failed.
func (r *Report) HasFatal() bool {
	for _, c := range r.Checks {
		if c.Severity == SeverityFatal && !c.OK {
			return true
		}
	}
	return false
}

// EndpointDown reports whether the inference endpoint check failed.
// Callers use it to pick the right exit code.
func (r *Report) EndpointDown() bool {
	for _, c := range r.Checks {
		if c.Name == "endpoint" && c.Severity == SeverityFatal && !c.OK {
			return true
		}
	}
	return false
}

// Sorted returns the checks ordered by name for stable output.
func (r *Report) Sorted() []Check {
	out := make([]Check, len(r.Checks))
	copy(out, r.Checks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validator runs the pre-flight battery against a loaded config.
type Validator struct {
	cfg    *config.Config
	client ollama.Client
}

// New creates a Validator. The client may be nil to skip the endpoint
// check (used by validate when the engine is known to be offline).
func New(cfg *config.Config, client ollama.Client) *Validator {
	return &Validator{cfg: cfg, client: client}
}

// Run executes every check. Independent checks run concurrently; the
// report collects all findings rather than stopping at the first.
func (v *Validator) Run(ctx context.Context) *Report {
	report := &Report{}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { v.checkCorpusAndArchive(report); return nil })
	g.Go(func() error { v.checkTokenLookup(report); return nil })
	g.Go(func() error { v.checkCheckpointAndLedger(report); return nil })
	g.Go(func() error { v.checkOutputVolume(report); return nil })
	g.Go(func() error { v.checkEndpoint(ctx, report); return nil })
	_ = g.Wait()

	return report
}

func (v *Validator) checkCorpusAndArchive(r *Report) {
	questions, err := corpus.Load(v.cfg.Paths.Corpus)
	if err != nil {
		r.fatal("corpus", err.Error())
		return
	}
	r.ok("corpus", SeverityFatal, fmt.Sprintf("%d questions", len(questions)))

	archive, err := corpus.OpenArchive(v.cfg.Paths.ArchiveDir, v.cfg.Paths.ArchiveManifest)
	if err != nil {
		r.fatal("archive", err.Error())
		return
	}

	var missing, broken int
	for _, q := range questions {
		for _, url := range q.SourceURLs {
			entry, found := archive.Entry(url)
			if !found {
				missing++
				continue
			}
			if !entry.OK() {
				continue // runtime exclusion, not a validation failure
			}
			if entry.HTMLPath != "" {
				if _, err := os.Stat(archive.ContentPath(entry.HTMLPath)); err != nil {
					broken++
					continue
				}
			}
			if entry.MarkdownPath != "" {
				if _, err := os.Stat(archive.ContentPath(entry.MarkdownPath)); err != nil {
					broken++
				}
			}
		}
	}
	switch {
	case missing > 0:
		r.fatal("archive", fmt.Sprintf("%d source URLs have no manifest entry", missing))
	case broken > 0:
		r.fatal("archive", fmt.Sprintf("%d manifest entries claim ok but content file is missing", broken))
	default:
		r.ok("archive", SeverityFatal, fmt.Sprintf("%d manifest entries", len(archive.Entries())))
	}
}

func (v *Validator) checkTokenLookup(r *Report) {
	path := v.cfg.Paths.TokenLookup
	if path == "" {
		r.warn("tokens", "no token lookup configured, token columns will be zero")
		return
	}
	lookup, err := tokens.Load(path)
	if err != nil {
		r.fatal("tokens", err.Error())
		return
	}
	if lookup.Len() == 0 {
		r.warn("tokens", "token lookup is empty")
		return
	}

	questions, err := corpus.Load(v.cfg.Paths.Corpus)
	if err != nil {
		return // already reported by the corpus check
	}
	var missing int
	for _, q := range questions {
		for _, m := range v.cfg.Models {
			for _, cond := range model.Conditions {
				if _, found := lookup.Get(q.SiteID, q.ID, cond, m.Family); !found {
					missing++
				}
			}
		}
	}
	if missing > 0 {
		r.warn("tokens", fmt.Sprintf("%d tuple keys missing from token lookup", missing))
		return
	}
	r.ok("tokens", SeverityWarning, fmt.Sprintf("%d entries", lookup.Len()))
}

func (v *Validator) checkCheckpointAndLedger(r *Report) {
	if _, err := os.Stat(v.cfg.Paths.Checkpoint); os.IsNotExist(err) {
		r.ok("checkpoint", SeverityWarning, "no checkpoint, fresh run")
		return
	}

	mgr, err := checkpoint.Load(v.cfg.Paths.Checkpoint, v.cfg.ConfigVersion, true)
	if err != nil {
		r.fatal("checkpoint", err.Error())
		return
	}
	if mgr.Stale(v.cfg.ConfigVersion) {
		r.warn("checkpoint", "checkpoint was written under a different config version")
	}

	rows, err := ledger.ReadAll(v.cfg.Paths.OutputCSV)
	if err != nil {
		r.fatal("ledger", err.Error())
		return
	}

	pairs := ledger.ConditionsByPair(rows)
	var total, unbacked int
	for _, m := range v.cfg.Models {
		total += mgr.CompletedCount(m.ID)
		for _, qid := range mgr.Completed(m.ID) {
			if !ledger.Complete(pairs[model.Pair{ModelID: m.ID, QuestionID: qid}]) {
				unbacked++
			}
		}
	}
	if unbacked > 0 {
		r.warn("checkpoint", fmt.Sprintf("%d completed pairs lack their two ledger rows, repair will run on resume", unbacked))
		return
	}
	r.ok("checkpoint", SeverityWarning, fmt.Sprintf("%d completed pairs, ledger consistent", total))
}

const minFreeBytes = 1 << 30 // 1 GiB

func (v *Validator) checkOutputVolume(r *Report) {
	dir := v.cfg.OutputDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.fatal("output", fmt.Sprintf("output directory not writable: %v", err))
		return
	}

	probe, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		r.fatal("output", fmt.Sprintf("output directory not writable: %v", err))
		return
	}
	probe.Close()
	os.Remove(probe.Name())
	r.ok("output", SeverityFatal, "writable")

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		r.warn("disk", fmt.Sprintf("could not stat output volume: %v", err))
		return
	}

	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeBytes {
		r.warn("disk", fmt.Sprintf("only %d MiB free on output volume", free>>20))
		return
	}
	r.ok("disk", SeverityWarning, fmt.Sprintf("%d MiB free on output volume", free>>20))
}

func (v *Validator) checkEndpoint(ctx context.Context, r *Report) {
	if v.client == nil {
		r.warn("endpoint", "endpoint check skipped")
		return
	}

	catalog, err := v.client.ListModels(ctx)
	if err != nil {
		r.fatal("endpoint", fmt.Sprintf("inference endpoint unreachable: %v", err))
		return
	}

	known := make(map[string]bool, len(catalog))
	for _, name := range catalog {
		known[name] = true
	}
	var absent []string
	for _, m := range v.cfg.Models {
		tag := m.EngineTag
		if tag == "" {
			tag = m.ID
		}
		if !known[tag] {
			absent = append(absent, tag)
		}
	}
	if len(absent) > 0 {
		r.warn("models", fmt.Sprintf("not in engine catalog: %v (engine may pull on demand)", absent))
	}
	r.ok("endpoint", SeverityFatal, fmt.Sprintf("reachable, %d models in catalog", len(catalog)))
}
