package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bench-cli/internal/assemble"
	"github.com/sells-group/bench-cli/internal/checkpoint"
	"github.com/sells-group/bench-cli/internal/config"
	"github.com/sells-group/bench-cli/internal/contextdoc"
	"github.com/sells-group/bench-cli/internal/corpus"
	"github.com/sells-group/bench-cli/internal/ledger"
	"github.com/sells-group/bench-cli/internal/model"
	"github.com/sells-group/bench-cli/internal/tokens"
	"github.com/sells-group/bench-cli/pkg/ollama"
)

// fakeEngine is an httptest chat-completions endpoint that records every
// prompt it sees.
type fakeEngine struct {
	mu      sync.Mutex
	prompts []string
	models  []string
	ctxs    []int

	// respond lets a test override the default canned answer.
	respond func(prompt string) (status int, body string)
}

func (f *fakeEngine) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollama.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[0].Content
		}
		numCtx := 0
		if req.NumCtx != nil {
			numCtx = *req.NumCtx
		}
		f.mu.Lock()
		f.prompts = append(f.prompts, prompt)
		f.models = append(f.models, req.Model)
		f.ctxs = append(f.ctxs, numCtx)
		respond := f.respond
		f.mu.Unlock()

		if respond != nil {
			status, body := respond(prompt)
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		fmt.Fprintf(w, `{"choices": [{"message": {"role": "assistant", "content": "answer to: %s"}, "finish_reason": "stop"}], "usage": {"completion_tokens": 7}}`,
			jsonEscape(firstLine(prompt)))
	})
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

// recordedCtxs returns the num_ctx value of each request, 0 when unset.
func (f *fakeEngine) recordedCtxs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.ctxs))
	copy(out, f.ctxs)
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

type harness struct {
	cfg    *config.Config
	engine *fakeEngine
	runner *Runner
	ckpt   *checkpoint.Manager
}

// newHarness builds a two-question, one-site fixture with a live fake
// engine and a fully wired runner.
func newHarness(t *testing.T, models []config.ModelSpec) *harness {
	t.Helper()
	dir := t.TempDir()

	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))

	longBody := strings.Repeat("The rate limit is one hundred requests per minute. ", 10)
	html := "<html><body><article><p>" + longBody + "</p></article></body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "limits.html"), []byte(html), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "limits.md"), []byte("# Rate limits\n\n"+longBody), 0o644))

	manifest := map[string]any{
		"site": map[string]any{"site_id": "acme-docs", "title": "Acme", "summary": "Acme docs"},
		"entries": map[string]any{
			"https://acme.dev/limits": map[string]any{
				"url":           "https://acme.dev/limits",
				"status":        "ok",
				"html_path":     "limits.html",
				"markdown_path": "limits.md",
				"section":       "Reference",
			},
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, manifestJSON, 0o644))

	corpusPath := filepath.Join(dir, "corpus.json")
	corpusJSON := `[
		{"question_id": "q1", "site_id": "acme-docs", "text": "What is the rate limit?", "source_urls": ["https://acme.dev/limits"]},
		{"question_id": "q2", "site_id": "acme-docs", "text": "How are limits enforced?", "source_urls": ["https://acme.dev/limits"]}
	]`
	require.NoError(t, os.WriteFile(corpusPath, []byte(corpusJSON), 0o644))

	engine := &fakeEngine{}
	srv := httptest.NewServer(engine.handler())
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		ConfigVersion: "v1",
		Endpoint: config.EndpointConfig{
			BaseURL:        srv.URL,
			APIPath:        "/v1/chat/completions",
			Engine:         "ollama",
			TimeoutSecs:    10,
			WarmupRequests: 2,
		},
		Inference: config.InferenceConfig{
			TopP:           1,
			RepeatPenalty:  1,
			NumPredict:     1024,
			NumCtxOverhead: 256,
		},
		PromptTemplate: "Context:\n{assembled_content}\n\nQuestion: {question_text}",
		Models:         models,
		Extraction: config.ExtractionConfig{
			Extractor:           "plaintext",
			MinContentLength:    50,
			StripComments:       true,
			StripBase64Images:   true,
			NormalizeWhitespace: true,
		},
		ThinkSuppress: map[string]string{"qwen": "/no_think"},
		Paths: config.PathsConfig{
			Corpus:          corpusPath,
			ArchiveDir:      archiveDir,
			ArchiveManifest: manifestPath,
			OutputCSV:       filepath.Join(dir, "out", "raw-data.csv"),
			Checkpoint:      filepath.Join(dir, "out", "checkpoint.json"),
		},
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))

	questions, err := corpus.Load(corpusPath)
	require.NoError(t, err)
	archive, err := corpus.OpenArchive(archiveDir, manifestPath)
	require.NoError(t, err)
	lookup, err := tokens.Load("")
	require.NoError(t, err)
	asm, err := assemble.New(cfg, archive, contextdoc.NewXMLBuilder(), lookup)
	require.NoError(t, err)
	ckpt, err := checkpoint.Load(cfg.Paths.Checkpoint, cfg.ConfigVersion, true)
	require.NoError(t, err)

	client := ollama.NewClient(ollama.WithBaseURL(srv.URL))
	r := New(cfg, questions, asm, client, ckpt, nil)
	r.loadWait = 10 * time.Millisecond

	return &harness{cfg: cfg, engine: engine, runner: r, ckpt: ckpt}
}

func singleModel() []config.ModelSpec {
	return []config.ModelSpec{{ID: "llama3.1:8b", Family: "llama", MaxContextLength: 8192}}
}

func TestRunWritesPairRowsInOrder(t *testing.T) {
	h := newHarness(t, singleModel())

	require.NoError(t, h.runner.Prepare())
	require.NoError(t, h.runner.Run(context.Background()))

	rows, err := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// q1 A, q1 B, q2 A, q2 B
	assert.Equal(t, "q1", rows[0].QuestionID)
	assert.Equal(t, model.ConditionA, rows[0].Condition)
	assert.Equal(t, "q1", rows[1].QuestionID)
	assert.Equal(t, model.ConditionB, rows[1].Condition)
	assert.Equal(t, "q2", rows[2].QuestionID)
	assert.Equal(t, model.ConditionA, rows[2].Condition)
	assert.Equal(t, "q2", rows[3].QuestionID)
	assert.Equal(t, model.ConditionB, rows[3].Condition)

	for _, row := range rows {
		assert.Empty(t, row.ExclusionReason)
		assert.NotEmpty(t, row.ResponseText)
		assert.Equal(t, 7, row.OutputTokens)
		assert.Equal(t, "ollama", row.Engine)
	}

	assert.True(t, h.ckpt.IsCompleted("llama3.1:8b", "q1"))
	assert.True(t, h.ckpt.IsCompleted("llama3.1:8b", "q2"))
}

func TestRunWarmupsDiscarded(t *testing.T) {
	h := newHarness(t, singleModel())

	require.NoError(t, h.runner.Run(context.Background()))

	prompts := h.engine.recorded()
	// 1 load probe + 2 warm-ups + 4 real requests
	require.Len(t, prompts, 7)
	assert.Equal(t, warmupPrompt, prompts[0])
	assert.Equal(t, warmupPrompt, prompts[1])
	assert.Equal(t, warmupPrompt, prompts[2])
	for _, p := range prompts[3:] {
		assert.NotEqual(t, warmupPrompt, p)
	}

	rows, err := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestRunMissingTokenCountsRequestFullWindow(t *testing.T) {
	// The harness has no token lookup, so every count is untrusted and
	// real requests must ask for the model's full context, not a window
	// sized from a zero input count.
	h := newHarness(t, singleModel())

	require.NoError(t, h.runner.Run(context.Background()))

	prompts := h.engine.recorded()
	ctxs := h.engine.recordedCtxs()
	require.Len(t, ctxs, len(prompts))
	for i, p := range prompts {
		if p == warmupPrompt {
			assert.Zero(t, ctxs[i])
			continue
		}
		assert.Equal(t, 8192, ctxs[i])
	}
}

func TestRunResumeSkipsCompletedPairs(t *testing.T) {
	h := newHarness(t, singleModel())
	h.ckpt.MarkCompleted("llama3.1:8b", "q1")
	require.NoError(t, h.ckpt.Flush())

	// Seed the two q1 rows so the cross-check keeps the claim.
	w, err := ledger.OpenWriter(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	for _, cond := range model.Conditions {
		require.NoError(t, w.Append(model.ResultRow{SiteID: "acme-docs", QuestionID: "q1", ModelID: "llama3.1:8b", Condition: cond, ResponseText: "earlier answer"}))
	}
	require.NoError(t, w.Close())

	require.NoError(t, h.runner.Prepare())
	require.NoError(t, h.runner.Run(context.Background()))

	rows, err := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "earlier answer", rows[0].ResponseText)

	for _, p := range h.engine.recorded() {
		assert.NotContains(t, p, "What is the rate limit?")
	}
}

func TestRunRepairsPartialPairOnResume(t *testing.T) {
	h := newHarness(t, singleModel())

	// A crash left only condition A for q1, unclaimed by the checkpoint.
	w, err := ledger.OpenWriter(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	require.NoError(t, w.Append(model.ResultRow{SiteID: "acme-docs", QuestionID: "q1", ModelID: "llama3.1:8b", Condition: model.ConditionA, ResponseText: "half"}))
	require.NoError(t, w.Close())

	require.NoError(t, h.runner.Prepare())
	require.NoError(t, h.runner.Run(context.Background()))

	rows, err := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, row := range rows {
		assert.NotEqual(t, "half", row.ResponseText)
	}
	pairs := ledger.ConditionsByPair(rows)
	for _, conds := range pairs {
		assert.True(t, ledger.Complete(conds))
	}
}

func TestRunAdoptsUnclaimedCompletePair(t *testing.T) {
	h := newHarness(t, singleModel())

	w, err := ledger.OpenWriter(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	for _, cond := range model.Conditions {
		require.NoError(t, w.Append(model.ResultRow{SiteID: "acme-docs", QuestionID: "q2", ModelID: "llama3.1:8b", Condition: cond, ResponseText: "pre-crash"}))
	}
	require.NoError(t, w.Close())

	require.NoError(t, h.runner.Prepare())
	assert.True(t, h.ckpt.IsCompleted("llama3.1:8b", "q2"))

	require.NoError(t, h.runner.Run(context.Background()))

	rows, err := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	require.Len(t, rows, 4)
}

func TestRunSuppressionTokenAppended(t *testing.T) {
	h := newHarness(t, []config.ModelSpec{{ID: "qwen2.5:7b", Family: "qwen", MaxContextLength: 8192}})

	require.NoError(t, h.runner.Run(context.Background()))

	real := 0
	for _, p := range h.engine.recorded() {
		if p == warmupPrompt {
			continue
		}
		real++
		assert.True(t, strings.HasSuffix(p, "/no_think"), "prompt missing suppression token: %q", p)
	}
	assert.Equal(t, 4, real)
}

func TestRunEngineFailureWritesReasonRow(t *testing.T) {
	h := newHarness(t, singleModel())
	h.engine.respond = func(prompt string) (int, string) {
		if prompt == warmupPrompt {
			return http.StatusOK, `{"choices": [{"message": {"role": "assistant", "content": "ready"}}]}`
		}
		return http.StatusInternalServerError, `{"error": "boom"}`
	}

	require.NoError(t, h.runner.Run(context.Background()))

	rows, err := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, row := range rows {
		assert.Equal(t, model.ReasonHTTPError, row.ExclusionReason)
		assert.Empty(t, row.ResponseText)
		assert.Zero(t, row.OutputTokens)
	}
	// failed pairs still checkpoint, the outcome is recorded
	assert.True(t, h.ckpt.IsCompleted("llama3.1:8b", "q1"))
}

func TestRunCancelledBetweenTuples(t *testing.T) {
	h := newHarness(t, singleModel())

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	h.engine.respond = func(prompt string) (int, string) {
		if prompt != warmupPrompt {
			once.Do(cancel) // cancel after the first real request is in flight
		}
		return http.StatusOK, `{"choices": [{"message": {"role": "assistant", "content": "ok"}}], "usage": {"completion_tokens": 1}}`
	}

	err := h.runner.Run(ctx)
	require.ErrorIs(t, err, ErrInterrupted)

	// whatever was written is loadable and repairable
	rows, readErr := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, readErr)
	assert.LessOrEqual(t, len(rows), 4)

	_, loadErr := checkpoint.Load(h.cfg.Paths.Checkpoint, "v1", true)
	assert.NoError(t, loadErr)
}

func TestForceRerunPurgesModelRows(t *testing.T) {
	h := newHarness(t, singleModel())

	require.NoError(t, h.runner.Run(context.Background()))
	rows, err := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	require.NoError(t, h.runner.ForceRerun("llama3.1:8b"))

	rows, err = ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.False(t, h.ckpt.IsCompleted("llama3.1:8b", "q1"))

	require.NoError(t, h.runner.Run(context.Background()))
	rows, err = ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestForceRerunUnknownModel(t *testing.T) {
	h := newHarness(t, singleModel())
	err := h.runner.ForceRerun("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestRunModelDownAbortsOnlyThatModel(t *testing.T) {
	h := newHarness(t, []config.ModelSpec{
		{ID: "down-model", Family: "llama", MaxContextLength: 8192},
		{ID: "llama3.1:8b", Family: "llama", MaxContextLength: 8192},
	})
	// down-model's requests fail with a non-retryable server error
	h.engine.respond = func(prompt string) (int, string) {
		h.engine.mu.Lock()
		lastModel := h.engine.models[len(h.engine.models)-1]
		h.engine.mu.Unlock()
		if lastModel == "down-model" {
			return http.StatusInternalServerError, `{"error": "no such model"}`
		}
		return http.StatusOK, `{"choices": [{"message": {"role": "assistant", "content": "ok"}}], "usage": {"completion_tokens": 1}}`
	}

	err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 models aborted")

	rows, readErr := ledger.ReadAll(h.cfg.Paths.OutputCSV)
	require.NoError(t, readErr)
	require.Len(t, rows, 4)
	for _, row := range rows {
		assert.Equal(t, "llama3.1:8b", row.ModelID)
	}
}

func TestAcquireLockBlocksSecondRun(t *testing.T) {
	dir := t.TempDir()

	release, err := AcquireLock(dir)
	require.NoError(t, err)

	_, err = AcquireLock(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another run appears active")

	require.NoError(t, release())
	release2, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestSnapshotProgress(t *testing.T) {
	h := newHarness(t, singleModel())
	require.NoError(t, h.runner.Run(context.Background()))

	p := Snapshot(h.cfg, 2, h.ckpt)
	require.Len(t, p.Models, 1)
	assert.Equal(t, 2, p.Models[0].Completed)
	assert.Equal(t, 2, p.Models[0].Total)
	assert.Contains(t, p.Describe(), "llama3.1:8b: 2/2")
}
