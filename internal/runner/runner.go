// Package runner drives the experiment: one model at a time, one question
// at a time, condition A then B, every outcome appended to the ledger and
// every finished pair checkpointed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bench-cli/internal/assemble"
	"github.com/sells-group/bench-cli/internal/checkpoint"
	"github.com/sells-group/bench-cli/internal/config"
	"github.com/sells-group/bench-cli/internal/ledger"
	"github.com/sells-group/bench-cli/internal/model"
	"github.com/sells-group/bench-cli/internal/resilience"
	"github.com/sells-group/bench-cli/internal/store"
	"github.com/sells-group/bench-cli/pkg/ollama"
)

// ErrInterrupted is returned when the run stopped at a cancellation point.
// State on disk is consistent and the run is resumable.
var ErrInterrupted = errors.New("run interrupted")

// phase is the per-model execution state, logged at each transition.
type phase string

const (
	phaseIdle      phase = "idle"
	phaseLoading   phase = "loading"
	phaseWarmingUp phase = "warming_up"
	phaseIterating phase = "iterating_questions"
	phaseComplete  phase = "model_complete"
)

const warmupPrompt = "Reply with the single word: ready."

// Runner executes the full experiment sequentially. It is not safe for
// concurrent use; the run lock enforces one live runner per output dir.
type Runner struct {
	cfg       *config.Config
	questions []model.Question
	assembler *assemble.Assembler
	client    ollama.Client
	ckpt      *checkpoint.Manager
	index     store.Store // nil disables the runs index

	loadWait time.Duration
}

// New assembles a Runner from already-validated parts.
func New(cfg *config.Config, questions []model.Question, asm *assemble.Assembler, client ollama.Client, ckpt *checkpoint.Manager, index store.Store) *Runner {
	return &Runner{
		cfg:       cfg,
		questions: questions,
		assembler: asm,
		client:    client,
		ckpt:      ckpt,
		index:     index,
		loadWait:  30 * time.Second,
	}
}

// Prepare reconciles checkpoint and ledger before any inference: claims
// without their two rows are dropped, unclaimed complete pairs adopted,
// and partial pairs purged from the ledger so they rerun whole.
func (r *Runner) Prepare() error {
	rows, err := ledger.ReadAll(r.cfg.Paths.OutputCSV)
	if err != nil {
		return err
	}

	dropped, adopted := r.ckpt.CrossCheck(rows)
	repaired, err := ledger.RepairOrphans(r.cfg.Paths.OutputCSV, func(p model.Pair) bool {
		return r.ckpt.IsCompleted(p.ModelID, p.QuestionID)
	})
	if err != nil {
		return err
	}
	if len(dropped)+len(adopted)+len(repaired) > 0 {
		zap.L().Info("resume reconciliation",
			zap.Int("claims_dropped", len(dropped)),
			zap.Int("pairs_adopted", len(adopted)),
			zap.Int("orphan_pairs_purged", len(repaired)),
		)
	}
	return r.ckpt.Flush()
}

// ForceRerun clears one model's completed set and purges its ledger rows,
// keeping the one-row-per-tuple invariant when the model runs again.
func (r *Runner) ForceRerun(modelID string) error {
	if _, ok := r.cfg.ModelByID(modelID); !ok {
		return eris.Errorf("runner: unknown model %q", modelID)
	}
	purged, err := ledger.PurgeModel(r.cfg.Paths.OutputCSV, modelID)
	if err != nil {
		return err
	}
	r.ckpt.ForceRerun(modelID)
	if err := r.ckpt.Flush(); err != nil {
		return err
	}
	zap.L().Info("force rerun", zap.String("model", modelID), zap.Int("rows_purged", purged))
	return nil
}

// Run executes every model in config order. Context cancellation is honored
// between tuples and returns ErrInterrupted with consistent on-disk state.
func (r *Runner) Run(ctx context.Context) error {
	w, err := ledger.OpenWriter(r.cfg.Paths.OutputCSV)
	if err != nil {
		return err
	}
	defer w.Close()

	runID := r.beginRunIndex(ctx)

	aborted := 0
	for i, m := range r.cfg.Models {
		r.ckpt.SetModelIndex(i)
		if err := r.ckpt.Flush(); err != nil {
			return err
		}

		if err := r.runModel(ctx, m, w, runID); err != nil {
			if errors.Is(err, ErrInterrupted) {
				r.finishRunIndex(runID, store.RunStatusInterrupted)
				return err
			}
			// a down model aborts only its own slice of the run
			zap.L().Error("model aborted", zap.String("model", m.ID), zap.Error(err))
			aborted++
		}
	}

	if aborted > 0 {
		r.finishRunIndex(runID, store.RunStatusFailed)
		return eris.Errorf("runner: %d of %d models aborted", aborted, len(r.cfg.Models))
	}
	r.finishRunIndex(runID, store.RunStatusComplete)
	return nil
}

func (r *Runner) runModel(ctx context.Context, m config.ModelSpec, w *ledger.Writer, runID string) error {
	log := zap.L().With(zap.String("model", m.ID))
	log.Info("model phase", zap.String("phase", string(phaseIdle)))

	remaining := 0
	for _, q := range r.questions {
		if !r.ckpt.IsCompleted(m.ID, q.ID) {
			remaining++
		}
	}
	if remaining == 0 {
		log.Info("model phase", zap.String("phase", string(phaseComplete)), zap.String("note", "all pairs already completed"))
		return nil
	}

	phaseID := r.beginModelIndex(ctx, runID, m.ID)

	// The first request pulls the model into memory. A refused connection
	// here gets the run's only retry.
	log.Info("model phase", zap.String("phase", string(phaseLoading)))
	if _, err := resilience.OnceOnLoad(ctx, resilience.LoadRetryConfig{
		Wait:        r.loadWait,
		ShouldRetry: ollama.IsConnectionRefused,
	}, func(ctx context.Context) (*ollama.ChatCompletionResponse, error) {
		return r.client.ChatCompletion(ctx, r.buildRequest(m, warmupPrompt, 0))
	}); err != nil {
		r.finishModelIndex(phaseID, store.RunStatusFailed, m.ID, 0)
		return eris.Wrapf(err, "runner: load model %s", m.ID)
	}

	log.Info("model phase", zap.String("phase", string(phaseWarmingUp)), zap.Int("requests", r.cfg.Endpoint.WarmupRequests))
	for i := 0; i < r.cfg.Endpoint.WarmupRequests; i++ {
		if ctx.Err() != nil {
			r.finishModelIndex(phaseID, store.RunStatusInterrupted, m.ID, 0)
			return ErrInterrupted
		}
		// warm-up responses are discarded, failures only logged
		if _, err := r.client.ChatCompletion(ctx, r.buildRequest(m, warmupPrompt, 0)); err != nil {
			log.Warn("warm-up request failed", zap.Int("attempt", i+1), zap.Error(err))
		}
	}

	log.Info("model phase", zap.String("phase", string(phaseIterating)), zap.Int("remaining", remaining))
	excluded := 0
	for _, q := range r.questions {
		if r.ckpt.IsCompleted(m.ID, q.ID) {
			continue
		}
		if ctx.Err() != nil {
			r.finishModelIndex(phaseID, store.RunStatusInterrupted, m.ID, excluded)
			return ErrInterrupted
		}

		n, err := r.runPair(ctx, m, q, w)
		excluded += n
		if err != nil {
			r.finishModelIndex(phaseID, store.RunStatusInterrupted, m.ID, excluded)
			return err
		}
	}

	log.Info("model phase", zap.String("phase", string(phaseComplete)), zap.Int("excluded_rows", excluded))
	r.finishModelIndex(phaseID, store.RunStatusComplete, m.ID, excluded)
	return nil
}

// runPair assembles both conditions, runs A then B, writes both rows, and
// only then commits the pair to the checkpoint. Returns the number of
// excluded rows written.
func (r *Runner) runPair(ctx context.Context, m config.ModelSpec, q model.Question, w *ledger.Writer) (int, error) {
	excluded := 0
	for _, cond := range model.Conditions {
		if ctx.Err() != nil {
			return excluded, ErrInterrupted
		}

		content := r.assembler.Assemble(q, m, cond)
		row := model.ResultRow{
			SiteID:          q.SiteID,
			QuestionID:      q.ID,
			ModelID:         m.ID,
			Condition:       cond,
			ContentChars:    content.ContentChars,
			InputTokens:     content.InputTokens,
			ReferenceTokens: content.ReferenceTokens,
			Engine:          r.cfg.Endpoint.Engine,
			ScoringNotes:    content.Notes,
		}

		if content.Excluded() {
			row.ExclusionReason = content.ExclusionReason
			excluded++
		} else {
			res := r.infer(ctx, m, content)
			row.ResponseText = res.Text
			row.OutputTokens = res.OutputTokens
			row.DurationMS = res.DurationMS
			if res.ErrorReason != "" {
				row.ExclusionReason = res.ErrorReason
				row.ResponseText = ""
				row.OutputTokens = 0
				excluded++
			} else if res.StopReason == "length" {
				row.ScoringNotes = appendNote(row.ScoringNotes, "response truncated at output token limit")
			}
		}

		if err := w.Append(row); err != nil {
			return excluded, err
		}
	}

	r.ckpt.MarkCompleted(m.ID, q.ID)
	return excluded, r.ckpt.Flush()
}

// infer issues one chat completion and classifies any failure into a
// ledger reason code. No retries here.
func (r *Runner) infer(ctx context.Context, m config.ModelSpec, content model.AssembledContent) model.InferenceResult {
	prompt := content.Prompt
	if token := r.cfg.SuppressionToken(m.Family); token != "" {
		prompt += " " + token
	}

	start := time.Now()
	resp, err := r.client.ChatCompletion(ctx, r.buildRequest(m, prompt, content.ContextWindow))
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		reason := classify(err)
		zap.L().Warn("inference failed",
			zap.String("model", m.ID),
			zap.String("reason", reason),
			zap.Int64("duration_ms", elapsed),
			zap.Error(err),
		)
		return model.InferenceResult{DurationMS: elapsed, ErrorReason: reason}
	}

	choice := resp.Choices[0]
	return model.InferenceResult{
		Text:         choice.Message.Content,
		OutputTokens: resp.Usage.CompletionTokens,
		DurationMS:   elapsed,
		StopReason:   choice.FinishReason,
	}
}

func (r *Runner) buildRequest(m config.ModelSpec, prompt string, contextWindow int) ollama.ChatCompletionRequest {
	inf := r.cfg.Inference
	tag := m.EngineTag
	if tag == "" {
		tag = m.ID
	}

	req := ollama.ChatCompletionRequest{
		Model:         tag,
		Messages:      []ollama.Message{{Role: "user", Content: prompt}},
		Temperature:   &inf.Temperature,
		Seed:          &inf.Seed,
		TopP:          &inf.TopP,
		TopK:          &inf.TopK,
		RepeatPenalty: &inf.RepeatPenalty,
		MaxTokens:     &inf.NumPredict,
	}
	if contextWindow > 0 {
		req.NumCtx = &contextWindow
	}
	return req
}

func classify(err error) string {
	var statusErr *ollama.StatusError
	var malformed *ollama.MalformedError
	switch {
	case ollama.IsTimeout(err):
		return model.ReasonRequestTimeout
	case errors.As(err, &statusErr):
		return model.ReasonHTTPError
	case errors.Is(err, ollama.ErrEmptyResponse):
		return model.ReasonEmptyResponse
	case errors.As(err, &malformed):
		return model.ReasonMalformedResponse
	default:
		return model.ReasonConnectionFailed
	}
}

func appendNote(notes, extra string) string {
	if notes == "" {
		return extra
	}
	return notes + "; " + extra
}

// runs-index writes are best effort; the index losing a row never
// threatens the ledger.

func (r *Runner) beginRunIndex(ctx context.Context) string {
	if r.index == nil {
		return ""
	}
	models := make([]string, len(r.cfg.Models))
	for i, m := range r.cfg.Models {
		models[i] = m.ID
	}
	run, err := r.index.BeginRun(ctx, r.cfg.ConfigVersion, models)
	if err != nil {
		zap.L().Warn("runs index unavailable", zap.Error(err))
		return ""
	}
	return run.ID
}

func (r *Runner) finishRunIndex(runID string, status store.RunStatus) {
	if r.index == nil || runID == "" {
		return
	}
	if err := r.index.FinishRun(context.Background(), runID, status); err != nil {
		zap.L().Warn("runs index update failed", zap.Error(err))
	}
}

func (r *Runner) beginModelIndex(ctx context.Context, runID, modelID string) string {
	if r.index == nil || runID == "" {
		return ""
	}
	p, err := r.index.BeginModel(ctx, runID, modelID)
	if err != nil {
		zap.L().Warn("runs index update failed", zap.Error(err))
		return ""
	}
	return p.ID
}

func (r *Runner) finishModelIndex(phaseID string, status store.RunStatus, modelID string, excludedRows int) {
	if r.index == nil || phaseID == "" {
		return
	}
	err := r.index.FinishModel(context.Background(), phaseID, status, r.ckpt.CompletedCount(modelID), excludedRows)
	if err != nil {
		zap.L().Warn("runs index update failed", zap.Error(err))
	}
}

// Progress summarizes completion for logs and the status server.
type Progress struct {
	Models []ModelProgress `json:"models"`
}

// ModelProgress is one model's completion state.
type ModelProgress struct {
	ModelID   string `json:"model_id"`
	Completed int    `json:"completed_pairs"`
	Total     int    `json:"total_pairs"`
}

// Snapshot computes progress from config, corpus size, and checkpoint.
func Snapshot(cfg *config.Config, questionCount int, ckpt *checkpoint.Manager) Progress {
	p := Progress{}
	for _, m := range cfg.Models {
		p.Models = append(p.Models, ModelProgress{
			ModelID:   m.ID,
			Completed: ckpt.CompletedCount(m.ID),
			Total:     questionCount,
		})
	}
	return p
}

// Describe renders progress for console output.
func (p Progress) Describe() string {
	var b strings.Builder
	for _, m := range p.Models {
		fmt.Fprintf(&b, "%s: %d/%d\n", m.ModelID, m.Completed, m.Total)
	}
	return b.String()
}
