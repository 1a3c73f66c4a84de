package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/moderation"
	"github.com/corpusqa/corpusqa/internal/paperfinder"
	"github.com/corpusqa/corpusqa/internal/pipeline"
	"github.com/corpusqa/corpusqa/internal/providers"
	"github.com/corpusqa/corpusqa/internal/table"
	"github.com/corpusqa/corpusqa/internal/trace"
)

// Step descriptions shown to pollers, one per stage.
var stageDescriptions = map[string]string{
	StageDecompose:  "Understanding your question",
	StageRetrieve:   "Searching for relevant papers",
	StageExtract:    "Reading the papers",
	StagePlan:       "Planning the report",
	StageSynthesize: "Writing the report",
	StageTables:     "Building comparison tables",
}

// Finder runs the retrieval stage.
type Finder interface {
	Find(ctx context.Context, req paperfinder.Request) (*paperfinder.Result, error)
}

// SupervisorConfig tunes task admission and execution.
type SupervisorConfig struct {
	MaxConcurrent  int           // simultaneous in_progress tasks (default: 4)
	Timeout        time.Duration // per-task wall clock (default: 10m)
	Validate       bool          // gate queries through moderation
	TableMinPapers int           // list sections citing fewer papers get no table (default: 3)

	Pipeline pipeline.Config
	Table    table.Config
}

// Deps are the components a supervisor drives.
type Deps struct {
	Store         *Store
	Finder        Finder
	LLM           providers.LLMClient // extract, plan, synthesize
	DecomposerLLM providers.LLMClient // optional cheaper model for decomposition
	TablesLLM     providers.LLMClient // optional separate model for tables
	Moderator     moderation.Checker
	TraceWriter   trace.Writer
	Logger        *slog.Logger
}

// Supervisor admits tasks under a concurrency cap and walks each one
// through the pipeline stages, keeping the store's state document and
// the trace current as it goes.
type Supervisor struct {
	cfg    SupervisorConfig
	deps   Deps
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor wires a supervisor. Store, Finder, and LLM are
// required; TablesLLM defaults to LLM and Moderator to allow-all.
func NewSupervisor(cfg SupervisorConfig, deps Deps) (*Supervisor, error) {
	if deps.Store == nil || deps.Finder == nil || deps.LLM == nil {
		return nil, fmt.Errorf("supervisor requires a store, a finder, and a model client")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.TableMinPapers <= 0 {
		cfg.TableMinPapers = 3
	}
	if deps.TablesLLM == nil {
		deps.TablesLLM = deps.LLM
	}
	if deps.Moderator == nil {
		deps.Moderator = moderation.AllowAll{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Supervisor{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("component", "supervisor"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Submit registers a task for the given user and starts it in the
// background. An empty query yields a task already in the failed state.
func (s *Supervisor) Submit(query, userID string) *Task {
	t := s.deps.Store.Create(query, userID, &TaskConfig{
		TimeoutSeconds: int(s.cfg.Timeout / time.Second),
		MaxConcurrent:  s.cfg.MaxConcurrent,
		Validate:       s.cfg.Validate,
	})

	if strings.TrimSpace(query) == "" {
		_ = s.deps.Store.SetStatus(t.ID, StatusFailed, "query must not be empty")
		snap, _ := s.deps.Store.Get(t.ID)
		return snap
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[t.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, t.ID, query)

	snap, _ := s.deps.Store.Get(t.ID)
	return snap
}

// Cancel aborts a queued or running task. Cancelling a terminal task
// is a no-op.
func (s *Supervisor) Cancel(id string) error {
	if _, ok := s.deps.Store.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown cancels every running task and waits for their goroutines,
// bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(ctx context.Context, id, query string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		s.mu.Unlock()
	}()

	logger := s.logger.With("task_id", id)
	tracer := trace.NewTracer(s.deps.TraceWriter, id, query, logger)

	// Admission. The task stays queued while waiting for a slot and
	// can be cancelled out of the queue.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(ctx, id, tracer, StatusCancelled, "cancelled while queued")
		return
	}
	defer s.sem.Release(1)

	tctx, tcancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer tcancel()

	if err := s.deps.Store.SetStatus(id, StatusInProgress, ""); err != nil {
		logger.Error("task could not start", "error", err)
		return
	}
	_ = s.deps.Store.SetEstimatedTime(id, OverallEstimate(3))

	if s.cfg.Validate {
		ok, err := s.deps.Moderator.Check(tctx, query)
		if err != nil {
			logger.Warn("moderation check failed, allowing query", "error", err)
		} else if !ok {
			s.finish(tctx, id, tracer, StatusFailed, "query was blocked by content moderation")
			return
		}
	}

	tracker := providers.NewUsageTracker(s.deps.LLM)
	tableTracker := providers.NewUsageTracker(s.deps.TablesLLM)
	trackers := []*providers.UsageTracker{tracker, tableTracker}
	pcfg := s.cfg.Pipeline
	if s.deps.DecomposerLLM != nil {
		decompTracker := providers.NewUsageTracker(s.deps.DecomposerLLM)
		pcfg.Decomposer = decompTracker
		trackers = append(trackers, decompTracker)
	}
	engine := pipeline.NewEngine(tracker, pcfg, logger)
	builder := table.NewBuilder(tableTracker, s.cfg.Table, logger)
	timing := make(map[string]int64)

	// Decompose. Never fatal: the engine falls back to the raw query.
	var dq *pipeline.DecomposedQuery
	s.stage(tctx, id, tracer, StageDecompose, 1, query, trackers, timing, func() (string, []string, error) {
		var warnings []string
		dq, warnings = engine.Decompose(tctx, query)
		return dq.RewrittenQuery, warnings, nil
	})
	if s.interrupted(tctx, id, tracer) {
		return
	}

	// Retrieve.
	var found *paperfinder.Result
	err := s.stage(tctx, id, tracer, StageRetrieve, 1, dq.RewrittenQuery, trackers, timing, func() (string, []string, error) {
		res, err := s.deps.Finder.Find(tctx, paperfinder.Request{
			RewrittenQuery: dq.RewrittenQuery,
			KeywordQuery:   dq.KeywordQuery,
			Filters:        dq.Filters,
		})
		if err != nil {
			return "", nil, err
		}
		found = res
		return fmt.Sprintf("%d papers", len(res.Papers)), res.Warnings, nil
	})
	if s.interrupted(tctx, id, tracer) {
		return
	}
	if err != nil {
		s.finish(tctx, id, tracer, StatusFailed, "paper retrieval is unavailable, try again later")
		return
	}
	if len(found.Papers) == 0 {
		s.finish(tctx, id, tracer, StatusFailed, "no relevant papers were found for this query")
		return
	}

	// Extract quotes.
	var sets []pipeline.QuoteSet
	s.stage(tctx, id, tracer, StageExtract, len(found.Papers), fmt.Sprintf("%d papers", len(found.Papers)), trackers, timing, func() (string, []string, error) {
		var warnings []string
		sets, warnings = engine.ExtractQuotes(tctx, query, found.Papers)
		return fmt.Sprintf("%d papers with quotes", len(sets)), warnings, nil
	})
	if s.interrupted(tctx, id, tracer) {
		return
	}
	if len(sets) == 0 {
		s.finish(tctx, id, tracer, StatusFailed, "no usable evidence could be extracted from the retrieved papers")
		return
	}

	// Plan the outline.
	var outline pipeline.Outline
	s.stage(tctx, id, tracer, StagePlan, len(sets), fmt.Sprintf("%d quote sets", len(sets)), trackers, timing, func() (string, []string, error) {
		var warnings []string
		outline, warnings = engine.PlanOutline(tctx, query, sets)
		return fmt.Sprintf("%d sections", len(outline)), warnings, nil
	})
	if s.interrupted(tctx, id, tracer) {
		return
	}
	_ = s.deps.Store.SetEstimatedTime(id, OverallEstimate(len(outline)))

	// Write sections and build tables concurrently. Tables are
	// best-effort: a section whose table fails still ships as a list.
	eligible := tableCandidates(outline, found.Papers, s.cfg.TableMinPapers)
	var (
		sections []pipeline.GeneratedSection
		tables   = make(map[string]*table.Table)
		tableMu  sync.Mutex
	)
	g, gctx := errgroup.WithContext(tctx)
	g.Go(func() error {
		s.stage(gctx, id, tracer, StageSynthesize, len(outline), fmt.Sprintf("%d planned sections", len(outline)), trackers, timing, func() (string, []string, error) {
			var warnings []string
			sections, warnings = engine.Synthesize(gctx, query, outline, sets, found.Papers)
			return fmt.Sprintf("%d sections written", len(sections)), warnings, nil
		})
		return nil
	})
	if len(eligible) > 0 {
		g.Go(func() error {
			s.stage(gctx, id, tracer, StageTables, len(eligible), fmt.Sprintf("%d candidate sections", len(eligible)), trackers, timing, func() (string, []string, error) {
				var warnings []string
				built := 0
				for name, papers := range eligible {
					tbl, w := builder.Build(gctx, query, name, papers)
					warnings = append(warnings, w...)
					if tbl != nil {
						tableMu.Lock()
						tables[name] = tbl
						tableMu.Unlock()
						built++
					}
				}
				return fmt.Sprintf("%d tables", built), warnings, nil
			})
			return nil
		})
	}
	_ = g.Wait()
	if s.interrupted(tctx, id, tracer) {
		return
	}

	for i := range sections {
		if tbl, ok := tables[sections[i].Title]; ok {
			sections[i].Table = tbl
		}
	}

	cost := mergeUsage(trackers)
	var totalCost float64
	for _, u := range cost {
		totalCost += u.CostUSD
	}

	if err := s.deps.Store.SetResult(id, &Result{
		Sections: sections,
		Papers:   found.Papers,
		Cost:     cost,
		TimingMs: timing,
	}); err != nil {
		logger.Error("result could not be stored", "error", err)
		s.finish(tctx, id, tracer, StatusFailed, "internal error storing the result")
		return
	}
	s.finish(tctx, id, tracer, StatusComplete, "")
	logger.Info("task complete", "sections", len(sections), "cost_usd", totalCost)
}

// stage runs one pipeline stage with its progress step and trace
// record. Model spend, rate-limit waits, and fallback use during the
// stage are recorded as the delta of the trackers' snapshots. The
// returned error is the stage's own error; callers decide whether it
// is fatal.
func (s *Supervisor) stage(ctx context.Context, id string, tracer *trace.Tracer, name string, inputSize int, input string, trackers []*providers.UsageTracker, timing map[string]int64, fn func() (string, []string, error)) error {
	stepIdx, _ := s.deps.Store.AppendStep(id, stageDescriptions[name], StageEstimate(name, inputSize))
	before := usageTotals(trackers)
	start := time.Now().UTC()

	output, warnings, err := fn()

	end := time.Now().UTC()
	after := usageTotals(trackers)
	timing[name] = end.Sub(start).Milliseconds()
	rec := trace.StageRecord{
		Stage:      name,
		StartedAt:  start,
		EndedAt:    end,
		DurationMs: end.Sub(start).Milliseconds(),
		CostUSD:    after.cost - before.cost,
		WaitedMs:   after.waitedMs - before.waitedMs,
		Fallback:   after.fallbacks > before.fallbacks,
		Input:      trace.Summarize(input, 2000),
		Output:     trace.Summarize(output, 2000),
		Warnings:   warnings,
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		rec.Error = errMsg
	}
	tracer.Record(ctx, rec)
	_ = s.deps.Store.CloseStep(id, stepIdx, errMsg)
	return err
}

type usageCounters struct {
	cost      float64
	waitedMs  int64
	fallbacks int
}

func usageTotals(trackers []*providers.UsageTracker) usageCounters {
	var c usageCounters
	for _, t := range trackers {
		for _, u := range t.Snapshot() {
			c.cost += u.CostUSD
			c.waitedMs += u.WaitedMs
			c.fallbacks += u.Fallbacks
		}
	}
	return c
}

// interrupted handles task-level cancellation and timeout, finishing
// the task when its context is gone.
func (s *Supervisor) interrupted(ctx context.Context, id string, tracer *trace.Tracer) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.finish(ctx, id, tracer, StatusFailed, fmt.Sprintf("task timed out after %s", s.cfg.Timeout))
	} else {
		s.finish(ctx, id, tracer, StatusCancelled, "task was cancelled")
	}
	return true
}

// finish applies the terminal status and finalizes the trace. The
// trace flush uses a fresh context so cancellation cannot lose it.
func (s *Supervisor) finish(ctx context.Context, id string, tracer *trace.Tracer, status Status, detail string) {
	if err := s.deps.Store.SetStatus(id, status, detail); err != nil {
		s.logger.Warn("terminal status not applied", "task_id", id, "status", status, "error", err)
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	tracer.Finalize(flushCtx, string(status))
}

// mergeUsage folds per-model accounting from every tracker a task used.
func mergeUsage(trackers []*providers.UsageTracker) map[string]providers.ModelUsage {
	out := make(map[string]providers.ModelUsage)
	for _, t := range trackers {
		for model, u := range t.Snapshot() {
			merged := out[model]
			merged.Calls += u.Calls
			merged.PromptTokens += u.PromptTokens
			merged.CompletionTokens += u.CompletionTokens
			merged.CostUSD += u.CostUSD
			merged.WaitedMs += u.WaitedMs
			merged.Fallbacks += u.Fallbacks
			out[model] = merged
		}
	}
	return out
}

// tableCandidates picks the list-format sections whose planned quotes
// cite at least minPapers distinct papers, keyed by section name with
// the cited papers as rows.
func tableCandidates(outline pipeline.Outline, papers []paperfinder.PaperAggregate, minPapers int) map[string][]corpus.PaperRecord {
	paperByRef := make(map[int]corpus.PaperRecord, len(papers))
	for _, p := range papers {
		paperByRef[p.RefNumber] = p.Paper
	}

	out := make(map[string][]corpus.PaperRecord)
	for _, plan := range outline {
		if plan.Format != pipeline.FormatList {
			continue
		}
		refs := make(map[int]struct{})
		for _, h := range plan.Quotes {
			refs[h.RefNumber] = struct{}{}
		}
		if len(refs) < minPapers {
			continue
		}
		ordered := make([]int, 0, len(refs))
		for ref := range refs {
			ordered = append(ordered, ref)
		}
		sort.Ints(ordered)
		papers := make([]corpus.PaperRecord, 0, len(ordered))
		for _, ref := range ordered {
			if p, ok := paperByRef[ref]; ok {
				papers = append(papers, p)
			}
		}
		if len(papers) >= minPapers {
			out[plan.Name] = papers
		}
	}
	return out
}
