package tasks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/paperfinder"
	"github.com/corpusqa/corpusqa/internal/pipeline"
	"github.com/corpusqa/corpusqa/internal/providers"
	"github.com/corpusqa/corpusqa/internal/trace"
)

// sectionText doubles as the extracted quote and the written section,
// so it must appear verbatim in every paper's merged text.
const sectionText = "TLDR: Scale matters.\nLarge models improve steadily with scale [1][2]."

// happyJSON satisfies every structured schema the pipeline uses, so a
// single mock client can answer decomposition, planning, and column
// proposal alike.
func happyJSON(sections string) json.RawMessage {
	return json.RawMessage(`{
		"rewritten_query": "scaling laws for language models",
		"keyword_query": "scaling laws",
		"sections": ` + sections + `,
		"columns": [{"name": "Model", "description": "model studied"}]
	}`)
}

func testPapers(n int) []paperfinder.PaperAggregate {
	out := make([]paperfinder.PaperAggregate, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, paperfinder.PaperAggregate{
			CorpusID:  int64(i * 100),
			RefNumber: i,
			Paper: corpus.PaperRecord{
				CorpusID: int64(i * 100),
				Title:    "Paper",
				Abstract: "We study model scaling.",
				Year:     2020,
			},
			MergedText:      "# Title: Paper\n\n## Abstract\n" + sectionText,
			ReferenceString: "[100 | Smith et al. | 2020 | Citations: 5]",
		})
	}
	return out
}

type stubFinder struct {
	res *paperfinder.Result
	err error
}

func (f *stubFinder) Find(ctx context.Context, req paperfinder.Request) (*paperfinder.Result, error) {
	return f.res, f.err
}

// gatedFinder blocks inside Find until released or cancelled.
type gatedFinder struct {
	entered chan struct{}
	release chan struct{}
	res     *paperfinder.Result
}

func (f *gatedFinder) Find(ctx context.Context, req paperfinder.Request) (*paperfinder.Result, error) {
	f.entered <- struct{}{}
	select {
	case <-f.release:
		return f.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, cfg SupervisorConfig, finder Finder, mock *providers.MockClient) (*Supervisor, *Store) {
	t.Helper()
	store := newTestStore(t)
	sup, err := NewSupervisor(cfg, Deps{
		Store:  store,
		Finder: finder,
		LLM:    mock,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup, store
}

func waitForTerminal(t *testing.T, store *Store, id string) *Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tk, ok := store.Get(id); ok && tk.Status.Terminal() {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

func TestSupervisorHappyPath(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = sectionText
	mock.ResponseJSON = happyJSON(`[{"name": "Summary", "format": "synthesis", "quotes": ["1.0", "2.0"]}]`)
	finder := &stubFinder{res: &paperfinder.Result{Papers: testPapers(2)}}

	sup, store := newTestSupervisor(t, SupervisorConfig{}, finder, mock)
	submitted := sup.Submit("how do language models scale?", "u-42")

	tk := waitForTerminal(t, store, submitted.ID)
	if tk.Status != StatusComplete {
		t.Fatalf("status = %s, detail = %q", tk.Status, tk.Detail)
	}
	if tk.Result == nil {
		t.Fatal("complete task must carry a result")
	}
	if len(tk.Result.Sections) != 1 {
		t.Fatalf("sections = %d", len(tk.Result.Sections))
	}

	section := tk.Result.Sections[0]
	if section.Title != "Summary" {
		t.Errorf("title = %q", section.Title)
	}
	if section.TLDR != "Scale matters." {
		t.Errorf("tldr = %q", section.TLDR)
	}
	if len(section.Citations) != 2 {
		t.Errorf("citations = %+v", section.Citations)
	}
	if section.Table != nil {
		t.Error("synthesis section should have no table")
	}

	if tk.UserID != "u-42" {
		t.Errorf("user id = %q", tk.UserID)
	}
	if tk.Config == nil || tk.Config.TimeoutSeconds != 600 || tk.Config.MaxConcurrent != 4 {
		t.Errorf("config snapshot = %+v", tk.Config)
	}
	if tk.UpdatedAt.Before(tk.CreatedAt) {
		t.Errorf("updated_at %s precedes created_at %s", tk.UpdatedAt, tk.CreatedAt)
	}

	if tk.EstimatedTime != OverallEstimate(1) {
		t.Errorf("estimated_time = %q", tk.EstimatedTime)
	}
	if len(tk.Result.Cost) == 0 {
		t.Error("cost accounting is empty")
	}
	if len(tk.Result.TimingMs) < 5 {
		t.Errorf("timing = %+v", tk.Result.TimingMs)
	}

	if len(tk.Steps) != 5 {
		t.Fatalf("steps = %d: %+v", len(tk.Steps), tk.Steps)
	}
	for i, step := range tk.Steps {
		if step.Open() {
			t.Errorf("step %d still open", i)
		}
		if i > 0 && step.StartTimestamp.Before(tk.Steps[i-1].StartTimestamp) {
			t.Errorf("step %d starts before step %d", i, i-1)
		}
	}
}

// memoryTraceWriter keeps the latest flushed document in memory.
type memoryTraceWriter struct {
	mu  sync.Mutex
	doc trace.Document
}

func (w *memoryTraceWriter) Write(ctx context.Context, doc *trace.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doc = *doc
	return nil
}

func (w *memoryTraceWriter) latest() trace.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc
}

func TestSupervisorTraceAccounting(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = sectionText
	mock.ResponseJSON = happyJSON(`[{"name": "Summary", "format": "synthesis", "quotes": ["1.0", "2.0"]}]`)
	finder := &stubFinder{res: &paperfinder.Result{Papers: testPapers(2)}}
	writer := &memoryTraceWriter{}

	store := newTestStore(t)
	sup, err := NewSupervisor(SupervisorConfig{}, Deps{
		Store:       store,
		Finder:      finder,
		LLM:         mock,
		TraceWriter: writer,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	submitted := sup.Submit("how do language models scale?", "")
	tk := waitForTerminal(t, store, submitted.ID)
	if tk.Status != StatusComplete {
		t.Fatalf("status = %s, detail = %q", tk.Status, tk.Detail)
	}

	doc := writer.latest()
	if !doc.Finalized || doc.FinalStatus != string(StatusComplete) {
		t.Fatalf("trace not finalized: %+v", doc)
	}
	if len(doc.Records) < 5 {
		t.Fatalf("records = %d: %+v", len(doc.Records), doc.Records)
	}

	var decompose *trace.StageRecord
	for i := range doc.Records {
		if doc.Records[i].Stage == StageDecompose {
			decompose = &doc.Records[i]
		}
	}
	if decompose == nil {
		t.Fatal("no decompose record in trace")
	}
	if decompose.Input == "" {
		t.Error("decompose record has no input summary")
	}
	if decompose.CostUSD <= 0 {
		t.Errorf("decompose cost = %f, want the model call billed to its stage", decompose.CostUSD)
	}
	for _, rec := range doc.Records {
		if rec.DurationMs < 0 {
			t.Errorf("stage %s has negative duration", rec.Stage)
		}
	}
}

func TestSupervisorBuildsTables(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = sectionText
	mock.ResponseJSON = happyJSON(`[{"name": "Model comparison", "format": "list", "quotes": ["1.0", "2.0", "3.0"]}]`)
	finder := &stubFinder{res: &paperfinder.Result{Papers: testPapers(3)}}

	sup, store := newTestSupervisor(t, SupervisorConfig{}, finder, mock)
	submitted := sup.Submit("compare scaling across models", "")

	tk := waitForTerminal(t, store, submitted.ID)
	if tk.Status != StatusComplete {
		t.Fatalf("status = %s, detail = %q", tk.Status, tk.Detail)
	}
	if len(tk.Result.Sections) != 1 {
		t.Fatalf("sections = %d", len(tk.Result.Sections))
	}

	tbl := tk.Result.Sections[0].Table
	if tbl == nil {
		t.Fatal("list section citing three papers should get a table")
	}
	if len(tbl.Rows) != 3 || len(tbl.Columns) != 1 {
		t.Fatalf("table shape = %dx%d", len(tbl.Rows), len(tbl.Columns))
	}
	for _, row := range tbl.Rows {
		for _, col := range tbl.Columns {
			if _, ok := tbl.Cells[row.ID+"_"+col.ID]; !ok {
				t.Errorf("missing cell %s/%s", row.ID, col.ID)
			}
		}
	}

	found := false
	for _, step := range tk.Steps {
		if step.Description == stageDescriptions[StageTables] {
			found = true
		}
	}
	if !found {
		t.Error("no table-building step recorded")
	}
}

func TestSupervisorEmptyQuery(t *testing.T) {
	mock := providers.NewMockClient()
	sup, _ := newTestSupervisor(t, SupervisorConfig{}, &stubFinder{}, mock)

	tk := sup.Submit("   ", "")
	if tk.Status != StatusFailed {
		t.Fatalf("status = %s", tk.Status)
	}
	if tk.Detail == "" {
		t.Error("expected a user-facing detail")
	}
	if mock.RequestCount() != 0 {
		t.Error("empty query must not reach the model")
	}
}

func TestSupervisorNoPapers(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseJSON = happyJSON(`[]`)
	finder := &stubFinder{res: &paperfinder.Result{}}

	sup, store := newTestSupervisor(t, SupervisorConfig{}, finder, mock)
	submitted := sup.Submit("a question nobody studied", "")

	tk := waitForTerminal(t, store, submitted.ID)
	if tk.Status != StatusFailed {
		t.Fatalf("status = %s", tk.Status)
	}
	if !strings.Contains(tk.Detail, "no relevant papers") {
		t.Errorf("detail = %q", tk.Detail)
	}
	if tk.Result != nil {
		t.Error("failed task must not carry a result")
	}
}

func TestSupervisorRetrievalDown(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseJSON = happyJSON(`[]`)
	finder := &stubFinder{err: paperfinder.ErrRetrievalUnavailable}

	sup, store := newTestSupervisor(t, SupervisorConfig{}, finder, mock)
	submitted := sup.Submit("anything", "")

	tk := waitForTerminal(t, store, submitted.ID)
	if tk.Status != StatusFailed {
		t.Fatalf("status = %s", tk.Status)
	}
	if !strings.Contains(tk.Detail, "unavailable") {
		t.Errorf("detail = %q", tk.Detail)
	}
}

func TestSupervisorCancel(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseJSON = happyJSON(`[]`)
	finder := &gatedFinder{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	sup, store := newTestSupervisor(t, SupervisorConfig{}, finder, mock)
	submitted := sup.Submit("slow question", "")

	select {
	case <-finder.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("retrieval never started")
	}
	if err := sup.Cancel(submitted.ID); err != nil {
		t.Fatal(err)
	}

	tk := waitForTerminal(t, store, submitted.ID)
	if tk.Status != StatusCancelled {
		t.Fatalf("status = %s", tk.Status)
	}
	if tk.Result != nil {
		t.Error("cancelled task must not carry a result")
	}
	for i, step := range tk.Steps {
		if step.Open() {
			t.Errorf("step %d left open after cancellation", i)
		}
	}
}

func TestSupervisorTimeout(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseJSON = happyJSON(`[]`)
	finder := &gatedFinder{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	sup, store := newTestSupervisor(t, SupervisorConfig{Timeout: 50 * time.Millisecond}, finder, mock)
	submitted := sup.Submit("slow question", "")

	tk := waitForTerminal(t, store, submitted.ID)
	if tk.Status != StatusFailed {
		t.Fatalf("status = %s", tk.Status)
	}
	if !strings.Contains(tk.Detail, "timed out") {
		t.Errorf("detail = %q", tk.Detail)
	}
}

func TestSupervisorAdmission(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = sectionText
	mock.ResponseJSON = happyJSON(`[{"name": "Summary", "format": "synthesis", "quotes": ["1.0", "2.0"]}]`)
	finder := &gatedFinder{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
		res:     &paperfinder.Result{Papers: testPapers(2)},
	}

	sup, store := newTestSupervisor(t, SupervisorConfig{MaxConcurrent: 1}, finder, mock)
	first := sup.Submit("first", "")
	select {
	case <-finder.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first task never started retrieval")
	}

	second := sup.Submit("second", "")
	time.Sleep(50 * time.Millisecond)
	if tk, _ := store.Get(second.ID); tk.Status != StatusQueued {
		t.Fatalf("second task should wait its turn, status = %s", tk.Status)
	}

	close(finder.release)
	if tk := waitForTerminal(t, store, first.ID); tk.Status != StatusComplete {
		t.Errorf("first: %s (%s)", tk.Status, tk.Detail)
	}
	if tk := waitForTerminal(t, store, second.ID); tk.Status != StatusComplete {
		t.Errorf("second: %s (%s)", tk.Status, tk.Detail)
	}
}

func TestTableCandidates(t *testing.T) {
	papers := testPapers(3)

	t.Run("list section with enough papers", func(t *testing.T) {
		outline := outlineWith("Comparison", "list", 3)
		got := tableCandidates(outline, papers, 3)
		if len(got["Comparison"]) != 3 {
			t.Errorf("candidates = %+v", got)
		}
	})

	t.Run("too few cited papers", func(t *testing.T) {
		outline := outlineWith("Comparison", "list", 2)
		if got := tableCandidates(outline, papers, 3); len(got) != 0 {
			t.Errorf("candidates = %+v", got)
		}
	})

	t.Run("synthesis sections never qualify", func(t *testing.T) {
		outline := outlineWith("Summary", "synthesis", 3)
		if got := tableCandidates(outline, papers, 3); len(got) != 0 {
			t.Errorf("candidates = %+v", got)
		}
	})
}

func outlineWith(name, format string, refs int) pipeline.Outline {
	var handles []pipeline.QuoteHandle
	for i := 1; i <= refs; i++ {
		handles = append(handles, pipeline.QuoteHandle{RefNumber: i, QuoteIndex: 0})
	}
	return pipeline.Outline{{Name: name, Format: format, Quotes: handles}}
}
