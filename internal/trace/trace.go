// Package trace persists per-task event logs: one append-only document
// per task recording each stage's inputs, outputs, cost, and duration.
// Tracing is best-effort and never fails the task it describes.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Trace storage modes.
const (
	ModeLocal       = "local"
	ModeObjectStore = "object_store"
)

// StageRecord captures one stage execution within a task.
type StageRecord struct {
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	WaitedMs   int64     `json:"waited_ms,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Document is the full trace for one task.
type Document struct {
	TaskID      string        `json:"task_id"`
	Query       string        `json:"query"`
	CreatedAt   time.Time     `json:"created_at"`
	Records     []StageRecord `json:"records"`
	Finalized   bool          `json:"finalized"`
	FinalStatus string        `json:"final_status,omitempty"`
}

// Writer persists a trace document. Implementations overwrite the
// previous version of the same task's document on each call.
type Writer interface {
	Write(ctx context.Context, doc *Document) error
}

// New selects a writer from config.
func New(mode, location string, logger *slog.Logger) (Writer, error) {
	switch mode {
	case "", ModeLocal:
		return NewLocalWriter(location)
	case ModeObjectStore:
		return NewObjectStoreWriter(location, nil, logger)
	default:
		return nil, fmt.Errorf("unknown trace mode: %s", mode)
	}
}

// Tracer accumulates stage records for one task and flushes the
// document after every append. Write failures are logged and dropped.
type Tracer struct {
	writer Writer
	logger *slog.Logger

	mu  sync.Mutex
	doc Document
}

// NewTracer starts a trace document for one task. A nil writer
// disables persistence but still accumulates records.
func NewTracer(writer Writer, taskID, query string, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		writer: writer,
		logger: logger.With("component", "trace", "task_id", taskID),
		doc: Document{
			TaskID:    taskID,
			Query:     query,
			CreatedAt: time.Now().UTC(),
		},
	}
}

// Record appends a stage record and flushes.
func (t *Tracer) Record(ctx context.Context, rec StageRecord) {
	t.mu.Lock()
	t.doc.Records = append(t.doc.Records, rec)
	t.mu.Unlock()
	t.flush(ctx)
}

// Finalize marks the document complete with the task's terminal status
// and flushes. Called exactly once, including on cancellation and
// timeout, so partial traces are still persisted.
func (t *Tracer) Finalize(ctx context.Context, status string) {
	t.mu.Lock()
	t.doc.Finalized = true
	t.doc.FinalStatus = status
	t.mu.Unlock()
	t.flush(ctx)
}

// Snapshot returns a copy of the current document.
func (t *Tracer) Snapshot() Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.doc
	doc.Records = append([]StageRecord(nil), t.doc.Records...)
	return doc
}

func (t *Tracer) flush(ctx context.Context) {
	if t.writer == nil {
		return
	}
	t.mu.Lock()
	doc := t.doc
	doc.Records = append([]StageRecord(nil), t.doc.Records...)
	t.mu.Unlock()

	if err := t.writer.Write(ctx, &doc); err != nil {
		t.logger.Warn("trace write failed", "error", err)
	}
}

// Summarize bounds a trace field to n characters.
func Summarize(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
