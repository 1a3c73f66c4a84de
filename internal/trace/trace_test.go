package trace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func stageRecord(stage string) StageRecord {
	now := time.Now().UTC()
	return StageRecord{
		Stage:      stage,
		StartedAt:  now,
		EndedAt:    now.Add(time.Second),
		DurationMs: 1000,
		Output:     "3 papers",
	}
}

func TestLocalWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWriter(dir)
	if err != nil {
		t.Fatal(err)
	}

	tracer := NewTracer(w, "task-1", "what is reranking?", nil)
	tracer.Record(context.Background(), stageRecord("retrieve"))
	tracer.Record(context.Background(), stageRecord("extract"))
	tracer.Finalize(context.Background(), "complete")

	data, err := os.ReadFile(filepath.Join(dir, "task-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.TaskID != "task-1" || doc.Query != "what is reranking?" {
		t.Errorf("doc = %+v", doc)
	}
	if len(doc.Records) != 2 {
		t.Errorf("records = %d", len(doc.Records))
	}
	if !doc.Finalized || doc.FinalStatus != "complete" {
		t.Errorf("finalized = %v status = %q", doc.Finalized, doc.FinalStatus)
	}
}

func TestObjectStoreWriter(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody Document
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewObjectStoreWriter(srv.URL+"/traces/", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	doc := &Document{TaskID: "task-2", Query: "q", Records: []StageRecord{stageRecord("plan")}}
	if err := w.Write(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s", gotMethod)
	}
	if gotPath != "/traces/task-2.json" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody.TaskID != "task-2" || len(gotBody.Records) != 1 {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestObjectStoreWriterRejectsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	w, _ := NewObjectStoreWriter(srv.URL, nil, nil)
	if err := w.Write(context.Background(), &Document{TaskID: "t"}); err == nil {
		t.Fatal("expected an error for a 403 response")
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, *Document) error {
	return errors.New("store offline")
}

func TestTracerNeverFails(t *testing.T) {
	tracer := NewTracer(failingWriter{}, "task-3", "q", nil)
	tracer.Record(context.Background(), stageRecord("decompose"))
	tracer.Finalize(context.Background(), "failed")

	snap := tracer.Snapshot()
	if len(snap.Records) != 1 {
		t.Errorf("records = %d", len(snap.Records))
	}
	if !snap.Finalized {
		t.Error("document should be finalized despite write failures")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(ModeLocal, t.TempDir(), nil); err != nil {
		t.Errorf("local: %v", err)
	}
	if _, err := New(ModeObjectStore, "http://store.example/traces", nil); err != nil {
		t.Errorf("object store: %v", err)
	}
	if _, err := New("punchcards", "", nil); err == nil {
		t.Error("unknown mode should be rejected")
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := Summarize("0123456789abcdef", 10); got != "0123456789..." {
		t.Errorf("got %q", got)
	}
}
