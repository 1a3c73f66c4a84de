package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestLexicalScorer(t *testing.T) {
	s := NewLexicalScorer()

	query := "transformer attention mechanisms for long documents"
	passages := []string{
		"We study attention mechanisms in transformer models applied to long documents and show strong results.",
		"This paper is about fish migration patterns in rivers.",
		"",
	}

	scores, err := s.Score(context.Background(), query, passages)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != len(passages) {
		t.Fatalf("got %d scores for %d passages", len(scores), len(passages))
	}
	if scores[0] <= scores[1] {
		t.Errorf("on-topic passage should outrank off-topic: %v", scores)
	}
	if scores[2] != 0 {
		t.Errorf("empty passage should score zero, got %f", scores[2])
	}
	for _, sc := range scores {
		if sc < 0 || sc > 1 {
			t.Errorf("score %f out of [0,1]", sc)
		}
	}
}

func TestRemoteScorer(t *testing.T) {
	t.Run("batches and preserves order", func(t *testing.T) {
		var batches atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			batches.Add(1)
			var req rerankRequest
			json.NewDecoder(r.Body).Decode(&req)
			scores := make([]float64, len(req.Passages))
			for i, p := range req.Passages {
				// Deterministic per-passage score so ordering is checkable.
				scores[i] = float64(len(p)) / 100.0
			}
			json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
		}))
		defer srv.Close()

		s, err := New(Config{Type: "remote_http", Endpoint: srv.URL, BatchSize: 2, MaxInflight: 2})
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		passages := []string{"a", "bb", "ccc", "dddd", "eeeee"}
		scores, err := s.Score(context.Background(), "q", passages)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		for i, p := range passages {
			want := float64(len(p)) / 100.0
			if scores[i] != want {
				t.Errorf("scores[%d] = %f, want %f", i, scores[i], want)
			}
		}
		if batches.Load() != 3 {
			t.Errorf("expected 3 batches, got %d", batches.Load())
		}
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.5}})
		}))
		defer srv.Close()

		s, err := newRemoteScorer(Config{Endpoint: srv.URL, MaxRetries: 3, ClientTimeout: time.Second}, nil)
		if err != nil {
			t.Fatalf("newRemoteScorer: %v", err)
		}
		scores, err := s.Score(context.Background(), "q", []string{"p"})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if scores[0] != 0.5 {
			t.Errorf("got %v", scores)
		}
	})

	t.Run("score count mismatch fails without retry", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.1, 0.2}})
		}))
		defer srv.Close()

		s, err := newRemoteScorer(Config{Endpoint: srv.URL}, nil)
		if err != nil {
			t.Fatalf("newRemoteScorer: %v", err)
		}
		if _, err := s.Score(context.Background(), "q", []string{"only one"}); err == nil {
			t.Fatal("expected mismatch error")
		}
		if calls.Load() != 1 {
			t.Errorf("mismatch should not retry, got %d calls", calls.Load())
		}
	})

	t.Run("modal backend sends bearer token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
				t.Errorf("Authorization = %q", got)
			}
			json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{1}})
		}))
		defer srv.Close()

		s, err := New(Config{Type: "modal_like", Endpoint: srv.URL, APIKey: "tok-123"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := s.Score(context.Background(), "q", []string{"p"}); err != nil {
			t.Fatalf("Score: %v", err)
		}
	})
}

func TestNewUnknownType(t *testing.T) {
	if _, err := New(Config{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown backend type")
	}
}
