package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/paperfinder"
	"github.com/corpusqa/corpusqa/internal/providers"
)

func newTestEngine(mock *providers.MockClient) *Engine {
	return NewEngine(mock, Config{MaxLLMWorkers: 2}, nil)
}

func TestDecompose(t *testing.T) {
	t.Run("maps wire fields onto filters", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = json.RawMessage(`{
			"rewritten_query": "effects of sleep on memory consolidation",
			"keyword_query": "sleep memory consolidation",
			"earliest_year": 2018,
			"latest_year": 2023,
			"venues": ["Nature"],
			"fields_of_study": ["Medicine"]
		}`)
		e := newTestEngine(mock)

		dq, warnings := e.Decompose(context.Background(), "how does sleep affect memory?")
		if len(warnings) != 0 {
			t.Fatalf("unexpected warnings: %v", warnings)
		}
		if dq.RewrittenQuery != "effects of sleep on memory consolidation" {
			t.Errorf("rewritten = %q", dq.RewrittenQuery)
		}
		if dq.Filters.YearStart != 2018 {
			t.Errorf("year start = %d", dq.Filters.YearStart)
		}
		// Inclusive latest year becomes a half-open end.
		if dq.Filters.YearEnd != 2024 {
			t.Errorf("year end = %d, want 2024", dq.Filters.YearEnd)
		}
		if len(dq.Filters.Venues) != 1 || dq.Filters.Venues[0] != "Nature" {
			t.Errorf("venues = %v", dq.Filters.Venues)
		}
	})

	t.Run("failure degrades to trivial plan", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ShouldFail = true
		e := newTestEngine(mock)

		dq, warnings := e.Decompose(context.Background(), "original question")
		if len(warnings) == 0 {
			t.Fatal("expected a degradation warning")
		}
		if dq.RewrittenQuery != "original question" || dq.KeywordQuery != "original question" {
			t.Errorf("trivial plan wrong: %+v", dq)
		}
		if dq.Filters.YearStart != 0 || len(dq.Filters.Venues) != 0 {
			t.Errorf("trivial plan must carry no filters: %+v", dq.Filters)
		}
	})
}

func testPaper(ref int, id int64, merged string) paperfinder.PaperAggregate {
	return paperfinder.PaperAggregate{
		RefNumber:       ref,
		CorpusID:        id,
		MergedText:      merged,
		ReferenceString: "[1 | Doe | 2020 | Citations: 1]",
		Paper:           corpus.PaperRecord{CorpusID: id, Title: "T"},
	}
}

func TestExtractQuotes(t *testing.T) {
	t.Run("keeps verbatim quotes and drops the rest", func(t *testing.T) {
		merged := "Intro text. The model improves accuracy by twelve percent. More text follows here."
		mock := providers.NewMockClient()
		mock.ResponseText = "The model improves accuracy by twelve percent.\n...\nthis sentence was paraphrased and is not in the paper\n...\nshort"
		e := newTestEngine(mock)

		sets, _ := e.ExtractQuotes(context.Background(), "q", []paperfinder.PaperAggregate{testPaper(1, 10, merged)})
		if len(sets) != 1 {
			t.Fatalf("expected 1 quote set, got %d", len(sets))
		}
		if len(sets[0].Quotes) != 1 {
			t.Fatalf("expected only the verbatim quote, got %+v", sets[0].Quotes)
		}
		if sets[0].Quotes[0].Text != "The model improves accuracy by twelve percent." {
			t.Errorf("got %q", sets[0].Quotes[0].Text)
		}
	})

	t.Run("none verdict drops the paper", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseText = "None"
		e := newTestEngine(mock)

		sets, warnings := e.ExtractQuotes(context.Background(), "q", []paperfinder.PaperAggregate{testPaper(1, 10, "text")})
		if len(sets) != 0 {
			t.Fatalf("expected no sets, got %d", len(sets))
		}
		if len(warnings) != 1 {
			t.Errorf("expected drop warning, got %v", warnings)
		}
	})

	t.Run("failed papers dropped, results sorted by ref", func(t *testing.T) {
		mock := providers.NewMockClient()
		// Parallel workers make call order nondeterministic, so every call
		// succeeds with a verbatim quote and we just verify ordering.
		mock.ResponseText = "shared verbatim sentence for all papers"
		e := newTestEngine(mock)

		papers := []paperfinder.PaperAggregate{
			testPaper(3, 30, "xx shared verbatim sentence for all papers yy"),
			testPaper(1, 10, "xx shared verbatim sentence for all papers yy"),
			testPaper(2, 20, "xx shared verbatim sentence for all papers yy"),
		}
		sets, _ := e.ExtractQuotes(context.Background(), "q", papers)
		if len(sets) != 3 {
			t.Fatalf("expected 3 sets, got %d", len(sets))
		}
		for i, want := range []int{1, 2, 3} {
			if sets[i].RefNumber != want {
				t.Errorf("sets[%d].RefNumber = %d, want %d", i, sets[i].RefNumber, want)
			}
		}
	})
}

func sampleSets() []QuoteSet {
	return []QuoteSet{
		{RefNumber: 1, CorpusID: 10, ReferenceString: "[10 | A | 2020 | Citations: 1]", Quotes: []Quote{
			{Text: "quote one", Index: 0},
			{Text: "quote two", Index: 1},
		}},
		{RefNumber: 2, CorpusID: 20, ReferenceString: "[20 | B | 2021 | Citations: 2]", Quotes: []Quote{
			{Text: "quote three", Index: 0},
		}},
	}
}

func TestPlanOutline(t *testing.T) {
	t.Run("valid plan passes validation", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = json.RawMessage(`{
			"cot": "thinking",
			"sections": [
				{"name": "Findings", "format": "synthesis", "quotes": ["[1.0]", "[2.0]"]},
				{"name": "Comparisons", "format": "list", "quotes": ["[1.1]"]}
			]
		}`)
		e := newTestEngine(mock)

		outline, warnings := e.PlanOutline(context.Background(), "q", sampleSets())
		if len(warnings) != 0 {
			t.Fatalf("unexpected warnings: %v", warnings)
		}
		if len(outline) != 2 {
			t.Fatalf("expected 2 sections, got %d", len(outline))
		}
		if outline[0].Name != "Findings" || outline[1].Format != FormatList {
			t.Errorf("outline = %+v", outline)
		}
	})

	t.Run("unknown handles dropped and empty sections removed", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = json.RawMessage(`{
			"sections": [
				{"name": "Good", "format": "synthesis", "quotes": ["[1.0]", "[9.9]"]},
				{"name": "Empty", "format": "synthesis", "quotes": ["[8.8]"]}
			]
		}`)
		e := newTestEngine(mock)

		outline, warnings := e.PlanOutline(context.Background(), "q", sampleSets())
		if len(outline) != 1 || outline[0].Name != "Good" {
			t.Fatalf("outline = %+v", outline)
		}
		if len(outline[0].Quotes) != 1 {
			t.Errorf("unknown handle not dropped: %+v", outline[0].Quotes)
		}
		joined := strings.Join(warnings, "; ")
		if !strings.Contains(joined, "unknown quote") || !strings.Contains(joined, "removed") {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("duplicate names disambiguated", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = json.RawMessage(`{
			"sections": [
				{"name": "Results", "format": "synthesis", "quotes": ["[1.0]"]},
				{"name": "Results", "format": "synthesis", "quotes": ["[2.0]"]}
			]
		}`)
		e := newTestEngine(mock)

		outline, _ := e.PlanOutline(context.Background(), "q", sampleSets())
		if len(outline) != 2 || outline[1].Name != "Results (2)" {
			t.Errorf("outline = %+v", outline)
		}
	})

	t.Run("failure degrades to single summary section", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ShouldFail = true
		e := newTestEngine(mock)

		outline, warnings := e.PlanOutline(context.Background(), "q", sampleSets())
		if len(outline) != 1 || outline[0].Name != "Summary" {
			t.Fatalf("outline = %+v", outline)
		}
		if len(outline[0].Quotes) != 3 {
			t.Errorf("summary plan should hold all quotes, got %d", len(outline[0].Quotes))
		}
		if len(warnings) == 0 {
			t.Error("expected degradation warning")
		}
	})
}

func TestSynthesize(t *testing.T) {
	papers := []paperfinder.PaperAggregate{
		{RefNumber: 1, CorpusID: 10, ReferenceString: "[10 | A | 2020 | Citations: 1]", Paper: corpus.PaperRecord{CorpusID: 10, Title: "One"}},
		{RefNumber: 2, CorpusID: 20, ReferenceString: "[20 | B | 2021 | Citations: 2]", Paper: corpus.PaperRecord{CorpusID: 20, Title: "Two"}},
	}
	outline := Outline{
		{Name: "Findings", Format: FormatSynthesis, Quotes: []QuoteHandle{{RefNumber: 1, QuoteIndex: 0}}},
		{Name: "Open Problems", Format: FormatSynthesis, Quotes: []QuoteHandle{{RefNumber: 2, QuoteIndex: 0}}},
	}

	t.Run("sections generated in order with citations resolved", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.Enqueue(
			providers.MockResponse{Content: "TLDR: first summary.\nEvidence supports the claim [1]. An invented source [7] too."},
			providers.MockResponse{Content: "TLDR: second summary.\nRemaining questions involve scaling [2]."},
		)
		e := newTestEngine(mock)

		sections, warnings := e.Synthesize(context.Background(), "q", outline, sampleSets(), papers)
		if len(sections) != 2 {
			t.Fatalf("expected 2 sections, got %d", len(sections))
		}

		first := sections[0]
		if first.Title != "Findings" || first.TLDR != "first summary." {
			t.Errorf("first section = %+v", first)
		}
		if strings.Contains(first.Text, "[7]") {
			t.Error("unresolved marker should be stripped")
		}
		if !strings.Contains(first.Text, "[1]") {
			t.Error("valid marker should survive")
		}
		if len(first.Citations) != 1 || first.Citations[0].CorpusID != 10 {
			t.Errorf("citations = %+v", first.Citations)
		}

		found := false
		for _, w := range warnings {
			if strings.Contains(w, "[7]") {
				found = true
			}
		}
		if !found {
			t.Errorf("expected stripped-marker warning, got %v", warnings)
		}
	})

	t.Run("markers citing papers outside the section are stripped", func(t *testing.T) {
		// Paper 2 was retrieved but none of its quotes were assigned to
		// this section, so [2] must be treated as unresolved.
		single := Outline{
			{Name: "Findings", Format: FormatSynthesis, Quotes: []QuoteHandle{{RefNumber: 1, QuoteIndex: 0}}},
		}
		mock := providers.NewMockClient()
		mock.Enqueue(
			providers.MockResponse{Content: "Evidence supports the claim [1]. Unrelated claim [2]."},
		)
		e := newTestEngine(mock)

		sections, warnings := e.Synthesize(context.Background(), "q", single, sampleSets(), papers)
		if len(sections) != 1 {
			t.Fatalf("expected 1 section, got %d", len(sections))
		}
		if strings.Contains(sections[0].Text, "[2]") {
			t.Error("marker for an unassigned paper should be stripped")
		}
		if !strings.Contains(sections[0].Text, "[1]") {
			t.Error("marker for an assigned paper should survive")
		}
		if len(sections[0].Citations) != 1 || sections[0].Citations[0].RefNumber != 1 {
			t.Errorf("citations = %+v", sections[0].Citations)
		}
		found := false
		for _, w := range warnings {
			if strings.Contains(w, "[2]") {
				found = true
			}
		}
		if !found {
			t.Errorf("expected stripped-marker warning, got %v", warnings)
		}
	})

	t.Run("section failure produces fallback text", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.Enqueue(
			providers.MockResponse{Err: errors.New("model down")},
			providers.MockResponse{Content: "TLDR: ok.\nFine [2]."},
		)
		e := newTestEngine(mock)

		sections, warnings := e.Synthesize(context.Background(), "q", outline, sampleSets(), papers)
		if len(sections) != 2 {
			t.Fatalf("expected 2 sections, got %d", len(sections))
		}
		if !strings.Contains(sections[0].Text, "quote one") {
			t.Errorf("fallback should list evidence, got %q", sections[0].Text)
		}
		joined := strings.Join(warnings, "; ")
		if !strings.Contains(joined, "fallback") {
			t.Errorf("warnings = %v", warnings)
		}
	})
}

func TestResolveCitations(t *testing.T) {
	known := map[int]Citation{1: {RefNumber: 1, CorpusID: 10}}

	clean, citations, warnings := resolveCitations("Keep [1] but drop [9].", known)
	if !strings.Contains(clean, "[1]") || strings.Contains(clean, "[9]") {
		t.Errorf("clean = %q", clean)
	}
	if len(citations) != 1 || citations[0].RefNumber != 1 {
		t.Errorf("citations = %+v", citations)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestStripBracketedSpans(t *testing.T) {
	got := stripBracketedSpans("Text [1] with [10 | A | 2020 | Citations: 1] markers.")
	if strings.Contains(got, "[") {
		t.Errorf("brackets survived: %q", got)
	}
}
