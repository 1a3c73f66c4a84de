// Package paperfinder composes retrieval: parallel snippet and keyword
// searches, dedupe, metadata hydration, reranking, and per-paper
// aggregation with dense reference numbers.
package paperfinder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/rerank"
)

// ErrRetrievalUnavailable means the primary snippet search failed and no
// useful answer can be produced.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Searcher is the slice of the corpus client the finder needs.
type Searcher interface {
	SnippetSearch(ctx context.Context, query string, f corpus.Filters, limit int) ([]corpus.Passage, error)
	KeywordSearch(ctx context.Context, query string, f corpus.Filters, limit int) ([]corpus.Passage, map[int64]corpus.PaperRecord, error)
	FetchMetadata(ctx context.Context, corpusIDs []int64) (map[int64]corpus.PaperRecord, error)
}

// Request is one retrieval job, usually derived from a decomposed query.
type Request struct {
	RewrittenQuery string
	KeywordQuery   string // empty disables the keyword search
	Filters        corpus.Filters
}

// ScoredPassage is a passage with its rerank relevance.
type ScoredPassage struct {
	corpus.Passage
	RerankScore float64 `json:"rerank_score"`
}

// PaperAggregate is one paper with its kept passages merged for prompting.
type PaperAggregate struct {
	CorpusID        int64              `json:"corpus_id"`
	Paper           corpus.PaperRecord `json:"paper"`
	Passages        []ScoredPassage    `json:"passages"`
	MergedText      string             `json:"merged_text"`
	Score           float64            `json:"score"`
	RefNumber       int                `json:"ref_number"`
	ReferenceString string             `json:"reference_string"`
}

// Result is the retrieval outcome plus non-fatal degradation notes.
type Result struct {
	Papers   []PaperAggregate
	Warnings []string
}

// Config tunes the finder.
type Config struct {
	SnippetLimit     int     // default: 256
	KeywordLimit     int     // default: 20
	ContextThreshold float64 // drop passages scoring below (default: 0.0)
	TopKPerPaper     int     // kept passages per paper (default: 8)
	NRerank          int     // papers kept after aggregation (default: 50)
}

// Finder runs retrieval.
type Finder struct {
	searcher Searcher
	scorer   rerank.Scorer
	meta     *corpus.MetaCache
	cfg      Config
	logger   *slog.Logger
}

// New creates a finder. The metadata cache is optional.
func New(searcher Searcher, scorer rerank.Scorer, meta *corpus.MetaCache, cfg Config, logger *slog.Logger) *Finder {
	if cfg.SnippetLimit <= 0 {
		cfg.SnippetLimit = 256
	}
	if cfg.KeywordLimit <= 0 {
		cfg.KeywordLimit = 20
	}
	if cfg.TopKPerPaper <= 0 {
		cfg.TopKPerPaper = 8
	}
	if cfg.NRerank <= 0 {
		cfg.NRerank = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finder{
		searcher: searcher,
		scorer:   scorer,
		meta:     meta,
		cfg:      cfg,
		logger:   logger.With("component", "paperfinder"),
	}
}

// Find retrieves, reranks, and aggregates papers for the request.
func (f *Finder) Find(ctx context.Context, req Request) (*Result, error) {
	var warnings []string

	// Snippet and keyword searches run in parallel. Snippet failure is
	// fatal; keyword failure degrades with a warning.
	var (
		snippetPassages []corpus.Passage
		keywordPassages []corpus.Passage
		keywordRecords  map[int64]corpus.PaperRecord
		keywordErr      error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snippetPassages, err = f.searcher.SnippetSearch(gctx, req.RewrittenQuery, req.Filters, f.cfg.SnippetLimit)
		if err != nil {
			return fmt.Errorf("%w: snippet search: %v", ErrRetrievalUnavailable, err)
		}
		return nil
	})
	if req.KeywordQuery != "" {
		g.Go(func() error {
			keywordPassages, keywordRecords, keywordErr = f.searcher.KeywordSearch(gctx, req.KeywordQuery, req.Filters, f.cfg.KeywordLimit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if keywordErr != nil {
		warnings = append(warnings, fmt.Sprintf("keyword search failed: %v", keywordErr))
		keywordPassages, keywordRecords = nil, nil
	}

	passages := dedupe(snippetPassages, keywordPassages)
	if len(passages) == 0 {
		return &Result{Warnings: warnings}, nil
	}

	// Hydrate metadata for everything the keyword search did not already
	// return.
	records, metaWarnings := f.hydrate(ctx, passages, keywordRecords)
	warnings = append(warnings, metaWarnings...)

	// Rerank; on failure fall back to retrieval order normalized to [0,1].
	scored, rerankWarnings := f.score(ctx, req.RewrittenQuery, passages)
	warnings = append(warnings, rerankWarnings...)

	kept := scored[:0]
	for _, sp := range scored {
		if sp.RerankScore >= f.cfg.ContextThreshold {
			kept = append(kept, sp)
		}
	}

	papers := f.aggregate(kept, records)
	f.logger.Info("retrieval complete",
		"passages", len(passages), "kept", len(kept), "papers", len(papers), "warnings", len(warnings))

	return &Result{Papers: papers, Warnings: warnings}, nil
}

// dedupe merges the two passage streams on (corpus id, char start).
// Snippet results win ties.
func dedupe(snippet, keyword []corpus.Passage) []corpus.Passage {
	type key struct {
		id    int64
		start int
	}
	seen := make(map[key]struct{}, len(snippet)+len(keyword))
	out := make([]corpus.Passage, 0, len(snippet)+len(keyword))
	for _, p := range snippet {
		k := key{p.CorpusID, p.CharStart}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	for _, p := range keyword {
		k := key{p.CorpusID, p.CharStart}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (f *Finder) hydrate(ctx context.Context, passages []corpus.Passage, known map[int64]corpus.PaperRecord) (map[int64]corpus.PaperRecord, []string) {
	records := make(map[int64]corpus.PaperRecord, len(known))
	for id, rec := range known {
		records[id] = rec
	}

	var need []int64
	seen := make(map[int64]struct{})
	for _, p := range passages {
		if _, ok := records[p.CorpusID]; ok {
			continue
		}
		if _, ok := seen[p.CorpusID]; ok {
			continue
		}
		seen[p.CorpusID] = struct{}{}
		need = append(need, p.CorpusID)
	}
	if len(need) == 0 {
		return records, nil
	}

	if f.meta != nil {
		cached, missing := f.meta.Split(need)
		for id, rec := range cached {
			records[id] = rec
		}
		need = missing
	}
	if len(need) == 0 {
		return records, nil
	}

	fetched, err := f.searcher.FetchMetadata(ctx, need)
	if err != nil {
		return records, []string{fmt.Sprintf("metadata fetch failed for %d papers: %v", len(need), err)}
	}
	for id, rec := range fetched {
		records[id] = rec
	}
	if f.meta != nil {
		f.meta.PutAll(fetched)
	}
	return records, nil
}

func (f *Finder) score(ctx context.Context, query string, passages []corpus.Passage) ([]ScoredPassage, []string) {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	scores, err := f.scorer.Score(ctx, query, texts)
	if err != nil || len(scores) != len(passages) {
		warning := fmt.Sprintf("reranker failed, using retrieval scores: %v", err)
		minScore, maxScore := passages[0].Score, passages[0].Score
		for _, p := range passages[1:] {
			if p.Score < minScore {
				minScore = p.Score
			}
			if p.Score > maxScore {
				maxScore = p.Score
			}
		}
		span := maxScore - minScore
		scored := make([]ScoredPassage, len(passages))
		for i, p := range passages {
			// Retrieval scores carried through, squeezed into [0,1].
			norm := 1.0
			if span > 0 {
				norm = (p.Score - minScore) / span
			}
			scored[i] = ScoredPassage{Passage: p, RerankScore: norm}
		}
		return scored, []string{warning}
	}

	scored := make([]ScoredPassage, len(passages))
	for i, p := range passages {
		scored[i] = ScoredPassage{Passage: p, RerankScore: scores[i]}
	}
	return scored, nil
}

// aggregate groups passages by paper, keeps the top K per paper, builds
// merged text, and assigns dense reference numbers by descending score.
func (f *Finder) aggregate(passages []ScoredPassage, records map[int64]corpus.PaperRecord) []PaperAggregate {
	byPaper := make(map[int64][]ScoredPassage)
	var order []int64
	for _, sp := range passages {
		if _, ok := byPaper[sp.CorpusID]; !ok {
			order = append(order, sp.CorpusID)
		}
		byPaper[sp.CorpusID] = append(byPaper[sp.CorpusID], sp)
	}

	papers := make([]PaperAggregate, 0, len(order))
	for _, id := range order {
		group := byPaper[id]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].RerankScore > group[j].RerankScore
		})
		if len(group) > f.cfg.TopKPerPaper {
			group = group[:f.cfg.TopKPerPaper]
		}

		rec := records[id]
		agg := PaperAggregate{
			CorpusID:   id,
			Paper:      rec,
			Passages:   group,
			Score:      group[0].RerankScore,
			MergedText: mergeText(rec, group),
		}
		papers = append(papers, agg)
	}

	sort.SliceStable(papers, func(i, j int) bool {
		return papers[i].Score > papers[j].Score
	})
	if len(papers) > f.cfg.NRerank {
		papers = papers[:f.cfg.NRerank]
	}
	for i := range papers {
		papers[i].RefNumber = i + 1
		papers[i].ReferenceString = referenceString(papers[i].CorpusID, papers[i].Paper)
	}
	return papers
}

// mergeText renders a paper's kept passages as a single prompt block:
// metadata header, abstract, then passages in document order grouped by
// section.
func mergeText(rec corpus.PaperRecord, passages []ScoredPassage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Title: %s\n", rec.Title)
	fmt.Fprintf(&b, "# Venue: %s\n", rec.Venue)
	fmt.Fprintf(&b, "# Authors: %s\n", authorNames(rec.Authors))
	if rec.Abstract != "" {
		fmt.Fprintf(&b, "## Abstract\n%s\n", rec.Abstract)
	}

	// Document order, grouped by section.
	ordered := make([]ScoredPassage, len(passages))
	copy(ordered, passages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CharStart < ordered[j].CharStart
	})

	sections := make(map[string][]string)
	var sectionOrder []string
	for _, sp := range ordered {
		if sp.Kind == corpus.KindAbstract && rec.Abstract != "" {
			// Abstract already rendered from metadata.
			continue
		}
		title := sp.SectionTitle
		if title == "" {
			title = "Additional Context"
		}
		if _, ok := sections[title]; !ok {
			sectionOrder = append(sectionOrder, title)
		}
		sections[title] = append(sections[title], sp.Text)
	}
	for _, title := range sectionOrder {
		fmt.Fprintf(&b, "## %s\n%s\n", title, strings.Join(sections[title], "\n...\n"))
	}

	return strings.TrimRight(b.String(), "\n")
}

// referenceString renders the citation label shown to the model and in
// the final reference list.
func referenceString(corpusID int64, rec corpus.PaperRecord) string {
	return fmt.Sprintf("[%d | %s | %d | Citations: %d]",
		corpusID, authorRef(rec.Authors), rec.Year, rec.CitationCount)
}

func authorRef(authors []corpus.Author) string {
	if len(authors) == 0 {
		return "Unknown"
	}
	first := lastName(authors[0].Name)
	if len(authors) == 1 {
		return first
	}
	return first + " et al."
}

func lastName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return name
	}
	return fields[len(fields)-1]
}

func authorNames(authors []corpus.Author) string {
	names := make([]string, len(authors))
	for i, a := range authors {
		names[i] = a.Name
	}
	return strings.Join(names, ", ")
}
