package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/corpusqa/corpusqa/internal/paperfinder"
	"github.com/corpusqa/corpusqa/internal/providers"
)

// Quote is one verbatim span lifted from a paper.
type Quote struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// QuoteSet holds the quotes extracted from one paper.
type QuoteSet struct {
	RefNumber       int     `json:"ref_number"`
	CorpusID        int64   `json:"corpus_id"`
	ReferenceString string  `json:"reference_string"`
	Quotes          []Quote `json:"quotes"`
}

// ExtractQuotes pulls relevant verbatim quotes from each paper in
// parallel. Papers whose extraction fails or yields nothing are dropped
// with a warning; results come back sorted by reference number.
func (e *Engine) ExtractQuotes(ctx context.Context, query string, papers []paperfinder.PaperAggregate) ([]QuoteSet, []string) {
	var (
		mu       sync.Mutex
		sets     []QuoteSet
		warnings []string
		wg       sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(e.cfg.MaxLLMWorkers))

	for _, paper := range papers {
		paper := paper
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			warnings = append(warnings, fmt.Sprintf("quote extraction cancelled: %v", err))
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			quotes, err := e.extractFromPaper(ctx, query, paper)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("quote extraction failed for paper %d: %v", paper.CorpusID, err))
				return
			}
			if len(quotes) == 0 {
				warnings = append(warnings, fmt.Sprintf("no usable quotes in paper %d, dropped", paper.CorpusID))
				return
			}
			sets = append(sets, QuoteSet{
				RefNumber:       paper.RefNumber,
				CorpusID:        paper.CorpusID,
				ReferenceString: paper.ReferenceString,
				Quotes:          quotes,
			})
		}()
	}
	wg.Wait()

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].RefNumber < sets[j].RefNumber
	})
	e.logger.Info("quote extraction complete", "papers", len(papers), "kept", len(sets))
	return sets, warnings
}

func (e *Engine) extractFromPaper(ctx context.Context, query string, paper paperfinder.PaperAggregate) ([]Quote, error) {
	res, err := e.llm.Chat(ctx, &providers.ChatRequest{
		Messages: providers.SystemUser(quoteExtractionSystemPrompt,
			fmt.Sprintf(quoteExtractionUserPrompt, query, paper.MergedText)),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(res.Content)
	// A "None" verdict, with or without trailing commentary, means the
	// paper had nothing relevant.
	if content == "" || strings.HasPrefix(strings.ToLower(content), "none") {
		return nil, nil
	}

	quotes := make([]Quote, 0, 8)
	for _, raw := range splitQuotes(content) {
		text := strings.TrimSpace(raw)
		text = strings.Trim(text, `"`)
		if len(text) <= e.cfg.MinQuoteChars {
			continue
		}
		// Quotes must be verbatim; paraphrases cannot be cited safely.
		if !strings.Contains(paper.MergedText, text) {
			continue
		}
		quotes = append(quotes, Quote{Text: text, Index: len(quotes)})
	}
	return quotes, nil
}

// splitQuotes breaks model output on "..." separator lines.
func splitQuotes(content string) []string {
	var parts []string
	var current []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "..." {
			parts = append(parts, strings.Join(current, "\n"))
			current = current[:0]
			continue
		}
		current = append(current, line)
	}
	parts = append(parts, strings.Join(current, "\n"))
	return parts
}
