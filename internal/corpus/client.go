package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	// metadataBatchSize is the index API's batch lookup ceiling.
	metadataBatchSize = 450

	// minSnippetWords filters boilerplate fragments out of snippet results.
	minSnippetWords = 20

	paperFields = "corpusId,title,authors,year,venue,citationCount,influentialCitationCount,isOpenAccess,abstract"
)

// Config configures a corpus client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // default: 30s
	MaxRetries int           // throttle/network retries (default: 3)
	RetryDelay time.Duration // default: 500ms
	HTTPClient *http.Client  // Optional (tests)
	Logger     *slog.Logger
}

// Client talks to the paper index API.
type Client struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries uint
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a corpus client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("corpus base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		client:     httpClient,
		maxRetries: uint(cfg.MaxRetries),
		retryDelay: cfg.RetryDelay,
		logger:     logger.With("component", "corpus"),
	}, nil
}

// SnippetSearch runs a passage-level search. Fragments shorter than
// minSnippetWords are discarded.
func (c *Client) SnippetSearch(ctx context.Context, query string, f Filters, limit int) ([]Passage, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))
	applyFilters(params, f)

	var resp snippetSearchResponse
	if err := c.getJSON(ctx, "/snippet/search", params, &resp); err != nil {
		return nil, err
	}

	passages := make([]Passage, 0, len(resp.Data))
	for _, item := range resp.Data {
		if len(strings.Fields(item.Snippet.Text)) < minSnippetWords {
			continue
		}
		passages = append(passages, Passage{
			CorpusID:     item.Paper.CorpusID,
			Text:         item.Snippet.Text,
			SectionTitle: item.Snippet.Section,
			Kind:         snippetKind(item.Snippet.SnippetKind),
			Score:        item.Score,
			CharStart:    item.Snippet.SnippetOffset.Start,
			CharEnd:      item.Snippet.SnippetOffset.End,
			Source:       SourceSnippet,
		})
	}

	c.logger.Debug("snippet search complete", "query_len", len(query),
		"raw", len(resp.Data), "kept", len(passages))
	return passages, nil
}

// KeywordSearch runs a paper-level relevance search. Each hit's abstract is
// synthesized into a Passage so downstream stages treat both search modes
// uniformly, and the metadata that came back is returned for reuse so these
// papers skip the batch hydration pass.
func (c *Client) KeywordSearch(ctx context.Context, query string, f Filters, limit int) ([]Passage, map[int64]PaperRecord, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("fields", paperFields)
	applyFilters(params, f)

	var resp paperSearchResponse
	if err := c.getJSON(ctx, "/paper/search", params, &resp); err != nil {
		return nil, nil, err
	}

	passages := make([]Passage, 0, len(resp.Data))
	records := make(map[int64]PaperRecord, len(resp.Data))
	for _, p := range resp.Data {
		rec := p.toRecord()
		records[rec.CorpusID] = rec

		text := rec.Abstract
		if text == "" {
			text = rec.Title
		}
		if text == "" {
			continue
		}
		passages = append(passages, Passage{
			CorpusID:  rec.CorpusID,
			Text:      text,
			Kind:      KindAbstract,
			Score:     0.0,
			CharStart: 0,
			CharEnd:   len(text),
			Source:    SourceKeyword,
		})
	}

	c.logger.Debug("keyword search complete", "query_len", len(query), "papers", len(records))
	return passages, records, nil
}

// FetchMetadata hydrates paper records for the given corpus ids, batched
// at the API's lookup ceiling.
func (c *Client) FetchMetadata(ctx context.Context, corpusIDs []int64) (map[int64]PaperRecord, error) {
	records := make(map[int64]PaperRecord, len(corpusIDs))

	for start := 0; start < len(corpusIDs); start += metadataBatchSize {
		end := start + metadataBatchSize
		if end > len(corpusIDs) {
			end = len(corpusIDs)
		}
		batch := corpusIDs[start:end]

		ids := make([]string, len(batch))
		for i, id := range batch {
			ids[i] = fmt.Sprintf("CorpusId:%d", id)
		}
		body, err := json.Marshal(map[string]any{"ids": ids})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal batch request: %w", err)
		}

		params := url.Values{}
		params.Set("fields", paperFields)

		var resp []paperJSON
		if err := c.postJSON(ctx, "/paper/batch", params, body, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp {
			rec := p.toRecord()
			records[rec.CorpusID] = rec
		}
	}

	return records, nil
}

// getJSON issues a GET with throttle-aware retry.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	return c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		return c.send(req, out)
	})
}

// postJSON issues a POST with throttle-aware retry.
func (c *Client) postJSON(ctx context.Context, path string, params url.Values, body []byte, out any) error {
	return c.doWithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path+"?"+params.Encode(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.send(req, out)
	})
}

func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.maxRetries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrThrottled) || errors.Is(err, ErrNetwork)
		}),
	)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429", ErrThrottled)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, truncate(respBody, 200))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, truncate(respBody, 200))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrUpstream, err)
	}
	return nil
}

func applyFilters(params url.Values, f Filters) {
	if f.YearStart > 0 || f.YearEnd > 0 {
		start, end := "", ""
		if f.YearStart > 0 {
			start = strconv.Itoa(f.YearStart)
		}
		if f.YearEnd > 0 {
			// The API range is inclusive.
			end = strconv.Itoa(f.YearEnd - 1)
		}
		params.Set("year", start+"-"+end)
	}
	if len(f.Venues) > 0 {
		params.Set("venue", strings.Join(f.Venues, ","))
	}
	if len(f.Authors) > 0 {
		params.Set("authors", strings.Join(f.Authors, ","))
	}
	if len(f.FieldsOfStudy) > 0 {
		params.Set("fieldsOfStudy", strings.Join(f.FieldsOfStudy, ","))
	}
}

func snippetKind(kind string) PassageKind {
	switch kind {
	case "abstract":
		return KindAbstract
	case "title":
		return KindTitle
	case "body":
		return KindBody
	default:
		return KindOther
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// API wire types

type snippetSearchResponse struct {
	Data []struct {
		Score   float64 `json:"score"`
		Snippet struct {
			Text          string `json:"text"`
			SnippetKind   string `json:"snippetKind"`
			Section       string `json:"section"`
			SnippetOffset struct {
				Start int `json:"start"`
				End   int `json:"end"`
			} `json:"snippetOffset"`
		} `json:"snippet"`
		Paper struct {
			CorpusID int64  `json:"corpusId"`
			Title    string `json:"title"`
		} `json:"paper"`
	} `json:"data"`
}

type paperSearchResponse struct {
	Total int         `json:"total"`
	Data  []paperJSON `json:"data"`
}

type paperJSON struct {
	CorpusID int64  `json:"corpusId"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Year     int    `json:"year"`
	Venue    string `json:"venue"`
	Authors  []struct {
		Name     string `json:"name"`
		AuthorID string `json:"authorId"`
	} `json:"authors"`
	CitationCount            int  `json:"citationCount"`
	InfluentialCitationCount int  `json:"influentialCitationCount"`
	IsOpenAccess             bool `json:"isOpenAccess"`
}

func (p paperJSON) toRecord() PaperRecord {
	authors := make([]Author, 0, len(p.Authors))
	for _, a := range p.Authors {
		authors = append(authors, Author{Name: a.Name, AuthorID: a.AuthorID})
	}
	return PaperRecord{
		CorpusID:                 p.CorpusID,
		Title:                    p.Title,
		Authors:                  authors,
		Year:                     p.Year,
		Venue:                    p.Venue,
		CitationCount:            p.CitationCount,
		InfluentialCitationCount: p.InfluentialCitationCount,
		IsOpenAccess:             p.IsOpenAccess,
		Abstract:                 p.Abstract,
	}
}
