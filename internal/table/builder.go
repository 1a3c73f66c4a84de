package table

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/providers"
)

// Config tunes table construction.
type Config struct {
	MaxColumns int // default: 6
	MaxRows    int // default: 6
	MaxWorkers int // concurrent cell fills (default: 10)

	// Density floors for subselection: rows and columns below these
	// fill fractions are dropped.
	MinRowDensity float64 // default: 0.34
	MinColDensity float64 // default: 0.34

	Temperature float64
	MaxTokens   int
}

// Builder generates comparison tables from paper metadata.
type Builder struct {
	llm    providers.LLMClient
	cfg    Config
	logger *slog.Logger
}

// NewBuilder creates a table builder.
func NewBuilder(llm providers.LLMClient, cfg Config, logger *slog.Logger) *Builder {
	if cfg.MaxColumns <= 0 {
		cfg.MaxColumns = 6
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 6
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MinRowDensity <= 0 {
		cfg.MinRowDensity = 0.34
	}
	if cfg.MinColDensity <= 0 {
		cfg.MinColDensity = 0.34
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		llm:    llm,
		cfg:    cfg,
		logger: logger.With("component", "table"),
	}
}

var columnSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"columns": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"}
				},
				"required": ["name"]
			}
		}
	},
	"required": ["columns"]
}`)

const columnSystemPrompt = `You design comparison-table columns for a set of scientific papers answering one question. Propose short column names (2-4 words) capturing the dimensions on which the papers meaningfully differ. Never propose columns for metadata already shown elsewhere (title, authors, year, venue, citations).`

const cellSystemPrompt = `You fill one cell of a paper comparison table. Given a paper abstract and a column, answer with the paper's value for that column in at most 10 words. If the abstract does not contain the answer, reply with exactly: N/A`

const normalizeSystemPrompt = `You normalize the values of one comparison-table column so they are consistent and directly comparable (same units, same phrasing, same granularity). Return a JSON object mapping each original value to its normalized form. Keep "N/A" unchanged.`

// Build constructs a table over the given papers. Returns nil when no
// usable table could be built; the section is still emitted without one.
func (b *Builder) Build(ctx context.Context, query, sectionName string, papers []corpus.PaperRecord) (*Table, []string) {
	var warnings []string

	withAbstract := make([]corpus.PaperRecord, 0, len(papers))
	for _, p := range papers {
		if p.Abstract != "" {
			withAbstract = append(withAbstract, p)
		}
	}
	if len(withAbstract) == 0 {
		return nil, []string{"no abstracts available for table construction"}
	}

	columns, err := b.proposeColumns(ctx, query, sectionName, withAbstract)
	if err != nil {
		return nil, []string{fmt.Sprintf("column proposal failed: %v", err)}
	}
	if len(columns) == 0 {
		return nil, []string{"column proposal returned no columns"}
	}

	t := &Table{
		Columns: columns,
		Cells:   make(map[string]Cell),
	}
	for _, p := range withAbstract {
		t.Rows = append(t.Rows, Row{
			ID:           uuid.New().String(),
			CorpusID:     p.CorpusID,
			DisplayValue: p.Title,
		})
	}

	cellWarnings := b.fillCells(ctx, t, withAbstract)
	warnings = append(warnings, cellWarnings...)

	filled := 0
	for _, c := range t.Cells {
		if c.DisplayValue != EmptyCellValue {
			filled++
		}
	}
	if filled == 0 {
		return nil, append(warnings, "every table cell failed or was empty")
	}

	for i := range t.Columns {
		if err := b.normalizeColumn(ctx, t, i); err != nil {
			// Raw values are kept; no retry.
			warnings = append(warnings, fmt.Sprintf("normalization failed for column %q: %v", t.Columns[i].Name, err))
		}
	}

	b.subselect(t)
	if len(t.Rows) == 0 || len(t.Columns) == 0 {
		return nil, append(warnings, "table too sparse after subselection")
	}
	return t, warnings
}

func (b *Builder) proposeColumns(ctx context.Context, query, sectionName string, papers []corpus.PaperRecord) ([]Column, error) {
	var titles strings.Builder
	for _, p := range papers {
		fmt.Fprintf(&titles, "- %s\n", p.Title)
	}

	user := fmt.Sprintf("Question: %s\nSection: %s\nPapers:\n%s\nPropose the columns.", query, sectionName, titles.String())
	res, err := b.llm.Chat(ctx, &providers.ChatRequest{
		Messages:       providers.SystemUser(columnSystemPrompt, user),
		Temperature:    b.cfg.Temperature,
		MaxTokens:      b.cfg.MaxTokens,
		ResponseFormat: &providers.ResponseFormat{Type: "json_schema", JSONSchema: columnSchema},
	})
	if err != nil {
		return nil, err
	}

	var wire struct {
		Columns []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"columns"`
	}
	if err := json.Unmarshal(res.ParsedJSON, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode column proposal: %w", err)
	}

	columns := make([]Column, 0, len(wire.Columns))
	for _, c := range wire.Columns {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		columns = append(columns, Column{
			ID:          uuid.New().String(),
			Name:        c.Name,
			Description: c.Description,
		})
		if len(columns) == b.cfg.MaxColumns {
			break
		}
	}
	return columns, nil
}

// fillCells fans out one model call per (row, column) pair, bounded by the
// worker budget. Failed cells become N/A.
func (b *Builder) fillCells(ctx context.Context, t *Table, papers []corpus.PaperRecord) []string {
	byID := make(map[int64]corpus.PaperRecord, len(papers))
	for _, p := range papers {
		byID[p.CorpusID] = p
	}

	var (
		mu       sync.Mutex
		warnings []string
		wg       sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(b.cfg.MaxWorkers))

	for _, row := range t.Rows {
		for _, col := range t.Columns {
			row, col := row, col
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				t.Cells[CellKey(row.ID, col.ID)] = Cell{DisplayValue: EmptyCellValue}
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)

				value, err := b.fillCell(ctx, byID[row.CorpusID], col)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("cell fill failed (paper %d, column %q): %v", row.CorpusID, col.Name, err))
					value = EmptyCellValue
				}
				t.Cells[CellKey(row.ID, col.ID)] = Cell{DisplayValue: value}
			}()
		}
	}
	wg.Wait()
	return warnings
}

func (b *Builder) fillCell(ctx context.Context, paper corpus.PaperRecord, col Column) (string, error) {
	user := fmt.Sprintf("Column: %s (%s)\n\nAbstract:\n%s", col.Name, col.Description, paper.Abstract)
	res, err := b.llm.Chat(ctx, &providers.ChatRequest{
		Messages:    providers.SystemUser(cellSystemPrompt, user),
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	value := strings.TrimSpace(res.Content)
	if value == "" || strings.EqualFold(value, EmptyCellValue) {
		return EmptyCellValue, nil
	}
	// Values longer than the budget get truncated rather than dropped.
	words := strings.Fields(value)
	if len(words) > 10 {
		value = strings.Join(words[:10], " ")
	}
	return value, nil
}

// normalizeColumn rewrites a column's values into a consistent form. On
// any failure the raw values stay.
func (b *Builder) normalizeColumn(ctx context.Context, t *Table, colIdx int) error {
	col := t.Columns[colIdx]

	unique := make(map[string]struct{})
	for _, row := range t.Rows {
		v := t.Cell(row.ID, col.ID).DisplayValue
		if v != EmptyCellValue {
			unique[v] = struct{}{}
		}
	}
	if len(unique) < 2 {
		return nil
	}

	values := make([]string, 0, len(unique))
	for v := range unique {
		values = append(values, v)
	}
	sort.Strings(values)

	user := fmt.Sprintf("Column: %s\nValues:\n- %s", col.Name, strings.Join(values, "\n- "))
	res, err := b.llm.Chat(ctx, &providers.ChatRequest{
		Messages:    providers.SystemUser(normalizeSystemPrompt, user),
		Temperature: b.cfg.Temperature,
		MaxTokens:   b.cfg.MaxTokens,
	})
	if err != nil {
		return err
	}

	parsed, err := providers.ParseStructuredJSON(res.Content)
	if err != nil {
		return err
	}
	var mapping map[string]string
	if err := json.Unmarshal(parsed, &mapping); err != nil {
		return fmt.Errorf("normalization output not a mapping: %w", err)
	}

	for _, row := range t.Rows {
		key := CellKey(row.ID, col.ID)
		cell := t.Cells[key]
		if normalized, ok := mapping[cell.DisplayValue]; ok && strings.TrimSpace(normalized) != "" {
			cell.RawValue = cell.DisplayValue
			cell.DisplayValue = normalized
			t.Cells[key] = cell
		}
	}
	return nil
}

// subselect drops sparse rows and columns, then caps both dimensions,
// keeping the densest entries.
func (b *Builder) subselect(t *Table) {
	rowDensity := func(row Row) float64 {
		if len(t.Columns) == 0 {
			return 0
		}
		filled := 0
		for _, col := range t.Columns {
			if t.Cell(row.ID, col.ID).DisplayValue != EmptyCellValue {
				filled++
			}
		}
		return float64(filled) / float64(len(t.Columns))
	}
	colDensity := func(col Column) float64 {
		if len(t.Rows) == 0 {
			return 0
		}
		filled := 0
		for _, row := range t.Rows {
			if t.Cell(row.ID, col.ID).DisplayValue != EmptyCellValue {
				filled++
			}
		}
		return float64(filled) / float64(len(t.Rows))
	}

	cols := t.Columns[:0]
	for _, col := range t.Columns {
		if colDensity(col) >= b.cfg.MinColDensity {
			cols = append(cols, col)
		}
	}
	t.Columns = cols

	rows := t.Rows[:0]
	for _, row := range t.Rows {
		if rowDensity(row) >= b.cfg.MinRowDensity {
			rows = append(rows, row)
		}
	}
	t.Rows = rows

	if len(t.Columns) > b.cfg.MaxColumns {
		sort.SliceStable(t.Columns, func(i, j int) bool {
			return colDensity(t.Columns[i]) > colDensity(t.Columns[j])
		})
		t.Columns = t.Columns[:b.cfg.MaxColumns]
	}
	if len(t.Rows) > b.cfg.MaxRows {
		sort.SliceStable(t.Rows, func(i, j int) bool {
			return rowDensity(t.Rows[i]) > rowDensity(t.Rows[j])
		})
		t.Rows = t.Rows[:b.cfg.MaxRows]
	}

	// Prune cells outside the kept grid and guarantee every pair exists.
	keep := make(map[string]Cell, len(t.Rows)*len(t.Columns))
	for _, row := range t.Rows {
		for _, col := range t.Columns {
			keep[CellKey(row.ID, col.ID)] = t.Cell(row.ID, col.ID)
		}
	}
	t.Cells = keep
}
