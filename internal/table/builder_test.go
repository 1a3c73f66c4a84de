package table

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/corpusqa/corpusqa/internal/corpus"
	"github.com/corpusqa/corpusqa/internal/providers"
)

var columnProposal = json.RawMessage(`{
	"columns": [
		{"name": "Model Size", "description": "parameter count"},
		{"name": "Benchmark Used"}
	]
}`)

func samplePapers() []corpus.PaperRecord {
	return []corpus.PaperRecord{
		{CorpusID: 1, Title: "Paper A", Abstract: "We train a large model."},
		{CorpusID: 2, Title: "Paper B", Abstract: "We evaluate a small model."},
		{CorpusID: 3, Title: "No Abstract"},
	}
}

func TestBuild(t *testing.T) {
	t.Run("builds a complete grid", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = columnProposal
		mock.ResponseText = "7B parameters"
		b := NewBuilder(mock, Config{MaxWorkers: 2}, nil)

		tbl, _ := b.Build(context.Background(), "q", "Comparisons", samplePapers())
		if tbl == nil {
			t.Fatal("expected a table")
		}
		if len(tbl.Columns) != 2 {
			t.Fatalf("columns = %+v", tbl.Columns)
		}
		// The abstract-less paper is excluded up front.
		if len(tbl.Rows) != 2 {
			t.Fatalf("rows = %+v", tbl.Rows)
		}
		for _, row := range tbl.Rows {
			for _, col := range tbl.Columns {
				if _, ok := tbl.Cells[CellKey(row.ID, col.ID)]; !ok {
					t.Errorf("missing cell for row %s col %s", row.DisplayValue, col.Name)
				}
			}
		}
	})

	t.Run("column cap respected", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = json.RawMessage(`{"columns":[
			{"name":"A"},{"name":"B"},{"name":"C"},{"name":"D"}
		]}`)
		mock.ResponseText = "value"
		b := NewBuilder(mock, Config{MaxColumns: 2, MaxWorkers: 2}, nil)

		tbl, _ := b.Build(context.Background(), "q", "s", samplePapers())
		if tbl == nil || len(tbl.Columns) != 2 {
			t.Fatalf("expected 2 columns, got %+v", tbl)
		}
	})

	t.Run("long values truncated to ten words", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = columnProposal
		mock.ResponseText = "one two three four five six seven eight nine ten eleven twelve"
		b := NewBuilder(mock, Config{MaxWorkers: 2}, nil)

		tbl, _ := b.Build(context.Background(), "q", "s", samplePapers())
		if tbl == nil {
			t.Fatal("expected a table")
		}
		cell := tbl.Cell(tbl.Rows[0].ID, tbl.Columns[0].ID)
		if got := len(strings.Fields(cell.DisplayValue)); got != 10 {
			t.Errorf("cell has %d words: %q", got, cell.DisplayValue)
		}
	})

	t.Run("all empty cells yields no table", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ResponseJSON = columnProposal
		mock.ResponseText = "N/A"
		b := NewBuilder(mock, Config{MaxWorkers: 2}, nil)

		tbl, warnings := b.Build(context.Background(), "q", "s", samplePapers())
		if tbl != nil {
			t.Fatalf("expected nil table, got %+v", tbl)
		}
		if len(warnings) == 0 {
			t.Error("expected warnings")
		}
	})

	t.Run("column proposal failure yields no table", func(t *testing.T) {
		mock := providers.NewMockClient()
		mock.ShouldFail = true
		b := NewBuilder(mock, Config{}, nil)

		tbl, warnings := b.Build(context.Background(), "q", "s", samplePapers())
		if tbl != nil {
			t.Fatal("expected nil table")
		}
		if len(warnings) == 0 || !strings.Contains(warnings[0], "column proposal failed") {
			t.Errorf("warnings = %v", warnings)
		}
	})
}

func TestNormalizeColumn(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = `{"7 billion": "7B", "13 billion params": "13B"}`
	b := NewBuilder(mock, Config{}, nil)

	tbl := &Table{
		Columns: []Column{{ID: "c1", Name: "Size"}},
		Rows:    []Row{{ID: "r1", CorpusID: 1}, {ID: "r2", CorpusID: 2}, {ID: "r3", CorpusID: 3}},
		Cells: map[string]Cell{
			CellKey("r1", "c1"): {DisplayValue: "7 billion"},
			CellKey("r2", "c1"): {DisplayValue: "13 billion params"},
			CellKey("r3", "c1"): {DisplayValue: EmptyCellValue},
		},
	}

	if err := b.normalizeColumn(context.Background(), tbl, 0); err != nil {
		t.Fatalf("normalizeColumn: %v", err)
	}
	if got := tbl.Cell("r1", "c1"); got.DisplayValue != "7B" || got.RawValue != "7 billion" {
		t.Errorf("r1 = %+v", got)
	}
	if got := tbl.Cell("r3", "c1").DisplayValue; got != EmptyCellValue {
		t.Errorf("empty cell should stay, got %q", got)
	}
}

func TestNormalizeFailureKeepsRaw(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseText = "this is not json"
	b := NewBuilder(mock, Config{}, nil)

	tbl := &Table{
		Columns: []Column{{ID: "c1", Name: "Size"}},
		Rows:    []Row{{ID: "r1", CorpusID: 1}, {ID: "r2", CorpusID: 2}},
		Cells: map[string]Cell{
			CellKey("r1", "c1"): {DisplayValue: "raw one"},
			CellKey("r2", "c1"): {DisplayValue: "raw two"},
		},
	}

	if err := b.normalizeColumn(context.Background(), tbl, 0); err == nil {
		t.Fatal("expected normalization error")
	}
	if got := tbl.Cell("r1", "c1").DisplayValue; got != "raw one" {
		t.Errorf("raw value should survive, got %q", got)
	}
}

func TestSubselect(t *testing.T) {
	b := NewBuilder(providers.NewMockClient(), Config{MaxRows: 2, MaxColumns: 2}, nil)

	tbl := &Table{
		Columns: []Column{{ID: "c1"}, {ID: "c2"}, {ID: "sparse"}},
		Rows:    []Row{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}},
		Cells:   map[string]Cell{},
	}
	fill := func(rowID, colID, v string) {
		tbl.Cells[CellKey(rowID, colID)] = Cell{DisplayValue: v}
	}
	// c1 and c2 dense; "sparse" column empty; r3 empty.
	for _, r := range []string{"r1", "r2"} {
		fill(r, "c1", "x")
		fill(r, "c2", "y")
		fill(r, "sparse", EmptyCellValue)
	}
	for _, c := range []string{"c1", "c2", "sparse"} {
		fill("r3", c, EmptyCellValue)
	}

	b.subselect(tbl)

	if len(tbl.Columns) != 2 {
		t.Errorf("sparse column should be dropped: %+v", tbl.Columns)
	}
	if len(tbl.Rows) != 2 {
		t.Errorf("empty row should be dropped: %+v", tbl.Rows)
	}
	if len(tbl.Cells) != 4 {
		t.Errorf("cells should be pruned to kept grid, got %d", len(tbl.Cells))
	}
}
