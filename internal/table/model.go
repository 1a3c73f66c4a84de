// Package table builds comparison tables for list-format report sections:
// column proposal, per-cell value extraction from paper abstracts, value
// normalization, and density-based subselection.
package table

import "fmt"

// EmptyCellValue marks a cell the extractor could not fill.
const EmptyCellValue = "N/A"

// Column is one table dimension.
type Column struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Row is one paper's row.
type Row struct {
	ID           string `json:"id"`
	CorpusID     int64  `json:"corpus_id"`
	DisplayValue string `json:"display_value"`
}

// Cell is one table value. RawValue preserves the pre-normalization
// text; Evidence, when set, references a quote for the row's paper.
type Cell struct {
	DisplayValue string `json:"display_value"`
	RawValue     string `json:"raw_value,omitempty"`
	Evidence     string `json:"evidence,omitempty"`
}

// Table is a populated comparison table. Cells are keyed "rowID_colID"
// and every (row, column) pair is present.
type Table struct {
	Columns []Column        `json:"columns"`
	Rows    []Row           `json:"rows"`
	Cells   map[string]Cell `json:"cells"`
}

// CellKey builds the map key for a (row, column) pair.
func CellKey(rowID, colID string) string {
	return fmt.Sprintf("%s_%s", rowID, colID)
}

// Cell returns the cell for a (row, column) pair, defaulting to empty.
func (t *Table) Cell(rowID, colID string) Cell {
	if c, ok := t.Cells[CellKey(rowID, colID)]; ok {
		return c
	}
	return Cell{DisplayValue: EmptyCellValue}
}

// Density returns the fraction of non-empty cells.
func (t *Table) Density() float64 {
	if len(t.Rows) == 0 || len(t.Columns) == 0 {
		return 0
	}
	filled := 0
	for _, row := range t.Rows {
		for _, col := range t.Columns {
			if t.Cell(row.ID, col.ID).DisplayValue != EmptyCellValue {
				filled++
			}
		}
	}
	return float64(filled) / float64(len(t.Rows)*len(t.Columns))
}
