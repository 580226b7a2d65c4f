package table

import (
	"fmt"
	"io"
	"strings"
)

type (
	// Table is a fixed set of columns and rows, rendered in row order.
	Table struct {
		Columns       []Column
		Data          []Row
		ColumnSpacing string
	}

	// Row is a single row of data in a table.
	Row = []string

	// Column represents metadata about a column in a table.
	Column struct {
		Header string
		// If true, values are padded on the right.
		LeftAlign bool
	}
)

const defaultColumnSpacing = "  "

// NewTable creates a new table with the given columns and rows.
func NewTable(cols []Column, data []Row) Table {
	return Table{
		Columns:       cols,
		Data:          data,
		ColumnSpacing: defaultColumnSpacing,
	}
}

// Render writes the full table to the given Writer. Every column is as wide
// as its widest value.
func (t *Table) Render(w io.Writer) {
	widths := t.columnWidths()
	t.renderRow(w, t.headerRow(), widths)
	for _, row := range t.Data {
		t.renderRow(w, row, widths)
	}
}

func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.Columns))
	for c, col := range t.Columns {
		widths[c] = len(col.Header)
		for _, row := range t.Data {
			if len(row[c]) > widths[c] {
				widths[c] = len(row[c])
			}
		}
	}
	return widths
}

func (t *Table) renderRow(w io.Writer, row Row, widths []int) {
	cells := make([]string, len(t.Columns))
	for c, col := range t.Columns {
		padding := strings.Repeat(" ", widths[c]-len(row[c]))
		if col.LeftAlign {
			cells[c] = row[c] + padding
		} else {
			cells[c] = padding + row[c]
		}
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, t.ColumnSpacing), " "))
}

func (t *Table) headerRow() Row {
	row := make(Row, len(t.Columns))
	for c, col := range t.Columns {
		row[c] = col.Header
	}
	return row
}
