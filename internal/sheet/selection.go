package sheet

import (
	"fmt"
	"strings"
)

type SelectionKind int

const (
	SelectCell SelectionKind = iota
	SelectRange
	SelectRow
	SelectColumn
)

// Selection is an anchor and a focus in (row, visual column) coordinates.
// The two corners may be in any order; Rect normalizes them.
type Selection struct {
	Kind     SelectionKind
	StartRow int
	StartCol int
	EndRow   int
	EndCol   int
}

// Rect is a normalized, inclusive selection rectangle.
type Rect struct {
	Top, Left, Bottom, Right int
}

func (sel Selection) Rect() Rect {
	return Rect{
		Top:    min(sel.StartRow, sel.EndRow),
		Left:   min(sel.StartCol, sel.EndCol),
		Bottom: max(sel.StartRow, sel.EndRow),
		Right:  max(sel.StartCol, sel.EndCol),
	}
}

func (r Rect) Contains(row, col int) bool {
	return row >= r.Top && row <= r.Bottom && col >= r.Left && col <= r.Right
}

func (r Rect) Rows() int { return r.Bottom - r.Top + 1 }

func (r Rect) Cols() int { return r.Right - r.Left + 1 }

// Selection returns the current selection, if any.
func (s *Sheet) Selection() (Selection, bool) {
	return s.selection, s.hasSelection
}

func (s *Sheet) Select(row, col int) {
	s.selection = Selection{Kind: SelectCell, StartRow: row, StartCol: col, EndRow: row, EndCol: col}
	s.hasSelection = true
}

// ExtendSelection moves the focus corner, keeping the anchor. Without a
// selection it behaves like Select.
func (s *Sheet) ExtendSelection(row, col int) {
	if !s.hasSelection {
		s.Select(row, col)
		return
	}
	s.selection.EndRow = row
	s.selection.EndCol = col
	if s.selection.StartRow == row && s.selection.StartCol == col {
		s.selection.Kind = SelectCell
	} else {
		s.selection.Kind = SelectRange
	}
}

// SelectRow selects every column of row.
func (s *Sheet) SelectRow(row int) {
	s.selection = Selection{
		Kind:     SelectRow,
		StartRow: row,
		EndRow:   row,
		EndCol:   max(len(s.order)-1, 0),
	}
	s.hasSelection = true
}

// SelectColumn selects every row of the column at visual position col.
func (s *Sheet) SelectColumn(col int) {
	s.selection = Selection{
		Kind:     SelectColumn,
		StartCol: col,
		EndCol:   col,
		EndRow:   max(len(s.rows)-1, 0),
	}
	s.hasSelection = true
}

func (s *Sheet) Deselect() {
	s.selection = Selection{}
	s.hasSelection = false
}

// IsSelected reports whether (row, visual column) lies in the selection.
func (s *Sheet) IsSelected(row, col int) bool {
	return s.hasSelection && s.selection.Rect().Contains(row, col)
}

// Copy stores the selected cells in the paste buffer and writes them to the
// clipboard as tab separated columns and newline separated rows.
func (s *Sheet) Copy() (string, error) {
	if !s.hasSelection {
		return "", ErrNoSelection
	}
	rect := s.selection.Rect()
	buf := make([][]Cell, 0, rect.Rows())
	lines := make([]string, 0, rect.Rows())
	for r := rect.Top; r <= rect.Bottom; r++ {
		row := make([]Cell, 0, rect.Cols())
		fields := make([]string, 0, rect.Cols())
		for c := rect.Left; c <= rect.Right; c++ {
			var v Cell
			if idx, ok := s.StorageColumn(c); ok {
				v = s.cellAt(r, idx)
			}
			row = append(row, v)
			fields = append(fields, v.String())
		}
		buf = append(buf, row)
		lines = append(lines, strings.Join(fields, "\t"))
	}
	s.buffer = buf
	text := strings.Join(lines, "\n")
	if s.clipboard != nil {
		if err := s.clipboard.WriteAll(text); err != nil {
			s.logf("clipboard write failed", "error", err)
		}
	}
	return text, nil
}

// SetBuffer replaces the paste buffer with tab/newline delimited text, as
// read from a system clipboard.
func (s *Sheet) SetBuffer(text string) {
	text = strings.TrimRight(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if text == "" {
		s.buffer = nil
		return
	}
	var buf [][]Cell
	for _, line := range strings.Split(text, "\n") {
		var row []Cell
		for _, f := range strings.Split(line, "\t") {
			row = append(row, Text(f))
		}
		buf = append(buf, row)
	}
	s.buffer = buf
}

// Paste writes the buffer with its top-left corner at the selection's
// top-left. Rows are appended as needed up to MaxRows; cells landing past
// the last column or the row ceiling are dropped.
func (s *Sheet) Paste() error {
	if !s.hasSelection {
		return ErrNoSelection
	}
	if len(s.buffer) == 0 {
		return ErrEmptyClipboard
	}
	rect := s.selection.Rect()
	if rect.Top < 0 || rect.Left < 0 {
		return fmt.Errorf("paste at [%d, %d]: %w", rect.Top, rect.Left, ErrOutOfRange)
	}
	act := action{kind: actionSetCells}
	last := -1
	for i, row := range s.buffer {
		target := rect.Top + i
		if target >= s.maxRows {
			break
		}
		for j, v := range row {
			pos := rect.Left + j
			if pos >= len(s.order) {
				break
			}
			act.cells = append(act.cells, cellEdit{row: target, col: s.order[pos], value: v})
			last = target
		}
	}
	if need := last + 1 - len(s.rows); need > 0 {
		act.appendRows = need
	}
	return s.record("Paste", act)
}

// ClearSelection blanks every selected cell.
func (s *Sheet) ClearSelection() error {
	if !s.hasSelection {
		return ErrNoSelection
	}
	rect := s.selection.Rect()
	act := action{kind: actionSetCells}
	for r := max(rect.Top, 0); r <= rect.Bottom && r < len(s.rows); r++ {
		for c := max(rect.Left, 0); c <= rect.Right; c++ {
			idx, ok := s.StorageColumn(c)
			if !ok {
				break
			}
			if s.cellAt(r, idx).kind == KindBlank {
				continue
			}
			act.cells = append(act.cells, cellEdit{row: r, col: idx, value: Blank()})
		}
	}
	return s.record("Delete selection", act)
}
