// Package sheet holds the in-memory model behind the spreadsheet editor:
// headers, rows of typed cells, a column-order permutation decoupling the
// visual column position from storage, and a linear undo/redo history of
// reversible actions.
package sheet

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultMaxRows bounds how far a paste may grow the grid.
const DefaultMaxRows = 1000

var (
	ErrOutOfRange     = errors.New("sheet: index out of range")
	ErrNoSelection    = errors.New("sheet: nothing selected")
	ErrEmptyClipboard = errors.New("sheet: nothing copied")
	ErrEmptyWorkbook  = errors.New("sheet: workbook has no rows")
	ErrNoWorksheet    = errors.New("sheet: workbook has no sheets")
	ErrUnknownFormat  = errors.New("sheet: unknown column format")
	ErrColumnNotMoved = errors.New("sheet: column already at position")
)

// Clipboard receives copied selections as tab/newline delimited text.
type Clipboard interface {
	WriteAll(text string) error
}

type Sheet struct {
	headers []string
	rows    [][]Cell
	order   []int

	undo      []action
	redo      []action
	undoGroup uint64

	selection    Selection
	hasSelection bool
	buffer       [][]Cell

	clipboard  Clipboard
	formatter  *Formatter
	maxRows    int
	changeTick uint64
	log        *zap.Logger
}

type Option func(*Sheet)

func WithClipboard(c Clipboard) Option {
	return func(s *Sheet) { s.clipboard = c }
}

// WithMaxRows sets the virtual row ceiling used by Paste.
func WithMaxRows(n int) Option {
	return func(s *Sheet) {
		if n > 0 {
			s.maxRows = n
		}
	}
}

func WithFormatter(f *Formatter) Option {
	return func(s *Sheet) {
		if f != nil {
			s.formatter = f
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sheet) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a sheet from headers and rows. The column order starts as the
// identity permutation. Rows are copied.
func New(headers []string, rows [][]Cell, opts ...Option) *Sheet {
	s := &Sheet{
		headers:   append([]string(nil), headers...),
		rows:      make([][]Cell, len(rows)),
		order:     make([]int, len(headers)),
		formatter: DefaultFormatter(),
		maxRows:   DefaultMaxRows,
		log:       zap.NewNop(),
	}
	for i, row := range rows {
		s.rows[i] = cloneRow(row)
	}
	for i := range s.order {
		s.order[i] = i
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sheet) NumRows() int { return len(s.rows) }

func (s *Sheet) NumCols() int { return len(s.headers) }

func (s *Sheet) MaxRows() int { return s.maxRows }

// ChangeTick increases on every mutation, undo and redo.
func (s *Sheet) ChangeTick() uint64 { return s.changeTick }

// Headers returns the headers in storage order.
func (s *Sheet) Headers() []string {
	return append([]string(nil), s.headers...)
}

// Order returns the column-order permutation: position i shows storage
// column Order()[i].
func (s *Sheet) Order() []int {
	return append([]int(nil), s.order...)
}

// Rows returns a copy of the grid in storage order.
func (s *Sheet) Rows() [][]Cell {
	out := make([][]Cell, len(s.rows))
	for i, row := range s.rows {
		out[i] = cloneRow(row)
	}
	return out
}

// Cell returns the stored value at row/col; reads past a short row are
// blank.
func (s *Sheet) Cell(row, col int) Cell {
	return s.cellAt(row, col)
}

// Header returns the header of storage column col.
func (s *Sheet) Header(col int) string {
	if col < 0 || col >= len(s.headers) {
		return ""
	}
	return s.headers[col]
}

// StorageColumn maps a visual position to its storage column.
func (s *Sheet) StorageColumn(pos int) (int, bool) {
	if pos < 0 || pos >= len(s.order) {
		return 0, false
	}
	return s.order[pos], true
}

// View returns headers and rows arranged by the column order. This is the
// layout written on export.
func (s *Sheet) View() ([]string, [][]Cell) {
	headers := make([]string, len(s.order))
	for pos, idx := range s.order {
		headers[pos] = s.headers[idx]
	}
	rows := make([][]Cell, len(s.rows))
	for r := range s.rows {
		row := make([]Cell, len(s.order))
		for pos, idx := range s.order {
			row[pos] = s.cellAt(r, idx)
		}
		rows[r] = row
	}
	return headers, rows
}

func (s *Sheet) cellAt(row, col int) Cell {
	if row < 0 || row >= len(s.rows) || col < 0 || col >= len(s.rows[row]) {
		return Cell{}
	}
	return s.rows[row][col]
}

func (s *Sheet) setCellAt(row, col int, v Cell) {
	r := s.rows[row]
	for len(r) <= col {
		r = append(r, Cell{})
	}
	r[col] = v
	s.rows[row] = r
}

func (s *Sheet) logf(msg string, kv ...interface{}) {
	s.log.Sugar().Debugw(msg, kv...)
}

func (s *Sheet) checkCell(row, col int) error {
	if row < 0 || row >= len(s.rows) || col < 0 || col >= len(s.headers) {
		return fmt.Errorf("cell [%d, %d]: %w", row, col, ErrOutOfRange)
	}
	return nil
}

// SetCell replaces one stored cell without coercion.
func (s *Sheet) SetCell(row, col int, v Cell) error {
	if err := s.checkCell(row, col); err != nil {
		return err
	}
	return s.record(fmt.Sprintf("Edit cell [%d, %d]", row+1, col+1), action{
		kind:  actionSetCells,
		cells: []cellEdit{{row: row, col: col, value: v}},
	})
}

func (s *Sheet) SetHeader(col int, v string) error {
	if col < 0 || col >= len(s.headers) {
		return fmt.Errorf("header %d: %w", col, ErrOutOfRange)
	}
	return s.record(fmt.Sprintf("Edit header %q", v), action{
		kind:    actionSetCells,
		headers: []headerEdit{{col: col, value: v}},
	})
}

// AppendRow adds a blank row sized to the header count.
func (s *Sheet) AppendRow() error {
	return s.record("Add new row", action{
		kind:     actionInsertRow,
		row:      len(s.rows),
		rowCells: blankRow(len(s.headers)),
	})
}

// DeleteRow removes a row; later rows shift up by one.
func (s *Sheet) DeleteRow(row int) error {
	if row < 0 || row >= len(s.rows) {
		return fmt.Errorf("row %d: %w", row, ErrOutOfRange)
	}
	return s.record(fmt.Sprintf("Delete row %d", row+1), action{kind: actionDeleteRow, row: row})
}

// AppendColumn adds a header "Column N" with blank cells and appends its
// index to the column order.
func (s *Sheet) AppendColumn() error {
	col := len(s.headers)
	order := append(append([]int(nil), s.order...), col)
	return s.record("Add new column", action{
		kind:   actionInsertColumn,
		col:    col,
		header: fmt.Sprintf("Column %d", col+1),
		order:  order,
	})
}

// DeleteColumn removes storage column col from headers and every row, and
// drops it from the column order, shifting higher indices down.
func (s *Sheet) DeleteColumn(col int) error {
	if col < 0 || col >= len(s.headers) {
		return fmt.Errorf("column %d: %w", col, ErrOutOfRange)
	}
	return s.record(fmt.Sprintf("Delete column %q", s.headers[col]), action{kind: actionDeleteColumn, col: col})
}

// MoveColumn moves the column shown at visual position from to position
// to. Only the column order changes.
func (s *Sheet) MoveColumn(from, to int) error {
	if from < 0 || from >= len(s.order) || to < 0 || to >= len(s.order) {
		return fmt.Errorf("move %d->%d: %w", from, to, ErrOutOfRange)
	}
	if from == to {
		return ErrColumnNotMoved
	}
	return s.record("Reorder columns", action{kind: actionMoveColumn, from: from, to: to})
}
