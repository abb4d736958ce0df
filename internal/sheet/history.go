package sheet

type actionKind int

const (
	actionSetCells actionKind = iota
	actionInsertRow
	actionDeleteRow
	actionInsertColumn
	actionDeleteColumn
	actionMoveColumn
)

type cellEdit struct {
	row   int
	col   int
	value Cell
}

type headerEdit struct {
	col   int
	value string
}

// action is one reversible mutation. The undo stack holds the inverses of
// applied actions; applying an inverse yields the action to redo.
type action struct {
	kind  actionKind
	group uint64
	label string

	// actionSetCells: rows are appended first, cells and headers written,
	// then rows truncated from the tail.
	cells        []cellEdit
	headers      []headerEdit
	appendRows   int
	truncateRows int

	// actionInsertRow / actionDeleteRow
	row      int
	rowCells []Cell

	// actionInsertColumn / actionDeleteColumn
	col        int
	header     string
	colCells   []Cell
	colPresent []bool
	order      []int

	// actionMoveColumn, positions within the column order
	from int
	to   int
}

// Entry describes one undoable operation.
type Entry struct {
	Label   string
	Applied bool
}

func (s *Sheet) applyAction(act action) (action, bool) {
	switch act.kind {
	case actionSetCells:
		return s.applySetCells(act)
	case actionInsertRow:
		if act.row < 0 || act.row > len(s.rows) {
			return action{}, false
		}
		s.rows = append(s.rows, nil)
		copy(s.rows[act.row+1:], s.rows[act.row:])
		s.rows[act.row] = cloneRow(act.rowCells)
		return action{kind: actionDeleteRow, row: act.row}, true
	case actionDeleteRow:
		if act.row < 0 || act.row >= len(s.rows) {
			return action{}, false
		}
		removed := s.rows[act.row]
		s.rows = append(s.rows[:act.row], s.rows[act.row+1:]...)
		return action{kind: actionInsertRow, row: act.row, rowCells: removed}, true
	case actionInsertColumn:
		return s.applyInsertColumn(act)
	case actionDeleteColumn:
		return s.applyDeleteColumn(act)
	case actionMoveColumn:
		if act.from < 0 || act.from >= len(s.order) || act.to < 0 || act.to >= len(s.order) {
			return action{}, false
		}
		s.order = arrayMove(s.order, act.from, act.to)
		return action{kind: actionMoveColumn, from: act.to, to: act.from}, true
	default:
		return action{}, false
	}
}

func (s *Sheet) applySetCells(act action) (action, bool) {
	limit := len(s.rows) + act.appendRows
	for _, ed := range act.cells {
		if ed.row < 0 || ed.row >= limit || ed.col < 0 {
			return action{}, false
		}
	}
	for _, ed := range act.headers {
		if ed.col < 0 || ed.col >= len(s.headers) {
			return action{}, false
		}
	}
	if act.truncateRows > limit {
		return action{}, false
	}

	for i := 0; i < act.appendRows; i++ {
		s.rows = append(s.rows, blankRow(len(s.headers)))
	}
	inv := action{
		kind:         actionSetCells,
		appendRows:   act.truncateRows,
		truncateRows: act.appendRows,
	}
	// Inverse edits are recorded back to front so a cell written twice
	// restores its earliest value.
	inv.cells = make([]cellEdit, len(act.cells))
	for i, ed := range act.cells {
		old := s.cellAt(ed.row, ed.col)
		s.setCellAt(ed.row, ed.col, ed.value)
		inv.cells[len(act.cells)-1-i] = cellEdit{row: ed.row, col: ed.col, value: old}
	}
	inv.headers = make([]headerEdit, len(act.headers))
	for i, ed := range act.headers {
		old := s.headers[ed.col]
		s.headers[ed.col] = ed.value
		inv.headers[len(act.headers)-1-i] = headerEdit{col: ed.col, value: old}
	}
	if act.truncateRows > 0 {
		s.rows = s.rows[:len(s.rows)-act.truncateRows]
	}
	return inv, true
}

func (s *Sheet) applyInsertColumn(act action) (action, bool) {
	if act.col < 0 || act.col > len(s.headers) {
		return action{}, false
	}
	s.headers = append(s.headers, "")
	copy(s.headers[act.col+1:], s.headers[act.col:])
	s.headers[act.col] = act.header
	for i, row := range s.rows {
		if act.colPresent != nil && (i >= len(act.colPresent) || !act.colPresent[i]) {
			continue
		}
		var c Cell
		if i < len(act.colCells) {
			c = act.colCells[i]
		}
		for len(row) < act.col {
			row = append(row, Cell{})
		}
		row = append(row, Cell{})
		copy(row[act.col+1:], row[act.col:])
		row[act.col] = c
		s.rows[i] = row
	}
	s.order = append([]int(nil), act.order...)
	return action{kind: actionDeleteColumn, col: act.col}, true
}

func (s *Sheet) applyDeleteColumn(act action) (action, bool) {
	if act.col < 0 || act.col >= len(s.headers) {
		return action{}, false
	}
	inv := action{
		kind:       actionInsertColumn,
		col:        act.col,
		header:     s.headers[act.col],
		colCells:   make([]Cell, len(s.rows)),
		colPresent: make([]bool, len(s.rows)),
		order:      append([]int(nil), s.order...),
	}
	s.headers = append(s.headers[:act.col], s.headers[act.col+1:]...)
	for i, row := range s.rows {
		if act.col >= len(row) {
			continue
		}
		inv.colCells[i] = row[act.col]
		inv.colPresent[i] = true
		s.rows[i] = append(row[:act.col], row[act.col+1:]...)
	}
	order := make([]int, 0, len(s.order))
	for _, idx := range s.order {
		if idx == act.col {
			continue
		}
		if idx > act.col {
			idx--
		}
		order = append(order, idx)
	}
	s.order = order
	return inv, true
}

// record applies acts as one undo group and clears the redo tail.
func (s *Sheet) record(label string, acts ...action) error {
	s.undoGroup++
	group := s.undoGroup
	if len(acts) == 0 {
		acts = []action{{kind: actionSetCells}}
	}
	applied := make([]action, 0, len(acts))
	for _, act := range acts {
		inv, ok := s.applyAction(act)
		if !ok {
			for i := len(applied) - 1; i >= 0; i-- {
				_, _ = s.applyAction(applied[i])
			}
			return ErrOutOfRange
		}
		inv.group = group
		inv.label = label
		applied = append(applied, inv)
	}
	s.undo = append(s.undo, applied...)
	s.redo = s.redo[:0]
	s.changeTick++
	s.logf("recorded", "action", label, "entries", s.HistoryLen())
	return nil
}

// Undo reverts the most recent operation. It reports false when there is
// nothing to undo.
func (s *Sheet) Undo() bool {
	if len(s.undo) == 0 {
		return false
	}
	group := s.undo[len(s.undo)-1].group
	for len(s.undo) > 0 && s.undo[len(s.undo)-1].group == group {
		idx := len(s.undo) - 1
		act := s.undo[idx]
		s.undo = s.undo[:idx]
		inv, ok := s.applyAction(act)
		if !ok {
			return false
		}
		inv.group = act.group
		inv.label = act.label
		s.redo = append(s.redo, inv)
	}
	s.changeTick++
	return true
}

// Redo reapplies the most recently undone operation.
func (s *Sheet) Redo() bool {
	if len(s.redo) == 0 {
		return false
	}
	group := s.redo[len(s.redo)-1].group
	for len(s.redo) > 0 && s.redo[len(s.redo)-1].group == group {
		idx := len(s.redo) - 1
		act := s.redo[idx]
		s.redo = s.redo[:idx]
		inv, ok := s.applyAction(act)
		if !ok {
			return false
		}
		inv.group = act.group
		inv.label = act.label
		s.undo = append(s.undo, inv)
	}
	s.changeTick++
	return true
}

func (s *Sheet) CanUndo() bool { return len(s.undo) > 0 }

func (s *Sheet) CanRedo() bool { return len(s.redo) > 0 }

// HistoryLen is the number of operations in the history, applied or not.
func (s *Sheet) HistoryLen() int {
	return countGroups(s.undo) + countGroups(s.redo)
}

// HistoryPosition is the number of operations currently applied.
func (s *Sheet) HistoryPosition() int {
	return countGroups(s.undo)
}

// History lists operations oldest first; undone ones have Applied=false.
func (s *Sheet) History() []Entry {
	var out []Entry
	var last uint64
	for i, act := range s.undo {
		if i > 0 && act.group == last {
			continue
		}
		last = act.group
		out = append(out, Entry{Label: act.label, Applied: true})
	}
	for i := len(s.redo) - 1; i >= 0; i-- {
		act := s.redo[i]
		if i < len(s.redo)-1 && act.group == last {
			continue
		}
		last = act.group
		out = append(out, Entry{Label: act.label, Applied: false})
	}
	return out
}

func countGroups(acts []action) int {
	n := 0
	for i, act := range acts {
		if i == 0 || act.group != acts[i-1].group {
			n++
		}
	}
	return n
}

func arrayMove(order []int, from, to int) []int {
	out := append([]int(nil), order...)
	v := out[from]
	out = append(out[:from], out[from+1:]...)
	out = append(out[:to], append([]int{v}, out[to:]...)...)
	return out
}
