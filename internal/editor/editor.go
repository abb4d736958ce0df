// Package editor is a modal terminal grid editor over a sheet.Sheet.
package editor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"go.uber.org/zap"

	"github.com/kobzarvs/ocrsheet/internal/config"
	"github.com/kobzarvs/ocrsheet/internal/sheet"
)

type Mode int

const (
	ModeNormal Mode = iota
	ModeInsert
	ModeCommand
)

const (
	actionMoveLeft        = "move_left"
	actionMoveRight       = "move_right"
	actionMoveUp          = "move_up"
	actionMoveDown        = "move_down"
	actionExtendLeft      = "extend_left"
	actionExtendRight     = "extend_right"
	actionExtendUp        = "extend_up"
	actionExtendDown      = "extend_down"
	actionRowStart        = "row_start"
	actionRowEnd          = "row_end"
	actionSheetStart      = "sheet_start"
	actionSheetEnd        = "sheet_end"
	actionPageUp          = "page_up"
	actionPageDown        = "page_down"
	actionEditCell        = "edit_cell"
	actionEditHeader      = "edit_header"
	actionSelectRow       = "select_row"
	actionSelectColumn    = "select_column"
	actionDeselect        = "deselect"
	actionUndo            = "undo"
	actionRedo            = "redo"
	actionCopy            = "copy"
	actionPaste           = "paste"
	actionClearSelection  = "clear_selection"
	actionAppendRow       = "append_row"
	actionMoveColumnLeft  = "move_column_left"
	actionMoveColumnRight = "move_column_right"
	actionEnterCommand    = "enter_command"
	actionSave            = "save"
	actionQuit            = "quit"

	// Cell edit
	actionCancelEdit  = "cancel_edit"
	actionCommitEdit  = "commit_edit"
	actionCommitRight = "commit_right"
	actionBackspace   = "backspace"
	actionCursorLeft  = "cursor_left"
	actionCursorRight = "cursor_right"
	actionCursorStart = "cursor_start"
	actionCursorEnd   = "cursor_end"
)

type keymapSet struct {
	normal map[string]string
	insert map[string]string
}

// ClipboardReader supplies text for paste when nothing was copied inside
// the editor.
type ClipboardReader interface {
	ReadAll() (string, error)
}

type Editor struct {
	sheet    *sheet.Sheet
	filename string
	outPath  string
	log      *zap.Logger
	clip     ClipboardReader

	mode   Mode
	keymap keymapSet

	// Cursor in (row, visual column) coordinates.
	row, col   int
	rowScroll  int
	colScroll  int
	viewHeight int
	colWidth   int
	maxCols    int

	edit       []rune
	editCursor int
	editHeader bool

	cmd       []rune
	cmdCursor int

	statusMessage string
	savedTick     uint64

	styleMain      tcell.Style
	styleHeader    tcell.Style
	styleCursor    tcell.Style
	styleSelection tcell.Style
	styleStatus    tcell.Style
	styleCommand   tcell.Style
}

// New opens sh for editing. filename is the workbook it came from; saves
// go to its "_edited" sibling unless :w names a path.
func New(cfg config.Config, sh *sheet.Sheet, filename string) *Editor {
	normal := make(map[string]string, len(cfg.Keymap.Normal))
	for k, v := range cfg.Keymap.Normal {
		normal[k] = v
	}
	insert := make(map[string]string, len(cfg.Keymap.Insert))
	for k, v := range cfg.Keymap.Insert {
		insert[k] = v
	}
	colWidth := cfg.Editor.ColumnWidth
	if colWidth < 4 {
		colWidth = 4
	}
	mainFg := parseColor(cfg.Theme.Foreground, tcell.ColorWhite)
	mainBg := parseColor(cfg.Theme.Background, tcell.ColorBlack)
	headerFg := parseColor(cfg.Theme.HeaderForeground, mainFg)
	headerBg := parseColor(cfg.Theme.HeaderBackground, mainBg)
	cursorFg := parseColor(cfg.Theme.CursorForeground, tcell.ColorBlack)
	cursorBg := parseColor(cfg.Theme.CursorBackground, tcell.ColorYellow)
	selectionFg := parseColor(cfg.Theme.SelectionForeground, mainFg)
	selectionBg := parseColor(cfg.Theme.SelectionBackground, tcell.ColorNavy)
	statusFg := parseColor(cfg.Theme.StatuslineForeground, tcell.ColorBlack)
	statusBg := parseColor(cfg.Theme.StatuslineBackground, tcell.ColorGray)
	commandFg := parseColor(cfg.Theme.CommandlineForeground, statusFg)
	commandBg := parseColor(cfg.Theme.CommandlineBackground, statusBg)

	e := &Editor{
		sheet:          sh,
		filename:       filename,
		log:            zap.NewNop(),
		mode:           ModeNormal,
		keymap:         keymapSet{normal: normal, insert: insert},
		colWidth:       colWidth,
		maxCols:        cfg.Editor.MaxCols,
		styleMain:      tcell.StyleDefault.Foreground(mainFg).Background(mainBg),
		styleHeader:    tcell.StyleDefault.Foreground(headerFg).Background(headerBg).Bold(true),
		styleCursor:    tcell.StyleDefault.Foreground(cursorFg).Background(cursorBg),
		styleSelection: tcell.StyleDefault.Foreground(selectionFg).Background(selectionBg),
		styleStatus:    tcell.StyleDefault.Foreground(statusFg).Background(statusBg),
		styleCommand:   tcell.StyleDefault.Foreground(commandFg).Background(commandBg),
		savedTick:      sh.ChangeTick(),
	}
	if filename != "" {
		e.outPath = filepath.Join(filepath.Dir(filename), sheet.EditedName(filename))
	}
	if sh.NumRows() > 0 && sh.NumCols() > 0 {
		sh.Select(0, 0)
	}
	return e
}

func (e *Editor) SetLogger(l *zap.Logger) {
	if l != nil {
		e.log = l
	}
}

func (e *Editor) SetClipboard(c ClipboardReader) {
	e.clip = c
}

func (e *Editor) Sheet() *sheet.Sheet { return e.sheet }

func (e *Editor) Mode() Mode { return e.mode }

// Cursor returns the cursor as (row, visual column).
func (e *Editor) Cursor() (int, int) { return e.row, e.col }

func (e *Editor) Dirty() bool { return e.sheet.ChangeTick() != e.savedTick }

func (e *Editor) StatusMessage() string { return e.statusMessage }

func (e *Editor) SetStatusMessage(msg string) {
	e.statusMessage = msg
}

func (e *Editor) setStatus(msg string) {
	e.statusMessage = msg
}

// HandleKey processes one key and reports whether the editor should quit.
func (e *Editor) HandleKey(ev *tcell.EventKey) bool {
	if e.mode != ModeCommand && e.statusMessage != "" {
		e.statusMessage = ""
	}
	switch e.mode {
	case ModeInsert:
		return e.handleInsert(ev)
	case ModeCommand:
		return e.handleCommand(ev)
	default:
		return e.handleNormal(ev)
	}
}

func (e *Editor) handleNormal(ev *tcell.EventKey) bool {
	key := keyStringForMap(ev, e.keymap.normal)
	if key == "" {
		return false
	}
	if action, ok := e.keymap.normal[key]; ok {
		return e.execAction(action)
	}
	return false
}

func (e *Editor) handleInsert(ev *tcell.EventKey) bool {
	key := keyStringForMap(ev, e.keymap.insert)
	if key != "" {
		if action, ok := e.keymap.insert[key]; ok {
			return e.execAction(action)
		}
	}
	if ev.Key() == tcell.KeyRune {
		e.edit = append(e.edit[:e.editCursor], append([]rune{ev.Rune()}, e.edit[e.editCursor:]...)...)
		e.editCursor++
	}
	return false
}

func (e *Editor) handleCommand(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		e.mode = ModeNormal
		e.cmd = e.cmd[:0]
		e.cmdCursor = 0
		return false
	case tcell.KeyEnter:
		cmd := strings.TrimSpace(string(e.cmd))
		e.mode = ModeNormal
		e.cmd = e.cmd[:0]
		e.cmdCursor = 0
		return e.execCommand(cmd)
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if e.cmdCursor > 0 && len(e.cmd) > 0 {
			e.cmd = append(e.cmd[:e.cmdCursor-1], e.cmd[e.cmdCursor:]...)
			e.cmdCursor--
		} else if len(e.cmd) == 0 {
			e.mode = ModeNormal
		}
		return false
	case tcell.KeyDelete:
		if e.cmdCursor < len(e.cmd) {
			e.cmd = append(e.cmd[:e.cmdCursor], e.cmd[e.cmdCursor+1:]...)
		}
		return false
	case tcell.KeyLeft, tcell.KeyCtrlB:
		if e.cmdCursor > 0 {
			e.cmdCursor--
		}
		return false
	case tcell.KeyRight, tcell.KeyCtrlF:
		if e.cmdCursor < len(e.cmd) {
			e.cmdCursor++
		}
		return false
	case tcell.KeyHome, tcell.KeyCtrlA:
		e.cmdCursor = 0
		return false
	case tcell.KeyEnd, tcell.KeyCtrlE:
		e.cmdCursor = len(e.cmd)
		return false
	case tcell.KeyCtrlU:
		e.cmd = e.cmd[:0]
		e.cmdCursor = 0
		return false
	case tcell.KeyCtrlW:
		if e.cmdCursor > 0 {
			i := e.cmdCursor - 1
			for i > 0 && e.cmd[i-1] == ' ' {
				i--
			}
			for i > 0 && e.cmd[i-1] != ' ' {
				i--
			}
			e.cmd = append(e.cmd[:i], e.cmd[e.cmdCursor:]...)
			e.cmdCursor = i
		}
		return false
	case tcell.KeyRune:
		e.cmd = append(e.cmd[:e.cmdCursor], append([]rune{ev.Rune()}, e.cmd[e.cmdCursor:]...)...)
		e.cmdCursor++
		return false
	}
	return false
}

func (e *Editor) execAction(action string) bool {
	switch action {
	case actionMoveLeft:
		e.moveTo(e.row, e.col-1, false)
	case actionMoveRight:
		e.moveTo(e.row, e.col+1, false)
	case actionMoveUp:
		e.moveTo(e.row-1, e.col, false)
	case actionMoveDown:
		e.moveTo(e.row+1, e.col, false)
	case actionExtendLeft:
		e.moveTo(e.row, e.col-1, true)
	case actionExtendRight:
		e.moveTo(e.row, e.col+1, true)
	case actionExtendUp:
		e.moveTo(e.row-1, e.col, true)
	case actionExtendDown:
		e.moveTo(e.row+1, e.col, true)
	case actionRowStart:
		e.moveTo(e.row, 0, false)
	case actionRowEnd:
		e.moveTo(e.row, e.sheet.NumCols()-1, false)
	case actionSheetStart:
		e.moveTo(0, 0, false)
	case actionSheetEnd:
		e.moveTo(e.sheet.NumRows()-1, e.sheet.NumCols()-1, false)
	case actionPageUp:
		e.moveTo(e.row-e.pageSize(), e.col, false)
	case actionPageDown:
		e.moveTo(e.row+e.pageSize(), e.col, false)
	case actionEditCell:
		e.beginEdit(false)
	case actionEditHeader:
		e.beginEdit(true)
	case actionSelectRow:
		if e.sheet.NumRows() > 0 {
			e.sheet.SelectRow(e.row)
		}
	case actionSelectColumn:
		if e.sheet.NumCols() > 0 {
			e.sheet.SelectColumn(e.col)
		}
	case actionDeselect:
		e.sheet.Select(e.row, e.col)
	case actionUndo:
		if e.sheet.Undo() {
			e.clampCursor()
			e.setStatus("undo")
		} else {
			e.setStatus("already at oldest change")
		}
	case actionRedo:
		if e.sheet.Redo() {
			e.clampCursor()
			e.setStatus("redo")
		} else {
			e.setStatus("already at newest change")
		}
	case actionCopy:
		text, err := e.sheet.Copy()
		if err != nil {
			e.setStatus(err.Error())
			break
		}
		e.setStatus(fmt.Sprintf("copied %d cells", countCells(text)))
	case actionPaste:
		e.paste()
	case actionClearSelection:
		e.report(e.sheet.ClearSelection())
	case actionAppendRow:
		if e.report(e.sheet.AppendRow()) {
			e.moveTo(e.sheet.NumRows()-1, e.col, false)
		}
	case actionMoveColumnLeft:
		if e.col > 0 && e.report(e.sheet.MoveColumn(e.col, e.col-1)) {
			e.moveTo(e.row, e.col-1, false)
		}
	case actionMoveColumnRight:
		if e.col < e.sheet.NumCols()-1 && e.report(e.sheet.MoveColumn(e.col, e.col+1)) {
			e.moveTo(e.row, e.col+1, false)
		}
	case actionEnterCommand:
		e.mode = ModeCommand
		e.cmd = e.cmd[:0]
		e.cmdCursor = 0
	case actionSave:
		if err := e.Save(""); err != nil {
			e.setStatus(err.Error())
		} else {
			e.setStatus("written " + filepath.Base(e.outPath))
		}
	case actionQuit:
		return e.execCommand("q")

	case actionCancelEdit:
		e.mode = ModeNormal
		e.edit = e.edit[:0]
	case actionCommitEdit:
		e.commitEdit()
	case actionCommitRight:
		if e.commitEdit() {
			e.moveTo(e.row, e.col+1, false)
		}
	case actionBackspace:
		if e.editCursor > 0 {
			e.edit = append(e.edit[:e.editCursor-1], e.edit[e.editCursor:]...)
			e.editCursor--
		}
	case actionCursorLeft:
		if e.editCursor > 0 {
			e.editCursor--
		}
	case actionCursorRight:
		if e.editCursor < len(e.edit) {
			e.editCursor++
		}
	case actionCursorStart:
		e.editCursor = 0
	case actionCursorEnd:
		e.editCursor = len(e.edit)
	}
	return false
}

// report shows err in the status line and reports whether the operation
// succeeded.
func (e *Editor) report(err error) bool {
	if err != nil {
		e.setStatus(err.Error())
		return false
	}
	return true
}

func (e *Editor) paste() {
	err := e.sheet.Paste()
	if errors.Is(err, sheet.ErrEmptyClipboard) && e.clip != nil {
		text, rerr := e.clip.ReadAll()
		if rerr != nil {
			e.log.Warn("clipboard read failed", zap.Error(rerr))
		} else if text != "" {
			e.sheet.SetBuffer(text)
			err = e.sheet.Paste()
		}
	}
	if e.report(err) {
		e.setStatus("pasted")
	}
}

func countCells(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		n += len(strings.Split(line, "\t"))
	}
	return n
}

// moveTo places the cursor, clamped to the grid. With extend the selection
// keeps its anchor; otherwise it collapses onto the cursor.
func (e *Editor) moveTo(row, col int, extend bool) {
	e.row = clampRange(row, 0, e.sheet.NumRows()-1)
	e.col = clampRange(col, 0, e.sheet.NumCols()-1)
	if extend {
		e.sheet.ExtendSelection(e.row, e.col)
		return
	}
	e.sheet.Select(e.row, e.col)
}

func (e *Editor) clampCursor() {
	e.moveTo(e.row, e.col, false)
}

func (e *Editor) pageSize() int {
	if e.viewHeight > 1 {
		return e.viewHeight - 1
	}
	return 10
}

func (e *Editor) beginEdit(header bool) {
	if e.sheet.NumCols() == 0 {
		e.setStatus("no columns")
		return
	}
	idx, _ := e.sheet.StorageColumn(e.col)
	var text string
	if header {
		text = e.sheet.Header(idx)
	} else {
		if e.sheet.NumRows() == 0 {
			e.setStatus("no rows (o adds one)")
			return
		}
		text = e.sheet.Cell(e.row, idx).String()
	}
	e.edit = []rune(text)
	e.editCursor = len(e.edit)
	e.editHeader = header
	e.mode = ModeInsert
}

// commitEdit writes the edit buffer as text and returns to normal mode.
func (e *Editor) commitEdit() bool {
	e.mode = ModeNormal
	value := string(e.edit)
	e.edit = e.edit[:0]
	idx, ok := e.sheet.StorageColumn(e.col)
	if !ok {
		return false
	}
	if e.editHeader {
		if value == e.sheet.Header(idx) {
			return true
		}
		return e.report(e.sheet.SetHeader(idx, value))
	}
	old := e.sheet.Cell(e.row, idx)
	if old.String() == value {
		return true
	}
	cell := sheet.Text(value)
	if value == "" {
		cell = sheet.Blank()
	}
	return e.report(e.sheet.SetCell(e.row, idx, cell))
}

func (e *Editor) execCommand(cmd string) bool {
	if cmd == "" {
		return false
	}
	fields := strings.Fields(cmd)
	name := fields[0]
	args := fields[1:]

	switch name {
	case "w":
		path := strings.Join(args, " ")
		if err := e.Save(path); err != nil {
			e.setStatus(err.Error())
			return false
		}
		e.setStatus("written " + filepath.Base(e.outPath))
		return false
	case "q":
		if e.Dirty() {
			e.setStatus("unsaved changes (use :q!)")
			return false
		}
		return true
	case "q!":
		return true
	case "wq", "x":
		if err := e.Save(strings.Join(args, " ")); err != nil {
			e.setStatus(err.Error())
			return false
		}
		return true
	case "trim":
		e.bulk(e.sheet.TrimAll(), "trimmed all cells")
	case "empty":
		before := e.sheet.NumRows()
		if e.bulk(e.sheet.RemoveEmptyRows(), "") {
			e.setStatus(fmt.Sprintf("removed %d empty rows", before-e.sheet.NumRows()))
		}
	case "currency":
		e.bulk(e.sheet.FixCurrency(), "fixed currency formatting")
	case "fmt":
		if len(args) != 1 {
			e.setStatus("usage: fmt text|number|currency|date")
			return false
		}
		format, err := sheet.ParseFormat(args[0])
		if err != nil {
			e.setStatus(err.Error())
			return false
		}
		idx, ok := e.sheet.StorageColumn(e.col)
		if !ok {
			e.setStatus("no columns")
			return false
		}
		e.bulk(e.sheet.FormatColumn(idx, format), "formatted column as "+format.String())
	case "addcol":
		if e.maxCols > 0 && e.sheet.NumCols() >= e.maxCols {
			e.setStatus(fmt.Sprintf("column limit reached (%d)", e.maxCols))
			return false
		}
		if e.bulk(e.sheet.AppendColumn(), "added column") {
			e.moveTo(e.row, e.sheet.NumCols()-1, false)
		}
	case "delcol":
		idx, ok := e.sheet.StorageColumn(e.col)
		if !ok {
			e.setStatus("no columns")
			return false
		}
		e.bulk(e.sheet.DeleteColumn(idx), "deleted column")
	case "delrow":
		e.bulk(e.sheet.DeleteRow(e.row), "deleted row")
	case "mvcol":
		if len(args) != 2 {
			e.setStatus("usage: mvcol <from> <to>")
			return false
		}
		from, err1 := strconv.Atoi(args[0])
		to, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			e.setStatus("usage: mvcol <from> <to>")
			return false
		}
		if e.bulk(e.sheet.MoveColumn(from-1, to-1), "moved column") {
			e.moveTo(e.row, to-1, false)
		}
	case "header":
		idx, ok := e.sheet.StorageColumn(e.col)
		if !ok {
			e.setStatus("no columns")
			return false
		}
		e.bulk(e.sheet.SetHeader(idx, strings.Join(args, " ")), "renamed column")
	default:
		e.setStatus("unknown command: " + name)
	}
	return false
}

// bulk reports the outcome of a sheet operation and keeps the cursor on the
// grid afterwards.
func (e *Editor) bulk(err error, done string) bool {
	if !e.report(err) {
		return false
	}
	e.clampCursor()
	if done != "" {
		e.setStatus(done)
	}
	return true
}

// Save exports the sheet to path, or to the edited sibling of the source
// file. A .csv path is written as CSV.
func (e *Editor) Save(path string) error {
	if path == "" {
		if e.outPath == "" {
			return errors.New("no file name")
		}
		path = e.outPath
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		err = e.sheet.ExportCSV(f)
	} else {
		err = e.sheet.Export(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	e.outPath = path
	e.savedTick = e.sheet.ChangeTick()
	e.log.Info("sheet saved", zap.String("path", path), zap.Int("rows", e.sheet.NumRows()))
	return nil
}

func clampRange(value, min, max int) int {
	if max < min {
		return min
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
