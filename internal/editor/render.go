package editor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Render draws the grid, header row, status line and command line.
func (e *Editor) Render(s tcell.Screen) {
	w, h := s.Size()
	if w <= 0 || h <= 0 {
		return
	}
	headerY := 0
	statusY := h - 2
	cmdY := h - 1
	e.viewHeight = h - 3
	if e.viewHeight < 1 {
		e.viewHeight = 1
	}

	s.SetStyle(e.styleMain)
	s.Clear()

	gutter := e.gutterWidth()
	visibleCols := (w - gutter) / e.colWidth
	if visibleCols < 1 {
		visibleCols = 1
	}
	e.scrollToCursor(visibleCols)

	cursorX, cursorY := -1, -1

	clearLine(s, headerY, w, e.styleHeader)
	drawText(s, 0, headerY, gutter, "", e.styleHeader)
	for i := 0; i < visibleCols; i++ {
		pos := e.colScroll + i
		idx, ok := e.sheet.StorageColumn(pos)
		if !ok {
			break
		}
		x := gutter + i*e.colWidth
		style := e.styleHeader
		text := e.sheet.Header(idx)
		if text == "" {
			text = columnName(pos)
		}
		if e.mode == ModeInsert && e.editHeader && pos == e.col {
			style = e.styleCursor
			var off int
			text, off = e.editWindow()
			cursorX, cursorY = x+off, headerY
		}
		drawText(s, x, headerY, e.colWidth-1, text, style)
	}

	for i := 0; i < e.viewHeight; i++ {
		row := e.rowScroll + i
		y := headerY + 1 + i
		if row >= e.sheet.NumRows() {
			break
		}
		num := strconv.Itoa(row + 1)
		drawText(s, 0, y, gutter, strings.Repeat(" ", max(0, gutter-1-len(num)))+num, e.styleHeader)
		for j := 0; j < visibleCols; j++ {
			pos := e.colScroll + j
			idx, ok := e.sheet.StorageColumn(pos)
			if !ok {
				break
			}
			x := gutter + j*e.colWidth
			style := e.styleMain
			if e.sheet.IsSelected(row, pos) {
				style = e.styleSelection
			}
			text := e.sheet.Cell(row, idx).String()
			if row == e.row && pos == e.col {
				style = e.styleCursor
				if e.mode == ModeInsert && !e.editHeader {
					var off int
					text, off = e.editWindow()
					cursorX, cursorY = x+off, y
				}
			}
			drawText(s, x, y, e.colWidth-1, text, style)
		}
	}

	clearLine(s, statusY, w, e.styleStatus)
	e.renderStatusline(s, w, statusY)
	clearLine(s, cmdY, w, e.styleCommand)
	cmdX := e.renderCommandline(s, w, cmdY)

	switch e.mode {
	case ModeCommand:
		s.SetCursorStyle(tcell.CursorStyleSteadyBar)
		s.ShowCursor(cmdX, cmdY)
	case ModeInsert:
		s.SetCursorStyle(tcell.CursorStyleSteadyBar)
		s.ShowCursor(cursorX, cursorY)
	default:
		s.HideCursor()
	}
	s.Show()
}

func (e *Editor) gutterWidth() int {
	n := len(strconv.Itoa(e.sheet.NumRows())) + 1
	if n < 4 {
		n = 4
	}
	return n
}

func (e *Editor) scrollToCursor(visibleCols int) {
	if e.row < e.rowScroll {
		e.rowScroll = e.row
	}
	if e.row >= e.rowScroll+e.viewHeight {
		e.rowScroll = e.row - e.viewHeight + 1
	}
	if e.col < e.colScroll {
		e.colScroll = e.col
	}
	if e.col >= e.colScroll+visibleCols {
		e.colScroll = e.col - visibleCols + 1
	}
	if e.rowScroll < 0 {
		e.rowScroll = 0
	}
	if e.colScroll < 0 {
		e.colScroll = 0
	}
}

// editWindow returns the slice of the edit buffer that fits the cell and the
// cursor offset within it.
func (e *Editor) editWindow() (string, int) {
	width := e.colWidth - 1
	start := 0
	if e.editCursor >= width {
		start = e.editCursor - width + 1
	}
	end := min(len(e.edit), start+width)
	return string(e.edit[start:end]), e.editCursor - start
}

func (e *Editor) renderStatusline(s tcell.Screen, w, y int) {
	mode := "NORMAL"
	if e.mode == ModeInsert {
		mode = "INSERT"
	} else if e.mode == ModeCommand {
		mode = "COMMAND"
	}
	name := e.filename
	if name == "" {
		name = "[No Name]"
	} else {
		name = filepath.Base(name)
	}
	dirty := ""
	if e.Dirty() {
		dirty = "*"
	}

	status := fmt.Sprintf(" %s | %s%s ", mode, name, dirty)
	if e.statusMessage != "" {
		status = fmt.Sprintf(" %s | %s%s | %s ", mode, name, dirty, e.statusMessage)
	}
	right := fmt.Sprintf(" %d×%d | R%d:C%d | %d/%d ",
		e.sheet.NumRows(), e.sheet.NumCols(), e.row+1, e.col+1,
		e.sheet.HistoryPosition(), e.sheet.HistoryLen())

	line := composeStatusLine(status, right, w)
	for x, r := range line {
		if x >= w {
			break
		}
		s.SetContent(x, y, r, nil, e.styleStatus)
	}
}

// renderCommandline shows the command being typed, or the full value of the
// cell under the cursor. It returns the cursor column.
func (e *Editor) renderCommandline(s tcell.Screen, w, y int) int {
	var text []rune
	cursor := 0
	if e.mode == ModeCommand {
		text = append([]rune{':'}, e.cmd...)
		cursor = 1 + e.cmdCursor
	} else if idx, ok := e.sheet.StorageColumn(e.col); ok && e.row < e.sheet.NumRows() {
		text = []rune(fmt.Sprintf("%s%d: %s", columnName(e.col), e.row+1, e.sheet.Cell(e.row, idx).String()))
	}
	for x, r := range text {
		if x >= w {
			break
		}
		s.SetContent(x, y, r, nil, e.styleCommand)
	}
	if cursor >= w {
		cursor = w - 1
	}
	return cursor
}

func clearLine(s tcell.Screen, y, w int, style tcell.Style) {
	for x := 0; x < w; x++ {
		s.SetContent(x, y, ' ', nil, style)
	}
}

// drawText writes text into width cells at (x, y), padding with spaces and
// cutting what does not fit.
func drawText(s tcell.Screen, x, y, width int, text string, style tcell.Style) {
	runes := []rune(text)
	for i := 0; i < width; i++ {
		r := ' '
		if i < len(runes) {
			r = runes[i]
		}
		s.SetContent(x+i, y, r, nil, style)
	}
}

func composeStatusLine(left, right string, width int) []rune {
	if width <= 0 {
		return nil
	}
	leftRunes := []rune(left)
	rightRunes := []rune(right)
	if len(leftRunes)+len(rightRunes) > width {
		if len(rightRunes) >= width {
			rightRunes = rightRunes[len(rightRunes)-width:]
			leftRunes = nil
		} else {
			leftRunes = leftRunes[:width-len(rightRunes)]
		}
	}
	spaceCount := width - len(leftRunes) - len(rightRunes)
	if spaceCount < 0 {
		spaceCount = 0
	}
	line := make([]rune, 0, width)
	line = append(line, leftRunes...)
	for i := 0; i < spaceCount; i++ {
		line = append(line, ' ')
	}
	line = append(line, rightRunes...)
	return line
}

// columnName returns the spreadsheet letter for a zero-based column: A..Z,
// AA, AB and so on.
func columnName(col int) string {
	var out []byte
	for col >= 0 {
		out = append([]byte{byte('A' + col%26)}, out...)
		col = col/26 - 1
	}
	return string(out)
}

func parseColor(name string, fallback tcell.Color) tcell.Color {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	if strings.HasPrefix(name, "#") && len(name) == 7 {
		r, err1 := strconv.ParseInt(name[1:3], 16, 32)
		g, err2 := strconv.ParseInt(name[3:5], 16, 32)
		b, err3 := strconv.ParseInt(name[5:7], 16, 32)
		if err1 == nil && err2 == nil && err3 == nil {
			return tcell.NewRGBColor(int32(r), int32(g), int32(b))
		}
		return fallback
	}
	name = strings.ToLower(name)
	if name == "default" {
		return tcell.ColorDefault
	}
	c := tcell.GetColor(name)
	if c == tcell.ColorDefault {
		return fallback
	}
	return c
}
