package sheet

import (
	"strconv"
	"time"
)

// Kind discriminates the value held by a Cell.
type Kind int

const (
	KindBlank Kind = iota
	KindText
	KindNumber
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	default:
		return "blank"
	}
}

// DefaultDateLayout renders dates the way en-US locales print short dates.
const DefaultDateLayout = "1/2/2006"

// Cell is a single grid value. The zero value is a blank cell.
type Cell struct {
	kind Kind
	text string // text value, or display layout for dates
	num  float64
	date time.Time
}

func Blank() Cell { return Cell{} }

func Text(s string) Cell { return Cell{kind: KindText, text: s} }

func Number(f float64) Cell { return Cell{kind: KindNumber, num: f} }

func Date(t time.Time) Cell { return DateIn(t, DefaultDateLayout) }

// DateIn returns a date cell that renders with layout.
func DateIn(t time.Time, layout string) Cell {
	if layout == "" {
		layout = DefaultDateLayout
	}
	return Cell{kind: KindDate, date: t, text: layout}
}

func (c Cell) Kind() Kind { return c.kind }

// Float returns the numeric value of a number cell.
func (c Cell) Float() (float64, bool) {
	if c.kind != KindNumber {
		return 0, false
	}
	return c.num, true
}

// Time returns the value of a date cell.
func (c Cell) Time() (time.Time, bool) {
	if c.kind != KindDate {
		return time.Time{}, false
	}
	return c.date, true
}

// IsEmpty reports whether the cell is blank or holds empty text.
func (c Cell) IsEmpty() bool {
	return c.kind == KindBlank || (c.kind == KindText && c.text == "")
}

func (c Cell) String() string {
	switch c.kind {
	case KindText:
		return c.text
	case KindNumber:
		return strconv.FormatFloat(c.num, 'f', -1, 64)
	case KindDate:
		return c.date.Format(c.text)
	default:
		return ""
	}
}

// Equal compares kind and value; date cells compare instants, not layouts.
func (c Cell) Equal(o Cell) bool {
	if c.kind != o.kind {
		return false
	}
	switch c.kind {
	case KindText:
		return c.text == o.text
	case KindNumber:
		return c.num == o.num
	case KindDate:
		return c.date.Equal(o.date)
	default:
		return true
	}
}

// value converts the cell into what the xlsx writer expects.
func (c Cell) value() interface{} {
	switch c.kind {
	case KindText:
		return c.text
	case KindNumber:
		return c.num
	case KindDate:
		return c.date
	default:
		return nil
	}
}

func blankRow(n int) []Cell {
	if n < 0 {
		n = 0
	}
	return make([]Cell, n)
}

func cloneRow(row []Cell) []Cell {
	return append([]Cell(nil), row...)
}
