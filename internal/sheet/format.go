package sheet

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Format is a column presentation applied by FormatColumn.
type Format int

const (
	FormatText Format = iota
	FormatNumber
	FormatCurrency
	FormatDate
)

func (f Format) String() string {
	switch f {
	case FormatNumber:
		return "number"
	case FormatCurrency:
		return "currency"
	case FormatDate:
		return "date"
	default:
		return "text"
	}
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return FormatText, nil
	case "number":
		return FormatNumber, nil
	case "currency":
		return FormatCurrency, nil
	case "date":
		return FormatDate, nil
	}
	return FormatText, fmt.Errorf("%q: %w", s, ErrUnknownFormat)
}

// dateInputs are the layouts tried when coercing text to a date.
var dateInputs = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"1/2/2006",
	"01/02/2006",
	"1/2/06",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

// Formatter coerces cells for a locale.
type Formatter struct {
	printer    *message.Printer
	symbol     string
	dateLayout string
}

// NewFormatter builds a formatter for the BCP 47 locale tag. An unparsable
// tag falls back to American English.
func NewFormatter(locale, currencySymbol, dateLayout string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	if currencySymbol == "" {
		currencySymbol = "$"
	}
	if dateLayout == "" {
		dateLayout = DefaultDateLayout
	}
	return &Formatter{
		printer:    message.NewPrinter(tag),
		symbol:     currencySymbol,
		dateLayout: dateLayout,
	}
}

func DefaultFormatter() *Formatter {
	return NewFormatter("en-US", "$", DefaultDateLayout)
}

// Coerce reinterprets c as format. ok is false when the value cannot be
// coerced; c is then returned unchanged.
func (f *Formatter) Coerce(c Cell, format Format) (Cell, bool) {
	switch format {
	case FormatNumber:
		if c.kind == KindNumber {
			return c, true
		}
		v, ok := numericValue(c)
		if !ok {
			return c, false
		}
		return Number(v), true
	case FormatCurrency:
		v, ok := numericValue(c)
		if !ok {
			return c, false
		}
		return Text(f.Currency(v)), true
	case FormatDate:
		if c.kind == KindDate {
			return DateIn(c.date, f.dateLayout), true
		}
		if c.kind != KindText {
			return c, false
		}
		t, ok := parseDate(strings.TrimSpace(c.text))
		if !ok {
			return c, false
		}
		return DateIn(t, f.dateLayout), true
	default:
		if c.kind == KindBlank {
			return c, true
		}
		return Text(strings.TrimSpace(c.String())), true
	}
}

// Currency renders v with the locale's digit grouping and two decimals.
func (f *Formatter) Currency(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = math.Abs(v)
	}
	return sign + f.symbol + f.printer.Sprintf("%.2f", v)
}

func numericValue(c Cell) (float64, bool) {
	switch c.kind {
	case KindNumber:
		return c.num, true
	case KindText:
		digits := stripNonNumeric(c.text)
		if digits == "" {
			return 0, false
		}
		v, err := strconv.ParseFloat(digits, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func stripNonNumeric(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateInputs {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatColumn coerces every cell of storage column col. Cells that cannot
// be coerced are left as they are.
func (s *Sheet) FormatColumn(col int, format Format) error {
	if col < 0 || col >= len(s.headers) {
		return fmt.Errorf("column %d: %w", col, ErrOutOfRange)
	}
	var edits []cellEdit
	for r := range s.rows {
		old := s.cellAt(r, col)
		v, ok := s.formatter.Coerce(old, format)
		if !ok || v.Equal(old) && v.text == old.text {
			continue
		}
		edits = append(edits, cellEdit{row: r, col: col, value: v})
	}
	label := fmt.Sprintf("Format column %q as %s", s.headers[col], format)
	return s.record(label, action{kind: actionSetCells, cells: edits})
}

// TrimAll trims surrounding whitespace from every text cell and header.
func (s *Sheet) TrimAll() error {
	act := action{kind: actionSetCells}
	for r, row := range s.rows {
		for c, cell := range row {
			if cell.kind != KindText {
				continue
			}
			if t := strings.TrimSpace(cell.text); t != cell.text {
				act.cells = append(act.cells, cellEdit{row: r, col: c, value: Text(t)})
			}
		}
	}
	for c, h := range s.headers {
		if t := strings.TrimSpace(h); t != h {
			act.headers = append(act.headers, headerEdit{col: c, value: t})
		}
	}
	return s.record("Trim all cells", act)
}

// RemoveEmptyRows drops rows whose cells are all empty.
func (s *Sheet) RemoveEmptyRows() error {
	var acts []action
	for r := len(s.rows) - 1; r >= 0; r-- {
		empty := true
		for _, c := range s.rows[r] {
			if !c.IsEmpty() {
				empty = false
				break
			}
		}
		if empty {
			acts = append(acts, action{kind: actionDeleteRow, row: r})
		}
	}
	return s.record("Remove empty rows", acts...)
}

// FixCurrency strips "$" and "," from text cells that are numbers once
// stripped.
func (s *Sheet) FixCurrency() error {
	act := action{kind: actionSetCells}
	for r, row := range s.rows {
		for c, cell := range row {
			if cell.kind != KindText || !strings.ContainsAny(cell.text, "$,") {
				continue
			}
			num := strings.NewReplacer("$", "", ",", "").Replace(cell.text)
			if num == "" {
				continue
			}
			if _, err := strconv.ParseFloat(num, 64); err != nil {
				continue
			}
			act.cells = append(act.cells, cellEdit{row: r, col: c, value: Text(num)})
		}
	}
	return s.record("Fix currency formatting", act)
}
