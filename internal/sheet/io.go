package sheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ExportSheet is the worksheet name written by Export.
const ExportSheet = "Sheet1"

// Load reads the first worksheet of an xlsx workbook. The first row becomes
// the headers; the remaining rows become data.
func Load(r io.Reader, opts ...Option) (*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	name := f.GetSheetName(0)
	if name == "" {
		return nil, ErrNoWorksheet
	}
	raw, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyWorkbook
	}

	rows := make([][]Cell, 0, len(raw)-1)
	for r, values := range raw[1:] {
		row := make([]Cell, len(values))
		for c, v := range values {
			row[c] = workbookCell(f, name, r+2, c+1, v)
		}
		rows = append(rows, row)
	}
	return New(loadHeaders(raw[0], rows), rows, opts...), nil
}

func workbookCell(f *excelize.File, sheet string, row, col int, v string) Cell {
	if v == "" {
		return Blank()
	}
	axis, err := excelize.CoordinatesToCellName(col, row)
	if err == nil {
		if typ, err := f.GetCellType(sheet, axis); err == nil {
			switch typ {
			case excelize.CellTypeSharedString, excelize.CellTypeInlineString:
				return Text(v)
			}
		}
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return Number(n)
	}
	return Text(v)
}

// LoadCSV reads comma separated values. Every cell loads as text.
func LoadCSV(r io.Reader, opts ...Option) (*Sheet, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyWorkbook
	}
	rows := make([][]Cell, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]Cell, len(rec))
		for c, v := range rec {
			if v != "" {
				row[c] = Text(v)
			}
		}
		rows = append(rows, row)
	}
	return New(loadHeaders(records[0], rows), rows, opts...), nil
}

// loadHeaders widens the header row to the widest data row and names empty
// headers "Column N".
func loadHeaders(first []string, rows [][]Cell) []string {
	width := len(first)
	for _, row := range rows {
		width = max(width, len(row))
	}
	headers := make([]string, width)
	for i := range headers {
		var h string
		if i < len(first) {
			h = strings.TrimSpace(first[i])
		}
		if h == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		headers[i] = h
	}
	return headers
}

// Export writes the sheet, arranged by the column order, as an xlsx
// workbook with a single worksheet.
func (s *Sheet) Export(w io.Writer) error {
	headers, rows := s.View()
	f := excelize.NewFile()
	defer f.Close()

	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(ExportSheet, "A1", &header); err != nil {
		return fmt.Errorf("write headers: %w", err)
	}
	for r, row := range rows {
		values := make([]interface{}, len(row))
		for c, v := range row {
			values[c] = v.value()
		}
		axis, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ExportSheet, axis, &values); err != nil {
			return fmt.Errorf("write row %d: %w", r+1, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	s.logf("exported", "rows", len(rows), "cols", len(headers))
	return nil
}

// ExportCSV writes the sheet, arranged by the column order, as CSV.
func (s *Sheet) ExportCSV(w io.Writer) error {
	headers, rows := s.View()
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	for _, row := range rows {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = v.String()
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// EditedName derives the export file name for an edited workbook:
// "report.xlsx" becomes "report_edited.xlsx".
func EditedName(name string) string {
	base := filepath.Base(name)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "sheet"
	}
	return base + "_edited.xlsx"
}
