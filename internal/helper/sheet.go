package helper

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedSheet = errors.New("file must be .csv or .xlsx")

// SheetRecord is one row of a contact or recipient upload.
type SheetRecord struct {
	Name  string
	Phone string
}

var phoneHeaders = []string{"phone", "phone number", "number", "numbers", "nomor", "no hp", "whatsapp"}
var nameHeaders = []string{"name", "nama", "contact"}

// ReadSheet reads a CSV or XLSX upload. The phone column is found by its
// header; without a recognised header the first column holds phones and the
// second, when present, names.
func ReadSheet(fileName string, data []byte) ([]SheetRecord, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt":
		rows, err = readCSV(data)
	case ".xlsx":
		rows, err = readXLSX(data)
	default:
		return nil, ErrUnsupportedSheet
	}
	if err != nil {
		return nil, err
	}
	return recordsFromRows(rows), nil
}

func readCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	return rows, nil
}

func recordsFromRows(rows [][]string) []SheetRecord {
	if len(rows) == 0 {
		return nil
	}
	phoneCol, nameCol := 0, 1
	start := 0
	if p, n, ok := headerColumns(rows[0]); ok {
		phoneCol, nameCol = p, n
		start = 1
	}

	out := make([]SheetRecord, 0, len(rows)-start)
	for _, row := range rows[start:] {
		phone := cell(row, phoneCol)
		if phone == "" {
			continue
		}
		out = append(out, SheetRecord{Phone: phone, Name: cell(row, nameCol)})
	}
	return out
}

func headerColumns(header []string) (phone, name int, ok bool) {
	phone, name = -1, -1
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case phone < 0 && contains(phoneHeaders, h):
			phone = i
		case name < 0 && contains(nameHeaders, h):
			name = i
		}
	}
	if phone < 0 {
		return 0, 1, false
	}
	return phone, name, true
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
