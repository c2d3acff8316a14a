package internal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxCSVBytes caps import payloads. Larger uploads get a 413.
const MaxCSVBytes = 10 << 20

// ParseCSV reads an import file into batch items. The header row names
// the columns; isbn, title, and author are recognized case-insensitively
// (isbn13/isbn10 count as isbn). Rows with no usable fields are skipped.
func ParseCSV(r io.Reader) ([]BatchItem, error) {
	cr := csv.NewReader(io.LimitReader(r, MaxCSVBytes+1))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", errBadRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadRequest, err)
	}

	cols := map[string]int{}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "isbn", "isbn13", "isbn10", "isbn_13", "isbn_10":
			if _, ok := cols["isbn"]; !ok {
				cols["isbn"] = i
			}
		case "title", "book title":
			cols["title"] = i
		case "author", "authors", "author name":
			cols["author"] = i
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: no recognized columns in header", errBadRequest)
	}

	var (
		items []BatchItem
		total int64
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadRequest, err)
		}
		for _, f := range record {
			total += int64(len(f))
		}
		if total > MaxCSVBytes {
			return nil, errPayloadTooLarge
		}

		item := BatchItem{}
		if i, ok := cols["isbn"]; ok && i < len(record) {
			item.ISBN = isbnDigits(record[i])
		}
		if i, ok := cols["title"]; ok && i < len(record) {
			item.Title = strings.TrimSpace(record[i])
		}
		if i, ok := cols["author"]; ok && i < len(record) {
			item.Author = strings.TrimSpace(record[i])
		}
		if item.ISBN == "" && item.Title == "" {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no usable rows", errBadRequest)
	}
	return items, nil
}
