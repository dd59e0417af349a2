package labcatalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// ImportRow is one parsed catalog line.
type ImportRow struct {
	Line           int
	Code           string
	Name           string
	Department     string
	Price          float64
	Kind           Kind
	Unit           string
	ReferenceRange string
	Members        []string
}

// ImportBatch holds parsed rows split by kind, analytes first.
type ImportBatch struct {
	Rows     int
	Analytes []ImportRow
	Panels   []ImportRow
	Errors   []ImportRowError
}

var requiredColumns = []string{"code", "name", "department", "price", "type", "members"}

// ParseCSV reads a catalog file. Header problems reject the whole file with
// ErrValidation; row problems are collected in the batch.
func ParseCSV(r io.Reader) (ImportBatch, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := nextNonEmptyRecord(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ImportBatch{}, fmt.Errorf("%w: empty file", httpx.ErrValidation)
		}
		return ImportBatch{}, fmt.Errorf("%w: invalid file: %v", httpx.ErrValidation, err)
	}
	indexes := map[string]int{}
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if name == "department_name" {
			name = "department"
		}
		if _, dup := indexes[name]; dup {
			return ImportBatch{}, fmt.Errorf("%w: duplicate column %q", httpx.ErrValidation, name)
		}
		indexes[name] = i
	}
	for _, col := range requiredColumns {
		if _, ok := indexes[col]; !ok {
			return ImportBatch{}, fmt.Errorf("%w: missing required column %q (need %s)", httpx.ErrValidation, col, strings.Join(requiredColumns, ","))
		}
	}

	var batch ImportBatch
	seen := map[string]int{}
	for {
		record, err := nextNonEmptyRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ImportBatch{}, fmt.Errorf("%w: invalid file: %v", httpx.ErrValidation, err)
		}
		line, _ := reader.FieldPos(0)
		batch.Rows++
		field := func(name string) string {
			idx, ok := indexes[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}
		row, rowErr := parseRow(line, field)
		if rowErr != "" {
			batch.Errors = append(batch.Errors, ImportRowError{Line: line, Code: row.Code, Message: rowErr})
			continue
		}
		if first, dup := seen[row.Code]; dup {
			batch.Errors = append(batch.Errors, ImportRowError{Line: line, Code: row.Code, Message: fmt.Sprintf("duplicate code, first seen on line %d", first)})
			continue
		}
		seen[row.Code] = line
		if row.Kind == KindPanel {
			batch.Panels = append(batch.Panels, row)
		} else {
			batch.Analytes = append(batch.Analytes, row)
		}
	}
	return batch, nil
}

func parseRow(line int, field func(string) string) (ImportRow, string) {
	row := ImportRow{
		Line:           line,
		Code:           strings.ToUpper(field("code")),
		Name:           field("name"),
		Department:     field("department"),
		Unit:           field("unit"),
		ReferenceRange: field("reference_range"),
	}
	if row.Code == "" {
		return row, "code is required"
	}
	if row.Name == "" {
		return row, "name is required"
	}
	if raw := field("price"); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price < 0 {
			return row, fmt.Sprintf("invalid price %q", raw)
		}
		row.Price = price
	}
	switch Kind(strings.ToLower(field("type"))) {
	case KindAnalyte, "":
		row.Kind = KindAnalyte
	case KindPanel:
		row.Kind = KindPanel
	default:
		return row, fmt.Sprintf("invalid type %q (expected analyte or panel)", field("type"))
	}
	members := field("members")
	if row.Kind == KindAnalyte {
		if members != "" {
			return row, "members are only allowed on panels"
		}
		return row, ""
	}
	seen := map[string]struct{}{}
	for _, code := range strings.Split(members, ";") {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		row.Members = append(row.Members, code)
	}
	if len(row.Members) == 0 {
		return row, "panel requires at least one member"
	}
	return row, ""
}

func nextNonEmptyRecord(reader *csv.Reader) ([]string, error) {
	for {
		record, err := reader.Read()
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}
		empty := true
		for _, field := range record {
			if strings.TrimSpace(field) != "" {
				empty = false
				break
			}
		}
		if !empty {
			return record, nil
		}
	}
}
