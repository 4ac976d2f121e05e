// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Phenotype columns consumed by the filter. Other columns are ignored.
const (
	ColumnSite   = "SITE_ID"
	ColumnFileID = "FILE_ID"
	ColumnAge    = "AGE_AT_SCAN"
	ColumnSex    = "SEX"
	ColumnMeanFD = "func_mean_fd"
)

// RequiredColumns lists the header names a phenotype table must carry.
var RequiredColumns = []string{ColumnSite, ColumnFileID, ColumnAge, ColumnSex, ColumnMeanFD}

// Row is one data record of the phenotype table keyed by column name.
// Columns beyond the end of a short record are absent from Values.
type Row struct {
	Line   int
	Values map[string]string
	// Err is set when the record itself was not valid CSV.
	Err error
}

// Get returns the value of col and whether the row carries it.
func (r Row) Get(col string) (string, bool) {
	v, ok := r.Values[col]
	return v, ok
}

// PhenotypeTable is the parsed phenotype metadata. It is not modified after
// ParsePhenotype returns.
type PhenotypeTable struct {
	Columns []string
	Rows    []Row
}

// HasColumn reports whether the header names col.
func (t *PhenotypeTable) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// missingColumns returns the required columns absent from the header, in
// RequiredColumns order.
func (t *PhenotypeTable) missingColumns() []string {
	var missing []string
	for _, col := range RequiredColumns {
		if !t.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	return missing
}

// ParsePhenotype reads comma-delimited text whose first record is the header.
// A data record that is not valid CSV is kept as a Row with Err set so the
// filter can report and skip it; only read failures abort parsing.
func ParsePhenotype(r io.Reader) (*PhenotypeTable, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return &PhenotypeTable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read phenotype header: %w", err)
	}

	t := &PhenotypeTable{Columns: make([]string, len(header))}
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		t.Columns[i] = h
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			t.Rows = append(t.Rows, Row{Line: pe.StartLine, Err: pe.Err})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read phenotype: %w", err)
		}

		line, _ := cr.FieldPos(0)
		values := make(map[string]string, len(index))
		for col, i := range index {
			if i < len(rec) {
				values[col] = strings.TrimSpace(rec[i])
			}
		}
		t.Rows = append(t.Rows, Row{Line: line, Values: values})
	}
	return t, nil
}

// FetchPhenotype downloads and parses the phenotype table named by cfg.
func FetchPhenotype(ctx context.Context, cfg Settings) (*PhenotypeTable, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	httpc := buildHTTPClient(cfg)
	resp, cancel, err := get(ctx, httpc, cfg.Timeout, phenotypeURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("phenotype table: %w", err)
	}
	defer cancel()
	defer resp.Body.Close()

	t, err := ParsePhenotype(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("phenotype table %s: %w", phenotypeURL(cfg), err)
	}
	return t, nil
}
