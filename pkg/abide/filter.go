// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NoFilename is the FILE_ID sentinel for subjects without preprocessed data.
const NoFilename = "no_filename"

var errMissingField = errors.New("field missing")

// plainName reports whether s can be used as a single path segment both in
// the bucket URL and on disk.
func plainName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// RowStatus tags the outcome of evaluating one phenotype row.
type RowStatus int

const (
	// RowSelected means the row passed every predicate.
	RowSelected RowStatus = iota
	// RowExcluded means a predicate rejected the row.
	RowExcluded
	// RowMalformed means the row could not be extracted and was skipped.
	RowMalformed
)

func (s RowStatus) String() string {
	switch s {
	case RowSelected:
		return "selected"
	case RowExcluded:
		return "excluded"
	case RowMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Record is the typed view of a phenotype row.
type Record struct {
	Line   int
	Site   string
	FileID string
	Sex    string
	Age    float64
	MeanFD float64
}

// RowOutcome is the result of evaluating one row. Record is set unless
// Status is RowMalformed, in which case Err holds a *RowParseError. A
// no_filename row is excluded even when its other columns are unusable.
type RowOutcome struct {
	Status RowStatus
	Record Record
	Reason string
	Err    error
}

type exclusion struct {
	reason   string
	excludes func(Criteria, Record) bool
}

// exclusions run in order; the first match decides.
var exclusions = []exclusion{
	{"no filename", excludesNoFilename},
	{"mean fd at or above threshold", func(c Criteria, r Record) bool {
		return c.MeanFDThreshold > 0 && r.MeanFD >= c.MeanFDThreshold
	}},
	{"site not selected", func(c Criteria, r Record) bool {
		if len(c.Sites) == 0 {
			return false
		}
		for _, s := range c.Sites {
			if strings.EqualFold(strings.TrimSpace(s), r.Site) {
				return false
			}
		}
		return true
	}},
	{"sex not selected", func(c Criteria, r Record) bool {
		return c.Sex != "" && sexCode(c.Sex) != sexCode(r.Sex)
	}},
	{"age below minimum", func(c Criteria, r Record) bool {
		return c.MinAge > 0 && r.Age < c.MinAge
	}},
	{"age at or above maximum", func(c Criteria, r Record) bool {
		return c.MaxAge > 0 && r.Age >= c.MaxAge
	}},
}

func excludesNoFilename(c Criteria, r Record) bool {
	return c.RequireFilename && r.FileID == NoFilename
}

// sexCode maps the spellings used in ABIDE tables onto "1" (male) and "2" (female).
func sexCode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "1":
		return "1"
	case "f", "female", "2":
		return "2"
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}

// Evaluate returns one outcome per row of t, in row order. It fails with
// *SchemaError, and no outcomes, when a required column is missing.
func Evaluate(t *PhenotypeTable, c Criteria) ([]RowOutcome, error) {
	if missing := t.missingColumns(); len(missing) > 0 {
		return nil, &SchemaError{Missing: missing, Header: t.Columns}
	}

	out := make([]RowOutcome, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec, err := extractRecord(row)
		if err != nil {
			// The sentinel check needs only FILE_ID, and such rows often
			// leave the QC columns blank.
			if excludesNoFilename(c, rec) {
				out = append(out, RowOutcome{Status: RowExcluded, Record: rec, Reason: exclusions[0].reason})
				continue
			}
			out = append(out, RowOutcome{Status: RowMalformed, Err: err})
			continue
		}
		outcome := RowOutcome{Status: RowSelected, Record: rec}
		for _, ex := range exclusions {
			if ex.excludes(c, rec) {
				outcome.Status = RowExcluded
				outcome.Reason = ex.reason
				break
			}
		}
		out = append(out, outcome)
	}
	return out, nil
}

// Select returns the FILE_IDs of the rows that pass c, in row order.
// Duplicate identifiers in the table are passed through.
func Select(t *PhenotypeTable, c Criteria) ([]string, error) {
	outcomes, err := Evaluate(t, c)
	if err != nil {
		return nil, err
	}
	return SelectedIDs(outcomes), nil
}

// SelectedIDs extracts the identifiers of selected outcomes.
func SelectedIDs(outcomes []RowOutcome) []string {
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Status == RowSelected {
			ids = append(ids, o.Record.FileID)
		}
	}
	return ids
}

// extractRecord reads the required columns in order. On error the fields
// read so far are returned with it.
func extractRecord(row Row) (Record, error) {
	if row.Err != nil {
		return Record{Line: row.Line}, &RowParseError{Line: row.Line, Err: row.Err}
	}
	rec := Record{Line: row.Line}

	var err error
	if rec.FileID, err = field(row, ColumnFileID); err != nil {
		return rec, err
	}
	if !plainName(rec.FileID) {
		return rec, &RowParseError{Line: row.Line, Column: ColumnFileID, Err: fmt.Errorf("%w: %q", ErrUnsafePath, rec.FileID)}
	}
	if rec.Site, err = field(row, ColumnSite); err != nil {
		return rec, err
	}
	if rec.Age, err = numericField(row, ColumnAge); err != nil {
		return rec, err
	}
	if rec.Sex, err = field(row, ColumnSex); err != nil {
		return rec, err
	}
	if rec.MeanFD, err = numericField(row, ColumnMeanFD); err != nil {
		return rec, err
	}
	return rec, nil
}

func field(row Row, col string) (string, error) {
	v, ok := row.Get(col)
	if !ok {
		return "", &RowParseError{Line: row.Line, Column: col, Err: errMissingField}
	}
	return v, nil
}

func numericField(row Row, col string) (float64, error) {
	v, err := field(row, col)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &RowParseError{Line: row.Line, Column: col, Err: err}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &RowParseError{Line: row.Line, Column: col, Err: strconv.ErrSyntax}
	}
	return f, nil
}
