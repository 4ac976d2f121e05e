// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const scenarioCSV = `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd
A,sub1,25,M,0.1
B,no_filename,30,F,0.05
C,sub3,40,F,0.25
`

func mustParse(t *testing.T, text string) *PhenotypeTable {
	t.Helper()
	table, err := ParsePhenotype(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParsePhenotype failed: %v", err)
	}
	return table
}

func TestSelect_Scenario(t *testing.T) {
	ids, err := Select(mustParse(t, scenarioCSV), DefaultCriteria())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if want := []string{"sub1"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Expected %v, got %v", want, ids)
	}
}

func TestEvaluate_Reasons(t *testing.T) {
	outcomes, err := Evaluate(mustParse(t, scenarioCSV), DefaultCriteria())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(outcomes))
	}

	tests := []struct {
		status RowStatus
		reason string
	}{
		{RowSelected, ""},
		{RowExcluded, "no filename"},
		{RowExcluded, "mean fd at or above threshold"},
	}
	for i, tt := range tests {
		if outcomes[i].Status != tt.status {
			t.Errorf("row %d: expected status %s, got %s", i, tt.status, outcomes[i].Status)
		}
		if outcomes[i].Reason != tt.reason {
			t.Errorf("row %d: expected reason %q, got %q", i, tt.reason, outcomes[i].Reason)
		}
	}
	if outcomes[0].Record.Age != 25 || outcomes[0].Record.Site != "A" || outcomes[0].Record.Line != 2 {
		t.Errorf("Unexpected record: %+v", outcomes[0].Record)
	}
}

func TestSelect_MeanFDThreshold(t *testing.T) {
	table := mustParse(t, `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd
A,low,20,M,0.19
A,equal,20,M,0.2
A,high,20,M,0.31
`)

	t.Run("excludes at or above threshold", func(t *testing.T) {
		ids, err := Select(table, Criteria{MeanFDThreshold: 0.2})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if want := []string{"low"}; !reflect.DeepEqual(ids, want) {
			t.Errorf("Expected %v, got %v", want, ids)
		}
	})

	t.Run("zero disables the check", func(t *testing.T) {
		ids, err := Select(table, Criteria{})
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if len(ids) != 3 {
			t.Errorf("Expected 3 ids, got %v", ids)
		}
	})
}

func TestSelect_Sentinel(t *testing.T) {
	table := mustParse(t, `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd
A,no_filename,20,M,0.01
A,sub2,20,M,0.01
`)

	ids, _ := Select(table, Criteria{RequireFilename: true})
	if want := []string{"sub2"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Expected %v, got %v", want, ids)
	}

	ids, _ = Select(table, Criteria{RequireFilename: false})
	if len(ids) != 2 {
		t.Errorf("Expected sentinel to pass when not required, got %v", ids)
	}
}

func TestSelect_MalformedRowsSkipped(t *testing.T) {
	table := mustParse(t, `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd
A,bad_age,abc,M,0.1
A,bad_fd,20,M,n/a
A,short
A,nan_fd,20,M,NaN
A,good,20,M,0.1
`)

	outcomes, err := Evaluate(table, DefaultCriteria())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	wantColumns := []string{ColumnAge, ColumnMeanFD, ColumnAge, ColumnMeanFD}
	for i, col := range wantColumns {
		o := outcomes[i]
		if o.Status != RowMalformed {
			t.Errorf("row %d: expected malformed, got %s", i, o.Status)
			continue
		}
		var rpe *RowParseError
		if !errors.As(o.Err, &rpe) {
			t.Errorf("row %d: expected *RowParseError, got %T", i, o.Err)
			continue
		}
		if rpe.Column != col {
			t.Errorf("row %d: expected column %s, got %s", i, col, rpe.Column)
		}
	}

	if ids := SelectedIDs(outcomes); !reflect.DeepEqual(ids, []string{"good"}) {
		t.Errorf("Expected [good], got %v", ids)
	}
}

func TestSelect_SentinelBeforeParsing(t *testing.T) {
	table := mustParse(t, `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd
A,no_filename,25,M,
A,sub2,25,M,0.1
`)

	outcomes, err := Evaluate(table, DefaultCriteria())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcomes[0].Status != RowExcluded || outcomes[0].Reason != "no filename" {
		t.Errorf("Expected sentinel row excluded, got %+v", outcomes[0])
	}

	outcomes, _ = Evaluate(table, Criteria{RequireFilename: false})
	if outcomes[0].Status != RowMalformed {
		t.Errorf("Expected malformed row without the sentinel check, got %s", outcomes[0].Status)
	}
}

func TestSelect_FileIDMustBePlainName(t *testing.T) {
	table := mustParse(t, `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd
A,../../../../../escaped,25,M,0.1
A,nested/sub,25,M,0.1
A,back\\slash,25,M,0.1
A,..,25,M,0.1
A,,25,M,0.1
A,sub_ok,25,M,0.1
`)

	outcomes, err := Evaluate(table, DefaultCriteria())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	for i, o := range outcomes[:5] {
		if o.Status != RowMalformed {
			t.Errorf("row %d: expected malformed, got %s", i, o.Status)
			continue
		}
		var rpe *RowParseError
		if !errors.As(o.Err, &rpe) || rpe.Column != ColumnFileID {
			t.Errorf("row %d: expected FILE_ID parse error, got %v", i, o.Err)
		}
		if !errors.Is(o.Err, ErrUnsafePath) {
			t.Errorf("row %d: expected ErrUnsafePath, got %v", i, o.Err)
		}
	}
	if ids := SelectedIDs(outcomes); !reflect.DeepEqual(ids, []string{"sub_ok"}) {
		t.Errorf("Expected [sub_ok], got %v", ids)
	}
}

func TestSelect_MissingColumn(t *testing.T) {
	table := mustParse(t, `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX
A,sub1,25,M
`)

	ids, err := Select(table, DefaultCriteria())
	if ids != nil {
		t.Errorf("Expected no ids, got %v", ids)
	}
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *SchemaError, got %v", err)
	}
	if !reflect.DeepEqual(se.Missing, []string{ColumnMeanFD}) {
		t.Errorf("Expected missing [%s], got %v", ColumnMeanFD, se.Missing)
	}
}

func TestSelect_EmptyInput(t *testing.T) {
	_, err := Select(mustParse(t, ""), DefaultCriteria())
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *SchemaError, got %v", err)
	}
	if len(se.Missing) != len(RequiredColumns) {
		t.Errorf("Expected all columns missing, got %v", se.Missing)
	}
}

func TestSelect_OrderAndDuplicates(t *testing.T) {
	table := mustParse(t, `func_mean_fd,SEX,FILE_ID,AGE_AT_SCAN,SITE_ID,DX_GROUP
0.1,M,c,20,A,1
0.1,M,a,20,A,2
0.1,M,c,20,A,1
0.1,M,b,20,A,2
`)

	ids, err := Select(table, DefaultCriteria())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if want := []string{"c", "a", "c", "b"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Expected %v, got %v", want, ids)
	}
}

func TestSelect_OptionalCriteria(t *testing.T) {
	table := mustParse(t, `SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd
NYU,nyu_m_10,10,1,0.1
NYU,nyu_f_30,30,2,0.1
PITT,pitt_m_20,20,1,0.1
UCLA,ucla_f_15,15,F,0.1
`)

	tests := []struct {
		name     string
		criteria Criteria
		want     []string
	}{
		{"sites", Criteria{Sites: []string{"nyu", "UCLA"}}, []string{"nyu_m_10", "nyu_f_30", "ucla_f_15"}},
		{"sex letter matches numeric coding", Criteria{Sex: "M"}, []string{"nyu_m_10", "pitt_m_20"}},
		{"sex female", Criteria{Sex: "f"}, []string{"nyu_f_30", "ucla_f_15"}},
		{"min age", Criteria{MinAge: 15}, []string{"nyu_f_30", "pitt_m_20", "ucla_f_15"}},
		{"max age exclusive", Criteria{MaxAge: 20}, []string{"nyu_m_10", "ucla_f_15"}},
		{"combined", Criteria{Sites: []string{"NYU"}, Sex: "2"}, []string{"nyu_f_30"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := Select(table, tt.criteria)
			if err != nil {
				t.Fatalf("Select failed: %v", err)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, ids)
			}
		})
	}
}
