// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParsePhenotype_Header(t *testing.T) {
	table := mustParse(t, "\ufeffSITE_ID , FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd\r\n\"Site, A\",sub1, 25 ,M,0.1\r\n")

	for _, col := range RequiredColumns {
		if !table.HasColumn(col) {
			t.Errorf("Expected column %s in %v", col, table.Columns)
		}
	}
	if len(table.Rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(table.Rows))
	}
	row := table.Rows[0]
	if v, _ := row.Get(ColumnSite); v != "Site, A" {
		t.Errorf("Expected quoted site, got %q", v)
	}
	if v, _ := row.Get(ColumnAge); v != "25" {
		t.Errorf("Expected trimmed age, got %q", v)
	}
	if row.Line != 2 {
		t.Errorf("Expected line 2, got %d", row.Line)
	}
}

func TestParsePhenotype_ShortRow(t *testing.T) {
	table := mustParse(t, "SITE_ID,FILE_ID,AGE_AT_SCAN,SEX,func_mean_fd\nA,sub1\n")

	row := table.Rows[0]
	if _, ok := row.Get(ColumnFileID); !ok {
		t.Error("Expected FILE_ID to be present")
	}
	if _, ok := row.Get(ColumnMeanFD); ok {
		t.Error("Expected func_mean_fd to be absent")
	}
}

func TestFetchPhenotype(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/abide/"+DefaultPhenotypeFile {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(scenarioCSV))
	}))
	defer srv.Close()

	t.Run("derives URL from base", func(t *testing.T) {
		table, err := FetchPhenotype(context.Background(), Settings{BaseURL: srv.URL + "/abide/"})
		if err != nil {
			t.Fatalf("FetchPhenotype failed: %v", err)
		}
		if len(table.Rows) != 3 {
			t.Errorf("Expected 3 rows, got %d", len(table.Rows))
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := FetchPhenotype(context.Background(), Settings{PhenotypeURL: srv.URL + "/missing.csv"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		var fe *FetchError
		if !errors.As(err, &fe) || fe.StatusCode != http.StatusNotFound {
			t.Errorf("Expected *FetchError with 404, got %v", err)
		}
	})
}

func TestPhenotypeURL(t *testing.T) {
	if got := phenotypeURL(Settings{}); !strings.HasPrefix(got, DefaultBaseURL+"/") {
		t.Errorf("Expected default base, got %s", got)
	}
	if got := phenotypeURL(Settings{PhenotypeURL: "http://x/p.csv"}); got != "http://x/p.csv" {
		t.Errorf("Expected explicit URL, got %s", got)
	}
}
