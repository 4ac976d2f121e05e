// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/abide-preproc/abidedl/pkg/abide"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// renderPlan lists the selected targets with the phenotype values behind them.
func renderPlan(p *abide.Plan) string {
	headers := []string{"#", "FILE_ID", "SITE", "AGE", "SEX", "MEAN FD", "PATH"}
	aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft}

	rows := make([][]string, 0, len(p.Targets))
	for i, t := range p.Targets {
		row := []string{strconv.Itoa(i + 1), t.FileID, "", "", "", "", t.RelativePath}
		if r := t.Record; r != nil {
			row[2] = r.Site
			row[3] = strconv.FormatFloat(r.Age, 'f', -1, 64)
			row[4] = r.Sex
			row[5] = strconv.FormatFloat(r.MeanFD, 'f', 4, 64)
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}

// renderSummary reports the run totals and any failed targets.
func renderSummary(sum *abide.Summary) string {
	out := renderTable(
		[]string{"CONSIDERED", "DOWNLOADED", "SKIPPED", "FAILED", "ELAPSED"},
		[][]string{{
			strconv.Itoa(sum.Considered),
			strconv.Itoa(sum.Downloaded),
			strconv.Itoa(sum.Skipped),
			strconv.Itoa(sum.Failed),
			sum.Elapsed.Round(time.Millisecond).String(),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	)
	if len(sum.Failures) == 0 {
		return out
	}

	rows := make([][]string, 0, len(sum.Failures))
	for _, f := range sum.Failures {
		reason := fmt.Sprint(f.Err)
		if f.StatusCode != 0 {
			reason = "HTTP " + strconv.Itoa(f.StatusCode)
		}
		rows = append(rows, []string{f.URL, reason})
	}
	return out + "\n" + renderTable([]string{"FAILED URL", "REASON"}, rows, nil)
}
