// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Target is a single file to retrieve.
type Target struct {
	FileID string `json:"fileId"`
	// URL is the remote source.
	URL string `json:"url"`
	// RelativePath is URL's path below the base URL, slash-separated.
	RelativePath string `json:"path"`
	// Destination is RelativePath mapped under the output directory.
	Destination string `json:"destination"`
	// Record is the phenotype row the target came from, when known.
	Record *Record `json:"record,omitempty"`
}

// Plan contains the ordered list of targets and the row tallies behind it.
type Plan struct {
	Targets   []Target `json:"targets"`
	Rows      int      `json:"rows"`
	Excluded  int      `json:"excluded"`
	Malformed int      `json:"malformed"`
}

// Extension returns the file extension for a derivative: ".1D" for
// region-of-interest time series, ".nii.gz" for everything else.
func Extension(derivative string) string {
	if strings.Contains(strings.ToLower(derivative), "roi") {
		return ".1D"
	}
	return ".nii.gz"
}

// relativePath returns Outputs/<pipeline>/<strategy>/<derivative>/<id>_<derivative><ext>.
func relativePath(fileID string, job Job) string {
	name := fileID + "_" + job.Derivative + Extension(job.Derivative)
	return path.Join("Outputs", job.Pipeline, job.Strategy, job.Derivative, name)
}

// ResolveTarget maps a FILE_ID onto its remote URL and local destination.
// The result depends only on its arguments.
func ResolveTarget(fileID string, job Job, cfg Settings) Target {
	rel := relativePath(fileID, job)
	return Target{
		FileID:       fileID,
		URL:          objectURL(cfg.BaseURL, rel),
		RelativePath: rel,
		Destination:  filepath.Join(outputDir(cfg), filepath.FromSlash(rel)),
	}
}

// withinDir reports whether p lies strictly below root.
func withinDir(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// PlanTargets resolves every identifier, preserving order.
func PlanTargets(ids []string, job Job, cfg Settings) *Plan {
	p := &Plan{Targets: make([]Target, 0, len(ids))}
	for _, id := range ids {
		p.Targets = append(p.Targets, ResolveTarget(id, job, cfg))
	}
	return p
}

// PlanJob fetches the phenotype table, applies the job's criteria and
// resolves the selected rows without downloading anything.
func PlanJob(ctx context.Context, job Job, cfg Settings) (*Plan, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job, cfg = normalize(job, cfg)
	if err := validate(job, cfg); err != nil {
		return nil, err
	}
	return buildPlan(ctx, job, cfg, func(ProgressEvent) {})
}

// buildPlan is shared by PlanJob and Download. Malformed rows are logged and
// reported through emit; they never fail the plan.
func buildPlan(ctx context.Context, job Job, cfg Settings, emit func(ProgressEvent)) (*Plan, error) {
	log := logger(cfg)

	emit(ProgressEvent{Event: "pheno_start", Path: phenotypeURL(cfg), Message: "fetching phenotype table"})
	table, err := FetchPhenotype(ctx, cfg)
	if err != nil {
		return nil, err
	}

	outcomes, err := Evaluate(table, job.Criteria)
	if err != nil {
		return nil, err
	}

	p := &Plan{Rows: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case RowMalformed:
			p.Malformed++
			log.Warn("skipping malformed phenotype row", "error", o.Err)
			emit(ProgressEvent{Level: "warn", Event: "row_skip", Message: o.Err.Error()})
		case RowExcluded:
			p.Excluded++
			log.Debug("row excluded", "file_id", o.Record.FileID, "line", o.Record.Line, "reason", o.Reason)
		case RowSelected:
			rec := o.Record
			t := ResolveTarget(rec.FileID, job, cfg)
			t.Record = &rec
			p.Targets = append(p.Targets, t)
		}
	}
	log.Info("phenotype table evaluated",
		"rows", p.Rows, "selected", len(p.Targets), "excluded", p.Excluded, "malformed", p.Malformed)
	return p, nil
}

// ScanPlan builds the plan and reports each target as a plan_item event
// without touching the output directory.
func ScanPlan(ctx context.Context, job Job, cfg Settings, progress ProgressFunc) error {
	p, err := PlanJob(ctx, job, cfg)
	if err != nil {
		return err
	}
	if progress != nil {
		for i, t := range p.Targets {
			progress(ProgressEvent{
				Time:   time.Now().UTC(),
				Event:  "plan_item",
				FileID: t.FileID,
				Path:   t.RelativePath,
				Index:  i + 1,
				Count:  len(p.Targets),
			})
		}
	}
	return nil
}

// String renders the plan tallies for log lines.
func (p *Plan) String() string {
	return fmt.Sprintf("%d targets from %d rows (%d excluded, %d malformed)",
		len(p.Targets), p.Rows, p.Excluded, p.Malformed)
}
