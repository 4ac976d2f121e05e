// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"log/slog"
	"net/http"
	"time"
)

// Job defines which derivative to download and which subjects to include.
//
// Derivative, Pipeline and Strategy select a directory of the ABIDE
// Preprocessed tree; Criteria decides which phenotype rows contribute a file.
//
// Example:
//
//	job := abide.Job{
//	    Derivative: "rois_aal",
//	    Pipeline:   "dparsf",
//	    Strategy:   "filt_global",
//	    Criteria:   abide.DefaultCriteria(),
//	}
type Job struct {
	// Derivative is the processed-image product, e.g. "rois_aal" or "func_preproc".
	// Derivatives containing "roi" are time-series text files (.1D); all
	// others are compressed volumes (.nii.gz).
	Derivative string

	// Pipeline is the processing toolchain, e.g. "cpac", "dparsf", "niak".
	Pipeline string

	// Strategy is the nuisance-regression variant, e.g. "filt_global",
	// "filt_noglobal", "nofilt_global", "nofilt_noglobal".
	Strategy string

	// Criteria selects rows from the phenotype table.
	Criteria Criteria
}

// Criteria configures row exclusion for the phenotype table.
//
// The predicates run in a fixed order and stop at the first one that
// excludes the row: filename sentinel, mean framewise displacement, site,
// sex, then age range.
type Criteria struct {
	// MeanFDThreshold excludes rows whose func_mean_fd is >= this value.
	// A value <= 0 disables the check.
	MeanFDThreshold float64

	// RequireFilename excludes rows whose FILE_ID is "no_filename".
	RequireFilename bool

	// Sites keeps only rows whose SITE_ID is listed (case-insensitive).
	// Empty keeps every site.
	Sites []string

	// Sex keeps only rows of the given sex: "M"/"F", or the ABIDE coding
	// "1"/"2". Empty keeps both.
	Sex string

	// MinAge keeps rows with AGE_AT_SCAN >= MinAge. Zero is unbounded.
	MinAge float64

	// MaxAge keeps rows with AGE_AT_SCAN < MaxAge. Zero is unbounded.
	MaxAge float64
}

// Settings configures where data comes from and where it goes.
//
// Example with defaults:
//
//	cfg := abide.DefaultSettings()
//	cfg.OutputDir = "./abide"
type Settings struct {
	// OutputDir is the local root. Files are saved as
	// <OutputDir>/Outputs/<pipeline>/<strategy>/<derivative>/<file>.
	// If empty, defaults to "data".
	OutputDir string

	// BaseURL is the dataset prefix on the bucket. If empty, DefaultBaseURL.
	BaseURL string

	// PhenotypeURL locates the phenotype CSV. If empty, it is derived from
	// BaseURL and DefaultPhenotypeFile.
	PhenotypeURL string

	// MaxActiveDownloads limits how many files download simultaneously.
	// If <= 0, defaults to 1 (strictly sequential, in plan order).
	MaxActiveDownloads int

	// Timeout bounds each individual HTTP request. Zero means no timeout.
	Timeout time.Duration

	// HTTPClient overrides the transport. If nil, a default client is built.
	HTTPClient *http.Client

	// Logger receives warnings for skipped rows and failed targets.
	// If nil, logs are discarded.
	Logger *slog.Logger
}

// ProgressEvent represents a progress update during a run.
//
// The Event field indicates the type of event:
//   - "pheno_start": The phenotype table is being fetched
//   - "row_skip": A phenotype row was malformed and skipped
//   - "plan_item": A target has been added to the download plan
//   - "file_start": Download of a target has started
//   - "file_progress": Periodic byte count during download
//   - "file_done": Target complete (Message is "skip (exists)" when skipped)
//   - "error": A target failed
//   - "done": All targets processed
type ProgressEvent struct {
	Time       time.Time `json:"time"`
	Level      string    `json:"level,omitempty"`
	Event      string    `json:"event"`
	RunID      string    `json:"runId,omitempty"`
	FileID     string    `json:"fileId,omitempty"`
	Path       string    `json:"path,omitempty"`
	Index      int       `json:"index,omitempty"`
	Count      int       `json:"count,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Downloaded int64     `json:"downloaded,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// ProgressFunc is a callback for receiving progress events.
// With MaxActiveDownloads > 1 it is invoked from multiple goroutines.
type ProgressFunc func(ProgressEvent)

// Summary reports the outcome of a retrieval run.
type Summary struct {
	RunID      string        `json:"runId"`
	Considered int           `json:"considered"`
	Downloaded int           `json:"downloaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Failures   []*FetchError `json:"-"`
	Elapsed    time.Duration `json:"elapsed"`
}

// DefaultCriteria returns the standard ABIDE Preprocessed quality selection:
// drop rows without a file and rows with mean FD >= 0.2.
func DefaultCriteria() Criteria {
	return Criteria{
		MeanFDThreshold: 0.2,
		RequireFilename: true,
	}
}

// DefaultJob returns the AAL ROI time series from DPARSF with band-pass
// filtering and global signal regression.
func DefaultJob() Job {
	return Job{
		Derivative: "rois_aal",
		Pipeline:   "dparsf",
		Strategy:   "filt_global",
		Criteria:   DefaultCriteria(),
	}
}

// DefaultSettings returns Settings with sensible defaults filled in.
func DefaultSettings() Settings {
	return Settings{
		OutputDir:          "data",
		BaseURL:            DefaultBaseURL,
		MaxActiveDownloads: 1,
	}
}
