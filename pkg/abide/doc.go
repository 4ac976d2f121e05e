// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package abide downloads derivatives of the ABIDE Preprocessed dataset from the
public FCP-INDI bucket, selecting subjects from the phenotype table.

# Quick Start

	job := abide.DefaultJob() // rois_aal, dparsf, filt_global, mean FD < 0.2
	cfg := abide.DefaultSettings()
	cfg.OutputDir = "./abide"

	sum, err := abide.Download(context.Background(), job, cfg, nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("downloaded %d, skipped %d, failed %d\n", sum.Downloaded, sum.Skipped, sum.Failed)

# Selection

The phenotype table must carry SITE_ID, FILE_ID, AGE_AT_SCAN, SEX and
func_mean_fd; otherwise a *SchemaError is returned before anything is
selected. Rows with a missing field or a non-numeric age or mean FD are
skipped with a warning. Surviving rows are then excluded, in order, when:

  - FILE_ID is "no_filename" (Criteria.RequireFilename)
  - func_mean_fd >= Criteria.MeanFDThreshold
  - SITE_ID is not in Criteria.Sites, when set
  - SEX differs from Criteria.Sex, when set
  - AGE_AT_SCAN falls outside [Criteria.MinAge, Criteria.MaxAge), when set

Select and Evaluate work on an already parsed table and have no side effects.

# Layout

Each selected FILE_ID maps to

	<BaseURL>/Outputs/<pipeline>/<strategy>/<derivative>/<FILE_ID>_<derivative><ext>

and is saved under the same relative path in Settings.OutputDir. The
extension is ".1D" for ROI time series and ".nii.gz" otherwise.

# Idempotence

A target whose destination exists is skipped without a request. Content is
not verified, so delete a file to force it to be fetched again. Downloads are
written to a ".part" file and renamed on completion.

# Concurrency

Targets are fetched one at a time in plan order unless
Settings.MaxActiveDownloads is raised. A lock file in the output directory
keeps two runs from writing the same tree.
*/
package abide
