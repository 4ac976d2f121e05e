// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// normalize lower-cases the naming fields and fills empty settings with
// defaults. Caller-supplied values are never replaced.
func normalize(job Job, cfg Settings) (Job, Settings) {
	// A Caser carries state, so each call gets its own.
	lower := cases.Lower(language.Und)
	job.Derivative = lower.String(strings.TrimSpace(job.Derivative))
	job.Pipeline = lower.String(strings.TrimSpace(job.Pipeline))
	job.Strategy = lower.String(strings.TrimSpace(job.Strategy))

	cfg.OutputDir = outputDir(cfg)
	cfg.BaseURL = getBaseURL(cfg.BaseURL)
	if cfg.MaxActiveDownloads <= 0 {
		cfg.MaxActiveDownloads = 1
	}
	return job, cfg
}

// validate checks that the job names a complete derivative directory.
func validate(job Job, cfg Settings) error {
	switch {
	case job.Derivative == "":
		return ErrMissingDerivative
	case job.Pipeline == "":
		return ErrMissingPipeline
	case job.Strategy == "":
		return ErrMissingStrategy
	}
	for _, name := range []string{job.Derivative, job.Pipeline, job.Strategy} {
		if !plainName(name) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	return nil
}

func outputDir(cfg Settings) string {
	return defaultString(cfg.OutputDir, "data")
}

func logger(cfg Settings) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// defaultString returns s if non-empty, otherwise def.
func defaultString(s string, def string) string {
	if s == "" {
		return def
	}
	return s
}
