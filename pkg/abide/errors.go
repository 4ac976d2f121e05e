// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the library.
var (
	// ErrMissingDerivative is returned when the job names no derivative.
	ErrMissingDerivative = errors.New("missing derivative")

	// ErrMissingPipeline is returned when the job names no pipeline.
	ErrMissingPipeline = errors.New("missing pipeline")

	// ErrMissingStrategy is returned when the job names no strategy.
	ErrMissingStrategy = errors.New("missing strategy")

	// ErrOutputLocked is returned when another run holds the output directory lock.
	ErrOutputLocked = errors.New("output directory is locked by another run")

	// ErrIncomplete is returned by callers that treat failed targets as fatal.
	ErrIncomplete = errors.New("one or more targets failed to download")

	// ErrNotFound is returned when the remote object does not exist.
	ErrNotFound = errors.New("remote object not found")

	// ErrForbidden is returned when the bucket refuses access to an object.
	ErrForbidden = errors.New("access to remote object denied")

	// ErrUnsafePath is returned when a name would place a file outside the
	// output directory.
	ErrUnsafePath = errors.New("path escapes output directory")
)

// SchemaError is returned when the phenotype header lacks required columns.
type SchemaError struct {
	Missing []string
	Header  []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("phenotype header missing required column(s) %s (header: %s)",
		strings.Join(e.Missing, ", "), strings.Join(e.Header, ","))
}

// RowParseError describes a phenotype row that could not be extracted.
type RowParseError struct {
	Line   int
	Column string
	Err    error
}

func (e *RowParseError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("row %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("row %d: column %s: %v", e.Line, e.Column, e.Err)
}

func (e *RowParseError) Unwrap() error {
	return e.Err
}

// FetchError wraps a failed retrieval with target context.
type FetchError struct {
	URL        string
	Path       string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for common status comparisons.
func (e *FetchError) Is(target error) bool {
	switch e.StatusCode {
	case 403:
		return target == ErrForbidden
	case 404:
		return target == ErrNotFound
	default:
		return false
	}
}

// DirectoryError is returned when a destination directory cannot be created.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("create directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}
