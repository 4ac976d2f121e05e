// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"errors"
	"io/fs"
	"os"
)

// lockFileName is created in the output directory for the duration of a run.
const lockFileName = ".abidedl.lock"

// ensureDir creates dir and any parents. An existing directory, including one
// created concurrently by another worker, is not an error.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &DirectoryError{Path: dir, Err: err}
	}
	return nil
}

// exists reports whether path is present on disk. Content is not inspected.
func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
