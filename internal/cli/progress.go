// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/abide-preproc/abidedl/internal/tui"
	"github.com/abide-preproc/abidedl/pkg/abide"
)

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// wantsTUI reports whether the live table should own the terminal.
func wantsTUI(mode string) bool {
	switch strings.ToLower(mode) {
	case "tui":
		return true
	case "auto", "":
		return stdoutIsTerminal()
	default:
		return false
	}
}

// selectProgress picks the progress handler and returns a func that must run
// once the download returns.
func selectProgress(ro *RootOpts, opts *downloadOpts, useTUI bool, job abide.Job, cfg abide.Settings) (abide.ProgressFunc, func()) {
	switch {
	case ro.JSONOut:
		return jsonProgress(os.Stdout), func() {}
	case ro.Quiet:
		return cliProgress(os.Stdout, job), func() {}
	case useTUI:
		ui := tui.NewLiveRenderer(job, cfg)
		return ui.Handler(), ui.Close
	case strings.ToLower(opts.progress) == "bar":
		return barProgress(os.Stderr)
	default:
		return cliProgress(os.Stdout, job), func() {}
	}
}

// cliProgress returns a simple text-based progress handler.
func cliProgress(w io.Writer, job abide.Job) abide.ProgressFunc {
	skip := color.New(color.FgBlue).SprintFunc()
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	var mu sync.Mutex
	return func(ev abide.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case "pheno_start":
			fmt.Fprintf(w, "Collecting %s/%s/%s from %s ...\n", job.Pipeline, job.Strategy, job.Derivative, ev.Path)
		case "row_skip":
			fmt.Fprintf(w, "%s %s\n", warn("skip row:"), ev.Message)
		case "file_start":
			fmt.Fprintf(w, "retrieving: %s\n", ev.Path)
		case "file_done":
			if strings.HasPrefix(ev.Message, "skip") {
				fmt.Fprintf(w, "%s %s %s\n", skip("skip:"), ev.Path, ev.Message)
			} else {
				fmt.Fprintf(w, "%s %s (%s complete)\n", ok("done:"), ev.Path, percentOf(ev.Index, ev.Count))
			}
		case "error":
			fmt.Fprintf(w, "%s %s\n", bad("error:"), ev.Message)
		case "done":
			fmt.Fprintln(w, ev.Message)
		}
	}
}

// barProgress renders a single file-count bar.
func barProgress(w io.Writer) (abide.ProgressFunc, func()) {
	var (
		mu  sync.Mutex
		bar *pb.ProgressBar
	)
	handler := func(ev abide.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case "plan_item":
			if bar == nil {
				bar = pb.New(ev.Count)
				bar.SetWriter(w)
				bar.Start()
			}
		case "file_done":
			if bar != nil {
				bar.Increment()
			}
		case "error":
			if bar != nil && ev.Path != "" {
				bar.Increment()
			}
		}
	}
	finish := func() {
		mu.Lock()
		defer mu.Unlock()
		if bar != nil {
			bar.Finish()
		}
	}
	return handler, finish
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) abide.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev abide.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}

func percentOf(n, total int) string {
	if total <= 0 {
		return "100.0%"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(n)/float64(total))
}
