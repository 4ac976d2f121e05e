// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/abide-preproc/abidedl/pkg/abide"
)

func feed(b *board, evs ...abide.ProgressEvent) {
	for _, ev := range evs {
		b.apply(ev)
	}
}

func TestBoardLifecycle(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBoard(t0)

	feed(b,
		abide.ProgressEvent{Event: "row_skip", Message: "line 9: bad age"},
		abide.ProgressEvent{Event: "plan_item", Path: "a.1D", Index: 1, Count: 4},
		abide.ProgressEvent{Event: "plan_item", Path: "b.1D", Index: 2, Count: 4},
		abide.ProgressEvent{Event: "plan_item", Path: "c.1D", Index: 3, Count: 4},
		abide.ProgressEvent{Event: "plan_item", Path: "d.1D", Index: 4, Count: 4},
		abide.ProgressEvent{Event: "file_start", Path: "a.1D", Time: t0},
		abide.ProgressEvent{Event: "file_progress", Path: "a.1D", Total: 100, Downloaded: 40, Time: t0},
	)
	c := b.tally()
	if c.files != 4 || c.active != 1 || c.queued != 3 || c.bytes != 40 {
		t.Fatalf("mid-run tally = %+v", c)
	}
	if b.malformed != 1 {
		t.Errorf("malformed = %d, want 1", b.malformed)
	}

	feed(b,
		abide.ProgressEvent{Event: "file_done", Path: "a.1D", Time: t0.Add(time.Second)},
		abide.ProgressEvent{Event: "file_done", Path: "b.1D", Message: "skip (exists)", Time: t0.Add(2 * time.Second)},
		abide.ProgressEvent{Event: "file_start", Path: "c.1D", Time: t0.Add(2 * time.Second)},
		abide.ProgressEvent{Event: "error", Path: "c.1D", Message: "HTTP 404", Time: t0.Add(3 * time.Second)},
		abide.ProgressEvent{Event: "error", Message: "run-level error without a path"},
		abide.ProgressEvent{Event: "done", Message: "done (downloaded 1, skipped 1, failed 1 of 4)"},
	)
	c = b.tally()
	if c.done != 1 || c.skipped != 1 || c.failed != 1 || c.queued != 1 || c.active != 0 {
		t.Fatalf("final tally = %+v", c)
	}
	if c.files != 4 {
		t.Errorf("path-less error created a row: %d files", c.files)
	}
	if b.files["a.1D"].bytes != 100 {
		t.Errorf("finished file bytes = %d, want total", b.files["a.1D"].bytes)
	}
	if !b.finished || !strings.Contains(b.summary, "failed 1") {
		t.Errorf("finished=%v summary=%q", b.finished, b.summary)
	}
}

func TestBoardRunLevelError(t *testing.T) {
	b := newBoard(time.Now())
	feed(b,
		abide.ProgressEvent{Event: "plan_item", Path: "a.1D", Index: 1, Count: 1},
		abide.ProgressEvent{Event: "error", Level: "error", Message: "canceled (downloaded 0, skipped 0, failed 0 of 1): context canceled"},
	)
	if !b.finished || !strings.HasPrefix(b.summary, "canceled") {
		t.Errorf("finished=%v summary=%q", b.finished, b.summary)
	}
	if c := b.tally(); c.files != 1 || c.failed != 0 {
		t.Errorf("tally = %+v", c)
	}
}

func TestBoardVisibleOrder(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBoard(t0)
	for i, p := range []string{"a", "b", "c", "d", "e"} {
		b.apply(abide.ProgressEvent{Event: "plan_item", Path: p, Index: i + 1})
	}
	feed(b,
		abide.ProgressEvent{Event: "file_done", Path: "a", Time: t0.Add(time.Second)},
		abide.ProgressEvent{Event: "file_done", Path: "b", Time: t0.Add(2 * time.Second)},
		abide.ProgressEvent{Event: "file_start", Path: "c", Time: t0.Add(3 * time.Second)},
	)

	var got []string
	for _, fs := range b.visible(4) {
		got = append(got, fs.path)
	}
	if want := "c b a d"; strings.Join(got, " ") != want {
		t.Errorf("visible = %v, want %s", got, want)
	}
}

func TestLiveRendererPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	job := abide.DefaultJob()
	cfg := abide.DefaultSettings()
	lr := newLiveRenderer(&buf, job, cfg, false)

	h := lr.Handler()
	h(abide.ProgressEvent{Event: "plan_item", FileID: "NYU_0050952", Path: "Outputs/dparsf/filt_global/rois_aal/NYU_0050952_rois_aal.1D", Index: 1, Count: 1})
	h(abide.ProgressEvent{Event: "file_start", Path: "Outputs/dparsf/filt_global/rois_aal/NYU_0050952_rois_aal.1D", Index: 1, Count: 1})
	h(abide.ProgressEvent{Event: "file_done", Path: "Outputs/dparsf/filt_global/rois_aal/NYU_0050952_rois_aal.1D", Index: 1, Count: 1})
	h(abide.ProgressEvent{Event: "done", Count: 1, Message: "done (downloaded 1, skipped 0, failed 0 of 1)"})
	lr.Close()
	lr.Close()

	got := buf.String()
	if strings.Contains(got, "\x1b[") {
		t.Errorf("plain output contains ANSI escapes: %q", got)
	}
	for _, want := range []string{
		"Derivative: rois_aal",
		"Pipeline: dparsf",
		"1/1 files",
		"done 1",
		"_rois_aal.1D",
		"done (downloaded 1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestEllipsizeMiddle(t *testing.T) {
	if got := ellipsizeMiddle("short", 8); got != "short   " {
		t.Errorf("short = %q", got)
	}
	got := ellipsizeMiddle("Outputs/dparsf/filt_global/rois_aal/NYU_0050952_rois_aal.1D", 21)
	if !strings.HasPrefix(got, "Outputs/d...") || !strings.HasSuffix(got, "_aal.1D") {
		t.Errorf("long = %q", got)
	}
	if n := len([]rune(got)); n != 21 {
		t.Errorf("long width = %d, want 21", n)
	}
}

func TestFmtDuration(t *testing.T) {
	tests := map[time.Duration]string{
		-time.Second:                "00:00",
		75 * time.Second:            "01:15",
		2*time.Hour + 3*time.Minute: "02:03:00",
	}
	for d, want := range tests {
		if got := fmtDuration(d); got != want {
			t.Errorf("fmtDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
