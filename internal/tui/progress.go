// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/abide-preproc/abidedl/pkg/abide"
)

// LiveRenderer redraws a table of per-file progress for a download run.
// It uses ANSI cursor control on an interactive terminal and falls back
// to appending plain frames otherwise.
type LiveRenderer struct {
	job abide.Job
	cfg abide.Settings
	out io.Writer

	mu       sync.Mutex
	events   chan abide.ProgressEvent
	done     chan struct{}
	exited   chan struct{}
	stopped  bool
	hideCur  bool
	supports bool
	noColor  bool

	board *board
}

// NewLiveRenderer creates a renderer writing to stdout and starts its draw loop.
func NewLiveRenderer(job abide.Job, cfg abide.Settings) *LiveRenderer {
	return newLiveRenderer(os.Stdout, job, cfg, isInteractive() && ansiOkay())
}

func newLiveRenderer(out io.Writer, job abide.Job, cfg abide.Settings, supports bool) *LiveRenderer {
	lr := &LiveRenderer{
		job:      job,
		cfg:      cfg,
		out:      out,
		events:   make(chan abide.ProgressEvent, 2048),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		supports: supports,
		noColor:  os.Getenv("NO_COLOR") != "",
		board:    newBoard(time.Now()),
	}
	if lr.supports {
		fmt.Fprint(out, "\x1b[?25l")
		lr.hideCur = true
	}
	go lr.loop()
	return lr
}

// Close drains pending events, draws the final frame and restores the cursor.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	if lr.stopped {
		lr.mu.Unlock()
		return
	}
	lr.stopped = true
	close(lr.done)
	lr.mu.Unlock()

	<-lr.exited
	if lr.hideCur {
		fmt.Fprint(lr.out, "\x1b[?25h")
	}
	fmt.Fprintln(lr.out)
}

// Handler returns a ProgressFunc that feeds events to the renderer.
// Progress ticks are dropped when the queue is full; state changes are not.
func (lr *LiveRenderer) Handler() abide.ProgressFunc {
	return func(ev abide.ProgressEvent) {
		if ev.Event == "file_progress" {
			select {
			case lr.events <- ev:
			default:
			}
			return
		}
		select {
		case lr.events <- ev:
		case <-lr.done:
		}
	}
}

func (lr *LiveRenderer) loop() {
	defer close(lr.exited)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev := <-lr.events:
			lr.apply(ev)
		case <-ticker.C:
			lr.render()
		case <-lr.done:
			for {
				select {
				case ev := <-lr.events:
					lr.apply(ev)
				default:
					lr.render()
					return
				}
			}
		}
	}
}

func (lr *LiveRenderer) apply(ev abide.ProgressEvent) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.board.apply(ev)
}

func (lr *LiveRenderer) render() {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	w, h := termSize()
	if w < 70 {
		w = 70
	}
	if h < 12 {
		h = 12
	}
	if lr.supports {
		fmt.Fprint(lr.out, "\x1b[H\x1b[2J")
	}
	lr.draw(lr.out, w, h, time.Now())
}

// draw writes one frame. It must be called with lr.mu held.
func (lr *LiveRenderer) draw(out io.Writer, w, h int, now time.Time) {
	b := lr.board
	c := b.tally()
	b.sample(now)

	jobline := fmt.Sprintf("Derivative: %s   Pipeline: %s   Strategy: %s",
		lr.job.Derivative, lr.job.Pipeline, lr.job.Strategy)
	fmt.Fprintln(out, lr.colorize(lr.bold(jobline), "fg=cyan"))

	crit := lr.job.Criteria
	cfgline := fmt.Sprintf("Out: %s   MaxActive: %d   MeanFD < %v   Malformed rows: %d",
		lr.cfg.OutputDir, lr.cfg.MaxActiveDownloads, crit.MeanFDThreshold, b.malformed)
	fmt.Fprintln(out, lr.dim(cfgline))

	prog := 0.0
	if c.files > 0 {
		prog = float64(c.finished()) / float64(c.files)
	}
	fmt.Fprintf(out, "%s  %s  %d/%d files  %s  %s/s  elapsed %s\n",
		lr.colorize(renderBar(int(float64(w)*0.4), prog), "fg=green"),
		percent(prog),
		c.finished(), c.files,
		humanize.IBytes(uint64(c.bytes)),
		humanize.IBytes(uint64(b.speed)),
		fmtDuration(now.Sub(b.start)),
	)
	fmt.Fprintf(out, "done %d  skipped %d  failed %d  active %d  queued %d\n",
		c.done, c.skipped, c.failed, c.active, c.queued)

	fmt.Fprintln(out)
	fmt.Fprintln(out, lr.bold(strings.Join([]string{"Status", "File", "Progress"}, "  ")))

	maxRows := h - 9
	if maxRows < 3 {
		maxRows = 3
	}
	for _, fs := range b.visible(maxRows) {
		fmt.Fprintln(out, lr.fileRow(fs, w))
	}

	if b.finished {
		fmt.Fprintln(out, lr.dim(b.summary))
	} else if lr.supports {
		fmt.Fprintln(out, lr.dim(fmt.Sprintf("Press Ctrl+C to cancel • %s %s", runtime.GOOS, runtime.GOARCH)))
	}
}

func (lr *LiveRenderer) fileRow(fs *fileState, w int) string {
	const statusW = 13
	remain := w - statusW - 4
	if remain < 30 {
		remain = 30
	}
	fileW := remain / 2
	progressW := remain - fileW

	var st, col string
	switch fs.status {
	case statusDownloading:
		st, col = "▶", "fg=yellow"
	case statusDone:
		st, col = "✓", "fg=green"
	case statusSkip:
		st, col = "•", "fg=blue"
	case statusError:
		st, col = "×", "fg=red"
	default:
		st, col = "…", "fg=magenta"
	}
	status := lr.colorize(pad(st+" "+string(fs.status), statusW), col)
	name := ellipsizeMiddle(fs.path, fileW)

	var progress string
	switch {
	case fs.status == statusError:
		progress = fs.err
	case fs.status == statusSkip:
		progress = fs.note
	case fs.total > 0:
		p := float64(fs.bytes) / float64(fs.total)
		if p > 1 {
			p = 1
		}
		progress = renderBar(progressW-22, p) + fmt.Sprintf(" %s/%s %s",
			humanize.IBytes(uint64(fs.bytes)), humanize.IBytes(uint64(fs.total)), percent(p))
	case fs.bytes > 0:
		progress = humanize.IBytes(uint64(fs.bytes))
	}
	if utf8.RuneCountInString(progress) > progressW {
		progress = string([]rune(progress)[:progressW])
	}
	return fmt.Sprintf("%s  %s  %s", status, name, progress)
}

type fileStatus string

const (
	statusQueued      fileStatus = "queued"
	statusDownloading fileStatus = "downloading"
	statusDone        fileStatus = "done"
	statusSkip        fileStatus = "skip"
	statusError       fileStatus = "error"
)

type fileState struct {
	path    string
	fileID  string
	index   int
	total   int64
	bytes   int64
	status  fileStatus
	err     string
	note    string
	touched time.Time
}

// board is the renderer's view of a run, built only from progress events.
type board struct {
	start     time.Time
	files     map[string]*fileState
	malformed int
	finished  bool
	summary   string

	lastBytes int64
	lastTick  time.Time
	speed     float64
}

type counts struct {
	files, queued, active, done, skipped, failed int
	bytes                                        int64
}

func (c counts) finished() int { return c.done + c.skipped + c.failed }

func newBoard(start time.Time) *board {
	return &board{start: start, files: map[string]*fileState{}}
}

func (b *board) apply(ev abide.ProgressEvent) {
	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}
	switch ev.Event {
	case "row_skip":
		b.malformed++
	case "plan_item":
		fs := b.ensure(ev)
		if fs.status == "" {
			fs.status = statusQueued
		}
	case "file_start":
		fs := b.ensure(ev)
		fs.status = statusDownloading
		fs.touched = now
	case "file_progress":
		fs := b.ensure(ev)
		if ev.Total > 0 {
			fs.total = ev.Total
		}
		if ev.Downloaded > fs.bytes {
			fs.bytes = ev.Downloaded
		}
		fs.touched = now
	case "file_done":
		fs := b.ensure(ev)
		if strings.HasPrefix(strings.ToLower(ev.Message), "skip") {
			fs.status = statusSkip
			fs.note = ev.Message
		} else {
			fs.status = statusDone
			if fs.total > 0 {
				fs.bytes = fs.total
			}
		}
		fs.touched = now
	case "error":
		// Run-level failures end the run without a done event.
		if ev.Path == "" {
			b.finished = true
			b.summary = ev.Message
			return
		}
		fs := b.ensure(ev)
		fs.status = statusError
		fs.err = ev.Message
		fs.touched = now
	case "done":
		b.finished = true
		b.summary = ev.Message
	}
}

func (b *board) ensure(ev abide.ProgressEvent) *fileState {
	if fs, ok := b.files[ev.Path]; ok {
		return fs
	}
	fs := &fileState{path: ev.Path, fileID: ev.FileID, index: ev.Index}
	b.files[ev.Path] = fs
	return fs
}

func (b *board) tally() counts {
	var c counts
	for _, fs := range b.files {
		c.files++
		c.bytes += fs.bytes
		switch fs.status {
		case statusDownloading:
			c.active++
		case statusDone:
			c.done++
		case statusSkip:
			c.skipped++
		case statusError:
			c.failed++
		default:
			c.queued++
		}
	}
	return c
}

// sample updates the smoothed overall transfer rate.
func (b *board) sample(now time.Time) {
	bytes := b.tally().bytes
	if b.lastTick.IsZero() {
		b.lastTick, b.lastBytes = now, bytes
		return
	}
	dt := now.Sub(b.lastTick).Seconds()
	if dt < 0.05 {
		return
	}
	if inst := float64(bytes-b.lastBytes) / dt; inst >= 0 {
		b.speed = smoothSpeed(inst, b.speed)
	}
	b.lastTick, b.lastBytes = now, bytes
}

// visible picks up to n rows: active files first, then the most recently
// finished, then the head of the queue in plan order.
func (b *board) visible(n int) []*fileState {
	var active, finished, queued []*fileState
	for _, fs := range b.files {
		switch fs.status {
		case statusDownloading:
			active = append(active, fs)
		case statusDone, statusSkip, statusError:
			finished = append(finished, fs)
		default:
			queued = append(queued, fs)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].index < active[j].index })
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].touched.Equal(finished[j].touched) {
			return finished[i].index > finished[j].index
		}
		return finished[i].touched.After(finished[j].touched)
	})
	sort.Slice(queued, func(i, j int) bool { return queued[i].index < queued[j].index })

	out := make([]*fileState, 0, n)
	for _, group := range [][]*fileState{active, finished, queued} {
		for _, fs := range group {
			if len(out) == n {
				return out
			}
			out = append(out, fs)
		}
	}
	return out
}

const speedSmoothingFactor = 0.3

func smoothSpeed(current, previous float64) float64 {
	if previous == 0 {
		return current
	}
	return speedSmoothingFactor*current + (1-speedSmoothingFactor)*previous
}

func ellipsizeMiddle(s string, w int) string {
	if w <= 3 || utf8.RuneCountInString(s) <= w {
		return pad(s, w)
	}
	runes := []rune(s)
	half := (w - 3) / 2
	return pad(string(runes[:half])+"..."+string(runes[len(runes)-half:]), w)
}

func pad(s string, w int) string {
	r := utf8.RuneCountInString(s)
	if r >= w {
		return s
	}
	return s + strings.Repeat(" ", w-r)
}

func renderBar(width int, p float64) string {
	if width < 3 {
		width = 3
	}
	if p < 0 {
		p = 0
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func percent(p float64) string {
	return fmt.Sprintf("%3.0f%%", p*100)
}

func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func termSize() (int, int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 100, 30
	}
	return w, h
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func ansiOkay() bool {
	return strings.ToLower(os.Getenv("TERM")) != "dumb"
}

func (lr *LiveRenderer) colorize(s, style string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	switch style {
	case "fg=green":
		return "\x1b[32m" + s + "\x1b[0m"
	case "fg=yellow":
		return "\x1b[33m" + s + "\x1b[0m"
	case "fg=red":
		return "\x1b[31m" + s + "\x1b[0m"
	case "fg=blue":
		return "\x1b[34m" + s + "\x1b[0m"
	case "fg=magenta":
		return "\x1b[35m" + s + "\x1b[0m"
	case "fg=cyan":
		return "\x1b[36m" + s + "\x1b[0m"
	default:
		return s
	}
}

func (lr *LiveRenderer) bold(s string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	return "\x1b[1m" + s + "\x1b[0m"
}

func (lr *LiveRenderer) dim(s string) string {
	if lr.noColor || !lr.supports {
		return s
	}
	return "\x1b[2m" + s + "\x1b[0m"
}
