// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// progressReader wraps an io.Reader and emits progress events during reads.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	fileID     string
	path       string
	emit       func(ProgressEvent)
	lastEmit   time.Time
	interval   time.Duration
}

func newProgressReader(r io.Reader, total int64, t Target, emit func(ProgressEvent)) *progressReader {
	return &progressReader{
		reader:   r,
		total:    total,
		fileID:   t.FileID,
		path:     t.RelativePath,
		emit:     emit,
		lastEmit: time.Now(),
		interval: 200 * time.Millisecond,
	}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		if time.Since(pr.lastEmit) >= pr.interval || err == io.EOF {
			pr.emit(ProgressEvent{
				Event:      "file_progress",
				FileID:     pr.fileID,
				Path:       pr.path,
				Downloaded: pr.downloaded,
				Total:      pr.total,
			})
			pr.lastEmit = time.Now()
		}
	}
	return n, err
}

// Download fetches the phenotype table, selects rows with job.Criteria and
// retrieves every selected target into cfg.OutputDir.
//
// A target whose destination already exists is skipped without any network
// request. A failed target is logged and reported in the Summary; it does not
// stop the run. The returned error is reserved for failures that abort the
// whole run: schema errors, an unusable output directory, a held lock, or
// ctx cancellation.
func Download(ctx context.Context, job Job, cfg Settings, progress ProgressFunc) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job, cfg = normalize(job, cfg)
	if err := validate(job, cfg); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	cfg.Logger = logger(cfg).With("run_id", runID)
	emit := emitter(runID, progress)

	plan, err := buildPlan(ctx, job, cfg, emit)
	if err != nil {
		emit(ProgressEvent{Level: "error", Event: "error", Message: err.Error()})
		return nil, err
	}
	return retrieve(ctx, plan, cfg, runID, emit)
}

// Retrieve downloads the targets of an existing plan. It is the retrieval
// half of Download and follows the same skip and failure rules.
func Retrieve(ctx context.Context, plan *Plan, cfg Settings, progress ProgressFunc) (*Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, cfg = normalize(Job{}, cfg)
	runID := uuid.NewString()
	cfg.Logger = logger(cfg).With("run_id", runID)
	return retrieve(ctx, plan, cfg, runID, emitter(runID, progress))
}

func emitter(runID string, progress ProgressFunc) func(ProgressEvent) {
	return func(ev ProgressEvent) {
		if progress == nil {
			return
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}
		ev.RunID = runID
		progress(ev)
	}
}

// retriever carries the per-run state shared by workers.
type retriever struct {
	cfg   Settings
	httpc *http.Client
	log   *slog.Logger
	emit  func(ProgressEvent)
	count int

	// destinations already taken by an earlier target in this run
	claimed sync.Map

	downloaded atomic.Int64
	skipped    atomic.Int64

	mu       sync.Mutex
	failures []*FetchError
}

func retrieve(ctx context.Context, plan *Plan, cfg Settings, runID string, emit func(ProgressEvent)) (*Summary, error) {
	start := time.Now()
	log := logger(cfg)

	if err := ensureDir(cfg.OutputDir); err != nil {
		emit(ProgressEvent{Level: "error", Event: "error", Message: err.Error()})
		return nil, err
	}

	lock := flock.New(filepath.Join(cfg.OutputDir, lockFileName))
	locked, err := lock.TryLock()
	if err == nil && !locked {
		err = fmt.Errorf("%s: %w", cfg.OutputDir, ErrOutputLocked)
	} else if err != nil {
		err = fmt.Errorf("acquire output lock: %w", err)
	}
	if err != nil {
		log.Error("output directory unavailable", "output", cfg.OutputDir, "error", err)
		emit(ProgressEvent{Level: "error", Event: "error", Message: err.Error()})
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("release output lock", "error", err)
		}
	}()

	r := &retriever{
		cfg:   cfg,
		httpc: buildHTTPClient(cfg),
		log:   log,
		emit:  emit,
		count: len(plan.Targets),
	}
	log.Info("retrieving targets", "count", r.count, "output", cfg.OutputDir, "max_active", cfg.MaxActiveDownloads)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxActiveDownloads)

	for i, t := range plan.Targets {
		if gctx.Err() != nil {
			break
		}
		idx, target := i+1, t
		emit(ProgressEvent{Event: "plan_item", FileID: target.FileID, Path: target.RelativePath, Index: idx, Count: r.count})
		g.Go(func() error {
			r.run(gctx, idx, target)
			return nil
		})
	}
	_ = g.Wait()

	sum := &Summary{
		RunID:      runID,
		Considered: r.count,
		Downloaded: int(r.downloaded.Load()),
		Skipped:    int(r.skipped.Load()),
		Failed:     len(r.failures),
		Failures:   r.failures,
		Elapsed:    time.Since(start),
	}
	if err := ctx.Err(); err != nil {
		log.Warn("retrieval canceled",
			"considered", sum.Considered, "downloaded", sum.Downloaded, "skipped", sum.Skipped, "failed", sum.Failed)
		emit(ProgressEvent{
			Level:   "error",
			Event:   "error",
			Count:   sum.Considered,
			Message: fmt.Sprintf("canceled (downloaded %d, skipped %d, failed %d of %d): %v", sum.Downloaded, sum.Skipped, sum.Failed, sum.Considered, err),
		})
		return sum, err
	}

	log.Info("retrieval complete",
		"considered", sum.Considered, "downloaded", sum.Downloaded, "skipped", sum.Skipped, "failed", sum.Failed)
	emit(ProgressEvent{
		Event:   "done",
		Count:   sum.Considered,
		Message: fmt.Sprintf("done (downloaded %d, skipped %d, failed %d of %d)", sum.Downloaded, sum.Skipped, sum.Failed, sum.Considered),
	})
	return sum, nil
}

// run drives one target through Fetching to Done or Failed. There are no retries.
func (r *retriever) run(ctx context.Context, idx int, t Target) {
	if !withinDir(r.cfg.OutputDir, t.Destination) {
		r.fail(idx, t, &FetchError{URL: t.URL, Path: t.Destination, Err: ErrUnsafePath})
		return
	}
	if _, loaded := r.claimed.LoadOrStore(t.Destination, struct{}{}); loaded {
		r.skip(idx, t, "skip (duplicate)")
		return
	}

	if err := ensureDir(filepath.Dir(t.Destination)); err != nil {
		r.fail(idx, t, &FetchError{URL: t.URL, Path: t.Destination, Err: err})
		return
	}

	present, err := exists(t.Destination)
	if err != nil {
		r.fail(idx, t, &FetchError{URL: t.URL, Path: t.Destination, Err: err})
		return
	}
	if present {
		r.skip(idx, t, "skip (exists)")
		return
	}

	r.emit(ProgressEvent{Event: "file_start", FileID: t.FileID, Path: t.RelativePath, Index: idx, Count: r.count})
	r.log.Debug("fetching", "file_id", t.FileID, "url", t.URL)

	if err := r.fetch(ctx, t); err != nil {
		// Interrupted transfers are not failures of the target.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			r.log.Debug("fetch interrupted", "file_id", t.FileID, "url", t.URL)
			return
		}
		r.fail(idx, t, err)
		return
	}
	r.downloaded.Add(1)
	r.emit(ProgressEvent{Event: "file_done", FileID: t.FileID, Path: t.RelativePath, Index: idx, Count: r.count})
}

// fetch streams the target into a .part file and renames it into place, so a
// destination only ever appears complete.
func (r *retriever) fetch(ctx context.Context, t Target) *FetchError {
	resp, cancel, err := get(ctx, r.httpc, r.cfg.Timeout, t.URL)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			fe.Path = t.Destination
			return fe
		}
		return &FetchError{URL: t.URL, Path: t.Destination, Err: err}
	}
	defer cancel()
	defer resp.Body.Close()

	tmp := t.Destination + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return &FetchError{URL: t.URL, Path: t.Destination, Err: err}
	}

	pr := newProgressReader(resp.Body, resp.ContentLength, t, r.emit)
	_, err = io.Copy(out, pr)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, t.Destination)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return &FetchError{URL: t.URL, Path: t.Destination, Err: err}
	}
	return nil
}

func (r *retriever) skip(idx int, t Target, reason string) {
	r.skipped.Add(1)
	r.log.Debug("target skipped", "file_id", t.FileID, "path", t.Destination, "reason", reason)
	r.emit(ProgressEvent{Event: "file_done", FileID: t.FileID, Path: t.RelativePath, Index: idx, Count: r.count, Message: reason})
}

func (r *retriever) fail(idx int, t Target, fe *FetchError) {
	r.mu.Lock()
	r.failures = append(r.failures, fe)
	r.mu.Unlock()
	r.log.Warn("target failed", "file_id", t.FileID, "url", t.URL, "error", fe)
	r.emit(ProgressEvent{Level: "error", Event: "error", FileID: t.FileID, Path: t.RelativePath, Index: idx, Count: r.count, Message: fe.Error()})
}
