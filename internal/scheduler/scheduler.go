// Package scheduler partitions work items into bounded-concurrency batches
// and drives fan-out/fan-in execution.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/auditforge/auditforge/internal/budget"
	"github.com/auditforge/auditforge/internal/db"
	"github.com/auditforge/auditforge/internal/run"
	"github.com/auditforge/auditforge/internal/worker"
)

// Scheduler executes a phase's work items batch by batch. Batches run
// strictly sequentially; items within a batch run concurrently. The run
// document is persisted only at batch boundaries, so an interrupted batch
// is fully re-derived on resume.
type Scheduler struct {
	store       *run.Store
	invoker     worker.Invoker
	est         *budget.Estimator
	events      *db.DB // nil disables event logging
	log         *zap.Logger
	progress    io.Writer // live progress output; nil = silent
	ceiling     int       // tier concurrency ceiling for batch sizing
	itemTimeout time.Duration
}

// New creates a Scheduler.
func New(store *run.Store, invoker worker.Invoker, est *budget.Estimator, events *db.DB, ceiling int, itemTimeout time.Duration, log *zap.Logger) *Scheduler {
	if est == nil {
		est = budget.NewEstimator()
	}
	if itemTimeout <= 0 {
		itemTimeout = 20 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:       store,
		invoker:     invoker,
		est:         est,
		events:      events,
		log:         log,
		ceiling:     ceiling,
		itemTimeout: itemTimeout,
	}
}

// Batch markers for the out-of-band rounds, recorded as the batch number in
// the event log.
const (
	retryBatch        = -1
	supplementalBatch = -2
)

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (s *Scheduler) SetProgress(w io.Writer) {
	s.progress = w
}

// Estimator exposes the sizing estimator for phase-level planning.
func (s *Scheduler) Estimator() *budget.Estimator {
	return s.est
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.progress != nil {
		fmt.Fprintf(s.progress, "  → "+format+"\n", args...)
	}
}

// PhaseResult summarizes one RunPhase invocation.
type PhaseResult struct {
	Phase      string        `json:"phase"`
	Batches    int           `json:"batches"`
	BatchSize  int           `json:"batch_size"`
	Dispatched int           `json:"dispatched"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"` // already succeeded before this call
	Duration   time.Duration `json:"duration"`
}

// RunPhase registers items with the run document, partitions the unfinished
// ones into batches, and executes them. It is re-entrant: items already
// succeeded in the store are skipped, and items left queued, running, or
// failed by a crash are re-dispatched.
func (s *Scheduler) RunPhase(ctx context.Context, r *run.Run, phase string, items []*run.WorkItem) (*PhaseResult, error) {
	start := time.Now()

	items = s.est.SplitOversized(items)
	merged := s.register(r, phase, items)

	var pending []*run.WorkItem
	result := &PhaseResult{Phase: phase}
	for _, item := range merged {
		if item.Status == run.ItemSucceeded {
			result.Skipped++
			continue
		}
		pending = append(pending, item)
	}

	result.BatchSize = budget.Clamp(budget.BatchSize(budget.Average(merged)), s.ceiling)
	if err := s.store.Save(r); err != nil {
		return nil, fmt.Errorf("persist phase items: %w", err)
	}

	batches := partition(pending, result.BatchSize)
	s.logf("phase %s: %d items (%d already done), %d batches of up to %d",
		phase, len(merged), result.Skipped, len(batches), result.BatchSize)

	for n, batch := range batches {
		if err := s.runBatch(ctx, r, phase, n, batch); err != nil {
			return nil, err
		}
		result.Batches++
	}

	for _, item := range merged {
		switch item.Status {
		case run.ItemSucceeded:
			result.Succeeded++
		case run.ItemFailed:
			result.Failed++
		}
	}
	result.Dispatched = len(pending)
	result.Duration = time.Since(start)
	return result, nil
}

// RunRetries re-dispatches items the quality gate marked needs_retry as one
// extra batch, carrying the gate's feedback into the worker invocation.
func (s *Scheduler) RunRetries(ctx context.Context, r *run.Run, phase string, items []*run.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	s.logf("phase %s: retry round for %d items", phase, len(items))
	return s.runBatch(ctx, r, phase, retryBatch, items)
}

// RunSupplemental executes synthetic coverage items as exactly one
// additional small batch. Anything beyond one batch worth of gaps is
// recorded but not dispatched; gap-chasing never recurses.
func (s *Scheduler) RunSupplemental(ctx context.Context, r *run.Run, phase string, items []*run.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	size := budget.Clamp(budget.BatchSize(budget.Average(items)), s.ceiling)
	if len(items) > size {
		s.logf("phase %s: %d coverage items exceed one batch, dispatching first %d", phase, len(items), size)
		items = items[:size]
	}
	s.register(r, phase, items)
	if err := s.store.Save(r); err != nil {
		return 0, fmt.Errorf("persist supplemental items: %w", err)
	}
	if err := s.runBatch(ctx, r, phase, supplementalBatch, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// register merges items into the run document, keeping any previously
// recorded status and retry accounting, and returns the phase's item set in
// deterministic order.
func (s *Scheduler) register(r *run.Run, phase string, items []*run.WorkItem) []*run.WorkItem {
	if r.Items == nil {
		r.Items = make(map[string]*run.WorkItem)
	}
	for _, item := range items {
		if _, ok := r.Items[item.ID]; ok {
			continue
		}
		if item.Status == "" {
			item.Status = run.ItemQueued
		}
		r.Items[item.ID] = item
	}
	merged := r.PhaseItems(phase)
	if p := r.PhaseByName(phase); p != nil {
		p.ItemsTotal = len(merged)
	}
	return merged
}

// runBatch dispatches all members concurrently, blocks on the all-of-N join,
// then persists progress. A failed item never aborts its batch.
func (s *Scheduler) runBatch(ctx context.Context, r *run.Run, phase string, n int, batch []*run.WorkItem) error {
	batchStart := time.Now()
	for _, item := range batch {
		item.Status = run.ItemRunning
	}
	if err := s.store.Save(r); err != nil {
		return fmt.Errorf("persist batch start: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	durations := make(map[string]time.Duration, len(batch))

	for _, item := range batch {
		item := item
		g.Go(func() error {
			ictx, cancel := context.WithTimeout(gctx, s.itemTimeout)
			defer cancel()

			itemStart := time.Now()
			outcome, err := s.invoker.Invoke(ictx, item, item.Feedback)

			mu.Lock()
			defer mu.Unlock()
			durations[item.ID] = time.Since(itemStart)
			if err != nil {
				// Infrastructure failure: recorded like any other failure so
				// the batch still resolves.
				item.Status = run.ItemFailed
				s.log.Error("worker invocation error",
					zap.String("item", item.ID), zap.Error(err))
				return nil
			}
			item.Status = outcome.Status
			if outcome.Detail != "" {
				s.log.Debug("worker outcome",
					zap.String("item", item.ID), zap.String("detail", outcome.Detail))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Batch boundary: the only point where shared state is updated.
	if p := r.PhaseByName(phase); p != nil {
		done := 0
		for _, item := range r.PhaseItems(phase) {
			if item.Status == run.ItemSucceeded {
				done++
			}
		}
		p.ItemsCompleted = done
	}
	if err := s.store.Save(r); err != nil {
		return fmt.Errorf("persist batch result: %w", err)
	}

	succeeded := 0
	for _, item := range batch {
		if item.Status == run.ItemSucceeded {
			succeeded++
		}
		if s.events != nil {
			_ = s.events.LogItemRun(r.Seq, phase, item.ID, n, item.Retries,
				string(item.Status), durations[item.ID].Milliseconds(), "")
		}
	}
	label := fmt.Sprintf("batch %d", n+1)
	switch n {
	case retryBatch:
		label = "retry round"
	case supplementalBatch:
		label = "supplemental batch"
	}
	s.logf("%s: %d/%d succeeded (%s)", label, succeeded, len(batch),
		time.Since(batchStart).Round(time.Millisecond))
	return nil
}

// partition splits pending items into ordered batches. A split appender
// never shares a batch with its creator sibling: the scheduler serializes
// the pair across a batch boundary so the first writer creates the shared
// output before the second appends.
func partition(items []*run.WorkItem, size int) [][]*run.WorkItem {
	if size < 1 {
		size = 1
	}
	var batches [][]*run.WorkItem
	var current []*run.WorkItem
	inCurrent := make(map[string]bool)

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			inCurrent = make(map[string]bool)
		}
	}

	for _, item := range items {
		if len(current) >= size {
			flush()
		}
		if item.Appender && item.SplitOf != "" && inCurrent[item.SplitOf+"-a"] {
			flush()
		}
		current = append(current, item)
		inCurrent[item.ID] = true
	}
	flush()
	return batches
}
