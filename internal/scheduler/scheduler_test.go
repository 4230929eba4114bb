package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auditforge/auditforge/internal/budget"
	"github.com/auditforge/auditforge/internal/run"
	"github.com/auditforge/auditforge/internal/worker"
)

// fakeInvoker records invocation order and concurrency without running
// anything.
type fakeInvoker struct {
	mu          sync.Mutex
	fail        map[string]bool
	calls       []string
	feedbacks   map[string]string
	starts      map[string]time.Time
	ends        map[string]time.Time
	inFlight    int
	maxInFlight int
	blockOnCtx  bool
	delay       time.Duration
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		fail:      make(map[string]bool),
		feedbacks: make(map[string]string),
		starts:    make(map[string]time.Time),
		ends:      make(map[string]time.Time),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, item *run.WorkItem, feedback string) (*worker.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	f.feedbacks[item.ID] = feedback
	f.starts[item.ID] = time.Now()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.ends[item.ID] = time.Now()
		f.mu.Unlock()
	}()

	if f.blockOnCtx {
		<-ctx.Done()
		return &worker.Outcome{Status: run.ItemFailed, Detail: "timeout: " + ctx.Err().Error()}, nil
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail[item.ID] {
		return &worker.Outcome{Status: run.ItemFailed, Detail: "worker exited 1"}, nil
	}
	return &worker.Outcome{Status: run.ItemSucceeded}, nil
}

func testStore(t *testing.T) (*run.Store, *run.Run) {
	t.Helper()
	store := run.NewStore(t.TempDir())
	r, err := store.Create(run.CreateOpts{Tier: "standard", Phases: []string{"analyze"}})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return store, r
}

func mkItems(n, scopeRefs int) []*run.WorkItem {
	items := make([]*run.WorkItem, n)
	for i := range items {
		scope := make([]string, scopeRefs)
		for j := range scope {
			scope[j] = fmt.Sprintf("pkg/mod%02d/file%02d.go", i, j)
		}
		items[i] = &run.WorkItem{
			ID:    fmt.Sprintf("analyze-%02d", i),
			Phase: "analyze",
			Scope: scope,
		}
	}
	return items
}

func TestRunPhaseBoundsConcurrencyToBatchSize(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	inv.delay = 5 * time.Millisecond
	s := New(store, inv, nil, nil, 8, time.Minute, nil)

	// 10 scope refs each: estimate 63500, medium bucket, batch size 5.
	result, err := s.RunPhase(context.Background(), r, "analyze", mkItems(16, 10))
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if result.BatchSize != 5 {
		t.Errorf("batch size = %d, want 5", result.BatchSize)
	}
	if result.Batches != 4 {
		t.Errorf("batches = %d, want 4", result.Batches)
	}
	if result.Succeeded != 16 {
		t.Errorf("succeeded = %d, want 16", result.Succeeded)
	}
	if inv.maxInFlight > 5 {
		t.Errorf("max in-flight = %d, want <= 5", inv.maxInFlight)
	}
	if len(inv.calls) != 16 {
		t.Errorf("invocations = %d, want 16", len(inv.calls))
	}
}

func TestRunPhaseBatchesAreStrictlySequential(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	inv.delay = 5 * time.Millisecond
	s := New(store, inv, nil, nil, 8, time.Minute, nil)

	result, err := s.RunPhase(context.Background(), r, "analyze", mkItems(16, 10))
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if result.Batches != 4 || result.BatchSize != 5 {
		t.Fatalf("got %d batches of %d, want 4 of 5", result.Batches, result.BatchSize)
	}

	// Items dispatch in ID order, so batch n covers ids[n*size : (n+1)*size].
	// Nothing in batch n+1 may start before everything in batch n finished.
	ids := make([]string, 16)
	for i := range ids {
		ids[i] = fmt.Sprintf("analyze-%02d", i)
	}
	size := result.BatchSize
	var prevEnd time.Time
	for b := 0; b*size < len(ids); b++ {
		hi := (b + 1) * size
		if hi > len(ids) {
			hi = len(ids)
		}
		var firstStart, lastEnd time.Time
		for i, id := range ids[b*size : hi] {
			start, ok := inv.starts[id]
			if !ok {
				t.Fatalf("%s never dispatched", id)
			}
			if i == 0 || start.Before(firstStart) {
				firstStart = start
			}
			if end := inv.ends[id]; end.After(lastEnd) {
				lastEnd = end
			}
		}
		if b > 0 && firstStart.Before(prevEnd) {
			t.Errorf("batch %d started at %v before batch %d finished at %v",
				b+1, firstStart, b, prevEnd)
		}
		prevEnd = lastEnd
	}
}

func TestProgressLabelsOutOfBandRounds(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	s := New(store, inv, nil, nil, 8, time.Minute, nil)
	var buf bytes.Buffer
	s.SetProgress(&buf)

	if _, err := s.RunPhase(context.Background(), r, "analyze", mkItems(2, 2)); err != nil {
		t.Fatal(err)
	}
	item := r.Items["analyze-00"]
	item.Status = run.ItemNeedsRetry
	if err := s.RunRetries(context.Background(), r, "analyze", []*run.WorkItem{item}); err != nil {
		t.Fatal(err)
	}
	synth := mkItems(1, 2)
	synth[0].ID = "gap-extra"
	synth[0].Synthetic = true
	if _, err := s.RunSupplemental(context.Background(), r, "analyze", synth); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "batch 1:") {
		t.Errorf("missing numbered batch line:\n%s", out)
	}
	if !strings.Contains(out, "retry round: 1/1 succeeded") {
		t.Errorf("retry round not labeled:\n%s", out)
	}
	if !strings.Contains(out, "supplemental batch: 1/1 succeeded") {
		t.Errorf("supplemental batch not labeled:\n%s", out)
	}
	for _, bogus := range []string{"batch 0:", "batch -1:"} {
		if strings.Contains(out, bogus) {
			t.Errorf("out-of-band round printed %q:\n%s", bogus, out)
		}
	}
}

func TestRunPhaseClampsToTierCeiling(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	s := New(store, inv, nil, nil, 3, time.Minute, nil)

	// Small items would pick batch size 8; the lite tier ceiling wins.
	result, err := s.RunPhase(context.Background(), r, "analyze", mkItems(6, 2))
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if result.BatchSize != 3 {
		t.Errorf("batch size = %d, want 3", result.BatchSize)
	}
	if inv.maxInFlight > 3 {
		t.Errorf("max in-flight = %d, want <= 3", inv.maxInFlight)
	}
}

func TestRunPhasePersistsAtBatchBoundaries(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	inv.fail["analyze-03"] = true
	s := New(store, inv, nil, nil, 8, time.Minute, nil)

	result, err := s.RunPhase(context.Background(), r, "analyze", mkItems(5, 2))
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if result.Failed != 1 || result.Succeeded != 4 {
		t.Errorf("got failed=%d succeeded=%d, want 1/4", result.Failed, result.Succeeded)
	}

	// Everything visible from a fresh load, not just in memory.
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if got := loaded.Items["analyze-03"].Status; got != run.ItemFailed {
		t.Errorf("persisted status = %q, want failed", got)
	}
	p := loaded.PhaseByName("analyze")
	if p.ItemsTotal != 5 || p.ItemsCompleted != 4 {
		t.Errorf("phase counters = %d/%d, want 4/5", p.ItemsCompleted, p.ItemsTotal)
	}
}

func TestRunPhaseResumeSkipsSucceededAndRedispatchesRest(t *testing.T) {
	store, r := testStore(t)
	items := mkItems(16, 10)

	inv := newFakeInvoker()
	for _, id := range []string{"analyze-12", "analyze-14"} {
		inv.fail[id] = true
	}
	s := New(store, inv, nil, nil, 8, time.Minute, nil)
	if _, err := s.RunPhase(context.Background(), r, "analyze", items); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// Simulate a crash mid-phase: one item left marked running on disk.
	r.Items["analyze-07"].Status = run.ItemRunning
	if err := store.Save(r); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	inv2 := newFakeInvoker()
	s2 := New(store, inv2, nil, nil, 8, time.Minute, nil)
	result, err := s2.RunPhase(context.Background(), loaded, "analyze", mkItems(16, 10))
	if err != nil {
		t.Fatalf("resume pass: %v", err)
	}

	if result.Skipped != 13 {
		t.Errorf("skipped = %d, want 13", result.Skipped)
	}
	if len(inv2.calls) != 3 {
		t.Fatalf("resume dispatched %d items, want 3: %v", len(inv2.calls), inv2.calls)
	}
	want := map[string]bool{"analyze-07": true, "analyze-12": true, "analyze-14": true}
	for _, id := range inv2.calls {
		if !want[id] {
			t.Errorf("unexpected re-dispatch of %s", id)
		}
	}
	if result.Succeeded != 16 {
		t.Errorf("succeeded after resume = %d, want 16", result.Succeeded)
	}
}

func TestRunPhaseResumeIsIdempotentWhenAllDone(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	s := New(store, inv, nil, nil, 8, time.Minute, nil)
	if _, err := s.RunPhase(context.Background(), r, "analyze", mkItems(4, 2)); err != nil {
		t.Fatal(err)
	}

	inv2 := newFakeInvoker()
	s2 := New(store, inv2, nil, nil, 8, time.Minute, nil)
	result, err := s2.RunPhase(context.Background(), r, "analyze", mkItems(4, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(inv2.calls) != 0 {
		t.Errorf("idempotent resume dispatched %v", inv2.calls)
	}
	if result.Skipped != 4 || result.Batches != 0 {
		t.Errorf("got skipped=%d batches=%d, want 4/0", result.Skipped, result.Batches)
	}
}

func TestRunPhaseTimeoutMarksItemFailed(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	inv.blockOnCtx = true
	s := New(store, inv, nil, nil, 8, 20*time.Millisecond, nil)

	result, err := s.RunPhase(context.Background(), r, "analyze", mkItems(2, 2))
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if result.Failed != 2 {
		t.Errorf("failed = %d, want 2", result.Failed)
	}
	for _, item := range r.PhaseItems("analyze") {
		if item.Status != run.ItemFailed {
			t.Errorf("item %s status = %q, want failed", item.ID, item.Status)
		}
	}
}

func TestRunPhaseSerializesSplitAppenderAfterCreator(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	inv.delay = 2 * time.Millisecond
	s := New(store, inv, nil, nil, 8, time.Minute, nil)

	// 22 scope refs: estimate 135500, above the split threshold.
	items := mkItems(1, 22)
	result, err := s.RunPhase(context.Background(), r, "analyze", items)
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if result.Dispatched != 2 {
		t.Fatalf("dispatched = %d, want 2 split halves", result.Dispatched)
	}
	if result.Batches != 2 {
		t.Errorf("batches = %d, want 2 (appender serialized)", result.Batches)
	}
	aEnd, bStart := inv.ends["analyze-00-a"], inv.starts["analyze-00-b"]
	if !aEnd.Before(bStart) && !aEnd.Equal(bStart) {
		t.Errorf("appender started at %v before creator finished at %v", bStart, aEnd)
	}
	b := r.Items["analyze-00-b"]
	if !b.Appender || b.SplitOf != "analyze-00" {
		t.Errorf("split sibling not marked: %+v", b)
	}
	if b.Output != r.Items["analyze-00-a"].Output {
		t.Error("split halves must share one output")
	}
}

func TestRunRetriesCarriesFeedback(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	s := New(store, inv, nil, nil, 8, time.Minute, nil)
	if _, err := s.RunPhase(context.Background(), r, "analyze", mkItems(2, 2)); err != nil {
		t.Fatal(err)
	}

	item := r.Items["analyze-00"]
	item.Status = run.ItemNeedsRetry
	item.Retries = 1
	item.Feedback = "cover the error paths too"

	inv2 := newFakeInvoker()
	s2 := New(store, inv2, nil, nil, 8, time.Minute, nil)
	if err := s2.RunRetries(context.Background(), r, "analyze", []*run.WorkItem{item}); err != nil {
		t.Fatal(err)
	}
	if got := inv2.feedbacks["analyze-00"]; got != "cover the error paths too" {
		t.Errorf("feedback passed to worker = %q", got)
	}
	if item.Status != run.ItemSucceeded {
		t.Errorf("retried item status = %q, want succeeded", item.Status)
	}
}

func TestRunSupplementalIsOneBatchAtMost(t *testing.T) {
	store, r := testStore(t)
	inv := newFakeInvoker()
	s := New(store, inv, nil, nil, 8, time.Minute, nil)

	items := mkItems(12, 2) // small items: one batch of 8
	for _, item := range items {
		item.Synthetic = true
		item.Estimate = budget.NewEstimator().Estimate(item)
	}
	n, err := s.RunSupplemental(context.Background(), r, "analyze", items)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Errorf("dispatched = %d, want 8 (one batch)", n)
	}
	if len(inv.calls) != 8 {
		t.Errorf("invocations = %d, want 8", len(inv.calls))
	}
}
