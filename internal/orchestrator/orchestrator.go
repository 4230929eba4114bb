// Package orchestrator composes the audit run lifecycle: creation, phase
// advancement, gating, coverage, stacking, and archival.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/auditforge/auditforge/internal/budget"
	"github.com/auditforge/auditforge/internal/config"
	"github.com/auditforge/auditforge/internal/coverage"
	"github.com/auditforge/auditforge/internal/db"
	"github.com/auditforge/auditforge/internal/delta"
	"github.com/auditforge/auditforge/internal/finding"
	"github.com/auditforge/auditforge/internal/gate"
	"github.com/auditforge/auditforge/internal/gitdiff"
	"github.com/auditforge/auditforge/internal/run"
	"github.com/auditforge/auditforge/internal/scheduler"
)

// Selector derives the work items for one phase from the run document and
// the phase configuration. Injected so tests and alternative audit styles
// can swap the item-selection strategy.
type Selector func(r *run.Run, phase config.PhaseConfig, store *run.Store) []*run.WorkItem

// Orchestrator wires the stores and engines behind the run lifecycle.
type Orchestrator struct {
	store    *run.Store
	db       *db.DB
	git      gitdiff.Provider
	sched    *scheduler.Scheduler
	gate     *gate.Controller
	deltas   *delta.Engine
	findings *finding.Log
	cfg      *config.Config
	selector Selector
	log      *zap.Logger
}

// New creates an Orchestrator. database may be nil (event logging disabled);
// a nil selector falls back to DefaultSelector.
func New(
	store *run.Store,
	database *db.DB,
	git gitdiff.Provider,
	sched *scheduler.Scheduler,
	gateCtl *gate.Controller,
	deltas *delta.Engine,
	findings *finding.Log,
	cfg *config.Config,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		db:       database,
		git:      git,
		sched:    sched,
		gate:     gateCtl,
		deltas:   deltas,
		findings: findings,
		cfg:      cfg,
		selector: ScopeSelector(cfg.Audit.Scope),
		log:      log,
	}
}

// SetSelector overrides the item-selection strategy.
func (o *Orchestrator) SetSelector(s Selector) {
	if s != nil {
		o.selector = s
	}
}

// CreateOpts holds options for creating a run.
type CreateOpts struct {
	// Stack seeds the run from the latest archived run's delta instead of
	// starting from scratch.
	Stack bool
}

// Create initializes a new run: archives a completed predecessor, snapshots
// the repository file index, and (when stacking) computes the delta and
// reclassifies carried-forward findings.
func (o *Orchestrator) Create(opts CreateOpts) (*run.Run, error) {
	repoRoot := o.cfg.Audit.RepoRoot

	// A completed active run rolls into the archive; an unfinished one blocks
	// creation so state is never clobbered.
	if prev, err := o.store.Load(); err == nil {
		if prev.Status != "completed" {
			return nil, fmt.Errorf("run %d is %s; resume or abort it before creating a new run", prev.Seq, prev.Status)
		}
		key := run.ArchiveKey(time.Now(), prev.Revision)
		if _, err := o.store.Archive(key); err != nil {
			return nil, fmt.Errorf("archive run %d: %w", prev.Seq, err)
		}
		o.log.Info("archived completed run", zap.Int("seq", prev.Seq), zap.String("key", key))
	} else if err != run.ErrNotFound {
		return nil, err
	}

	rev, err := o.git.ShortRev(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve revision: %w", err)
	}
	files, err := o.git.ListFiles(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("index repository files: %w", err)
	}

	var prior *run.Run
	var priorKey string
	if opts.Stack {
		priorKey, err = o.store.LatestArchive()
		if err != nil {
			return nil, err
		}
		if priorKey == "" {
			return nil, fmt.Errorf("no archived run to stack on; create a full run first")
		}
		prior, err = o.store.LoadArchived(priorKey)
		if err != nil {
			return nil, err
		}
	}

	phases := make([]string, 0, len(o.cfg.Audit.Phases))
	classes := make(map[string]string, len(o.cfg.Audit.Phases))
	for _, p := range o.cfg.Audit.Phases {
		phases = append(phases, p.ID)
		classes[p.ID] = p.Class
	}

	r, err := o.store.Create(run.CreateOpts{
		Tier:          o.cfg.Audit.Tier,
		WorkerClasses: classes,
		Revision:      rev,
		FileIndex:     files,
		PriorRun:      priorKey,
		Phases:        phases,
	})
	if err != nil {
		return nil, err
	}

	if prior != nil {
		if err := o.stackOn(r, prior, repoRoot, files); err != nil {
			return nil, err
		}
	}

	event := "created"
	if opts.Stack {
		event = "stacked"
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(r.Seq, event, "", "rev="+rev)
	}
	o.log.Info("run created",
		zap.Int("seq", r.Seq), zap.String("rev", rev), zap.Bool("stacked", opts.Stack))
	return r, nil
}

// stackOn computes the delta against the prior run, carries its findings
// forward with review tags, and records the delta on the new run.
func (o *Orchestrator) stackOn(r, prior *run.Run, repoRoot string, files []string) error {
	changes, err := o.git.Changes(repoRoot, prior.Revision, "HEAD")
	if err != nil {
		return fmt.Errorf("diff against prior run %s: %w", prior.Revision, err)
	}
	records, massive := o.deltas.Compute(prior.FileIndex, files, changes)

	active, err := o.findings.LatestActive()
	if err != nil {
		return fmt.Errorf("load prior findings: %w", err)
	}
	priorFindings := make([]finding.Finding, 0, len(active))
	for _, f := range active {
		priorFindings = append(priorFindings, f)
	}
	sort.Slice(priorFindings, func(i, j int) bool { return priorFindings[i].ID < priorFindings[j].ID })

	carried := delta.CarryForward(priorFindings, massive)
	reclassified := delta.Reclassify(carried, records)
	if len(reclassified) > 0 {
		if err := o.findings.Append(reclassified...); err != nil {
			return fmt.Errorf("record carried findings: %w", err)
		}
	}

	r.Delta = &run.DeltaState{
		BaseRevision:   prior.Revision,
		MassiveRewrite: massive,
		Records:        records,
	}
	if massive {
		o.log.Warn("massive rewrite detected; stacked run falls back to full analysis",
			zap.String("base", prior.Revision))
	}
	return o.store.Save(r)
}

// AdvanceResult describes what one Advance call did.
type AdvanceResult struct {
	Seq         int              `json:"seq"`
	Action      string           `json:"action"` // "ran_phase", "completed", "failed"
	Phase       string           `json:"phase,omitempty"`
	Succeeded   int              `json:"succeeded,omitempty"`
	Failed      int              `json:"failed,omitempty"`
	Retries     int              `json:"retries,omitempty"`
	QualityGaps int              `json:"quality_gaps,omitempty"`
	Coverage    *coverage.Report `json:"coverage,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// Advance runs the next incomplete phase to completion: fan-out, quality
// gate, retry round, and coverage verification. It is safe to call on a
// partially-executed phase; finished work is never redone.
func (o *Orchestrator) Advance(ctx context.Context) (*AdvanceResult, error) {
	r, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	if r.Status == "completed" {
		return &AdvanceResult{Seq: r.Seq, Action: "completed", Message: "run already completed"}, nil
	}

	phase := r.NextPhase()
	if phase == nil {
		return o.complete(r)
	}
	name := phase.Name
	start := time.Now()

	if err := o.store.TransitionPhase(name, run.PhaseInProgress); err != nil {
		return nil, err
	}
	// TransitionPhase persisted its own copy; reload so item state rides on
	// the same document.
	if r, err = o.store.Load(); err != nil {
		return nil, err
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(r.Seq, "phase_started", name, "")
	}

	phaseCfg := o.phaseConfig(name)
	items := o.selector(r, phaseCfg, o.store)

	if phaseCfg.Synthesis {
		if err := o.prepareSynthesis(name, items); err != nil {
			return nil, err
		}
	}

	if _, err := o.sched.RunPhase(ctx, r, name, items); err != nil {
		return nil, fmt.Errorf("run phase %s: %w", name, err)
	}

	gaps := 0
	retries := 0
	if phaseCfg.Validate && o.gate != nil {
		retries, gaps, err = o.reviewPhase(ctx, r, name)
		if err != nil {
			return nil, err
		}
	}

	var covReport *coverage.Report
	if phaseCfg.Coverage {
		covReport, err = o.verifyCoverage(ctx, r, phaseCfg)
		if err != nil {
			return nil, err
		}
	}

	succeeded, failed := 0, 0
	for _, item := range r.PhaseItems(name) {
		switch item.Status {
		case run.ItemSucceeded:
			succeeded++
		case run.ItemFailed:
			failed++
		}
	}

	p := r.PhaseByName(name)
	r.History = append(r.History, run.PhaseHistoryEntry{
		Phase:       name,
		Outcome:     "success",
		Duration:    time.Since(start).Round(time.Second).String(),
		ItemsTotal:  p.ItemsTotal,
		ItemsFailed: failed,
		Retries:     p.Retries,
		QualityGaps: gaps,
	})
	if err := o.store.Save(r); err != nil {
		return nil, err
	}
	if err := o.store.TransitionPhase(name, run.PhaseComplete); err != nil {
		return nil, err
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(r.Seq, "phase_completed", name,
			fmt.Sprintf("succeeded=%d failed=%d gaps=%d", succeeded, failed, gaps))
	}
	o.log.Info("phase completed",
		zap.String("phase", name),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("quality_gaps", gaps))

	return &AdvanceResult{
		Seq:         r.Seq,
		Action:      "ran_phase",
		Phase:       name,
		Succeeded:   succeeded,
		Failed:      failed,
		Retries:     retries,
		QualityGaps: gaps,
		Coverage:    covReport,
	}, nil
}

// reviewPhase applies the quality gate to the phase's terminal items,
// dispatches the retry round, and re-reviews retried outputs. Returns
// retries granted and quality gaps recorded.
func (o *Orchestrator) reviewPhase(ctx context.Context, r *run.Run, name string) (int, int, error) {
	p := r.PhaseByName(name)
	decision, err := o.gate.Review(ctx, r.PhaseItems(name), p.Retries)
	if err != nil {
		return 0, 0, fmt.Errorf("gate review %s: %w", name, err)
	}
	p.Retries += decision.RetriesGranted
	o.logGateScores(r.Seq, name, decision)

	if len(decision.Retry) > 0 {
		if err := o.sched.RunRetries(ctx, r, name, decision.Retry); err != nil {
			return 0, 0, fmt.Errorf("retry round %s: %w", name, err)
		}
		// Retried items hold a retry count of 1, so a second review either
		// passes them or accepts them with a recorded gap. It never loops.
		second, err := o.gate.Review(ctx, decision.Retry, p.Retries)
		if err != nil {
			return 0, 0, fmt.Errorf("gate re-review %s: %w", name, err)
		}
		o.logGateScores(r.Seq, name, second)
	}

	gaps := 0
	for _, item := range r.PhaseItems(name) {
		if item.QualityGap != "" {
			gaps++
		}
	}
	return decision.RetriesGranted, gaps, o.store.Save(r)
}

func (o *Orchestrator) logGateScores(seq int, phase string, d *gate.Decision) {
	if o.db == nil {
		return
	}
	retried := make(map[string]bool, len(d.Retry))
	for _, item := range d.Retry {
		retried[item.ID] = true
	}
	for _, s := range d.Scores {
		_ = o.db.LogGateRun(seq, phase, s.ItemID, s.Score, s.Score >= gate.DefaultThreshold, retried[s.ItemID])
	}
}

// verifyCoverage cross-references completed work against declared scope and
// chases critical and high gaps with one supplemental batch.
func (o *Orchestrator) verifyCoverage(ctx context.Context, r *run.Run, phaseCfg config.PhaseConfig) (*coverage.Report, error) {
	name := phaseCfg.ID
	rep := coverage.Verify(o.cfg.Audit.Scope, phaseCfg.Checklist, r.PhaseItems(name))
	if rep.Complete() {
		return rep, nil
	}

	synth := coverage.SyntheticItems(rep.Gaps, name, phaseCfg.Class, func(id string) string {
		return o.store.OutputPath(name, id)
	})
	if len(synth) == 0 {
		return rep, nil
	}
	o.log.Warn("coverage gaps detected",
		zap.String("phase", name),
		zap.Int("gaps", len(rep.Gaps)),
		zap.Int("synthetic", len(synth)))

	if _, err := o.sched.RunSupplemental(ctx, r, name, synth); err != nil {
		return nil, fmt.Errorf("supplemental batch %s: %w", name, err)
	}
	// One re-verification; remaining gaps are reported, never chased again.
	return coverage.Verify(o.cfg.Audit.Scope, phaseCfg.Checklist, r.PhaseItems(name)), nil
}

// prepareSynthesis sizes the phase's total input, picks the assembly mode,
// and renders the finding entries synthesis workers consume. Dismissed
// findings collapse to one line regardless of mode.
func (o *Orchestrator) prepareSynthesis(phase string, items []*run.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	est := o.sched.Estimator()
	total := 0
	for _, item := range items {
		total += est.Estimate(item)
	}
	mode := budget.SelectMode(total)

	latest, err := o.findings.Latest()
	if err != nil {
		return fmt.Errorf("load findings for synthesis: %w", err)
	}
	all := make([]finding.Finding, 0, len(latest))
	for _, f := range latest {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	entries := make([]string, 0, len(all))
	for _, f := range all {
		entries = append(entries, budget.SynthesisEntry(f, mode, o.findings.Path()))
	}
	input := filepath.Join(o.store.PhaseDir(phase), "synthesis-input.txt")
	if err := os.MkdirAll(filepath.Dir(input), 0o755); err != nil {
		return fmt.Errorf("mkdir phase dir: %w", err)
	}
	if err := os.WriteFile(input, []byte(strings.Join(entries, "\n\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write synthesis input: %w", err)
	}

	for _, item := range items {
		item.Mode = string(mode)
		item.Input = input
	}
	o.log.Info("synthesis mode selected",
		zap.String("phase", phase),
		zap.Int("total_estimate", total),
		zap.String("mode", string(mode)))
	return nil
}

// evolveFindings ingests the findings workers recorded during this run,
// tags each against the latest projection of the evolution log, and appends
// the tagged set plus any priors that resolved.
func (o *Orchestrator) evolveFindings(r *run.Run) error {
	current, err := finding.NewLog(o.store.FindingsPath()).Records()
	if err != nil {
		return fmt.Errorf("read run findings: %w", err)
	}
	if len(current) == 0 {
		return nil
	}
	for i := range current {
		current[i] = current[i].EnsureID()
	}

	active, err := o.findings.LatestActive()
	if err != nil {
		return fmt.Errorf("load prior findings: %w", err)
	}
	prior := make([]finding.Finding, 0, len(active))
	for _, f := range active {
		prior = append(prior, f)
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].ID < prior[j].ID })

	tagged, resolved := delta.Evolve(current, prior)
	if err := o.findings.Append(append(tagged, resolved...)...); err != nil {
		return fmt.Errorf("record evolved findings: %w", err)
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(r.Seq, "findings_evolved", "",
			fmt.Sprintf("tagged=%d resolved=%d", len(tagged), len(resolved)))
	}
	o.log.Info("findings evolved",
		zap.Int("seq", r.Seq),
		zap.Int("tagged", len(tagged)),
		zap.Int("resolved", len(resolved)))
	return nil
}

// complete evolves the run's recorded findings against the log, then marks
// the run finished.
func (o *Orchestrator) complete(r *run.Run) (*AdvanceResult, error) {
	if err := o.evolveFindings(r); err != nil {
		return nil, err
	}
	r.Status = "completed"
	if err := o.store.Save(r); err != nil {
		return nil, err
	}
	if o.db != nil {
		_ = o.db.LogRunEvent(r.Seq, "completed", "", "")
	}
	o.log.Info("run completed", zap.Int("seq", r.Seq))
	return &AdvanceResult{Seq: r.Seq, Action: "completed"}, nil
}

// Run advances phase by phase until the run completes. Resuming an
// interrupted run is the same call: finished phases and items are skipped.
func (o *Orchestrator) Run(ctx context.Context) (*AdvanceResult, error) {
	for {
		res, err := o.Advance(ctx)
		if err != nil {
			return nil, err
		}
		if res.Action != "ran_phase" {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
}

// phaseConfig returns the configured phase, or a default built from the
// audit-wide defaults when the phase is not declared.
func (o *Orchestrator) phaseConfig(name string) config.PhaseConfig {
	if pc := o.cfg.Audit.PhaseByID(name); pc != nil {
		return *pc
	}
	return config.PhaseConfig{ID: name, Class: o.cfg.Audit.Defaults.Class}
}

// StatusInfo is the combined run status from disk and the event log.
type StatusInfo struct {
	Seq       int                     `json:"seq"`
	Status    string                  `json:"status"`
	Tier      string                  `json:"tier"`
	Revision  string                  `json:"revision"`
	PriorRun  string                  `json:"prior_run,omitempty"`
	Stacked   bool                    `json:"stacked"`
	Massive   bool                    `json:"massive_rewrite,omitempty"`
	Phases    []run.Phase             `json:"phases"`
	History   []run.PhaseHistoryEntry `json:"history,omitempty"`
	Events    []db.RunEvent           `json:"events,omitempty"`
	UpdatedAt string                  `json:"updated_at"`
}

// Status reports the active run's progress.
func (o *Orchestrator) Status() (*StatusInfo, error) {
	r, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	info := &StatusInfo{
		Seq:       r.Seq,
		Status:    r.Status,
		Tier:      r.Tier,
		Revision:  r.Revision,
		PriorRun:  r.PriorRun,
		Stacked:   r.Delta != nil,
		Phases:    r.Phases,
		History:   r.History,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Delta != nil {
		info.Massive = r.Delta.MassiveRewrite
	}
	if o.db != nil {
		if events, err := o.db.RecentRunEvents(r.Seq, 10); err == nil {
			info.Events = events
		}
	}
	return info, nil
}

// Archive moves the completed active run into the archive without creating
// a successor. Unfinished runs cannot be archived.
func (o *Orchestrator) Archive() (string, error) {
	r, err := o.store.Load()
	if err != nil {
		return "", err
	}
	if r.Status != "completed" {
		return "", fmt.Errorf("run %d is %s; only completed runs can be archived", r.Seq, r.Status)
	}
	key := run.ArchiveKey(time.Now(), r.Revision)
	if _, err := o.store.Archive(key); err != nil {
		return "", err
	}
	o.log.Info("archived run", zap.Int("seq", r.Seq), zap.String("key", key))
	return key, nil
}

// CoverageReport recomputes coverage for every phase that declares it,
// against the active run's current items. Read-only: it never dispatches
// supplemental work.
func (o *Orchestrator) CoverageReport() (map[string]*coverage.Report, error) {
	r, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	reports := make(map[string]*coverage.Report)
	for _, p := range o.cfg.Audit.Phases {
		if !p.Coverage {
			continue
		}
		reports[p.ID] = coverage.Verify(o.cfg.Audit.Scope, p.Checklist, r.PhaseItems(p.ID))
	}
	return reports, nil
}

// ArchiveInfo summarizes one archived run.
type ArchiveInfo struct {
	Key      string `json:"key"`
	Seq      int    `json:"seq"`
	Status   string `json:"status"`
	Revision string `json:"revision"`
}

// ListArchives returns summaries of all archived runs, oldest first.
func (o *Orchestrator) ListArchives() ([]ArchiveInfo, error) {
	keys, err := o.store.ListArchives()
	if err != nil {
		return nil, err
	}
	var infos []ArchiveInfo
	for _, key := range keys {
		r, err := o.store.LoadArchived(key)
		if err != nil {
			return nil, err
		}
		infos = append(infos, ArchiveInfo{Key: key, Seq: r.Seq, Status: r.Status, Revision: r.Revision})
	}
	return infos, nil
}

// ScopeSelector derives one work item per declared scope unit, scoped to
// the unit's files from the run's index. On a stacked run that is not a
// massive rewrite, scope narrows to files the delta marked added or
// modified; units the delta never touched produce no item. Without declared
// units the whole file index becomes a single item and the budget estimator
// splits it as needed.
func ScopeSelector(scope config.Scope) Selector {
	return func(r *run.Run, phase config.PhaseConfig, store *run.Store) []*run.WorkItem {
		index := r.FileIndex
		if r.Delta != nil && !r.Delta.MassiveRewrite {
			index = changedFiles(r.Delta.Records)
		}

		if len(scope.Units) == 0 {
			id := phase.ID + "-full"
			return []*run.WorkItem{{
				ID:        id,
				Phase:     phase.ID,
				Class:     phase.Class,
				Scope:     index,
				Patterns:  scope.Patterns,
				Checklist: phase.Checklist,
				Output:    store.OutputPath(phase.ID, id),
				Status:    run.ItemQueued,
			}}
		}

		var items []*run.WorkItem
		for _, unit := range scope.Units {
			files := filesUnder(index, unit.Paths)
			if len(files) == 0 {
				continue
			}
			id := phase.ID + "-" + slugify(unit.Name)
			items = append(items, &run.WorkItem{
				ID:        id,
				Phase:     phase.ID,
				Class:     phase.Class,
				Scope:     files,
				Patterns:  scope.Patterns,
				Checklist: phase.Checklist,
				Output:    store.OutputPath(phase.ID, id),
				Status:    run.ItemQueued,
			})
		}
		return items
	}
}

func changedFiles(records []run.DeltaRecord) []string {
	var out []string
	for _, rec := range records {
		if rec.Kind == run.ChangeAdded || rec.Kind == run.ChangeModified {
			out = append(out, rec.Path)
		}
	}
	return out
}

func filesUnder(index []string, prefixes []string) []string {
	var out []string
	for _, path := range index {
		for _, prefix := range prefixes {
			if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
				out = append(out, path)
				break
			}
		}
	}
	return out
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
