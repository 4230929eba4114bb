package run

import "sort"

// PhaseStatus is the lifecycle state of a single phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseComplete   PhaseStatus = "complete"
)

// ItemStatus is the lifecycle state of a single work item.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemRunning    ItemStatus = "running"
	ItemSucceeded  ItemStatus = "succeeded"
	ItemFailed     ItemStatus = "failed"
	ItemNeedsRetry ItemStatus = "needs_retry"
)

// Terminal reports whether an item status is terminal for batch accounting.
// needs_retry counts as terminal: the retry round is a separate dispatch.
func Terminal(s ItemStatus) bool {
	return s == ItemSucceeded || s == ItemFailed || s == ItemNeedsRetry
}

// PhaseOrder is the fixed phase sequence of an audit run.
var PhaseOrder = []string{"scan", "analyze", "synthesize", "investigate", "report", "verify"}

// Run is the top-level persisted state for a single audit run.
type Run struct {
	Seq           int                  `json:"seq"`
	Tier          string               `json:"tier"`
	WorkerClasses map[string]string    `json:"worker_classes,omitempty"`
	Revision      string               `json:"revision"`
	FileIndex     []string             `json:"file_index,omitempty"`
	PriorRun      string               `json:"prior_run,omitempty"`
	Status        string               `json:"status"` // "pending", "in_progress", "completed", "failed"
	Phases        []Phase              `json:"phases"`
	Items         map[string]*WorkItem `json:"items"`
	Delta         *DeltaState          `json:"delta,omitempty"`
	History       []PhaseHistoryEntry  `json:"history"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
}

// Phase tracks progress counters for one stage of the run.
type Phase struct {
	Name           string      `json:"name"`
	Status         PhaseStatus `json:"status"`
	ItemsTotal     int         `json:"items_total"`
	ItemsCompleted int         `json:"items_completed"`
	Retries        int         `json:"retries"` // retries consumed against the phase cap
}

// WorkItem is one unit of fan-out work within a phase.
type WorkItem struct {
	ID        string     `json:"id"`
	Phase     string     `json:"phase"`
	Class     string     `json:"class"`
	Scope     []string   `json:"scope,omitempty"`
	Patterns  []string   `json:"patterns,omitempty"`
	Checklist []string   `json:"checklist,omitempty"`
	Output    string     `json:"output"`
	Status    ItemStatus `json:"status"`
	Retries   int        `json:"retries"`
	Estimate  int        `json:"estimate,omitempty"`
	Mode      string     `json:"mode,omitempty"`  // synthesis input-assembly mode
	Input     string     `json:"input,omitempty"` // rendered synthesis input file
	SplitOf   string     `json:"split_of,omitempty"`
	Appender  bool       `json:"appender,omitempty"`
	Synthetic bool       `json:"synthetic,omitempty"`
	// QualityGap records why the item was accepted below threshold.
	QualityGap string `json:"quality_gap,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}

// ChangeKind classifies one file in a delta between two runs.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeModified  ChangeKind = "modified"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeUnchanged ChangeKind = "unchanged"
)

// DeltaRecord is the per-file classification produced when stacking.
type DeltaRecord struct {
	Path      string     `json:"path"`
	Kind      ChangeKind `json:"kind"`
	Magnitude string     `json:"magnitude,omitempty"` // "minor" or "major", modified only
}

// DeltaState is the stacking metadata carried by a stacked run.
type DeltaState struct {
	BaseRevision   string        `json:"base_revision"`
	MassiveRewrite bool          `json:"massive_rewrite"`
	Records        []DeltaRecord `json:"records"`
}

// PhaseHistoryEntry records the outcome of a completed phase.
type PhaseHistoryEntry struct {
	Phase       string `json:"phase"`
	Outcome     string `json:"outcome"`
	Duration    string `json:"duration"`
	ItemsTotal  int    `json:"items_total"`
	ItemsFailed int    `json:"items_failed"`
	Retries     int    `json:"retries"`
	QualityGaps int    `json:"quality_gaps"`
}

// PhaseByName returns the phase with the given name, or nil.
func (r *Run) PhaseByName(name string) *Phase {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// NextPhase returns the first phase that is not complete, or nil if all are.
func (r *Run) NextPhase() *Phase {
	for i := range r.Phases {
		if r.Phases[i].Status != PhaseComplete {
			return &r.Phases[i]
		}
	}
	return nil
}

// PhaseItems returns the items assigned to a phase, sorted by ID for
// deterministic batch partitioning.
func (r *Run) PhaseItems(phase string) []*WorkItem {
	var items []*WorkItem
	for _, it := range r.Items {
		if it.Phase == phase {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
