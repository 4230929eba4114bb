package run

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store manages run state on disk. Layout under baseDir:
//
//	current/run.json         — the single active run document
//	current/phases/{phase}/  — output artifacts per phase
//	archive/{date}-{rev}/    — completed runs, immutable once moved
type Store struct {
	baseDir string // defaults to ~/.auditforge/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.auditforge/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".auditforge", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// CurrentDir returns the directory holding the active run.
func (s *Store) CurrentDir() string {
	return filepath.Join(s.baseDir, "current")
}

// ArchiveDir returns the directory holding archived runs.
func (s *Store) ArchiveDir() string {
	return filepath.Join(s.baseDir, "archive")
}

// PhaseDir returns the artifact directory for a phase of the active run.
func (s *Store) PhaseDir(phase string) string {
	return filepath.Join(s.CurrentDir(), "phases", phase)
}

// FindingsPath is the per-run findings file workers append to. It lives in
// the current directory so it archives with the run.
func (s *Store) FindingsPath() string {
	return filepath.Join(s.CurrentDir(), "findings.jsonl")
}

func (s *Store) runPath() string {
	return filepath.Join(s.CurrentDir(), "run.json")
}

// CreateOpts holds the configuration captured when a run is created.
type CreateOpts struct {
	Tier          string
	WorkerClasses map[string]string
	Revision      string
	FileIndex     []string
	PriorRun      string
	Phases        []string // defaults to PhaseOrder
}

// Create initialises a new run on disk. Fails if an active run already exists.
func (s *Store) Create(opts CreateOpts) (*Run, error) {
	if _, err := os.Stat(s.runPath()); err == nil {
		return nil, fmt.Errorf("active run already exists at %s", s.runPath())
	}

	names := opts.Phases
	if len(names) == 0 {
		names = PhaseOrder
	}
	phases := make([]Phase, 0, len(names))
	for _, name := range names {
		phases = append(phases, Phase{Name: name, Status: PhasePending})
		if err := os.MkdirAll(s.PhaseDir(name), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir phase dir: %w", err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	r := &Run{
		Seq:           s.NextSeq(),
		Tier:          opts.Tier,
		WorkerClasses: opts.WorkerClasses,
		Revision:      opts.Revision,
		FileIndex:     opts.FileIndex,
		PriorRun:      opts.PriorRun,
		Status:        "pending",
		Phases:        phases,
		Items:         make(map[string]*WorkItem),
		History:       []PhaseHistoryEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := WriteJSON(s.runPath(), r); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return r, nil
}

// Load reads the active run document.
func (s *Store) Load() (*Run, error) {
	var r Run
	if err := ReadJSON(s.runPath(), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// Save persists the run document atomically. Every save is durable before
// the caller dispatches further work.
func (s *Store) Save(r *Run) error {
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.runPath(), r)
}

// Update performs an atomic read-modify-write of the run document.
func (s *Store) Update(fn func(*Run)) error {
	r, err := s.Load()
	if err != nil {
		return err
	}
	fn(r)
	return s.Save(r)
}

// TransitionPhase moves a phase to a new status. It fails closed: starting
// phase k requires every phase before k to be complete, and a phase never
// regresses from complete.
func (s *Store) TransitionPhase(name string, to PhaseStatus) error {
	r, err := s.Load()
	if err != nil {
		return err
	}

	idx := -1
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("phase %q not found in run %d", name, r.Seq)
	}

	from := r.Phases[idx].Status
	if !allowedPhaseTransition(from, to) {
		return &InvalidTransitionError{Phase: name, From: from, To: to}
	}

	if to == PhaseInProgress {
		for i := 0; i < idx; i++ {
			if r.Phases[i].Status != PhaseComplete {
				return &PrerequisiteError{Phase: name, Missing: r.Phases[i].Name}
			}
		}
	}

	r.Phases[idx].Status = to
	if to == PhaseInProgress && r.Status == "pending" {
		r.Status = "in_progress"
	}
	return s.Save(r)
}

func allowedPhaseTransition(from, to PhaseStatus) bool {
	switch from {
	case PhasePending:
		return to == PhaseInProgress
	case PhaseInProgress:
		return to == PhaseComplete || to == PhaseInProgress
	default:
		return false
	}
}

// Archive moves the current run under archive/{key} and returns the
// destination path. The archived run is never mutated afterwards.
func (s *Store) Archive(key string) (string, error) {
	if _, err := os.Stat(s.runPath()); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	dest := filepath.Join(s.ArchiveDir(), key)
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("archive %q already exists", key)
	}
	if err := os.MkdirAll(s.ArchiveDir(), 0o755); err != nil {
		return "", fmt.Errorf("mkdir archive: %w", err)
	}
	if err := os.Rename(s.CurrentDir(), dest); err != nil {
		return "", fmt.Errorf("archive run: %w", err)
	}
	return dest, nil
}

// LoadArchived reads an archived run document by archive key.
func (s *Store) LoadArchived(key string) (*Run, error) {
	var r Run
	path := filepath.Join(s.ArchiveDir(), key, "run.json")
	if err := ReadJSON(path, &r); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archived run %q not found", key)
		}
		return nil, err
	}
	return &r, nil
}

// ListArchives returns archive keys sorted lexically (the {date}-{rev} key
// makes that chronological).
func (s *Store) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(s.ArchiveDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.ArchiveDir(), err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			keys = append(keys, entry.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// LatestArchive returns the most recent archive key, or "" if none exist.
func (s *Store) LatestArchive() (string, error) {
	keys, err := s.ListArchives()
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	return keys[len(keys)-1], nil
}

// NextSeq returns the next monotonic run sequence number, scanning the
// current run and all archives.
func (s *Store) NextSeq() int {
	max := 0
	if r, err := s.Load(); err == nil && r.Seq > max {
		max = r.Seq
	}
	keys, _ := s.ListArchives()
	for _, key := range keys {
		if r, err := s.LoadArchived(key); err == nil && r.Seq > max {
			max = r.Seq
		}
	}
	return max + 1
}

// ArchiveKey builds the content-addressed archive key {date}-{shortrev}.
func ArchiveKey(t time.Time, shortRev string) string {
	rev := strings.TrimSpace(shortRev)
	if rev == "" {
		rev = "norev"
	}
	return t.UTC().Format("2006-01-02") + "-" + rev
}

// OutputPath returns the artifact path for an item within its phase directory.
func (s *Store) OutputPath(phase, itemID string) string {
	return filepath.Join(s.PhaseDir(phase), itemID+".md")
}
