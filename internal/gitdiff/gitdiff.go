package gitdiff

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ChangeList is the file-level change set between two revision markers.
type ChangeList struct {
	Added   []string
	Deleted []string
	// Modified maps path -> total changed lines (additions + removals).
	Modified map[string]int
}

// Provider supplies version-control facts to the orchestrator.
type Provider interface {
	// Changes returns the change list between two revisions.
	Changes(dir, fromRev, toRev string) (*ChangeList, error)
	// ListFiles returns all tracked files at HEAD.
	ListFiles(dir string) ([]string, error)
	// ShortRev returns the abbreviated current revision.
	ShortRev(dir string) (string, error)
}

// ExecGit implements Provider by calling git commands.
type ExecGit struct{}

func (g *ExecGit) Changes(dir, fromRev, toRev string) (*ChangeList, error) {
	status, err := runGit(dir, "diff", "--name-status", fromRev+".."+toRev)
	if err != nil {
		return nil, fmt.Errorf("diff --name-status: %w", err)
	}
	numstat, err := runGit(dir, "diff", "--numstat", fromRev+".."+toRev)
	if err != nil {
		return nil, fmt.Errorf("diff --numstat: %w", err)
	}

	cl := &ChangeList{Modified: make(map[string]int)}
	lineCounts := parseNumstat(numstat)

	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		code, path := fields[0], fields[len(fields)-1]
		switch {
		case strings.HasPrefix(code, "A"):
			cl.Added = append(cl.Added, path)
		case strings.HasPrefix(code, "D"):
			cl.Deleted = append(cl.Deleted, path)
		case strings.HasPrefix(code, "R"):
			// Renames surface as delete of the old path plus add of the new.
			if len(fields) >= 3 {
				cl.Deleted = append(cl.Deleted, fields[1])
			}
			cl.Added = append(cl.Added, path)
		default:
			cl.Modified[path] = lineCounts[path]
		}
	}
	return cl, nil
}

func (g *ExecGit) ListFiles(dir string) ([]string, error) {
	out, err := runGit(dir, "ls-files")
	if err != nil {
		return nil, fmt.Errorf("ls-files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (g *ExecGit) ShortRev(dir string) (string, error) {
	return runGit(dir, "rev-parse", "--short", "HEAD")
}

// parseNumstat maps path -> added+removed lines. Binary files report "-"
// for both counts and are treated as a single changed line.
func parseNumstat(out string) map[string]int {
	counts := make(map[string]int)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 3 {
			continue
		}
		added, aerr := strconv.Atoi(fields[0])
		removed, rerr := strconv.Atoi(fields[1])
		path := fields[len(fields)-1]
		if aerr != nil || rerr != nil {
			counts[path] = 1
			continue
		}
		counts[path] = added + removed
	}
	return counts
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
