// Package worker is the invocation primitive for black-box analysis workers.
// A worker gets a bounded input scope and an output location, runs to
// completion (or its wall-clock ceiling), and reports a terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/auditforge/auditforge/internal/run"
)

// Outcome is the terminal status a worker reports for one item.
type Outcome struct {
	Status run.ItemStatus // succeeded or failed
	Detail string
}

// Invoker executes one work item.
type Invoker interface {
	// Invoke runs the item and returns its terminal outcome. A non-nil error
	// means the worker could not be started at all; a worker that ran and
	// failed reports Status failed with a nil error. Cancellation of ctx
	// (including the per-item deadline) yields a failed outcome, never a
	// stuck item.
	Invoke(ctx context.Context, item *run.WorkItem, feedback string) (*Outcome, error)
}

// ExecInvoker runs the configured worker command once per item via the shell.
// The item contract rides on environment variables; the worker writes its
// artifact to AUDITFORGE_OUTPUT, appends findings to AUDITFORGE_FINDINGS,
// and exits 0 on success.
type ExecInvoker struct {
	Command  string
	Dir      string
	Findings string // per-run findings file workers append to
}

func (e *ExecInvoker) Invoke(ctx context.Context, item *run.WorkItem, feedback string) (*Outcome, error) {
	if e.Command == "" {
		return nil, errors.New("worker command not configured")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.Command)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(),
		"AUDITFORGE_ITEM="+item.ID,
		"AUDITFORGE_PHASE="+item.Phase,
		"AUDITFORGE_CLASS="+item.Class,
		"AUDITFORGE_OUTPUT="+item.Output,
		"AUDITFORGE_SCOPE="+strings.Join(item.Scope, " "),
	)
	if e.Findings != "" {
		cmd.Env = append(cmd.Env, "AUDITFORGE_FINDINGS="+e.Findings)
	}
	if item.Mode != "" {
		// Synthesis phases: the assembly mode and the rendered finding entries.
		cmd.Env = append(cmd.Env, "AUDITFORGE_MODE="+item.Mode, "AUDITFORGE_INPUT="+item.Input)
	}
	if feedback != "" {
		// Retry contract: augment the existing output, never replace it.
		cmd.Env = append(cmd.Env, "AUDITFORGE_FEEDBACK="+feedback, "AUDITFORGE_APPEND=1")
	}
	if item.Appender {
		cmd.Env = append(cmd.Env, "AUDITFORGE_APPEND=1")
	}

	err := cmd.Run()
	if err == nil {
		return &Outcome{Status: run.ItemSucceeded}, nil
	}

	if ctx.Err() != nil {
		return &Outcome{Status: run.ItemFailed, Detail: "timeout: " + ctx.Err().Error()}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Outcome{
			Status: run.ItemFailed,
			Detail: fmt.Sprintf("worker exited %d", exitErr.ExitCode()),
		}, nil
	}
	return nil, fmt.Errorf("start worker for %s: %w", item.ID, err)
}
