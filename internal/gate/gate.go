// Package gate validates worker outputs and manages bounded re-execution.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/auditforge/auditforge/internal/run"
)

// Score is the validator's verdict on one item's output.
type Score struct {
	ItemID   string  `json:"item"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

// Validator inspects a group of outputs and scores each one.
type Validator interface {
	Validate(ctx context.Context, items []*run.WorkItem) ([]Score, error)
}

// ExecValidator runs a validator worker command over a group of outputs.
// The group is passed as JSON on stdin; the command prints a JSON array of
// scores on stdout.
type ExecValidator struct {
	Command string
	Dir     string
}

type validatorInput struct {
	Item   string `json:"item"`
	Output string `json:"output"`
}

func (v *ExecValidator) Validate(ctx context.Context, items []*run.WorkItem) ([]Score, error) {
	if v.Command == "" {
		return nil, fmt.Errorf("validator command not configured")
	}

	inputs := make([]validatorInput, 0, len(items))
	for _, item := range items {
		inputs = append(inputs, validatorInput{Item: item.ID, Output: item.Output})
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal validator input: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", v.Command)
	cmd.Dir = v.Dir
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run validator: %w", err)
	}

	var scores []Score
	if err := json.Unmarshal(out, &scores); err != nil {
		return nil, fmt.Errorf("parse validator output: %w", err)
	}
	return scores, nil
}
