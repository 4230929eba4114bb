package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/auditforge/auditforge/internal/run"
)

const (
	// DefaultThreshold is the minimum passing score.
	DefaultThreshold = 0.70
	// DefaultGroupSize bounds the validator's own input: it inspects at most
	// this many outputs per invocation.
	DefaultGroupSize = 10
	// DefaultRetryCap is the global retry budget per phase. Retries must not
	// scale with failure count; the cap bounds worst-case phase duration.
	DefaultRetryCap = 3
)

// Controller applies the quality-gate policy to a phase's outputs.
type Controller struct {
	validator Validator
	threshold float64
	retryCap  int
	groupSize int
	log       *zap.Logger
}

// NewController creates a Controller. Zero threshold/cap select the defaults.
func NewController(v Validator, threshold float64, retryCap int, log *zap.Logger) *Controller {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if retryCap <= 0 {
		retryCap = DefaultRetryCap
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		validator: v,
		threshold: threshold,
		retryCap:  retryCap,
		groupSize: DefaultGroupSize,
		log:       log,
	}
}

// Decision is the outcome of one gate review.
type Decision struct {
	Scores         []Score
	Retry          []*run.WorkItem // marked needs_retry, feedback attached
	Accepted       []*run.WorkItem // below threshold but accepted with a recorded gap
	RetriesGranted int
}

// Review scores the items and applies the retry policy, mutating item
// status, retry count, feedback, and quality-gap fields in place.
// retriesUsed is the number of retries the phase has already consumed
// (nonzero on resume). Invariants: no item is retried more than once, and
// retriesUsed plus granted retries never exceeds the phase cap.
func (c *Controller) Review(ctx context.Context, items []*run.WorkItem, retriesUsed int) (*Decision, error) {
	d := &Decision{}

	// Worker failures skip validation and go straight to retry policy.
	var toValidate []*run.WorkItem
	scoreByID := make(map[string]Score)
	for _, item := range items {
		switch item.Status {
		case run.ItemFailed:
			scoreByID[item.ID] = Score{ItemID: item.ID, Score: 0, Feedback: "worker failed; augment whatever partial output exists"}
		case run.ItemSucceeded:
			toValidate = append(toValidate, item)
		}
	}

	// Validate in bounded groups so the validator's own input stays small.
	for start := 0; start < len(toValidate); start += c.groupSize {
		end := start + c.groupSize
		if end > len(toValidate) {
			end = len(toValidate)
		}
		scores, err := c.validator.Validate(ctx, toValidate[start:end])
		if err != nil {
			return nil, fmt.Errorf("validate outputs: %w", err)
		}
		for _, s := range scores {
			scoreByID[s.ItemID] = s
		}
	}

	for _, item := range items {
		s, ok := scoreByID[item.ID]
		if !ok {
			continue
		}
		d.Scores = append(d.Scores, s)
		if s.Score >= c.threshold {
			continue
		}

		switch {
		case item.Retries >= 1:
			// Accepted as-is and flagged; never blocks phase completion.
			item.QualityGap = fmt.Sprintf("score %.2f after retry (threshold %.2f)", s.Score, c.threshold)
			d.Accepted = append(d.Accepted, item)
			c.log.Warn("quality gap accepted: retry budget exhausted",
				zap.String("item", item.ID), zap.Float64("score", s.Score))
		case retriesUsed+d.RetriesGranted >= c.retryCap:
			item.QualityGap = fmt.Sprintf("score %.2f, phase retry cap reached", s.Score)
			d.Accepted = append(d.Accepted, item)
			c.log.Warn("quality gap accepted: phase retry cap reached",
				zap.String("item", item.ID), zap.Float64("score", s.Score))
		default:
			item.Status = run.ItemNeedsRetry
			item.Retries++
			item.Feedback = s.Feedback
			d.Retry = append(d.Retry, item)
			d.RetriesGranted++
			c.log.Info("retry granted",
				zap.String("item", item.ID), zap.Float64("score", s.Score))
		}
	}

	return d, nil
}
