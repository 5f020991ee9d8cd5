// Package shutdown coordinates a multi-stage graceful shutdown with a
// total timeout budget shared across stages.
package shutdown

import (
	"context"
	"log/slog"
	"time"
)

// StageResult classifies how a stage finished relative to its own
// recommended timeout.
type StageResult string

const (
	StageSuccess        StageResult = "success"
	StageSlowCompletion StageResult = "slow_completion"
	StageTimeout        StageResult = "timeout"
)

// Stage is one named step of the shutdown sequence with its own
// recommended (not hard) timeout; the hard deadline is whatever remains
// of the Coordinator's total budget.
type Stage struct {
	Name    string
	Timeout time.Duration
}

// Report records the outcome of one executed stage.
type Report struct {
	Stage     string
	Result    StageResult
	Elapsed   time.Duration
	Remaining time.Duration
}

// Summary is the full shutdown outcome, returned once all stages have run.
type Summary struct {
	Reports []Report
	Elapsed time.Duration
}

// TimedOut reports whether any stage hit its hard deadline.
func (s Summary) TimedOut() bool {
	for _, r := range s.Reports {
		if r.Result == StageTimeout {
			return true
		}
	}
	return false
}

// Coordinator tracks a total shutdown timeout budget across stages run in
// sequence with Execute. Not safe for concurrent use by multiple
// goroutines calling Execute simultaneously -- stages are meant to run
// one after another, in order.
type Coordinator struct {
	totalTimeout time.Duration
	start        time.Time
	reports      []Report
}

// New returns a Coordinator with the given total shutdown budget. The
// clock starts on the first call to Execute.
func New(totalTimeout time.Duration) *Coordinator {
	return &Coordinator{totalTimeout: totalTimeout}
}

// Execute runs op under a context bounded by min(stage.Timeout, remaining
// budget), reporting Timeout if op does not return before that deadline
// and SlowCompletion if it returns after stage.Timeout but within budget.
// op must return promptly once ctx is done; Execute does not forcibly
// abandon a goroutine that ignores cancellation.
func (c *Coordinator) Execute(ctx context.Context, stage Stage, op func(context.Context) error) StageResult {
	if c.start.IsZero() {
		c.start = time.Now()
		slog.Info("shutdown sequence starting", "total_timeout", c.totalTimeout)
	}

	remaining := c.remaining()
	slog.Info("shutdown stage starting", "stage", stage.Name, "timeout", stage.Timeout, "remaining", remaining)
	if remaining <= 0 {
		slog.Warn("no time remaining for shutdown stage", "stage", stage.Name)
		c.reports = append(c.reports, Report{Stage: stage.Name, Result: StageTimeout, Remaining: 0})
		return StageTimeout
	}

	stageTimeout := stage.Timeout
	if remaining < stageTimeout {
		stageTimeout = remaining
	}

	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	stageStart := time.Now()
	done := make(chan error, 1)
	go func() { done <- op(stageCtx) }()

	var result StageResult
	select {
	case <-done:
		elapsed := time.Since(stageStart)
		if elapsed > stage.Timeout {
			slog.Debug("shutdown stage completed slowly", "stage", stage.Name, "elapsed", elapsed, "recommended", stage.Timeout)
			result = StageSlowCompletion
		} else {
			result = StageSuccess
		}
	case <-stageCtx.Done():
		slog.Warn("shutdown stage exceeded timeout", "stage", stage.Name, "timeout", stageTimeout)
		result = StageTimeout
	}

	rep := Report{Stage: stage.Name, Result: result, Elapsed: time.Since(stageStart), Remaining: c.remaining()}
	c.reports = append(c.reports, rep)
	return result
}

func (c *Coordinator) remaining() time.Duration {
	if c.start.IsZero() {
		return c.totalTimeout
	}
	elapsed := time.Since(c.start)
	if elapsed >= c.totalTimeout {
		return 0
	}
	return c.totalTimeout - elapsed
}

// Finish returns the accumulated Summary and logs a completion line.
func (c *Coordinator) Finish() Summary {
	elapsed := time.Since(c.start)
	sum := Summary{Reports: c.reports, Elapsed: elapsed}
	if sum.TimedOut() {
		slog.Warn("graceful shutdown completed with a stage timeout", "elapsed", elapsed)
	} else {
		slog.Info("graceful shutdown completed", "elapsed", elapsed)
	}
	return sum
}
