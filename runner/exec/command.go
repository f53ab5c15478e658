// Package exec runs test commands on the local machine.
package exec

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	osexec "os/exec"
	"time"

	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/planner"
)

const defaultMaxOutput = 64 << 10

// CommandRunner executes each test's shell command in sequence. A failing
// test that passes on a retry is reported as flaky-pass.
type CommandRunner struct {
	WorkDir   string
	Env       []string
	Retries   int
	MaxOutput int
	Logger    *slog.Logger
	// Shell defaults to "sh -c".
	Shell []string
}

func (r *CommandRunner) Execute(ctx context.Context, batch executor.Batch, report func(executor.Outcome)) error {
	logger := r.Logger
	if logger == nil {
		logger = observability.NewLogger("runner.exec")
	}
	logger = observability.WithBatch(observability.WithRun(logger, batch.RunID), batch.ID)

	for _, entry := range batch.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome := r.runEntry(ctx, entry)
		observability.WithTest(logger, entry.Test.ID).Debug("test finished",
			"event", "test_finished",
			"outcome", outcome.Outcome,
			"wall_time", outcome.WallTime,
		)
		report(outcome)
	}
	return nil
}

func (r *CommandRunner) runEntry(ctx context.Context, entry planner.Entry) executor.Outcome {
	if entry.Test.Command == "" {
		return executor.Outcome{TestID: entry.Test.ID, Outcome: feedback.OutcomeFail, Output: "no command configured"}
	}

	var total time.Duration
	var failed bool
	var last executor.Outcome
	for attempt := 0; attempt <= r.Retries; attempt++ {
		last = r.runOnce(ctx, entry)
		total += last.WallTime
		if last.Outcome != feedback.OutcomeFail {
			break
		}
		failed = true
	}
	last.WallTime = total
	if failed && last.Outcome == feedback.OutcomePass {
		last.Outcome = feedback.OutcomeFlakyPass
	}
	return last
}

func (r *CommandRunner) runOnce(ctx context.Context, entry planner.Entry) executor.Outcome {
	runCtx := ctx
	if entry.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, entry.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if len(shell) == 0 {
		shell = []string{"sh", "-c"}
	}
	args := append(append([]string{}, shell[1:]...), entry.Test.Command)
	cmd := osexec.CommandContext(runCtx, shell[0], args...)
	cmd.Dir = r.WorkDir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.WaitDelay = time.Second
	output := &limitedBuffer{limit: r.maxOutput()}
	cmd.Stdout = output
	cmd.Stderr = output

	start := time.Now()
	err := cmd.Run()
	outcome := executor.Outcome{
		TestID:   entry.Test.ID,
		WallTime: time.Since(start),
		Output:   output.String(),
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Outcome = feedback.OutcomeTimeout
	case err != nil:
		outcome.Outcome = feedback.OutcomeFail
	default:
		outcome.Outcome = feedback.OutcomePass
	}
	return outcome
}

func (r *CommandRunner) maxOutput() int {
	if r.MaxOutput > 0 {
		return r.MaxOutput
	}
	return defaultMaxOutput
}

// limitedBuffer keeps the tail of the output.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

var _ executor.Runner = (*CommandRunner)(nil)
