package github

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/report"
)

const commentMarker = "<!-- delta-select -->"

// maxSummaryLen stays under the check run output limit.
const maxSummaryLen = 65000

// Reporter publishes execution reports as check runs and PR comments.
type Reporter struct {
	client    *Client
	logger    *slog.Logger
	checkName string
}

func NewReporter(client *Client, logger *slog.Logger, checkName string) *Reporter {
	if logger == nil {
		logger = observability.NewLogger("report.github")
	}
	if checkName == "" {
		checkName = "delta-select"
	}
	return &Reporter{
		client:    client,
		logger:    logger,
		checkName: checkName,
	}
}

func (r *Reporter) Name() string { return "github" }

// Publish creates a completed check run for the report's commit and keeps a
// single up-to-date comment on the pull request. Reports without a GitHub
// trigger are skipped.
func (r *Reporter) Publish(ctx context.Context, rep report.ExecutionReport) error {
	trigger := rep.Trigger
	if trigger == nil || trigger.Provider != ProviderGitHub || trigger.CommitSHA == "" {
		return nil
	}
	if r.client == nil {
		return errors.New("github client not configured")
	}

	summary := truncate(rep.Markdown(), maxSummaryLen)
	checkReq := buildCheckRun(r.checkName, rep, summary)
	resp, err := r.client.CreateCheckRun(ctx, trigger.RepoOwner, trigger.RepoName, checkReq)
	if err != nil {
		r.logger.Warn("github check run create failed", "event", "github_check_create_failed", "run_id", rep.RunID, "conclusion", checkReq.Conclusion, "error", err)
		return err
	}

	if trigger.PRNumber != nil {
		if err := r.upsertComment(ctx, trigger, buildComment(rep, summary)); err != nil {
			r.logger.Warn("github comment failed", "event", "github_comment_failed", "run_id", rep.RunID, "pr", *trigger.PRNumber, "error", err)
			return err
		}
	}

	r.logger.Info("github status updated", "event", "github_status_updated", "run_id", rep.RunID, "check_run_id", resp.ID, "outcome", rep.Outcome)
	return nil
}

func (r *Reporter) upsertComment(ctx context.Context, trigger *report.Trigger, body string) error {
	comments, err := r.client.ListComments(ctx, trigger.RepoOwner, trigger.RepoName, *trigger.PRNumber)
	if err != nil {
		return err
	}
	for _, comment := range comments {
		if !strings.HasPrefix(comment.Body, commentMarker) {
			continue
		}
		_, err := r.client.UpdateComment(ctx, trigger.RepoOwner, trigger.RepoName, comment.ID, body)
		if err == nil || !isNotFound(err) {
			return err
		}
		break
	}
	_, err = r.client.CreateComment(ctx, trigger.RepoOwner, trigger.RepoName, *trigger.PRNumber, body)
	return err
}

func buildCheckRun(name string, rep report.ExecutionReport, summary string) CheckRunRequest {
	completedAt := rep.GeneratedAt
	startedAt := completedAt.Add(-rep.Duration)
	req := CheckRunRequest{
		Name:        name,
		HeadSHA:     rep.Trigger.CommitSHA,
		Status:      "completed",
		Conclusion:  mapOutcomeToConclusion(rep.Outcome),
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
		ExternalID:  rep.RunID,
	}
	req.Output.Title = rep.Title()
	req.Output.Summary = summary
	return req
}

func mapOutcomeToConclusion(outcome report.Outcome) string {
	switch outcome {
	case report.OutcomeSucceeded:
		return "success"
	case report.OutcomeFailed, report.OutcomeInfeasible, report.OutcomePlanFailed:
		return "failure"
	case report.OutcomeCancelled:
		return "cancelled"
	default:
		return "neutral"
	}
}

func buildComment(rep report.ExecutionReport, summary string) string {
	var b strings.Builder
	b.WriteString(commentMarker)
	b.WriteString("\n## delta-select test selection\n\n")
	b.WriteString(summary)
	if !strings.HasSuffix(summary, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\nUpdated: ")
	b.WriteString(rep.GeneratedAt.UTC().Format(time.RFC3339))
	return b.String()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "\n..."
}
