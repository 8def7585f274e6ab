package service

import (
	"fmt"
	"strings"

	"github.com/agentgrid/agentgrid/internal/core/domain"
)

// Aggregate folds per-invocation outcomes into a terminal status and a
// structured output. The status law:
//
//	all succeeded, no issues          -> completed
//	some succeeded, some failed/noisy -> completed_with_warnings
//	none succeeded                    -> failed
//
// Output is the union of created/modified file lists plus the
// concatenated issue lists; the human-readable summary is derived from
// the typed outcomes, never the other way around.
func Aggregate(outcomes []domain.InvocationOutcome) (domain.ResultStatus, *domain.TaskOutput) {
	output := &domain.TaskOutput{
		FilesCreated:  []string{},
		FilesModified: []string{},
		Issues:        []string{},
		Invocations:   outcomes,
	}

	var succeeded, failed, withIssues int
	var summaries []string
	for _, o := range outcomes {
		if !o.Succeeded() {
			// Failure detail lives in Invocations and the error line;
			// Issues carries only what executors themselves reported.
			failed++
			continue
		}
		succeeded++
		if o.HasIssues() {
			withIssues++
		}
		output.FilesCreated = append(output.FilesCreated, o.Result.FilesCreated...)
		output.FilesModified = append(output.FilesModified, o.Result.FilesModified...)
		output.Issues = append(output.Issues, o.Result.Issues...)
		if o.Result.Summary != "" {
			summaries = append(summaries, o.Result.Summary)
		}
	}

	var status domain.ResultStatus
	switch {
	case succeeded == 0:
		status = domain.StatusFailed
	case failed > 0 || withIssues > 0:
		status = domain.StatusCompletedWithWarnings
	default:
		status = domain.StatusCompleted
	}

	output.Summary = fmt.Sprintf("%d/%d invocations succeeded", succeeded, len(outcomes))
	if len(summaries) > 0 {
		output.Summary += ": " + strings.Join(summaries, "; ")
	}
	return status, output
}

// aggregateError extracts the error line for a failed result from the
// outcomes that caused it.
func aggregateError(outcomes []domain.InvocationOutcome) string {
	var errs []string
	for _, o := range outcomes {
		if o.Err != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", o.Executor, o.Err))
		}
	}
	return strings.Join(errs, "; ")
}
