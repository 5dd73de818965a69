package bpo

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/store"
)

// maxReportedErrors caps how many error lines the summary keeps.
const maxReportedErrors = 10

// reporterStage condenses the execution results into a summary and a
// Markdown report. Partial success still counts as completed; the summary
// carries the split. Only an all-failure run fails the task.
func (c *Controller) reporterStage(_ context.Context, state State) (State, error) {
	if len(state.Results) == 0 {
		return State{
			Summary:        &store.ResultSummary{},
			ReportMarkdown: "No operations executed.",
			Status:         store.TaskStatusCompleted,
		}, nil
	}

	var successCount int
	var errors []string
	for _, r := range state.Results {
		if r.Success {
			successCount++
			continue
		}
		errMsg := r.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		errors = append(errors, r.Tool+": "+errMsg)
	}
	failureCount := len(state.Results) - successCount

	summary := &store.ResultSummary{
		SuccessCount:    successCount,
		FailureCount:    failureCount,
		TotalOperations: len(state.Results),
		Errors:          errors,
	}
	if len(summary.Errors) > maxReportedErrors {
		summary.Errors = summary.Errors[:maxReportedErrors]
	}

	delta := State{
		Summary:        summary,
		ReportMarkdown: buildReportMarkdown(state.Results, summary),
		Status:         store.TaskStatusCompleted,
	}
	if failureCount > 0 && successCount == 0 {
		delta.Status = store.TaskStatusFailed
	}
	if failureCount > 0 {
		delta.FailureReason = summary.Errors[0]
		delta.FailureCategory = store.CategorizeFailure(strings.Join(summary.Errors, " "))
	}
	return delta, nil
}

func buildReportMarkdown(results []store.OperationResult, summary *store.ResultSummary) string {
	var b strings.Builder
	b.WriteString("## Execution report\n\n")
	fmt.Fprintf(&b, "- Succeeded: %d\n", summary.SuccessCount)
	fmt.Fprintf(&b, "- Failed: %d\n", summary.FailureCount)
	fmt.Fprintf(&b, "- Total: %d\n", summary.TotalOperations)

	b.WriteString("\n### Operations\n\n")
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "- [v] %s: ok\n", r.Tool)
		} else {
			errMsg := r.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			fmt.Fprintf(&b, "- [x] %s: failed - %s\n", r.Tool, errMsg)
		}
	}

	if len(summary.Errors) > 0 {
		b.WriteString("\n### Errors\n\n")
		for _, e := range summary.Errors {
			b.WriteString("- " + e + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
