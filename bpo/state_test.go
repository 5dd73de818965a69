package bpo

import (
	"testing"

	"github.com/atelierhq/atelier/store"
)

func TestStateMerge(t *testing.T) {
	base := State{
		TaskID:      "task_1",
		TenantID:    "tenant-a",
		Description: "sync contacts",
		Status:      store.TaskStatusPlanning,
		ErrorLogs:   []string{"first"},
	}

	merged := base.Merge(State{
		PlanMarkdown: "## Plan",
		Operations:   []store.Operation{{Tool: "sf_query"}},
		Status:       store.TaskStatusAwaitingApproval,
		ErrorLogs:    []string{"second"},
	})

	if merged.Status != store.TaskStatusAwaitingApproval {
		t.Errorf("Status = %q", merged.Status)
	}
	if merged.PlanMarkdown != "## Plan" || len(merged.Operations) != 1 {
		t.Errorf("plan not merged: %+v", merged)
	}
	if len(merged.ErrorLogs) != 2 || merged.ErrorLogs[1] != "second" {
		t.Errorf("ErrorLogs = %v", merged.ErrorLogs)
	}
	if merged.Description != "sync contacts" {
		t.Errorf("Description lost: %q", merged.Description)
	}

	// An empty delta changes nothing.
	same := merged.Merge(State{})
	if same.Status != merged.Status || len(same.Operations) != 1 || len(same.ErrorLogs) != 2 {
		t.Error("empty delta mutated state")
	}

	// Results and summary replace wholesale.
	withResults := merged.Merge(State{
		Results: []store.OperationResult{{Tool: "sf_query", Success: true}},
		Summary: &store.ResultSummary{SuccessCount: 1, TotalOperations: 1},
	})
	if len(withResults.Results) != 1 || withResults.Summary.SuccessCount != 1 {
		t.Errorf("results not merged: %+v", withResults)
	}
}

func TestStateFromTask(t *testing.T) {
	task := &store.Task{
		TaskID:       "task_1",
		TenantID:     "tenant-a",
		ConnectionID: "conn_1",
		SaaSName:     "salesforce",
		Genre:        "sfa",
		Description:  "sync contacts",
		DryRun:       true,
		Operations:   []store.Operation{{Tool: "sf_query"}},
		Status:       store.TaskStatusExecuting,
	}

	state := stateFromTask(task)
	if state.TaskID != "task_1" || state.SaaSName != "salesforce" || !state.DryRun {
		t.Errorf("state = %+v", state)
	}
	if len(state.Operations) != 1 || state.Status != store.TaskStatusExecuting {
		t.Errorf("state = %+v", state)
	}
}
