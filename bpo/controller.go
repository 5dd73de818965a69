package bpo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/graph"
	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/rules"
	"github.com/atelierhq/atelier/store"
)

const (
	// DefaultStageTimeout bounds one pipeline stage.
	DefaultStageTimeout = 180 * time.Second

	// DefaultRunTimeout bounds a whole pipeline invocation.
	DefaultRunTimeout = 600 * time.Second
)

// Stage names.
const (
	stagePlanner  = "planner"
	stageExecutor = "executor"
	stageReporter = "reporter"
)

// Completer is the LLM surface the stages need. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// TokenRefresher refreshes one connection's OAuth token on demand.
// *refresher.Refresher satisfies it.
type TokenRefresher interface {
	RefreshOne(ctx context.Context, tenantID, connectionID string) error
}

// Controller runs the SaaS task pipeline: plan, approve, execute. It owns
// the task lifecycle rows and feeds the failure-learning loop.
type Controller struct {
	llm       Completer
	rules     *rules.Loader
	entities  *store.Store
	creds     *credstore.Store
	refresher TokenRefresher
	adapters  func(name string) (Adapter, error)
	logger    *slog.Logger

	stageTimeout     time.Duration
	runTimeout       time.Duration
	failureThreshold int

	planOnce sync.Once
	plan     *graph.Compiled[State]
	execOnce sync.Once
	exec     *graph.Compiled[State]
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithStageTimeout sets the per-stage timeout.
func WithStageTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.stageTimeout = d }
}

// WithRunTimeout sets the whole-run timeout.
func WithRunTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.runTimeout = d }
}

// WithFailureThreshold sets how many recurrences of a failure pattern
// trigger a rule candidate.
func WithFailureThreshold(n int) ControllerOption {
	return func(c *Controller) { c.failureThreshold = n }
}

// WithAdapterFactory overrides adapter resolution, mainly for tests.
func WithAdapterFactory(fn func(name string) (Adapter, error)) ControllerOption {
	return func(c *Controller) { c.adapters = fn }
}

// NewController wires the task pipeline dependencies. The rules loader
// points at the SaaS rules directory; refresher may be nil when no OAuth
// client credentials are configured.
func NewController(
	completer Completer,
	loader *rules.Loader,
	entities *store.Store,
	creds *credstore.Store,
	refresher TokenRefresher,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		llm:              completer,
		rules:            loader,
		entities:         entities,
		creds:            creds,
		refresher:        refresher,
		adapters:         NewAdapter,
		logger:           slog.Default(),
		stageTimeout:     DefaultStageTimeout,
		runTimeout:       DefaultRunTimeout,
		failureThreshold: DefaultFailureThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) planGraph() *graph.Compiled[State] {
	c.planOnce.Do(func() {
		g := graph.New[State]("task-plan").
			AddStage(stagePlanner, c.plannerStage).
			SetEntry(stagePlanner).
			AddEdge(stagePlanner, graph.End)
		var err error
		if c.plan, err = g.Compile(); err != nil {
			panic(fmt.Sprintf("compile task-plan graph: %v", err))
		}
	})
	return c.plan
}

func (c *Controller) execGraph() *graph.Compiled[State] {
	c.execOnce.Do(func() {
		g := graph.New[State]("task-exec").
			AddStage(stageExecutor, c.executorStage).
			AddStage(stageReporter, c.reporterStage).
			SetEntry(stageExecutor).
			AddEdge(stageExecutor, stageReporter).
			AddEdge(stageReporter, graph.End)
		var err error
		if c.exec, err = g.Compile(); err != nil {
			panic(fmt.Sprintf("compile task-exec graph: %v", err))
		}
	})
	return c.exec
}

func (c *Controller) execOptions() []graph.ExecOption[State] {
	return []graph.ExecOption[State]{
		graph.WithStageTimeout[State](c.stageTimeout),
		graph.WithRunTimeout[State](c.runTimeout),
		graph.WithStageTimeoutDelta[State](func(stage string, _ State) State {
			return State{
				ErrorLogs: []string{fmt.Sprintf("Stage timeout (%s) in %s", c.stageTimeout, stage)},
				Status:    store.TaskStatusFailed,
			}
		}),
		graph.WithRunTimeoutState[State](func(_ State) State {
			return State{
				ErrorLogs: []string{fmt.Sprintf("Run timeout (%s)", c.runTimeout)},
				Status:    store.TaskStatusFailed,
			}
		}),
		graph.WithLogger[State](c.logger),
	}
}

// Plan creates the task and runs the planning phase. A valid plan parks
// the task awaiting approval; a planning failure terminates it.
func (c *Controller) Plan(ctx context.Context, task *store.Task) (*store.Task, error) {
	if err := c.entities.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return c.runPlanPhase(ctx, task)
}

func (c *Controller) runPlanPhase(ctx context.Context, task *store.Task) (*store.Task, error) {
	state := stateFromTask(task)
	if adapter, err := c.adapters(task.SaaSName); err == nil {
		state.AvailableTools = adapter.AvailableTools()
	} else {
		c.logger.Warn("No adapter for SaaS, planning without a tool list", "saas", task.SaaSName)
	}

	final, err := c.planGraph().Execute(ctx, state, c.execOptions()...)
	if err != nil {
		reason := fmt.Sprintf("task planning: %v", err)
		c.recordTaskFailure(ctx, task.TenantID, task.TaskID, reason, final.ErrorLogs)
		return c.entities.GetTask(ctx, task.TenantID, task.TaskID)
	}

	if final.Status == store.TaskStatusAwaitingApproval {
		if err := c.entities.SavePlan(ctx, task.TenantID, task.TaskID, final.PlanMarkdown, final.Operations); err != nil {
			return nil, err
		}
	} else {
		reason := "task planning failed"
		if len(final.ErrorLogs) > 0 {
			reason = final.ErrorLogs[len(final.ErrorLogs)-1]
		}
		c.recordTaskFailure(ctx, task.TenantID, task.TaskID, reason, final.ErrorLogs)
	}
	return c.entities.GetTask(ctx, task.TenantID, task.TaskID)
}

// Execute approves the task and runs its frozen plan. The stored
// operations are authoritative; whatever is in memory is ignored.
func (c *Controller) Execute(ctx context.Context, tenantID, taskID string) (*store.Task, error) {
	task, err := c.entities.ApproveTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	final, err := c.execGraph().Execute(ctx, stateFromTask(task), c.execOptions()...)
	durationMs := time.Since(started).Milliseconds()
	if err != nil {
		c.recordTaskFailure(ctx, tenantID, taskID, fmt.Sprintf("task execution: %v", err), final.ErrorLogs)
		return c.entities.GetTask(ctx, tenantID, taskID)
	}

	status := final.Status
	if status != store.TaskStatusCompleted && status != store.TaskStatusFailed {
		status = store.TaskStatusFailed
	}
	if err := c.entities.SaveResult(ctx, tenantID, taskID, final.Summary, final.ReportMarkdown, durationMs, status); err != nil {
		return nil, err
	}

	if status == store.TaskStatusFailed {
		reason := final.FailureReason
		if reason == "" {
			reason = "task execution failed"
		}
		if err := c.entities.RecordFailure(ctx, tenantID, taskID, reason, final.FailureCategory, strings.Join(final.ErrorLogs, "\n")); err != nil {
			c.logger.Warn("Failed to record task failure", "task_id", taskID, "error", err)
		}
		c.learnFromFailures(ctx, tenantID, task.SaaSName)
	}

	if len(final.Audit) > 0 {
		c.entities.PersistAuditLogs(ctx, &store.AuditBatch{
			TenantID: tenantID,
			OwnerID:  taskID,
			Source:   "saas",
			SaaSName: task.SaaSName,
			Genre:    task.Genre,
			Records:  final.Audit,
		})
	}
	return c.entities.GetTask(ctx, tenantID, taskID)
}

// Reject marks an awaiting task rejected.
func (c *Controller) Reject(ctx context.Context, tenantID, taskID string) error {
	return c.entities.RejectTask(ctx, tenantID, taskID)
}

// Retry moves a failed task back to planning and re-plans it. The new
// plan goes through approval again.
func (c *Controller) Retry(ctx context.Context, tenantID, taskID string) (*store.Task, error) {
	task, err := c.entities.ResetForRetry(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	return c.runPlanPhase(ctx, task)
}

// Delete removes a task. Executing tasks cannot be deleted.
func (c *Controller) Delete(ctx context.Context, tenantID, taskID string) error {
	return c.entities.DeleteTask(ctx, tenantID, taskID)
}

func (c *Controller) recordTaskFailure(ctx context.Context, tenantID, taskID, reason string, logs []string) {
	category := store.CategorizeFailure(reason)
	if err := c.entities.RecordFailure(ctx, tenantID, taskID, reason, category, strings.Join(logs, "\n")); err != nil {
		c.logger.Warn("Failed to record task failure", "task_id", taskID, "error", err)
	}
}
