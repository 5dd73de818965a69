package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atelierhq/atelier/cost"
	"github.com/atelierhq/atelier/graph"
	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/rules"
	"github.com/atelierhq/atelier/sandbox"
	"github.com/atelierhq/atelier/store"
)

const (
	// DefaultStageTimeout bounds a single pipeline stage.
	DefaultStageTimeout = 180 * time.Second

	// DefaultRunTimeout bounds a whole pipeline invocation.
	DefaultRunTimeout = 600 * time.Second

	// DefaultMaxRetry is how many fix loops a run gets before it is
	// abandoned.
	DefaultMaxRetry = 3
)

// Stage names.
const (
	stageClassifier = "classifier"
	stageSpec       = "spec"
	stageCoder      = "coder"
	stageReview     = "review"
	stageFix        = "fix"
	stagePublisher  = "publisher"
)

// Completer is the LLM surface the stages need. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ReviewSandbox is the sandbox surface the review stage needs.
// *sandbox.Sandbox satisfies it.
type ReviewSandbox interface {
	WriteFile(ctx context.Context, rel string, data []byte) error
	ReadFile(ctx context.Context, rel string) ([]byte, error)
	RunCommand(ctx context.Context, argv []string, timeout time.Duration) (sandbox.CommandResult, error)
	AuditLog() []sandbox.AuditRecord
	Close(ctx context.Context) error
}

// SandboxFactory opens a fresh sandbox for one review pass.
type SandboxFactory func(ctx context.Context) (ReviewSandbox, error)

// Controller runs the code-generation pipeline and persists its results.
type Controller struct {
	llm        Completer
	rules      *rules.Loader
	entities   *store.Store
	newSandbox SandboxFactory
	publisher  Publisher
	pricing    cost.Pricing
	logger     *slog.Logger

	stageTimeout time.Duration
	runTimeout   time.Duration
	maxRetry     int

	fullOnce sync.Once
	full     *graph.Compiled[State]
	specOnce sync.Once
	spec     *graph.Compiled[State]
	implOnce sync.Once
	impl     *graph.Compiled[State]
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

// WithMaxRetry sets the fix loop cap.
func WithMaxRetry(n int) ControllerOption {
	return func(c *Controller) { c.maxRetry = n }
}

// WithPricing sets the cost model.
func WithPricing(p cost.Pricing) ControllerOption {
	return func(c *Controller) { c.pricing = p }
}

// NewController wires the pipeline dependencies.
func NewController(
	completer Completer,
	loader *rules.Loader,
	entities *store.Store,
	newSandbox SandboxFactory,
	publisher Publisher,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		llm:          completer,
		rules:        loader,
		entities:     entities,
		newSandbox:   newSandbox,
		publisher:    publisher,
		pricing:      cost.DefaultPricing(),
		logger:       slog.Default(),
		stageTimeout: DefaultStageTimeout,
		runTimeout:   DefaultRunTimeout,
		maxRetry:     DefaultMaxRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// routeAfterReview decides the stage after review: publish on pass, fix
// while retries remain, otherwise stop.
func (c *Controller) routeAfterReview(state State) string {
	if state.Status == store.RunStatusReviewOK {
		return stagePublisher
	}
	if state.RetryCount < c.maxRetry {
		return stageFix
	}
	return graph.End
}

func (c *Controller) fullGraph() *graph.Compiled[State] {
	c.fullOnce.Do(func() {
		g := graph.New[State]("develop").
			AddStage(stageClassifier, c.classifierStage).
			AddStage(stageSpec, c.specStage).
			AddStage(stageCoder, c.coderStage).
			AddStage(stageReview, c.reviewStage).
			AddStage(stageFix, c.fixStage).
			AddStage(stagePublisher, c.publisherStage).
			SetEntry(stageClassifier).
			AddEdge(stageClassifier, stageSpec).
			AddEdge(stageSpec, stageCoder).
			AddEdge(stageCoder, stageReview).
			AddRouter(stageReview, c.routeAfterReview, stagePublisher, stageFix, graph.End).
			AddEdge(stageFix, stageCoder).
			AddEdge(stagePublisher, graph.End)
		var err error
		if c.full, err = g.Compile(); err != nil {
			panic(fmt.Sprintf("compile develop graph: %v", err))
		}
	})
	return c.full
}

func (c *Controller) specGraph() *graph.Compiled[State] {
	c.specOnce.Do(func() {
		g := graph.New[State]("develop-spec").
			AddStage(stageClassifier, c.classifierStage).
			AddStage(stageSpec, c.specStage).
			SetEntry(stageClassifier).
			AddEdge(stageClassifier, stageSpec).
			AddEdge(stageSpec, graph.End)
		var err error
		if c.spec, err = g.Compile(); err != nil {
			panic(fmt.Sprintf("compile spec graph: %v", err))
		}
	})
	return c.spec
}

func (c *Controller) implGraph() *graph.Compiled[State] {
	c.implOnce.Do(func() {
		g := graph.New[State]("develop-impl").
			AddStage(stageCoder, c.coderStage).
			AddStage(stageReview, c.reviewStage).
			AddStage(stageFix, c.fixStage).
			AddStage(stagePublisher, c.publisherStage).
			SetEntry(stageCoder).
			AddEdge(stageCoder, stageReview).
			AddRouter(stageReview, c.routeAfterReview, stagePublisher, stageFix, graph.End).
			AddEdge(stageFix, stageCoder).
			AddEdge(stagePublisher, graph.End)
		var err error
		if c.impl, err = g.Compile(); err != nil {
			panic(fmt.Sprintf("compile impl graph: %v", err))
		}
	})
	return c.impl
}

func (c *Controller) execOptions() []graph.ExecOption[State] {
	return []graph.ExecOption[State]{
		graph.WithStageTimeout[State](c.stageTimeout),
		graph.WithRunTimeout[State](c.runTimeout),
		graph.WithStageTimeoutDelta[State](func(stage string, _ State) State {
			return State{
				ErrorLogs: []string{fmt.Sprintf("Stage timeout (%s) in %s", c.stageTimeout, stage)},
				Status:    store.RunStatusReviewNG,
			}
		}),
		graph.WithRunTimeoutState[State](func(_ State) State {
			return State{
				ErrorLogs: []string{fmt.Sprintf("Run timeout (%s)", c.runTimeout)},
				Status:    store.RunStatusTimeout,
			}
		}),
		graph.WithLogger[State](c.logger),
	}
}

// Execute runs the full pipeline and persists the outcome.
func (c *Controller) Execute(ctx context.Context, initial State) (State, error) {
	final, err := c.fullGraph().Execute(ctx, initial, c.execOptions()...)
	final = c.finalize(ctx, final)
	if err != nil {
		return final, fmt.Errorf("develop run %s: %w", final.RunID, err)
	}
	return final, nil
}

// ExecuteSpecPhase runs classification and spec drafting only, then parks
// the run for review with a resumable snapshot.
func (c *Controller) ExecuteSpecPhase(ctx context.Context, initial State) (State, error) {
	final, err := c.specGraph().Execute(ctx, initial, c.execOptions()...)
	if err != nil {
		final = c.finalize(ctx, final)
		return final, fmt.Errorf("spec phase for run %s: %w", final.RunID, err)
	}

	snapshot, marshalErr := json.Marshal(final)
	if marshalErr != nil {
		return final, fmt.Errorf("snapshot run %s: %w", final.RunID, marshalErr)
	}
	run := c.runRecord(final)
	if err := c.entities.PersistSpecSnapshot(ctx, run, snapshot); err != nil {
		return final, fmt.Errorf("persist snapshot for run %s: %w", final.RunID, err)
	}
	final.Status = store.RunStatusSpecReview
	return final, nil
}

// Resume continues an approved spec-phase run through implementation.
// The spec may have been edited during review; the override replaces the
// snapshotted markdown when non-empty.
func (c *Controller) Resume(ctx context.Context, tenantID, runID, specOverride string) (State, error) {
	snapshot, err := c.entities.LoadSnapshot(ctx, tenantID, runID)
	if err != nil {
		return State{}, fmt.Errorf("load snapshot for run %s: %w", runID, err)
	}

	var state State
	if err := json.Unmarshal(snapshot, &state); err != nil {
		return State{}, fmt.Errorf("decode snapshot for run %s: %w", runID, err)
	}
	if specOverride != "" {
		state.SpecMarkdown = specOverride
	}

	if err := c.entities.ClearSnapshot(ctx, tenantID, runID); err != nil {
		c.logger.Warn("Failed to clear snapshot", "run_id", runID, "error", err)
	}

	final, err := c.implGraph().Execute(ctx, state, c.execOptions()...)
	final = c.finalize(ctx, final)
	if err != nil {
		return final, fmt.Errorf("resume run %s: %w", runID, err)
	}
	return final, nil
}

// finalize normalizes the terminal status, applies the cost model, merges
// rule improvements, and persists the run plus its audit trail.
func (c *Controller) finalize(ctx context.Context, state State) State {
	// A run that exhausted its fix loop ends as failed, not as a
	// transient review verdict.
	if state.Status == store.RunStatusReviewNG && state.RetryCount >= c.maxRetry {
		state.Status = store.RunStatusFailed
	}

	estimated, exceeded := c.pricing.CheckBudget(state.InputTokens, state.OutputTokens)
	if exceeded {
		c.logger.Warn("Run exceeded LLM budget",
			"run_id", state.RunID,
			"cost_usd", estimated,
			"budget_usd", c.pricing.MaxPerRunUSD)
	}

	if state.ImproveRules && state.Status == store.RunStatusPublished && len(state.Improvements) > 0 {
		written, err := rules.MergeImprovements(c.rules.Dir(), state.RunID, state.Genre, state.Improvements)
		if err != nil {
			c.logger.Warn("Failed to merge rule improvements", "run_id", state.RunID, "error", err)
		} else if len(written) > 0 {
			c.logger.Info("Rule improvements merged", "run_id", state.RunID, "rules", written)
		}
	}

	run := c.runRecord(state)
	run.CostUSD = estimated
	run.BudgetExceeded = exceeded
	if err := c.entities.PersistRun(ctx, run); err != nil {
		c.logger.Error("Failed to persist run", "run_id", state.RunID, "error", err)
	}

	if len(state.SandboxAudit) > 0 {
		c.entities.PersistAuditLogs(ctx, &store.AuditBatch{
			TenantID: state.TenantID,
			OwnerID:  state.RunID,
			Source:   "sandbox",
			Genre:    state.Genre,
			Records:  toStoreAudit(state.SandboxAudit),
		})
	}
	return state
}

func (c *Controller) runRecord(state State) *store.Run {
	return &store.Run{
		RunID:            state.RunID,
		TenantID:         state.TenantID,
		Requirement:      state.Requirement,
		Genre:            state.Genre,
		GenreSubcategory: state.GenreSubcategory,
		Status:           state.Status,
		SpecMarkdown:     state.SpecMarkdown,
		ErrorLogs:        state.ErrorLogs,
		RetryCount:       state.RetryCount,
		CommitURL:        state.CommitURL,
		ErrorSignature:   state.LastErrorSignature,
		InputTokens:      state.InputTokens,
		OutputTokens:     state.OutputTokens,
		SourceChannel:    state.SourceChannel,
		SourceEventID:    state.SourceEventID,
	}
}

func toStoreAudit(records []sandbox.AuditRecord) []store.AuditRecord {
	out := make([]store.AuditRecord, 0, len(records))
	for _, r := range records {
		out = append(out, store.AuditRecord{
			Timestamp: r.Timestamp,
			Tool:      r.Tool,
			Arguments: r.Arguments,
			Success:   r.ResultSummary.Success,
			Error:     r.ResultSummary.Error,
		})
	}
	return out
}
