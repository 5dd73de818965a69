package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Compiled is a validated, executable graph.
type Compiled[S Mergeable[S]] struct {
	graph *Graph[S]
}

// ExecOption configures a single Execute call.
type ExecOption[S Mergeable[S]] func(*execConfig[S])

type execConfig[S Mergeable[S]] struct {
	stageTimeout   time.Duration
	runTimeout     time.Duration
	onStageTimeout func(stage string, state S) S
	onRunTimeout   func(state S) S
	logger         *slog.Logger
}

// WithStageTimeout bounds each stage. A stage that exceeds it is abandoned
// (its context is cancelled) and the run continues with the delta produced
// by the OnStageTimeout hook.
func WithStageTimeout[S Mergeable[S]](d time.Duration) ExecOption[S] {
	return func(c *execConfig[S]) { c.stageTimeout = d }
}

// WithRunTimeout bounds the whole run. When it fires, the OnRunTimeout hook
// produces the final state and Execute returns.
func WithRunTimeout[S Mergeable[S]](d time.Duration) ExecOption[S] {
	return func(c *execConfig[S]) { c.runTimeout = d }
}

// WithStageTimeoutDelta sets the hook that converts a stage timeout into a
// state delta (typically an error entry plus a soft-failure status). Without
// it a stage timeout fails the run.
func WithStageTimeoutDelta[S Mergeable[S]](fn func(stage string, state S) S) ExecOption[S] {
	return func(c *execConfig[S]) { c.onStageTimeout = fn }
}

// WithRunTimeoutState sets the hook that produces the terminal state when
// the overall deadline fires.
func WithRunTimeoutState[S Mergeable[S]](fn func(state S) S) ExecOption[S] {
	return func(c *execConfig[S]) { c.onRunTimeout = fn }
}

// WithLogger sets the execution logger.
func WithLogger[S Mergeable[S]](logger *slog.Logger) ExecOption[S] {
	return func(c *execConfig[S]) { c.logger = logger }
}

type stageResult[S Mergeable[S]] struct {
	delta S
	err   error
}

// Execute runs the graph from its entry stage until a route reaches End,
// a stage fails, or a deadline fires. It returns the final merged state.
//
// Stage errors other than timeouts abort the run; the state accumulated so
// far is returned alongside the error so callers can persist it.
func (c *Compiled[S]) Execute(ctx context.Context, initial S, opts ...ExecOption[S]) (S, error) {
	cfg := execConfig[S]{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	runCtx := ctx
	if cfg.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.runTimeout)
		defer cancel()
	}

	g := c.graph
	state := initial
	current := g.entry

	for current != End {
		fn, ok := g.stages[current]
		if !ok {
			return state, fmt.Errorf("graph %s: stage %q: %w", g.name, current, ErrUnknownStage)
		}

		started := time.Now()
		delta, err := c.runStage(runCtx, cfg.stageTimeout, fn, state)
		switch {
		case err == nil:
			state = state.Merge(delta)
		case errors.Is(err, ErrStageTimeout) && cfg.onStageTimeout != nil:
			cfg.logger.Warn("stage timed out, continuing with timeout delta",
				"graph", g.name, "stage", current, "elapsed", time.Since(started))
			state = state.Merge(cfg.onStageTimeout(current, state))
		case runCtx.Err() != nil:
			// Overall deadline or caller cancellation.
			if cfg.onRunTimeout != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				cfg.logger.Warn("run deadline exceeded", "graph", g.name, "stage", current)
				return state.Merge(cfg.onRunTimeout(state)), nil
			}
			return state, fmt.Errorf("graph %s: stage %q: %w", g.name, current, runCtx.Err())
		default:
			return state, fmt.Errorf("graph %s: stage %q: %w", g.name, current, err)
		}

		cfg.logger.Debug("stage complete",
			"graph", g.name, "stage", current, "duration", time.Since(started))

		next, err := c.route(current, state)
		if err != nil {
			return state, err
		}
		current = next
	}

	return state, nil
}

// runStage executes one stage in its own goroutine so an overrunning stage
// can be abandoned. The abandoned goroutine observes its context cancellation
// and exits on its own schedule; its late result is discarded.
func (c *Compiled[S]) runStage(ctx context.Context, timeout time.Duration, fn StageFunc[S], state S) (S, error) {
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan stageResult[S], 1)
	go func() {
		delta, err := fn(stageCtx, state)
		ch <- stageResult[S]{delta: delta, err: err}
	}()

	select {
	case r := <-ch:
		return r.delta, r.err
	case <-stageCtx.Done():
		var zero S
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrStageTimeout
	}
}

func (c *Compiled[S]) route(current string, state S) (string, error) {
	g := c.graph
	if to, ok := g.edges[current]; ok {
		return to, nil
	}
	if r, ok := g.routers[current]; ok {
		label := r.fn(state)
		if _, declared := r.targets[label]; !declared {
			return "", fmt.Errorf("graph %s: stage %q returned %q: %w", g.name, current, label, ErrUnknownRoute)
		}
		return label, nil
	}
	// A stage with no outgoing transition ends the run.
	return End, nil
}
