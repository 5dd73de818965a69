// Package graph provides a small directed-graph scheduler for agent
// pipelines. Stages receive the current state and return a delta that is
// merged back; routers pick the next stage from the merged state.
package graph

import (
	"context"
	"errors"
	"fmt"
)

// End is the terminal routing label. Routing to End finishes the run.
const End = "__end__"

// Sentinel errors returned by Compile and Execute.
var (
	ErrNoEntry       = errors.New("graph has no entry stage")
	ErrUnknownStage  = errors.New("unknown stage")
	ErrUnknownRoute  = errors.New("router returned undeclared label")
	ErrDuplicateEdge = errors.New("stage already has an outgoing edge")
	ErrStageTimeout  = errors.New("stage deadline exceeded")
)

// Graph is a mutable pipeline definition. Build it with AddStage, AddEdge,
// AddRouter and SetEntry, then Compile it into an executable form.
type Graph[S Mergeable[S]] struct {
	name    string
	stages  map[string]StageFunc[S]
	order   []string
	edges   map[string]string
	routers map[string]router[S]
	entry   string
}

// StageFunc executes one stage. It returns a delta to merge into the
// state, not the full next state.
type StageFunc[S Mergeable[S]] func(ctx context.Context, state S) (S, error)

// RouterFunc inspects the merged state and returns the label of the next
// stage, or End.
type RouterFunc[S Mergeable[S]] func(state S) string

type router[S Mergeable[S]] struct {
	fn      RouterFunc[S]
	targets map[string]struct{}
}

// New creates an empty graph. The name appears in errors and logs.
func New[S Mergeable[S]](name string) *Graph[S] {
	return &Graph[S]{
		name:    name,
		stages:  make(map[string]StageFunc[S]),
		edges:   make(map[string]string),
		routers: make(map[string]router[S]),
	}
}

// AddStage registers a stage under the given name. Re-registering a name
// replaces the previous stage.
func (g *Graph[S]) AddStage(name string, fn StageFunc[S]) *Graph[S] {
	if _, ok := g.stages[name]; !ok {
		g.order = append(g.order, name)
	}
	g.stages[name] = fn
	return g
}

// AddEdge wires an unconditional transition from one stage to the next.
// The target may be End.
func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	g.edges[from] = to
	return g
}

// AddRouter wires a conditional transition. The router must return one of
// the declared targets; anything else fails the run with ErrUnknownRoute.
func (g *Graph[S]) AddRouter(from string, fn RouterFunc[S], targets ...string) *Graph[S] {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	g.routers[from] = router[S]{fn: fn, targets: set}
	return g
}

// SetEntry marks the stage execution starts from.
func (g *Graph[S]) SetEntry(name string) *Graph[S] {
	g.entry = name
	return g
}

// Compile validates the graph and freezes it for execution: the entry must
// exist, every edge and router target must name a registered stage or End,
// and no stage may carry both an edge and a router.
func (g *Graph[S]) Compile() (*Compiled[S], error) {
	if g.entry == "" {
		return nil, fmt.Errorf("graph %s: %w", g.name, ErrNoEntry)
	}
	if _, ok := g.stages[g.entry]; !ok {
		return nil, fmt.Errorf("graph %s: entry %q: %w", g.name, g.entry, ErrUnknownStage)
	}
	for from, to := range g.edges {
		if _, ok := g.routers[from]; ok {
			return nil, fmt.Errorf("graph %s: stage %q: %w", g.name, from, ErrDuplicateEdge)
		}
		if err := g.checkTarget(from, to); err != nil {
			return nil, err
		}
	}
	for from, r := range g.routers {
		for target := range r.targets {
			if err := g.checkTarget(from, target); err != nil {
				return nil, err
			}
		}
	}
	return &Compiled[S]{graph: g}, nil
}

func (g *Graph[S]) checkTarget(from, target string) error {
	if target == End {
		return nil
	}
	if _, ok := g.stages[target]; !ok {
		return fmt.Errorf("graph %s: stage %q routes to %q: %w", g.name, from, target, ErrUnknownStage)
	}
	if _, ok := g.stages[from]; !ok && from != g.entry {
		return fmt.Errorf("graph %s: edge source %q: %w", g.name, from, ErrUnknownStage)
	}
	return nil
}
