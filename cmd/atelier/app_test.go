package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/config"
	"github.com/atelierhq/atelier/metrics"
	"github.com/atelierhq/atelier/store"
	"github.com/atelierhq/atelier/webhook"
)

// newTestEntities spins an embedded JetStream server for the test.
func newTestEntities(t *testing.T) *store.Store {
	t.Helper()

	opts := &natsserver.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	entities, err := store.New(context.Background(), js)
	require.NoError(t, err)
	return entities
}

// recordingRuns persists terminal run records like the real pipeline.
type recordingRuns struct {
	mu       sync.Mutex
	entities *store.Store

	executed  []agent.State
	specPhase []agent.State
}

func (r *recordingRuns) Execute(ctx context.Context, initial agent.State) (agent.State, error) {
	r.mu.Lock()
	r.executed = append(r.executed, initial)
	r.mu.Unlock()
	initial.Status = store.RunStatusPublished
	r.persist(ctx, initial)
	return initial, nil
}

func (r *recordingRuns) ExecuteSpecPhase(ctx context.Context, initial agent.State) (agent.State, error) {
	r.mu.Lock()
	r.specPhase = append(r.specPhase, initial)
	r.mu.Unlock()
	initial.Status = store.RunStatusSpecReview
	r.persist(ctx, initial)
	return initial, nil
}

func (r *recordingRuns) Resume(ctx context.Context, tenantID, runID, specOverride string) (agent.State, error) {
	return agent.State{RunID: runID, TenantID: tenantID, Status: store.RunStatusPublished}, nil
}

func (r *recordingRuns) persist(ctx context.Context, state agent.State) {
	_ = r.entities.PersistRun(ctx, &store.Run{
		RunID:         state.RunID,
		TenantID:      state.TenantID,
		Requirement:   state.Requirement,
		Status:        state.Status,
		SourceChannel: state.SourceChannel,
		SourceEventID: state.SourceEventID,
	})
}

func newTestApp(t *testing.T) (*App, *recordingRuns) {
	t.Helper()
	entities := newTestEntities(t)
	runs := &recordingRuns{entities: entities}
	app := &App{
		cfg:      config.DefaultConfig(),
		logger:   slog.Default(),
		entities: entities,
		runs:     runs,
		metrics:  metrics.New(),
	}
	return app, runs
}

func TestDispatchRunExecutesAndRecordsSource(t *testing.T) {
	app, runs := newTestApp(t)
	ctx := context.Background()

	runID, status, detail, err := app.dispatchRun(ctx, "tenant-a", &webhook.Message{
		Source:      "slack",
		Requirement: "build a signup page",
		EventID:     "ev-1",
	})
	require.NoError(t, err)
	require.Equal(t, string(store.RunStatusPublished), status)
	require.Empty(t, detail)
	require.Len(t, runs.executed, 1)

	run, err := app.entities.GetRun(ctx, "tenant-a", runID)
	require.NoError(t, err)
	require.Equal(t, "slack", run.SourceChannel)
	require.Equal(t, "ev-1", run.SourceEventID)
}

func TestDispatchRunHonorsAutoExecuteOff(t *testing.T) {
	app, runs := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, app.entities.UpdateSettings(ctx, &store.Settings{
		TenantID:    "tenant-a",
		AutoExecute: false,
	}))

	_, status, detail, err := app.dispatchRun(ctx, "tenant-a", &webhook.Message{
		Source:      "slack",
		Requirement: "build a signup page",
		EventID:     "ev-2",
	})
	require.NoError(t, err)
	require.Equal(t, string(store.RunStatusSpecReview), status)
	require.Equal(t, "awaiting spec review", detail)
	require.Empty(t, runs.executed)
	require.Len(t, runs.specPhase, 1)
}

func TestDispatchRunSuppressesDuplicateEvents(t *testing.T) {
	app, runs := newTestApp(t)
	ctx := context.Background()

	msg := &webhook.Message{
		Source:      "chatwork",
		Requirement: "build a contact form",
		EventID:     "ev-dup",
	}

	firstID, _, _, err := app.dispatchRun(ctx, "tenant-a", msg)
	require.NoError(t, err)

	secondID, status, _, err := app.dispatchRun(ctx, "tenant-a", msg)
	require.NoError(t, err)
	require.Equal(t, firstID, secondID)
	require.Equal(t, string(store.RunStatusPublished), status)
	require.Len(t, runs.executed, 1)
}
