package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/rules"
	"github.com/atelierhq/atelier/sandbox"
	"github.com/atelierhq/atelier/store"
)

// scriptedLLM pops queued responses in call order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.responses) == 0 {
		return &llm.Response{Content: ""}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

// fakeSandbox records writes and answers commands as missing tools, so
// lint and test checks pass vacuously.
type fakeSandbox struct {
	mu     sync.Mutex
	files  map[string][]byte
	closed bool
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: map[string][]byte{}}
}

func (f *fakeSandbox) WriteFile(_ context.Context, rel string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[rel] = data
	return nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, rel string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.files[rel]; ok {
		return data, nil
	}
	return nil, os.ErrNotExist
}

func (f *fakeSandbox) RunCommand(_ context.Context, argv []string, _ time.Duration) (sandbox.CommandResult, error) {
	return sandbox.CommandResult{ExitCode: 127, Stderr: argv[0] + ": not found"}, nil
}

func (f *fakeSandbox) AuditLog() []sandbox.AuditRecord {
	return []sandbox.AuditRecord{{Tool: "write_file", ResultSummary: sandbox.ResultSummary{Success: true}}}
}

func (f *fakeSandbox) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakePublisher records the publish request.
type fakePublisher struct {
	mu   sync.Mutex
	reqs []PublishRequest
	url  string
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, req PublishRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.url, f.err
}

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
	require.True(t, ns.ReadyForConnections(5*time.Second))
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

func newTestController(t *testing.T, completer Completer, pub Publisher, opts ...ControllerOption) (*Controller, *store.Store) {
	t.Helper()
	entities := newTestEntities(t)
	loader := rules.NewLoader(filepath.Join(t.TempDir(), "rules"))
	factory := func(context.Context) (ReviewSandbox, error) {
		return newFakeSandbox(), nil
	}
	c := NewController(completer, loader, entities, factory, pub, opts...)
	return c, entities
}

func specResponse() *llm.Response {
	return &llm.Response{
		Content: "## Goal\nShip a greeting page.\n\n## Overview\nStatic HTML.",
		Usage:   llm.TokenUsage{PromptTokens: 100, CompletionTokens: 50},
	}
}

func coderResponse(body string) *llm.Response {
	return &llm.Response{
		Content: "```index.html\n" + body + "\n```",
		Usage:   llm.TokenUsage{PromptTokens: 200, CompletionTokens: 80},
	}
}

func TestExecutePublishesCleanRun(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{
		specResponse(),
		coderResponse("<h1>hello</h1>"),
	}}
	pub := &fakePublisher{url: "https://github.com/acme/out/tree/main/output/run"}
	c, entities := newTestController(t, completer, pub)

	workspace := t.TempDir()
	initial := NewState("tenant-a", "Build a greeting page", workspace)

	final, err := c.Execute(context.Background(), initial)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusPublished, final.Status)
	require.Equal(t, pub.url, final.CommitURL)
	require.Equal(t, 300, final.InputTokens)
	require.Equal(t, 130, final.OutputTokens)

	// Artifacts land in the output directory.
	outDir := filepath.Join(workspace, filepath.FromSlash(final.OutputSubdir))
	for _, name := range []string{"index.html", "spec.md", "report.html"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		require.NoError(t, err, name)
	}

	report, err := os.ReadFile(filepath.Join(outDir, "report.html"))
	require.NoError(t, err)
	require.Contains(t, string(report), final.RunID)
	require.Contains(t, string(report), "index.html")

	// The run row is persisted terminal.
	run, err := entities.GetRun(context.Background(), "tenant-a", final.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusPublished, run.Status)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, 300, run.InputTokens)

	// Sandbox audit batch is persisted for the run.
	batches, err := entities.ListAuditBatches(context.Background(), "tenant-a", final.RunID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "sandbox", batches[0].Source)
}

func TestExecuteFailsAfterRetryCap(t *testing.T) {
	// The coder keeps emitting a leaked key; every review fails and the
	// fix loop burns out.
	leaky := "```config.py\nAPI_KEY = \"sk-abcdefghijklmnopqrstuvwx\"\n```"
	completer := &scriptedLLM{responses: []*llm.Response{
		specResponse(),
		{Content: leaky},
		{Content: leaky},
		{Content: leaky},
	}}
	pub := &fakePublisher{}
	c, entities := newTestController(t, completer, pub, WithMaxRetry(2))

	final, err := c.Execute(context.Background(), NewState("tenant-a", "Build config", t.TempDir()))
	require.NoError(t, err)
	require.Equal(t, store.RunStatusFailed, final.Status, "terminal review_ng normalizes to failed")
	require.Equal(t, 2, final.RetryCount)
	require.NotEmpty(t, final.LastErrorSignature)
	require.Empty(t, pub.reqs, "nothing may be published")

	var secretFailures int
	for _, log := range final.ErrorLogs {
		if strings.HasPrefix(log, "Secret Scan FAILED: ") {
			secretFailures++
		}
	}
	require.Equal(t, 3, secretFailures, "initial attempt plus two retries")

	run, err := entities.GetRun(context.Background(), "tenant-a", final.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusFailed, run.Status)
	require.Equal(t, final.LastErrorSignature, run.ErrorSignature)
}

func TestExecuteRejectsUnprotectedTenantTable(t *testing.T) {
	sqlArtifact := "```schema.sql\nCREATE TABLE orders (id uuid, company_id uuid);\n```"
	completer := &scriptedLLM{responses: []*llm.Response{
		specResponse(),
		{Content: sqlArtifact},
	}}
	c, _ := newTestController(t, completer, &fakePublisher{}, WithMaxRetry(0))

	final, err := c.Execute(context.Background(), NewState("tenant-a", "Orders schema", t.TempDir()))
	require.NoError(t, err)
	require.Equal(t, store.RunStatusFailed, final.Status)

	joined := strings.Join(final.ErrorLogs, "\n")
	require.Contains(t, joined, "orders")
}

func TestSpecPhaseAndResume(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{
		specResponse(),
		coderResponse("<h1>v2</h1>"),
	}}
	pub := &fakePublisher{url: "https://github.com/acme/out"}
	c, entities := newTestController(t, completer, pub)
	ctx := context.Background()

	workspace := t.TempDir()
	initial := NewState("tenant-a", "Build a greeting page", workspace)

	parked, err := c.ExecuteSpecPhase(ctx, initial)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusSpecReview, parked.Status)
	require.Contains(t, parked.SpecMarkdown, "## Goal")

	// The run is parked awaiting approval with a loadable snapshot.
	run, err := entities.GetRun(ctx, "tenant-a", parked.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusSpecReview, run.Status)
	_, err = entities.LoadSnapshot(ctx, "tenant-a", parked.RunID)
	require.NoError(t, err)

	// Resume with an edited spec.
	final, err := c.Resume(ctx, "tenant-a", parked.RunID, "## Goal\nShip the edited version.")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusPublished, final.Status)
	require.Equal(t, "## Goal\nShip the edited version.", final.SpecMarkdown)
	require.Len(t, pub.reqs, 1)

	// Coder saw the edited spec, not the snapshotted one.
	coderCall := completer.calls[len(completer.calls)-1]
	require.Contains(t, coderCall.Messages[1].Content, "edited version")
}

func TestResumeUnknownRun(t *testing.T) {
	c, _ := newTestController(t, &scriptedLLM{}, &fakePublisher{})

	_, err := c.Resume(context.Background(), "tenant-a", "run_missing", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRouteAfterReview(t *testing.T) {
	c := &Controller{maxRetry: 3}

	if got := c.routeAfterReview(State{Status: store.RunStatusReviewOK}); got != stagePublisher {
		t.Errorf("review_ok routes to %q", got)
	}
	if got := c.routeAfterReview(State{Status: store.RunStatusReviewNG, RetryCount: 2}); got != stageFix {
		t.Errorf("retryable review_ng routes to %q", got)
	}
	if got := c.routeAfterReview(State{Status: store.RunStatusReviewNG, RetryCount: 3}); got != "__end__" {
		t.Errorf("exhausted review_ng routes to %q", got)
	}
}

func TestFixStageComposesInstruction(t *testing.T) {
	loader := rules.NewLoader(filepath.Join(t.TempDir(), "rules"))
	c := &Controller{rules: loader}

	var logs []string
	for i := 0; i < 12; i++ {
		logs = append(logs, "error "+strings.Repeat("x", i+1))
	}

	delta, err := c.fixStage(context.Background(), State{ErrorLogs: logs, RetryCount: 1})
	require.NoError(t, err)
	require.Equal(t, 2, delta.RetryCount)
	require.Equal(t, store.RunStatusReviewNG, delta.Status)
	require.NotContains(t, delta.FixInstruction, "error x\n", "oldest entries drop out of the window")
	require.Contains(t, delta.FixInstruction, "error xxxxxxxxxxxx")
}
