package bpo

import (
	"context"
	"errors"
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

	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/rules"
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

// fakeAdapter answers tool calls from scripted failure maps. With
// validTokens set, health depends on the last connected access token.
type fakeAdapter struct {
	mu          sync.Mutex
	failWith    map[string]string // tool -> application-level error
	errWith     map[string]string // tool -> hard error
	validTokens map[string]bool
	connectErr  error
	connected   bool
	token       string
	calls       []string
}

func (f *fakeAdapter) Name() string { return "testsaas" }

func (f *fakeAdapter) Connect(_ context.Context, _ *store.Connection, creds credstore.Credentials) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = creds.AccessToken
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeAdapter) HealthCheck(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validTokens != nil {
		return f.validTokens[f.token]
	}
	return f.connected
}

func (f *fakeAdapter) AvailableTools() []ToolInfo {
	return []ToolInfo{
		{Name: "crm_query_contacts", Description: "Query contacts", Parameters: map[string]string{"q": "string"}},
		{Name: "crm_update_contact", Description: "Update a contact", Parameters: map[string]string{"id": "string"}},
	}
}

func (f *fakeAdapter) ExecuteTool(_ context.Context, tool string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	if msg, ok := f.errWith[tool]; ok {
		return nil, errors.New(msg)
	}
	if msg, ok := f.failWith[tool]; ok {
		return map[string]any{"success": false, "error": msg}, nil
	}
	return map[string]any{"success": true}, nil
}

func (f *fakeAdapter) Schema(context.Context) (map[string]any, error) {
	return map[string]any{"saas_name": "testsaas"}, nil
}

// fakeRefresher rotates the stored access token to a fixed value.
type fakeRefresher struct {
	entities *store.Store
	creds    *credstore.Store
	token    string
	calls    int
}

func (f *fakeRefresher) RefreshOne(ctx context.Context, tenantID, connectionID string) error {
	f.calls++
	conn, err := f.entities.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	return f.creds.Update(ctx, conn, credstore.Credentials{AccessToken: f.token})
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

type taskFixture struct {
	controller *Controller
	entities   *store.Store
	creds      *credstore.Store
	adapter    *fakeAdapter
	connID     string
	rulesDir   string
}

func newTaskFixture(t *testing.T, completer Completer, adapter *fakeAdapter, refresher TokenRefresher, opts ...ControllerOption) *taskFixture {
	t.Helper()

	entities := newTestEntities(t)
	creds, err := credstore.New(entities, "")
	require.NoError(t, err)

	conn, err := creds.Save(context.Background(), "tenant-a", "testsaas", credstore.Credentials{AccessToken: "tok"})
	require.NoError(t, err)

	rulesDir := t.TempDir()
	factory := func(name string) (Adapter, error) {
		if name == "testsaas" {
			return adapter, nil
		}
		return nil, ErrUnsupportedSaaS
	}

	opts = append([]ControllerOption{WithAdapterFactory(factory)}, opts...)
	c := NewController(completer, rules.NewLoader(rulesDir), entities, creds, refresher, opts...)
	return &taskFixture{
		controller: c,
		entities:   entities,
		creds:      creds,
		adapter:    adapter,
		connID:     conn.ConnectionID,
		rulesDir:   rulesDir,
	}
}

func (f *taskFixture) newTask(desc string) *store.Task {
	return &store.Task{
		TenantID:     "tenant-a",
		Description:  desc,
		SaaSName:     "testsaas",
		Genre:        "crm",
		ConnectionID: f.connID,
	}
}

func planResponse(opsJSON string) *llm.Response {
	return &llm.Response{
		Content: "## Plan\n1. Query the contacts\n2. Update the owner\n\n```json\n" + opsJSON + "\n```",
	}
}

const goodOps = `[{"tool_name": "crm_query_contacts", "arguments": {"q": "owner=null"}}, {"tool_name": "crm_update_contact", "arguments": {"id": "1"}}]`

func TestPlanFreezesOperations(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	f := newTaskFixture(t, completer, &fakeAdapter{}, nil)

	task, err := f.controller.Plan(context.Background(), f.newTask("Assign unowned contacts"))
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusAwaitingApproval, task.Status)
	require.Equal(t, 2, task.OperationCount)
	require.Equal(t, "crm_query_contacts", task.Operations[0].Tool)
	require.Contains(t, task.PlanMarkdown, "## Plan")
	require.NotContains(t, task.PlanMarkdown, "```json")

	// The planner saw the adapter's tool catalog.
	require.Contains(t, completer.calls[0].Messages[1].Content, "crm_query_contacts")
}

func TestPlanRejectsDeleteOperation(t *testing.T) {
	ops := `[{"tool_name": "crm_delete_contact", "arguments": {"id": "1"}}]`
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(ops)}}
	f := newTaskFixture(t, completer, &fakeAdapter{}, nil)

	task, err := f.controller.Plan(context.Background(), f.newTask("Remove stale contacts"))
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusFailed, task.Status)
	require.Contains(t, task.FailureReason, "not allowed")
}

func TestPlanWarnsAboutPastFailures(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	f := newTaskFixture(t, completer, &fakeAdapter{}, nil)
	ctx := context.Background()

	// An earlier failed task leaves a warning for the next plan.
	prior := f.newTask("Earlier sync attempt")
	require.NoError(t, f.entities.CreateTask(ctx, prior))
	require.NoError(t, f.entities.RecordFailure(ctx, "tenant-a", prior.TaskID, "token expired", store.FailureCategoryAuth, ""))

	_, err := f.controller.Plan(ctx, f.newTask("Sync contacts again"))
	require.NoError(t, err)

	prompt := completer.calls[0].Messages[1].Content
	require.Contains(t, prompt, "Past failures")
	require.Contains(t, prompt, "[auth_error] token expired")
}

func TestExecuteRunsApprovedPlan(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	adapter := &fakeAdapter{}
	f := newTaskFixture(t, completer, adapter, nil)
	ctx := context.Background()

	planned, err := f.controller.Plan(ctx, f.newTask("Assign unowned contacts"))
	require.NoError(t, err)

	task, err := f.controller.Execute(ctx, "tenant-a", planned.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusCompleted, task.Status)
	require.Equal(t, []string{"crm_query_contacts", "crm_update_contact"}, adapter.calls)
	require.Equal(t, 2, task.Summary.SuccessCount)
	require.Equal(t, 0, task.Summary.FailureCount)
	require.Contains(t, task.ReportMarkdown, "- [v] crm_query_contacts: ok")
	require.NotNil(t, task.CompletedAt)

	// Audit trail is persisted under the task.
	batches, err := f.entities.ListAuditBatches(ctx, "tenant-a", task.TaskID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "saas", batches[0].Source)
	require.Equal(t, "testsaas", batches[0].SaaSName)
	require.Equal(t, 2, batches[0].RecordCount)
}

func TestExecuteRecordsPerOperationFailure(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	adapter := &fakeAdapter{failWith: map[string]string{
		"crm_update_contact": "invalid value for field Email",
	}}
	f := newTaskFixture(t, completer, adapter, nil)
	ctx := context.Background()

	planned, err := f.controller.Plan(ctx, f.newTask("Fix contact emails"))
	require.NoError(t, err)

	task, err := f.controller.Execute(ctx, "tenant-a", planned.TaskID)
	require.NoError(t, err)

	// Partial success still completes; the summary carries the split.
	require.Equal(t, store.TaskStatusCompleted, task.Status)
	require.Equal(t, 1, task.Summary.SuccessCount)
	require.Equal(t, 1, task.Summary.FailureCount)
	require.Equal(t, "crm_update_contact: invalid value for field Email", task.Summary.Errors[0])
	require.Contains(t, task.ReportMarkdown, "- [x] crm_update_contact")
	require.Len(t, adapter.calls, 2, "a failed operation never stops the rest")
}

func TestExecuteAllFailuresTriggersLearning(t *testing.T) {
	ruleDraft := "## Refresh tokens before batch runs\n- Check token validity first\n- Reauthorize on 401 responses"
	completer := &scriptedLLM{responses: []*llm.Response{
		planResponse(goodOps),
		{Content: ruleDraft},
	}}
	adapter := &fakeAdapter{errWith: map[string]string{
		"crm_query_contacts": "401 unauthorized: token expired",
		"crm_update_contact": "401 unauthorized: token expired",
	}}
	f := newTaskFixture(t, completer, adapter, nil, WithFailureThreshold(1))
	ctx := context.Background()

	planned, err := f.controller.Plan(ctx, f.newTask("Sync contacts"))
	require.NoError(t, err)

	task, err := f.controller.Execute(ctx, "tenant-a", planned.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusFailed, task.Status)
	require.Equal(t, store.FailureCategoryAuth, task.FailureCategory)
	require.Contains(t, task.FailureReason, "401 unauthorized")

	// The recurring failure crossed the threshold and drafted a rule.
	changes, err := f.entities.ListRuleChanges(ctx, "tenant-a", store.RuleChangePending)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "saas_testsaas", changes[0].RuleName)
	require.Equal(t, ruleDraft, changes[0].Block)
}

func TestLearningSkipsEquivalentDrafts(t *testing.T) {
	ruleDraft := "## Refresh tokens before batch runs\n- Check token validity first"
	completer := &scriptedLLM{responses: []*llm.Response{
		{Content: ruleDraft},
		{Content: ruleDraft},
	}}
	f := newTaskFixture(t, completer, &fakeAdapter{}, nil, WithFailureThreshold(1))
	ctx := context.Background()

	task := f.newTask("Sync contacts")
	require.NoError(t, f.entities.CreateTask(ctx, task))
	require.NoError(t, f.entities.RecordFailure(ctx, "tenant-a", task.TaskID, "token expired", store.FailureCategoryAuth, ""))

	first, err := f.controller.GenerateRuleCandidates(ctx, "tenant-a", "testsaas")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.controller.GenerateRuleCandidates(ctx, "tenant-a", "testsaas")
	require.NoError(t, err)
	require.Empty(t, second, "an equivalent pending draft suppresses duplicates")
}

func TestExecuteHealthCheckRefreshRecovers(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	adapter := &fakeAdapter{validTokens: map[string]bool{"fresh-tok": true}}
	f := newTaskFixture(t, completer, adapter, nil)
	refresher := &fakeRefresher{entities: f.entities, creds: f.creds, token: "fresh-tok"}
	f.controller.refresher = refresher
	ctx := context.Background()

	planned, err := f.controller.Plan(ctx, f.newTask("Sync contacts"))
	require.NoError(t, err)

	task, err := f.controller.Execute(ctx, "tenant-a", planned.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusCompleted, task.Status)
	require.Equal(t, 1, refresher.calls, "one refresh-and-retry on a failed health check")
}

func TestExecuteUnhealthyMarksConnectionExpired(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	adapter := &fakeAdapter{validTokens: map[string]bool{}}
	f := newTaskFixture(t, completer, adapter, nil)
	ctx := context.Background()

	planned, err := f.controller.Plan(ctx, f.newTask("Sync contacts"))
	require.NoError(t, err)

	task, err := f.controller.Execute(ctx, "tenant-a", planned.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusFailed, task.Status)
	require.Equal(t, store.FailureCategoryAuth, task.FailureCategory)
	require.Empty(t, adapter.calls, "no operation runs over an invalid session")

	conn, err := f.entities.GetConnection(ctx, "tenant-a", f.connID)
	require.NoError(t, err)
	require.Equal(t, store.ConnectionStatusTokenExpired, conn.Status)
}

func TestExecuteDryRunSkipsAdapter(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	adapter := &fakeAdapter{}
	f := newTaskFixture(t, completer, adapter, nil)
	ctx := context.Background()

	task := f.newTask("Rehearse the contact sync")
	task.DryRun = true
	planned, err := f.controller.Plan(ctx, task)
	require.NoError(t, err)

	done, err := f.controller.Execute(ctx, "tenant-a", planned.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusCompleted, done.Status)
	require.Equal(t, 2, done.Summary.SuccessCount)
	require.Empty(t, adapter.calls, "dry run must not touch the SaaS")
}

func TestRetryReplansFailedTask(t *testing.T) {
	badOps := `[{"tool_name": "crm_delete_contact", "arguments": {}}]`
	completer := &scriptedLLM{responses: []*llm.Response{
		planResponse(badOps),
		planResponse(goodOps),
	}}
	f := newTaskFixture(t, completer, &fakeAdapter{}, nil)
	ctx := context.Background()

	failed, err := f.controller.Plan(ctx, f.newTask("Clean up contacts"))
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusFailed, failed.Status)

	retried, err := f.controller.Retry(ctx, "tenant-a", failed.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusAwaitingApproval, retried.Status)
	require.Equal(t, 2, retried.OperationCount)
}

func TestRejectAndDelete(t *testing.T) {
	completer := &scriptedLLM{responses: []*llm.Response{planResponse(goodOps)}}
	f := newTaskFixture(t, completer, &fakeAdapter{}, nil)
	ctx := context.Background()

	planned, err := f.controller.Plan(ctx, f.newTask("Sync contacts"))
	require.NoError(t, err)

	require.NoError(t, f.controller.Reject(ctx, "tenant-a", planned.TaskID))
	task, err := f.entities.GetTask(ctx, "tenant-a", planned.TaskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusRejected, task.Status)

	require.NoError(t, f.controller.Delete(ctx, "tenant-a", planned.TaskID))
	_, err = f.entities.GetTask(ctx, "tenant-a", planned.TaskID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestApproveRuleChangeAppendsRuleFile(t *testing.T) {
	f := newTaskFixture(t, &scriptedLLM{}, &fakeAdapter{}, nil)
	ctx := context.Background()

	rc := &store.RuleChange{
		TenantID: "tenant-a",
		RuleName: "saas_testsaas",
		RunID:    "auto_learning_testsaas_auth_error",
		Block:    "## Refresh tokens before batch runs\n- Check token validity first",
	}
	require.NoError(t, f.entities.CreateRuleChange(ctx, rc))

	approved, err := f.controller.ApproveRuleChange(ctx, "tenant-a", rc.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, store.RuleChangeApproved, approved.Status)

	data, err := os.ReadFile(filepath.Join(f.rulesDir, "saas_testsaas.md"))
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "Refresh tokens before batch runs")
	require.True(t, strings.Contains(content, "## Auto-added (run_id: auto_learning_testsaas_auth_error"))

	// A rejected change never touches the rule file.
	rc2 := &store.RuleChange{
		TenantID: "tenant-a",
		RuleName: "saas_other",
		Block:    "## Never",
	}
	require.NoError(t, f.entities.CreateRuleChange(ctx, rc2))
	_, err = f.controller.RejectRuleChange(ctx, "tenant-a", rc2.ID, "admin")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.rulesDir, "saas_other.md"))
	require.True(t, os.IsNotExist(err))
}
