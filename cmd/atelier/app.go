package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/bpo"
	"github.com/atelierhq/atelier/config"
	"github.com/atelierhq/atelier/credstore"
	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/metrics"
	"github.com/atelierhq/atelier/refresher"
	"github.com/atelierhq/atelier/rules"
	"github.com/atelierhq/atelier/sandbox"
	"github.com/atelierhq/atelier/server"
	"github.com/atelierhq/atelier/store"
	"github.com/atelierhq/atelier/webhook"
)

// recentRunScan bounds the duplicate-event lookup over recent runs.
const recentRunScan = 100

// App wires the platform together: NATS-backed stores, the two
// pipelines, the OAuth refresher, webhook ingress, and the control API.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *natsserver.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage
	entities *store.Store
	creds    *credstore.Store

	// Pipelines
	llmClient *llm.Client
	runs      server.RunController
	tasks     *bpo.Controller
	refresher *refresher.Refresher

	// Surface
	metrics    *metrics.Metrics
	webhooks   *webhook.Handler
	api        *server.Server
	httpServer *http.Server
}

// NewApp creates an application instance from validated configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start initializes all components. Background work started here
// inherits ctx; cancel it and call Shutdown to stop.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	entities, err := store.New(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	a.entities = entities

	creds, err := credstore.New(entities, a.cfg.Credentials.EncryptionKey)
	if err != nil {
		return fmt.Errorf("initialize credential store: %w", err)
	}
	a.creds = creds

	a.metrics = metrics.New()

	a.llmClient = llm.NewClient(a.cfg.Profiles(),
		llm.WithLogger(a.logger),
		llm.WithRetryConfig(a.cfg.LLM.Retry),
		llm.WithUsageHook(func(profile string, usage llm.TokenUsage) {
			a.metrics.RecordLLMTokens(profile, usage.PromptTokens, usage.CompletionTokens)
		}),
	)

	genreRules := rules.NewLoader(a.cfg.Rules.Dir, rules.WithLogger(a.logger))
	saasRules := rules.NewLoader(a.cfg.Rules.SaaSDir, rules.WithLogger(a.logger))
	go a.watchRules(ctx, genreRules, a.cfg.Rules.Dir)
	go a.watchRules(ctx, saasRules, a.cfg.Rules.SaaSDir)

	publisher := &agent.GitPublisher{
		Token:      a.cfg.Publisher.Token,
		Repository: a.cfg.Publisher.Repository,
		Branch:     a.cfg.Publisher.Branch,
	}

	sandboxCfg := a.cfg.Sandbox
	newSandbox := func(ctx context.Context) (agent.ReviewSandbox, error) {
		return sandbox.Open(ctx, sandboxCfg, sandbox.WithLogger(a.logger))
	}

	a.runs = agent.NewController(a.llmClient, genreRules, entities, newSandbox, publisher,
		agent.WithLogger(a.logger),
		agent.WithPricing(a.cfg.Cost),
		agent.WithStageTimeout(a.cfg.Agent.StageTimeout),
		agent.WithRunTimeout(a.cfg.Agent.RunTimeout),
		agent.WithMaxRetry(a.cfg.Agent.MaxRetry),
	)

	// The refresher only runs when OAuth client credentials are
	// configured; the task track degrades to stored tokens without it.
	var tokenRefresher bpo.TokenRefresher
	if len(a.cfg.Refresher.Clients) > 0 {
		a.refresher = refresher.New(entities, creds, a.cfg.Refresher.Clients,
			refresher.WithLogger(a.logger),
			refresher.WithInterval(a.cfg.Refresher.Interval),
			refresher.WithBuffer(a.cfg.Refresher.Buffer),
		)
		tokenRefresher = a.refresher
		go a.refresher.Run(ctx)
	}

	a.tasks = bpo.NewController(a.llmClient, saasRules, entities, creds, tokenRefresher,
		bpo.WithLogger(a.logger),
		bpo.WithStageTimeout(a.cfg.Tasks.StageTimeout),
		bpo.WithRunTimeout(a.cfg.Tasks.RunTimeout),
		bpo.WithFailureThreshold(a.cfg.Tasks.FailureThreshold),
	)

	a.webhooks = a.buildWebhookHandler(ctx)

	serverOpts := []server.Option{
		server.WithLogger(a.logger),
		server.WithMetrics(a.metrics),
	}
	if a.refresher != nil {
		serverOpts = append(serverOpts, server.WithRefresher(a.refresher))
	}
	if a.webhooks != nil {
		serverOpts = append(serverOpts, server.WithWebhookHandler(a.webhooks))
	}
	a.api = server.New(ctx, entities, a.runs, a.tasks, a.cfg.Workspace.Root, serverOpts...)

	mux := http.NewServeMux()
	a.api.RegisterRoutes(mux)
	a.httpServer = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

// Serve runs the HTTP listener until it is shut down.
func (a *App) Serve() error {
	a.logger.Info("Control API listening", "addr", a.cfg.HTTP.Addr)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server", "store_dir", a.cfg.NATS.StoreDir)
		opts := &natsserver.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := natsserver.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

// buildWebhookHandler mounts the configured channel adapters. Returns
// nil when no channel is configured.
func (a *App) buildWebhookHandler(ctx context.Context) *webhook.Handler {
	h := webhook.NewHandler(ctx, webhook.DispatcherFunc(a.dispatchRun),
		webhook.WithHandlerLogger(a.logger),
		webhook.WithEventRecorder(a.metrics),
	)

	mounted := 0
	if a.cfg.Webhooks.Slack.SigningSecret != "" {
		h.Register(webhook.NewSlackAdapter(a.cfg.Webhooks.Slack, webhook.WithSlackLogger(a.logger)))
		mounted++
	}
	if a.cfg.Webhooks.Chatwork.WebhookToken != "" {
		h.Register(webhook.NewChatworkAdapter(a.cfg.Webhooks.Chatwork, webhook.WithChatworkLogger(a.logger)))
		mounted++
	}
	if a.cfg.Webhooks.Generic.Token != "" {
		h.Register(webhook.NewGenericAdapter(a.cfg.Webhooks.Generic, webhook.WithGenericLogger(a.logger)))
		mounted++
	}
	if mounted == 0 {
		return nil
	}

	a.logger.Info("Webhook channels mounted", "count", mounted)
	return h
}

// dispatchRun starts a code-generation run from a normalized webhook
// message. Channels retry deliveries, so a run already recorded for the
// same event is reported instead of started again.
func (a *App) dispatchRun(ctx context.Context, tenantID string, msg *webhook.Message) (string, string, string, error) {
	if msg.EventID != "" {
		if run := a.findRunByEvent(ctx, tenantID, msg.Source, msg.EventID); run != nil {
			a.logger.Info("Duplicate webhook event, reusing run",
				"tenant_id", tenantID, "event_id", msg.EventID, "run_id", run.RunID)
			return run.RunID, string(run.Status), "", nil
		}
	}

	stateOpts := []agent.StateOption{agent.WithSource(msg.Source, msg.EventID)}
	if msg.Genre != "" {
		stateOpts = append(stateOpts, agent.WithGenre(msg.Genre))
	}
	initial := agent.NewState(tenantID, msg.Requirement, a.cfg.Workspace.Root, stateOpts...)

	// Record the run up front so duplicate deliveries arriving mid-run
	// find it.
	if err := a.entities.PersistRun(ctx, &store.Run{
		RunID:         initial.RunID,
		TenantID:      tenantID,
		Requirement:   msg.Requirement,
		Genre:         msg.Genre,
		Status:        store.RunStatusStarted,
		SourceChannel: msg.Source,
		SourceEventID: msg.EventID,
	}); err != nil {
		return "", "", "", fmt.Errorf("persist run: %w", err)
	}

	// Tenants with auto_execute off get the drafted spec parked for
	// review instead of an end-to-end run.
	started := time.Now()
	var final agent.State
	var err error
	if a.autoExecute(ctx, tenantID) {
		final, err = a.runs.Execute(ctx, initial)
	} else {
		final, err = a.runs.ExecuteSpecPhase(ctx, initial)
	}
	if final.Status != store.RunStatusSpecReview {
		a.metrics.RecordRun(string(final.Status), time.Since(started).Seconds())
	}
	if err != nil {
		return initial.RunID, string(final.Status), "", err
	}

	detail := ""
	switch {
	case final.Status == store.RunStatusSpecReview:
		detail = "awaiting spec review"
	case final.CommitURL != "":
		detail = final.CommitURL
	}
	return initial.RunID, string(final.Status), detail, nil
}

// autoExecute reports whether the tenant has opted into unattended
// execution.
func (a *App) autoExecute(ctx context.Context, tenantID string) bool {
	settings, err := a.entities.GetSettings(ctx, tenantID)
	if err != nil {
		a.logger.Warn("Failed to load settings", "tenant_id", tenantID, "error", err)
		return false
	}
	return settings.AutoExecute
}

func (a *App) findRunByEvent(ctx context.Context, tenantID, channel, eventID string) *store.Run {
	runs, err := a.entities.ListRuns(ctx, tenantID, recentRunScan)
	if err != nil {
		a.logger.Warn("Duplicate-event lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	for _, run := range runs {
		if run.SourceChannel == channel && run.SourceEventID == eventID {
			return run
		}
	}
	return nil
}

func (a *App) watchRules(ctx context.Context, loader *rules.Loader, dir string) {
	if err := loader.Watch(ctx); err != nil {
		a.logger.Warn("Rule watcher stopped", "dir", dir, "error", err)
	}
}

// Shutdown stops the HTTP listener, drains background work, and closes
// NATS.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown", "error", err)
		}
	}

	// Drain in-flight runs and webhook dispatches before the stores go
	// away.
	if a.api != nil {
		_ = a.api.Wait()
	}
	if a.webhooks != nil {
		_ = a.webhooks.Wait()
	}

	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
