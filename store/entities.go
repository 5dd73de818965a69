// Package store persists platform entities in NATS JetStream KV buckets.
// Every tenant-owned row is keyed "<tenant>.<id>" and re-checked against
// the requested tenant on read, so a row can never cross tenants even if
// a key is guessed.
package store

import (
	"encoding/json"
	"time"
)

// Bucket names.
const (
	BucketRuns        = "ATELIER_RUNS"
	BucketTasks       = "ATELIER_TASKS"
	BucketConnections = "ATELIER_CONNECTIONS"
	BucketAudit       = "ATELIER_AUDIT"
	BucketRuleChanges = "ATELIER_RULE_CHANGES"
	BucketSettings    = "ATELIER_SETTINGS"
)

// RunStatus is the lifecycle state of a development run.
type RunStatus string

const (
	RunStatusStarted    RunStatus = "started"
	RunStatusSpecDone   RunStatus = "spec_done"
	RunStatusSpecReview RunStatus = "spec_review"
	RunStatusCoding     RunStatus = "coding"
	RunStatusReviewOK   RunStatus = "review_ok"
	RunStatusReviewNG   RunStatus = "review_ng"
	RunStatusPublished  RunStatus = "published"
	RunStatusFailed     RunStatus = "failed"
	RunStatusTimeout    RunStatus = "timeout"
)

// Run is the persisted record of one development run.
type Run struct {
	RunID            string    `json:"run_id"`
	TenantID         string    `json:"tenant_id"`
	Requirement      string    `json:"requirement"`
	Genre            string    `json:"genre,omitempty"`
	GenreSubcategory string    `json:"genre_subcategory,omitempty"`
	Status           RunStatus `json:"status"`
	SpecMarkdown     string    `json:"spec_markdown,omitempty"`
	ErrorLogs        []string  `json:"error_logs,omitempty"`
	RetryCount       int       `json:"retry_count"`
	CommitURL        string    `json:"commit_url,omitempty"`
	ErrorSignature   string    `json:"error_signature,omitempty"`

	// Snapshot holds the full serialized pipeline state while the run is
	// paused for spec review. Cleared on resume.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`

	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	BudgetExceeded bool    `json:"budget_exceeded,omitempty"`

	SourceChannel string `json:"source_channel,omitempty"`
	SourceEventID string `json:"source_event_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskStatus is the lifecycle state of a SaaS operations task.
type TaskStatus string

const (
	TaskStatusPlanning         TaskStatus = "planning"
	TaskStatusAwaitingApproval TaskStatus = "awaiting_approval"
	TaskStatusExecuting        TaskStatus = "executing"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusRejected         TaskStatus = "rejected"
)

// Operation is one planned SaaS API call.
type Operation struct {
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Description string         `json:"description,omitempty"`
}

// OperationResult is the outcome of one executed operation.
type OperationResult struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ResultSummary aggregates per-operation outcomes for a task.
type ResultSummary struct {
	SuccessCount    int      `json:"success_count"`
	FailureCount    int      `json:"failure_count"`
	TotalOperations int      `json:"total_operations"`
	Errors          []string `json:"errors,omitempty"`
}

// Task is the persisted record of one SaaS operations task.
type Task struct {
	TaskID       string `json:"task_id"`
	TenantID     string `json:"tenant_id"`
	ConnectionID string `json:"connection_id"`
	Description  string `json:"task_description"`
	SaaSName     string `json:"saas_name"`
	Genre        string `json:"genre,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`

	Status         TaskStatus     `json:"status"`
	PlanMarkdown   string         `json:"plan_markdown,omitempty"`
	Operations     []Operation    `json:"planned_operations,omitempty"`
	OperationCount int            `json:"operation_count"`
	Summary        *ResultSummary `json:"result_summary,omitempty"`
	ReportMarkdown string         `json:"report_markdown,omitempty"`

	FailureReason   string `json:"failure_reason,omitempty"`
	FailureCategory string `json:"failure_category,omitempty"`
	FailureDetail   string `json:"failure_detail,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// ConnectionStatus is the lifecycle state of a SaaS connection.
type ConnectionStatus string

const (
	ConnectionStatusPending      ConnectionStatus = "pending"
	ConnectionStatusActive       ConnectionStatus = "active"
	ConnectionStatusTokenExpired ConnectionStatus = "token_expired"
	ConnectionStatusError        ConnectionStatus = "error"
)

// AuthType distinguishes how a connection authenticates.
type AuthType string

const (
	AuthTypeOAuth  AuthType = "oauth"
	AuthTypeAPIKey AuthType = "api_key"
)

// Connection binds a tenant to one SaaS account. Token material lives in
// the encrypted fields and is only handled through the credential store.
type Connection struct {
	ConnectionID string           `json:"connection_id"`
	TenantID     string           `json:"tenant_id"`
	SaaSName     string           `json:"saas_name"`
	AuthType     AuthType         `json:"auth_type"`
	InstanceURL  string           `json:"instance_url,omitempty"`
	Status       ConnectionStatus `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`

	// Encrypted (or, without a key, plaintext-fallback) token material.
	AccessTokenEnc  string     `json:"access_token_enc,omitempty"`
	RefreshTokenEnc string     `json:"refresh_token_enc,omitempty"`
	APIKeyEnc       string     `json:"api_key_enc,omitempty"`
	TokenExpiresAt  *time.Time `json:"token_expires_at,omitempty"`
	Scope           string     `json:"scope,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
}

// AuditRecord is one audited operation inside a batch.
type AuditRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// AuditBatch is one persisted batch of audit records for a run or task.
type AuditBatch struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	OwnerID     string        `json:"owner_id"`
	Source      string        `json:"source"` // "sandbox" or "saas"
	SaaSName    string        `json:"saas_name,omitempty"`
	Genre       string        `json:"genre,omitempty"`
	Records     []AuditRecord `json:"records"`
	RecordCount int           `json:"record_count"`
	CreatedAt   time.Time     `json:"created_at"`
}

// RuleChangeStatus is the review state of a proposed rule change.
type RuleChangeStatus string

const (
	RuleChangePending  RuleChangeStatus = "pending"
	RuleChangeApproved RuleChangeStatus = "approved"
	RuleChangeRejected RuleChangeStatus = "rejected"
)

// RuleChange is a proposed addition to a rule document, awaiting review.
type RuleChange struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenant_id"`
	RuleName string           `json:"rule_name"`
	Genre    string           `json:"genre,omitempty"`
	RunID    string           `json:"run_id,omitempty"`
	Block    string           `json:"block"`
	Reason   string           `json:"reason,omitempty"`
	Status   RuleChangeStatus `json:"status"`
	Reviewer string           `json:"reviewer,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Settings holds per-tenant behavior toggles.
type Settings struct {
	TenantID    string    `json:"tenant_id"`
	AutoExecute bool      `json:"auto_execute"`
	UpdatedAt   time.Time `json:"updated_at"`
}
