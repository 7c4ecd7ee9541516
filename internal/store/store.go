// Package store defines the persistence contract for the engine and ships
// two implementations: Postgres for deployments and an in-memory store for
// tests and single-node development. All methods are safe for concurrent
// use; mutating calls take copies, reads return copies.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
)

// Store is the full persistence surface. WithinTx runs fn atomically: every
// write inside either commits together or rolls back together, which is how
// ingestion batches and auto-confirmation keep their guarantees.
type Store interface {
	ProjectStore
	EntityStore
	TransactionStore
	BankStore
	MatchStore
	AuditStore
	CaseStore
	JobStore
	AlertStore
	InsightStore
	OwnershipStore
	AssetStore
	PlanStore
	IngestionStore
	TelemetryStore

	WithinTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ProjectStore manages audit engagements. Project codes are unique;
// creating a duplicate surfaces ErrConflict.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *core.Project) error
	GetProject(ctx context.Context, id string) (*core.Project, error)
	GetProjectByCode(ctx context.Context, code string) (*core.Project, error)
	UpdateProject(ctx context.Context, p *core.Project) error
	ListProjects(ctx context.Context) ([]*core.Project, error)
}

// EntityStore manages resolved parties. Name lookups serve the resolver's
// three-step search: exact, case-insensitive, then token narrowing.
type EntityStore interface {
	CreateEntity(ctx context.Context, e *core.Entity) error
	GetEntity(ctx context.Context, id string) (*core.Entity, error)
	UpdateEntity(ctx context.Context, e *core.Entity) error
	GetEntityByName(ctx context.Context, projectID, name string) (*core.Entity, error)
	GetEntityByNameFold(ctx context.Context, projectID, name string) (*core.Entity, error)

	// SearchEntitiesByToken narrows candidates with a substring match on
	// the name, capped at limit rows. Used by the fuzzy resolver.
	SearchEntitiesByToken(ctx context.Context, projectID, token string, limit int) ([]*core.Entity, error)
	ListEntities(ctx context.Context, projectID string, limit int) ([]*core.Entity, error)
	ListEntitiesByMinRisk(ctx context.Context, projectID string, minRisk float64) ([]*core.Entity, error)

	// ListRiskyEntitiesByName finds same-named entities above a risk cutoff
	// in other projects. Feeds the global recidivism trigger.
	ListRiskyEntitiesByName(ctx context.Context, name string, minRisk float64, excludeProjectID string) ([]*core.Entity, error)
}

// TransactionFilter narrows ledger queries. Zero values match everything;
// Limit <= 0 means unlimited.
type TransactionFilter struct {
	ProjectID    string
	Statuses     []core.TxStatus
	Categories   []core.Category
	ReceiverName string
	SenderName   string
	From         time.Time
	To           time.Time
	MinRisk      float64
	MinAmount    decimal.Decimal
	Limit        int
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *core.Transaction) error
	GetTransaction(ctx context.Context, id string) (*core.Transaction, error)
	UpdateTransaction(ctx context.Context, t *core.Transaction) error
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*core.Transaction, error)
	CountTransactions(ctx context.Context, projectID string) (int, error)
}

// BankFilter narrows statement queries.
type BankFilter struct {
	ProjectID string
	From      time.Time
	To        time.Time
	Limit     int
}

type BankStore interface {
	CreateBankTransaction(ctx context.Context, b *core.BankTransaction) error
	GetBankTransaction(ctx context.Context, id string) (*core.BankTransaction, error)
	ListBankTransactions(ctx context.Context, f BankFilter) ([]*core.BankTransaction, error)
	CountBankTransactions(ctx context.Context, projectID string) (int, error)
}

// MatchFilter narrows reconciliation queries. Confirmed nil matches both.
type MatchFilter struct {
	ProjectID string
	Confirmed *bool
	Limit     int
}

type MatchStore interface {
	CreateMatch(ctx context.Context, m *core.ReconciliationMatch) error
	GetMatch(ctx context.Context, id string) (*core.ReconciliationMatch, error)
	UpdateMatch(ctx context.Context, m *core.ReconciliationMatch) error
	ListMatches(ctx context.Context, f MatchFilter) ([]*core.ReconciliationMatch, error)

	// GetConfirmedPair returns the confirmed match for a (ledger, bank)
	// pair, ErrNotFound when none exists. Backs the uniqueness invariant.
	GetConfirmedPair(ctx context.Context, internalTxID, bankTxID string) (*core.ReconciliationMatch, error)
	CountConfirmedMatches(ctx context.Context, projectID string) (int, error)
}

// AuditStore is append-only. Nothing updates or deletes an entry.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, entry *core.AuditLog) error
	LastAuditLog(ctx context.Context, entityType, entityID string) (*core.AuditLog, error)
	ListAuditLogs(ctx context.Context, entityType, entityID string) ([]*core.AuditLog, error)
}

// CaseStore enforces sealing: mutating a sealed case or its exhibits
// surfaces ErrSealed.
type CaseStore interface {
	CreateCase(ctx context.Context, c *core.Case) error
	GetCase(ctx context.Context, id string) (*core.Case, error)
	UpdateCase(ctx context.Context, c *core.Case) error
	ListCases(ctx context.Context, projectID string) ([]*core.Case, error)

	AddExhibit(ctx context.Context, e *core.CaseExhibit) error
	GetExhibit(ctx context.Context, id string) (*core.CaseExhibit, error)
	UpdateExhibit(ctx context.Context, e *core.CaseExhibit) error
	ListExhibits(ctx context.Context, caseID string) ([]*core.CaseExhibit, error)
}

type JobStore interface {
	CreateJob(ctx context.Context, j *core.ProcessingJob) error
	GetJob(ctx context.Context, id string) (*core.ProcessingJob, error)
	UpdateJob(ctx context.Context, j *core.ProcessingJob) error
	ListJobs(ctx context.Context, projectID string, statuses ...core.JobStatus) ([]*core.ProcessingJob, error)

	// ApplyBatchResult atomically folds one batch outcome into the job
	// counters and records the worker task id. Returns the updated job.
	ApplyBatchResult(ctx context.Context, jobID string, batchIndex, processed, failed int, taskID string) (*core.ProcessingJob, error)

	// MarkJobCancelled flips a live job to cancelled in one step, so a
	// concurrent ApplyBatchResult can never be overwritten by a stale
	// snapshot. Already-terminal jobs return ErrConflict.
	MarkJobCancelled(ctx context.Context, jobID string) (*core.ProcessingJob, error)

	// ArchiveJobsBefore deletes terminal jobs completed before the cutoff
	// and returns how many went away.
	ArchiveJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type AlertStore interface {
	CreateAlert(ctx context.Context, a *core.FraudAlert) error
	ListAlerts(ctx context.Context, projectID string, severity core.Severity, limit int) ([]*core.FraudAlert, error)
}

type InsightStore interface {
	CreateInsight(ctx context.Context, i *core.CopilotInsight) error
	ListInsights(ctx context.Context, projectID, insightType string, limit int) ([]*core.CopilotInsight, error)
}

type OwnershipStore interface {
	CreateOwnership(ctx context.Context, o *core.Ownership) error
	ListParents(ctx context.Context, childEntityID string) ([]*core.Ownership, error)
	ListChildren(ctx context.Context, parentEntityID string) ([]*core.Ownership, error)
}

// AssetStore tracks recoverable holdings for the temporal-nexus analysis.
type AssetStore interface {
	CreateAsset(ctx context.Context, a *core.Asset) error
	UpdateAsset(ctx context.Context, a *core.Asset) error
	ListAssets(ctx context.Context, projectID string) ([]*core.Asset, error)

	// ListAssetsByOwners returns every asset held by any of the given
	// entities, across projects.
	ListAssetsByOwners(ctx context.Context, ownerEntityIDs []string) ([]*core.Asset, error)
}

// PlanStore holds the engagement plan: milestones and their budget lines.
type PlanStore interface {
	CreateMilestone(ctx context.Context, m *core.Milestone) error
	ListMilestones(ctx context.Context, projectID string) ([]*core.Milestone, error)

	CreateBudgetLine(ctx context.Context, b *core.BudgetLine) error
	ListBudgetLines(ctx context.Context, projectID string) ([]*core.BudgetLine, error)
}

// IngestionStore is the bookkeeping for uploaded files.
type IngestionStore interface {
	CreateIngestion(ctx context.Context, r *core.IngestionRecord) error
	UpdateIngestion(ctx context.Context, r *core.IngestionRecord) error
	GetIngestion(ctx context.Context, id string) (*core.IngestionRecord, error)
	ListIngestions(ctx context.Context, projectID string) ([]*core.IngestionRecord, error)
}

// TelemetryStore tracks operator query patterns for suggestions.
type TelemetryStore interface {
	// RecordQueryPattern upserts on (user, project, query): first sight
	// creates with frequency 1, repeats bump frequency and the outcome
	// counters.
	RecordQueryPattern(ctx context.Context, userID, projectID, queryText, queryContext string, success bool) (*core.UserQueryPattern, error)
	TopQueryPatterns(ctx context.Context, userID, projectID string, limit int) ([]*core.UserQueryPattern, error)
}
