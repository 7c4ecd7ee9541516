package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zenith/forensics/internal/core"
)

// Memory is the in-process Store used by tests, the CLI tools, and
// single-node development. Rows are held by value; every read hands back a
// copy. WithinTx snapshots the tables and restores them when fn fails, so
// the rollback contract holds without a database.
type Memory struct {
	mu sync.RWMutex
	d  *memData

	// unlocked is set on the shadow store WithinTx passes to fn; the outer
	// store holds the write lock for the duration, so the shadow skips
	// locking entirely.
	unlocked bool
}

type memData struct {
	projects     map[string]core.Project
	projectCodes map[string]string // code -> id
	entities     map[string]core.Entity
	transactions map[string]core.Transaction
	bankRows     map[string]core.BankTransaction
	matches      map[string]core.ReconciliationMatch
	audits       []core.AuditLog
	cases        map[string]core.Case
	exhibits     map[string]core.CaseExhibit
	jobs         map[string]core.ProcessingJob
	alerts       []core.FraudAlert
	insights     []core.CopilotInsight
	ownerships   map[string]core.Ownership
	assets       map[string]core.Asset
	milestones   map[string]core.Milestone
	budgetLines  map[string]core.BudgetLine
	ingestions   map[string]core.IngestionRecord
	patterns     map[string]core.UserQueryPattern // user|project|query -> row
}

func newMemData() *memData {
	return &memData{
		projects:     make(map[string]core.Project),
		projectCodes: make(map[string]string),
		entities:     make(map[string]core.Entity),
		transactions: make(map[string]core.Transaction),
		bankRows:     make(map[string]core.BankTransaction),
		matches:      make(map[string]core.ReconciliationMatch),
		cases:        make(map[string]core.Case),
		exhibits:     make(map[string]core.CaseExhibit),
		jobs:         make(map[string]core.ProcessingJob),
		ownerships:   make(map[string]core.Ownership),
		assets:       make(map[string]core.Asset),
		milestones:   make(map[string]core.Milestone),
		budgetLines:  make(map[string]core.BudgetLine),
		ingestions:   make(map[string]core.IngestionRecord),
		patterns:     make(map[string]core.UserQueryPattern),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.projects {
		c.projects[k] = v
	}
	for k, v := range d.projectCodes {
		c.projectCodes[k] = v
	}
	for k, v := range d.entities {
		c.entities[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.bankRows {
		c.bankRows[k] = v
	}
	for k, v := range d.matches {
		c.matches[k] = v
	}
	c.audits = append([]core.AuditLog(nil), d.audits...)
	for k, v := range d.cases {
		c.cases[k] = v
	}
	for k, v := range d.exhibits {
		c.exhibits[k] = v
	}
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	c.alerts = append([]core.FraudAlert(nil), d.alerts...)
	c.insights = append([]core.CopilotInsight(nil), d.insights...)
	for k, v := range d.ownerships {
		c.ownerships[k] = v
	}
	for k, v := range d.assets {
		c.assets[k] = v
	}
	for k, v := range d.milestones {
		c.milestones[k] = v
	}
	for k, v := range d.budgetLines {
		c.budgetLines[k] = v
	}
	for k, v := range d.ingestions {
		c.ingestions[k] = v
	}
	for k, v := range d.patterns {
		c.patterns[k] = v
	}
	return c
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{d: newMemData()}
}

func (m *Memory) rlock() func() {
	if m.unlocked {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *Memory) lock() func() {
	if m.unlocked {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithinTx runs fn against a shadow store under the write lock. On error
// the pre-transaction snapshot is restored.
func (m *Memory) WithinTx(_ context.Context, fn func(Store) error) error {
	unlock := m.lock()
	defer unlock()

	snapshot := m.d.clone()
	shadow := &Memory{d: m.d, unlocked: true}
	if err := fn(shadow); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// ============================================================================
// PROJECTS
// ============================================================================

func (m *Memory) CreateProject(_ context.Context, p *core.Project) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.projects[p.ID]; dup {
		return ErrConflict
	}
	if _, dup := m.d.projectCodes[p.Code]; dup {
		return ErrConflict
	}
	m.d.projects[p.ID] = *p
	m.d.projectCodes[p.Code] = p.ID
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*core.Project, error) {
	unlock := m.rlock()
	defer unlock()

	p, ok := m.d.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (m *Memory) GetProjectByCode(ctx context.Context, code string) (*core.Project, error) {
	unlock := m.rlock()
	id, ok := m.d.projectCodes[code]
	unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetProject(ctx, id)
}

func (m *Memory) UpdateProject(_ context.Context, p *core.Project) error {
	unlock := m.lock()
	defer unlock()

	prev, ok := m.d.projects[p.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.Code != p.Code {
		return ErrValidation // codes are immutable
	}
	m.d.projects[p.ID] = *p
	return nil
}

func (m *Memory) ListProjects(_ context.Context) ([]*core.Project, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Project, 0, len(m.d.projects))
	for _, p := range m.d.projects {
		cp := p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================================
// ENTITIES
// ============================================================================

func (m *Memory) CreateEntity(_ context.Context, e *core.Entity) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.entities[e.ID]; dup {
		return ErrConflict
	}
	m.d.entities[e.ID] = *e
	return nil
}

func (m *Memory) GetEntity(_ context.Context, id string) (*core.Entity, error) {
	unlock := m.rlock()
	defer unlock()

	e, ok := m.d.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (m *Memory) UpdateEntity(_ context.Context, e *core.Entity) error {
	unlock := m.lock()
	defer unlock()

	if _, ok := m.d.entities[e.ID]; !ok {
		return ErrNotFound
	}
	m.d.entities[e.ID] = *e
	return nil
}

func (m *Memory) GetEntityByName(_ context.Context, projectID, name string) (*core.Entity, error) {
	unlock := m.rlock()
	defer unlock()

	for _, e := range m.d.entities {
		if e.ProjectID == projectID && e.Name == name {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetEntityByNameFold(_ context.Context, projectID, name string) (*core.Entity, error) {
	unlock := m.rlock()
	defer unlock()

	for _, e := range m.d.entities {
		if e.ProjectID == projectID && strings.EqualFold(e.Name, name) {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SearchEntitiesByToken(_ context.Context, projectID, token string, limit int) ([]*core.Entity, error) {
	unlock := m.rlock()
	defer unlock()

	needle := strings.ToLower(token)
	out := make([]*core.Entity, 0, 16)
	for _, e := range m.d.entities {
		if e.ProjectID != projectID {
			continue
		}
		if strings.Contains(strings.ToLower(e.Name), needle) {
			cp := e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sortEntities(out)
	return out, nil
}

func (m *Memory) ListEntities(_ context.Context, projectID string, limit int) ([]*core.Entity, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Entity, 0, 32)
	for _, e := range m.d.entities {
		if e.ProjectID != projectID {
			continue
		}
		cp := e
		out = append(out, &cp)
	}
	sortEntities(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListEntitiesByMinRisk(_ context.Context, projectID string, minRisk float64) ([]*core.Entity, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Entity, 0, 8)
	for _, e := range m.d.entities {
		if e.ProjectID == projectID && e.RiskScore >= minRisk {
			cp := e
			out = append(out, &cp)
		}
	}
	sortEntities(out)
	return out, nil
}

func (m *Memory) ListRiskyEntitiesByName(_ context.Context, name string, minRisk float64, excludeProjectID string) ([]*core.Entity, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Entity, 0, 4)
	for _, e := range m.d.entities {
		if e.ProjectID == excludeProjectID {
			continue
		}
		if strings.EqualFold(e.Name, name) && e.RiskScore > minRisk {
			cp := e
			out = append(out, &cp)
		}
	}
	sortEntities(out)
	return out, nil
}

func sortEntities(es []*core.Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].CreatedAt.Before(es[j].CreatedAt)
	})
}

// ============================================================================
// LEDGER TRANSACTIONS
// ============================================================================

func (m *Memory) CreateTransaction(_ context.Context, t *core.Transaction) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.transactions[t.ID]; dup {
		return ErrConflict
	}
	if _, ok := m.d.projects[t.ProjectID]; !ok {
		return ErrValidation
	}
	m.d.transactions[t.ID] = *t
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*core.Transaction, error) {
	unlock := m.rlock()
	defer unlock()

	t, ok := m.d.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (m *Memory) UpdateTransaction(_ context.Context, t *core.Transaction) error {
	unlock := m.lock()
	defer unlock()

	if _, ok := m.d.transactions[t.ID]; !ok {
		return ErrNotFound
	}
	m.d.transactions[t.ID] = *t
	return nil
}

func (f TransactionFilter) matches(t *core.Transaction) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if t.Category == c {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ReceiverName != "" && !strings.EqualFold(t.ReceiverName, f.ReceiverName) {
		return false
	}
	if f.SenderName != "" && !strings.EqualFold(t.SenderName, f.SenderName) {
		return false
	}
	date := t.EffectiveDate()
	if !f.From.IsZero() && date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && date.After(f.To) {
		return false
	}
	if f.MinRisk > 0 && t.RiskScore < f.MinRisk {
		return false
	}
	if !f.MinAmount.IsZero() && t.ActualAmount.LessThan(f.MinAmount) {
		return false
	}
	return true
}

func (m *Memory) ListTransactions(_ context.Context, f TransactionFilter) ([]*core.Transaction, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Transaction, 0, 64)
	for _, t := range m.d.transactions {
		cp := t
		if f.matches(&cp) {
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EffectiveDate(), out[j].EffectiveDate()
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(tj)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountTransactions(_ context.Context, projectID string) (int, error) {
	unlock := m.rlock()
	defer unlock()

	n := 0
	for _, t := range m.d.transactions {
		if t.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// BANK TRANSACTIONS
// ============================================================================

func (m *Memory) CreateBankTransaction(_ context.Context, b *core.BankTransaction) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.bankRows[b.ID]; dup {
		return ErrConflict
	}
	if _, ok := m.d.projects[b.ProjectID]; !ok {
		return ErrValidation
	}
	m.d.bankRows[b.ID] = *b
	return nil
}

func (m *Memory) GetBankTransaction(_ context.Context, id string) (*core.BankTransaction, error) {
	unlock := m.rlock()
	defer unlock()

	b, ok := m.d.bankRows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := b
	return &cp, nil
}

func (m *Memory) ListBankTransactions(_ context.Context, f BankFilter) ([]*core.BankTransaction, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.BankTransaction, 0, 64)
	for _, b := range m.d.bankRows {
		if f.ProjectID != "" && b.ProjectID != f.ProjectID {
			continue
		}
		date := b.EffectiveDate()
		if !f.From.IsZero() && date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && date.After(f.To) {
			continue
		}
		cp := b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EffectiveDate(), out[j].EffectiveDate()
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(tj)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountBankTransactions(_ context.Context, projectID string) (int, error) {
	unlock := m.rlock()
	defer unlock()

	n := 0
	for _, b := range m.d.bankRows {
		if b.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// MATCHES
// ============================================================================

func (m *Memory) CreateMatch(_ context.Context, match *core.ReconciliationMatch) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.matches[match.ID]; dup {
		return ErrConflict
	}
	if match.Confirmed {
		if err := m.checkConfirmedPairLocked(match); err != nil {
			return err
		}
	}
	m.d.matches[match.ID] = *match
	return nil
}

func (m *Memory) GetMatch(_ context.Context, id string) (*core.ReconciliationMatch, error) {
	unlock := m.rlock()
	defer unlock()

	match, ok := m.d.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := match
	return &cp, nil
}

func (m *Memory) UpdateMatch(_ context.Context, match *core.ReconciliationMatch) error {
	unlock := m.lock()
	defer unlock()

	if _, ok := m.d.matches[match.ID]; !ok {
		return ErrNotFound
	}
	if match.Confirmed {
		if err := m.checkConfirmedPairLocked(match); err != nil {
			return err
		}
	}
	m.d.matches[match.ID] = *match
	return nil
}

// checkConfirmedPairLocked enforces (internal, bank) uniqueness among
// confirmed matches. Callers hold the write lock.
func (m *Memory) checkConfirmedPairLocked(match *core.ReconciliationMatch) error {
	for _, other := range m.d.matches {
		if other.ID == match.ID {
			continue
		}
		if other.Confirmed && other.InternalTxID == match.InternalTxID && other.BankTxID == match.BankTxID {
			return ErrConflict
		}
	}
	return nil
}

func (m *Memory) ListMatches(_ context.Context, f MatchFilter) ([]*core.ReconciliationMatch, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.ReconciliationMatch, 0, 32)
	for _, match := range m.d.matches {
		if f.ProjectID != "" && match.ProjectID != f.ProjectID {
			continue
		}
		if f.Confirmed != nil && match.Confirmed != *f.Confirmed {
			continue
		}
		cp := match
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) GetConfirmedPair(_ context.Context, internalTxID, bankTxID string) (*core.ReconciliationMatch, error) {
	unlock := m.rlock()
	defer unlock()

	for _, match := range m.d.matches {
		if match.Confirmed && match.InternalTxID == internalTxID && match.BankTxID == bankTxID {
			cp := match
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CountConfirmedMatches(_ context.Context, projectID string) (int, error) {
	unlock := m.rlock()
	defer unlock()

	n := 0
	for _, match := range m.d.matches {
		if match.ProjectID == projectID && match.Confirmed {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// AUDIT LOG
// ============================================================================

func (m *Memory) AppendAuditLog(_ context.Context, entry *core.AuditLog) error {
	unlock := m.lock()
	defer unlock()

	m.d.audits = append(m.d.audits, *entry)
	return nil
}

func (m *Memory) LastAuditLog(_ context.Context, entityType, entityID string) (*core.AuditLog, error) {
	unlock := m.rlock()
	defer unlock()

	for i := len(m.d.audits) - 1; i >= 0; i-- {
		e := m.d.audits[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListAuditLogs(_ context.Context, entityType, entityID string) ([]*core.AuditLog, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.AuditLog, 0, 8)
	for i := range m.d.audits {
		e := m.d.audits[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ============================================================================
// CASES & EXHIBITS
// ============================================================================

func (m *Memory) CreateCase(_ context.Context, c *core.Case) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.cases[c.ID]; dup {
		return ErrConflict
	}
	m.d.cases[c.ID] = *c
	return nil
}

func (m *Memory) GetCase(_ context.Context, id string) (*core.Case, error) {
	unlock := m.rlock()
	defer unlock()

	c, ok := m.d.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := c
	return &cp, nil
}

func (m *Memory) UpdateCase(_ context.Context, c *core.Case) error {
	unlock := m.lock()
	defer unlock()

	prev, ok := m.d.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	// A sealed case only ever transitions out of existence, never back to
	// a mutable state. The one legal write is the sealing write itself.
	if prev.IsSealed() {
		return ErrSealed
	}
	m.d.cases[c.ID] = *c
	return nil
}

func (m *Memory) ListCases(_ context.Context, projectID string) ([]*core.Case, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Case, 0, 8)
	for _, c := range m.d.cases {
		if projectID == "" || c.ProjectID == projectID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AddExhibit(_ context.Context, e *core.CaseExhibit) error {
	unlock := m.lock()
	defer unlock()

	parent, ok := m.d.cases[e.CaseID]
	if !ok {
		return ErrNotFound
	}
	if parent.IsSealed() {
		return ErrSealed
	}
	if _, dup := m.d.exhibits[e.ID]; dup {
		return ErrConflict
	}
	m.d.exhibits[e.ID] = *e
	return nil
}

func (m *Memory) GetExhibit(_ context.Context, id string) (*core.CaseExhibit, error) {
	unlock := m.rlock()
	defer unlock()

	e, ok := m.d.exhibits[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (m *Memory) UpdateExhibit(_ context.Context, e *core.CaseExhibit) error {
	unlock := m.lock()
	defer unlock()

	prev, ok := m.d.exhibits[e.ID]
	if !ok {
		return ErrNotFound
	}
	if parent, ok := m.d.cases[prev.CaseID]; ok && parent.IsSealed() {
		return ErrSealed
	}
	m.d.exhibits[e.ID] = *e
	return nil
}

func (m *Memory) ListExhibits(_ context.Context, caseID string) ([]*core.CaseExhibit, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.CaseExhibit, 0, 8)
	for _, e := range m.d.exhibits {
		if e.CaseID == caseID {
			cp := e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExhibitNumber < out[j].ExhibitNumber })
	return out, nil
}

// ============================================================================
// JOBS
// ============================================================================

func (m *Memory) CreateJob(_ context.Context, j *core.ProcessingJob) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.jobs[j.ID]; dup {
		return ErrConflict
	}
	m.d.jobs[j.ID] = *j
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*core.ProcessingJob, error) {
	unlock := m.rlock()
	defer unlock()

	j, ok := m.d.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := j
	cp.WorkerTaskIDs = copyTaskIDs(j.WorkerTaskIDs)
	return &cp, nil
}

func (m *Memory) UpdateJob(_ context.Context, j *core.ProcessingJob) error {
	unlock := m.lock()
	defer unlock()

	if _, ok := m.d.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	cp := *j
	cp.WorkerTaskIDs = copyTaskIDs(j.WorkerTaskIDs)
	m.d.jobs[j.ID] = cp
	return nil
}

func (m *Memory) ListJobs(_ context.Context, projectID string, statuses ...core.JobStatus) ([]*core.ProcessingJob, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.ProcessingJob, 0, 8)
	for _, j := range m.d.jobs {
		if projectID != "" && j.ProjectID != projectID {
			continue
		}
		if len(statuses) > 0 {
			ok := false
			for _, s := range statuses {
				if j.Status == s {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		cp := j
		cp.WorkerTaskIDs = copyTaskIDs(j.WorkerTaskIDs)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ApplyBatchResult(_ context.Context, jobID string, batchIndex, processed, failed int, taskID string) (*core.ProcessingJob, error) {
	unlock := m.lock()
	defer unlock()

	j, ok := m.d.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	j.BatchesCompleted++
	j.ItemsProcessed += processed
	j.ItemsFailed += failed
	if taskID != "" {
		tasks := copyTaskIDs(j.WorkerTaskIDs)
		if tasks == nil {
			tasks = make(map[int]string)
		}
		tasks[batchIndex] = taskID
		j.WorkerTaskIDs = tasks
	}
	m.d.jobs[jobID] = j

	cp := j
	cp.WorkerTaskIDs = copyTaskIDs(j.WorkerTaskIDs)
	return &cp, nil
}

func (m *Memory) MarkJobCancelled(_ context.Context, jobID string) (*core.ProcessingJob, error) {
	unlock := m.lock()
	defer unlock()

	j, ok := m.d.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, jobID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = core.JobCancelled
	j.CompletedAt = &now
	m.d.jobs[jobID] = j

	cp := j
	cp.WorkerTaskIDs = copyTaskIDs(j.WorkerTaskIDs)
	return &cp, nil
}

func (m *Memory) ArchiveJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	unlock := m.lock()
	defer unlock()

	n := 0
	for id, j := range m.d.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.d.jobs, id)
			n++
		}
	}
	return n, nil
}

func copyTaskIDs(in map[int]string) map[int]string {
	if in == nil {
		return nil
	}
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ============================================================================
// ALERTS & INSIGHTS
// ============================================================================

func (m *Memory) CreateAlert(_ context.Context, a *core.FraudAlert) error {
	unlock := m.lock()
	defer unlock()

	m.d.alerts = append(m.d.alerts, *a)
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, projectID string, severity core.Severity, limit int) ([]*core.FraudAlert, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.FraudAlert, 0, 16)
	for i := len(m.d.alerts) - 1; i >= 0; i-- { // newest first
		a := m.d.alerts[i]
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		if severity != "" && a.Severity != severity {
			continue
		}
		cp := a
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateInsight(_ context.Context, i *core.CopilotInsight) error {
	unlock := m.lock()
	defer unlock()

	m.d.insights = append(m.d.insights, *i)
	return nil
}

func (m *Memory) ListInsights(_ context.Context, projectID, insightType string, limit int) ([]*core.CopilotInsight, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.CopilotInsight, 0, 16)
	for i := len(m.d.insights) - 1; i >= 0; i-- {
		in := m.d.insights[i]
		if projectID != "" && in.ProjectID != projectID {
			continue
		}
		if insightType != "" && in.InsightType != insightType {
			continue
		}
		cp := in
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ============================================================================
// OWNERSHIP
// ============================================================================

func (m *Memory) CreateOwnership(_ context.Context, o *core.Ownership) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.ownerships[o.ID]; dup {
		return ErrConflict
	}
	m.d.ownerships[o.ID] = *o
	return nil
}

func (m *Memory) ListParents(_ context.Context, childEntityID string) ([]*core.Ownership, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Ownership, 0, 4)
	for _, o := range m.d.ownerships {
		if o.ChildEntityID == childEntityID {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListChildren(_ context.Context, parentEntityID string) ([]*core.Ownership, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Ownership, 0, 4)
	for _, o := range m.d.ownerships {
		if o.ParentEntityID == parentEntityID {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// ASSETS & PLAN
// ============================================================================

func (m *Memory) CreateAsset(_ context.Context, a *core.Asset) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.assets[a.ID]; dup {
		return ErrConflict
	}
	m.d.assets[a.ID] = *a
	return nil
}

func (m *Memory) UpdateAsset(_ context.Context, a *core.Asset) error {
	unlock := m.lock()
	defer unlock()

	if _, ok := m.d.assets[a.ID]; !ok {
		return ErrNotFound
	}
	m.d.assets[a.ID] = *a
	return nil
}

func (m *Memory) ListAssets(_ context.Context, projectID string) ([]*core.Asset, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Asset, 0, 8)
	for _, a := range m.d.assets {
		if projectID == "" || a.ProjectID == projectID {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListAssetsByOwners(_ context.Context, ownerEntityIDs []string) ([]*core.Asset, error) {
	unlock := m.rlock()
	defer unlock()

	owners := make(map[string]bool, len(ownerEntityIDs))
	for _, id := range ownerEntityIDs {
		owners[id] = true
	}
	out := make([]*core.Asset, 0, 8)
	for _, a := range m.d.assets {
		if owners[a.OwnerEntityID] {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateMilestone(_ context.Context, ms *core.Milestone) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.milestones[ms.ID]; dup {
		return ErrConflict
	}
	m.d.milestones[ms.ID] = *ms
	return nil
}

func (m *Memory) ListMilestones(_ context.Context, projectID string) ([]*core.Milestone, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.Milestone, 0, 8)
	for _, ms := range m.d.milestones {
		if ms.ProjectID == projectID {
			cp := ms
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PlannedStart.Before(out[j].PlannedStart)
	})
	return out, nil
}

func (m *Memory) CreateBudgetLine(_ context.Context, b *core.BudgetLine) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.budgetLines[b.ID]; dup {
		return ErrConflict
	}
	m.d.budgetLines[b.ID] = *b
	return nil
}

func (m *Memory) ListBudgetLines(_ context.Context, projectID string) ([]*core.BudgetLine, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.BudgetLine, 0, 8)
	for _, b := range m.d.budgetLines {
		if b.ProjectID == projectID {
			cp := b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// INGESTION RECORDS
// ============================================================================

func (m *Memory) CreateIngestion(_ context.Context, r *core.IngestionRecord) error {
	unlock := m.lock()
	defer unlock()

	if _, dup := m.d.ingestions[r.ID]; dup {
		return ErrConflict
	}
	m.d.ingestions[r.ID] = *r
	return nil
}

func (m *Memory) UpdateIngestion(_ context.Context, r *core.IngestionRecord) error {
	unlock := m.lock()
	defer unlock()

	if _, ok := m.d.ingestions[r.ID]; !ok {
		return ErrNotFound
	}
	m.d.ingestions[r.ID] = *r
	return nil
}

func (m *Memory) GetIngestion(_ context.Context, id string) (*core.IngestionRecord, error) {
	unlock := m.rlock()
	defer unlock()

	r, ok := m.d.ingestions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) ListIngestions(_ context.Context, projectID string) ([]*core.IngestionRecord, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.IngestionRecord, 0, 8)
	for _, r := range m.d.ingestions {
		if r.ProjectID == projectID {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ============================================================================
// TELEMETRY
// ============================================================================

func (m *Memory) RecordQueryPattern(_ context.Context, userID, projectID, queryText, queryContext string, success bool) (*core.UserQueryPattern, error) {
	unlock := m.lock()
	defer unlock()

	key := userID + "|" + projectID + "|" + queryText
	p, ok := m.d.patterns[key]
	if !ok {
		p = core.UserQueryPattern{
			ID:        key,
			UserID:    userID,
			ProjectID: projectID,
			QueryText: queryText,
			Context:   queryContext,
			CreatedAt: time.Now().UTC(),
		}
	}
	p.Frequency++
	if success {
		p.Successes++
	} else {
		p.Failures++
	}
	p.LastUsedAt = time.Now().UTC()
	m.d.patterns[key] = p

	cp := p
	return &cp, nil
}

func (m *Memory) TopQueryPatterns(_ context.Context, userID, projectID string, limit int) ([]*core.UserQueryPattern, error) {
	unlock := m.rlock()
	defer unlock()

	out := make([]*core.UserQueryPattern, 0, 8)
	for _, p := range m.d.patterns {
		if p.UserID == userID && p.ProjectID == projectID {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency == out[j].Frequency {
			return out[i].LastUsedAt.After(out[j].LastUsedAt)
		}
		return out[i].Frequency > out[j].Frequency
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
