package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/core"
)

func seedProject(t *testing.T, m *Memory, code string) *core.Project {
	t.Helper()
	p := &core.Project{
		ID:        "proj-" + code,
		Name:      "Project " + code,
		Code:      code,
		Status:    core.ProjectAuditMode,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateProject(context.Background(), p))
	return p
}

func seedTx(t *testing.T, m *Memory, projectID, id string, amount int64, when time.Time) *core.Transaction {
	t.Helper()
	tx := &core.Transaction{
		ID:           id,
		ProjectID:    projectID,
		ActualAmount: decimal.NewFromInt(amount),
		Currency:     core.DefaultCurrency,
		ReceiverName: "CV Penerima",
		Status:       core.TxPending,
		Timestamp:    when,
		CreatedAt:    when,
		UpdatedAt:    when,
	}
	require.NoError(t, m.CreateTransaction(context.Background(), tx))
	return tx
}

func TestProjectConflictAndNotFound(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedProject(t, m, "JLT-1")

	dup := &core.Project{ID: "other", Name: "Dup", Code: "JLT-1"}
	assert.ErrorIs(t, m.CreateProject(ctx, dup), ErrConflict)

	_, err := m.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.GetProjectByCode(ctx, "JLT-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-JLT-1", got.ID)
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedProject(t, m, "TXN-1")

	err := m.WithinTx(ctx, func(s Store) error {
		if err := s.CreateEntity(ctx, &core.Entity{ID: "e1", Name: "CV Gagal"}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = m.GetEntity(ctx, "e1")
	assert.ErrorIs(t, err, ErrNotFound, "failed tx must leave no trace")

	// A successful tx commits.
	require.NoError(t, m.WithinTx(ctx, func(s Store) error {
		return s.CreateEntity(ctx, &core.Entity{ID: "e2", Name: "CV Sukses"})
	}))
	_, err = m.GetEntity(ctx, "e2")
	assert.NoError(t, err)
}

func TestTransactionFilterSemantics(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := seedProject(t, m, "FLT-1")

	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	early := seedTx(t, m, p.ID, "tx-early", 10_000_000, base.AddDate(0, 0, -5))
	mid := seedTx(t, m, p.ID, "tx-mid", 95_000_000, base)
	late := seedTx(t, m, p.ID, "tx-late", 20_000_000, base.AddDate(0, 0, 5))

	// Value date wins over the booking timestamp.
	valueDate := base.AddDate(0, 0, -10)
	early.TransactionDate = &valueDate
	require.NoError(t, m.UpdateTransaction(ctx, early))

	mid.RiskScore = 0.8
	mid.Status = core.TxFlagged
	require.NoError(t, m.UpdateTransaction(ctx, mid))

	// Effective date range excludes tx-early (value date moved out) and
	// tx-late.
	out, err := m.ListTransactions(ctx, TransactionFilter{
		ProjectID: p.ID,
		From:      base.AddDate(0, 0, -7),
		To:        base.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "tx-mid", out[0].ID)

	out, err = m.ListTransactions(ctx, TransactionFilter{
		ProjectID: p.ID,
		Statuses:  []core.TxStatus{core.TxFlagged},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "tx-mid", out[0].ID)

	out, err = m.ListTransactions(ctx, TransactionFilter{ProjectID: p.ID, MinRisk: 0.5})
	require.NoError(t, err)
	require.Len(t, out, 1)

	// Ordering is by effective date ascending, limit applies after sort.
	out, err = m.ListTransactions(ctx, TransactionFilter{ProjectID: p.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "tx-early", out[0].ID)
	assert.Equal(t, "tx-mid", out[1].ID)

	// Receiver matching folds case.
	out, err = m.ListTransactions(ctx, TransactionFilter{ProjectID: p.ID, ReceiverName: "cv penerima"})
	require.NoError(t, err)
	assert.Len(t, out, 3)
	_ = late
}

func TestSealedCaseRejectsMutation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := seedProject(t, m, "CSE-1")

	c := &core.Case{ID: "case-1", ProjectID: p.ID, Title: "Markup", Status: core.CaseNew}
	require.NoError(t, m.CreateCase(ctx, c))

	e := &core.CaseExhibit{ID: "ex-1", CaseID: c.ID, ExhibitNumber: "EXE-00000001",
		Kind: core.ExhibitDocument, ResourceID: "doc.pdf", Verdict: core.VerdictPending}
	require.NoError(t, m.AddExhibit(ctx, e))

	c.Status = core.CaseSealed
	require.NoError(t, m.UpdateCase(ctx, c))

	// Every mutation path is closed once sealed.
	c.Title = "renamed"
	assert.ErrorIs(t, m.UpdateCase(ctx, c), ErrSealed)

	late := &core.CaseExhibit{ID: "ex-2", CaseID: c.ID, ExhibitNumber: "EXE-00000002",
		Kind: core.ExhibitDocument, ResourceID: "late.pdf", Verdict: core.VerdictPending}
	assert.ErrorIs(t, m.AddExhibit(ctx, late), ErrSealed)

	e.Verdict = core.VerdictAdmitted
	assert.ErrorIs(t, m.UpdateExhibit(ctx, e), ErrSealed)
}

func TestConfirmedPairIsUnique(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := seedProject(t, m, "MCH-1")
	now := time.Now().UTC()

	first := &core.ReconciliationMatch{
		ID: "m1", ProjectID: p.ID, InternalTxID: "i1", BankTxID: "b1",
		ConfidenceScore: 0.99, Confirmed: true, MatchedAt: &now, CreatedAt: now,
	}
	require.NoError(t, m.CreateMatch(ctx, first))

	dup := &core.ReconciliationMatch{
		ID: "m2", ProjectID: p.ID, InternalTxID: "i1", BankTxID: "b1",
		ConfidenceScore: 0.90, Confirmed: true, CreatedAt: now,
	}
	assert.ErrorIs(t, m.CreateMatch(ctx, dup), ErrConflict)

	// Unconfirmed suggestions for the same pair are fine.
	suggestion := &core.ReconciliationMatch{
		ID: "m3", ProjectID: p.ID, InternalTxID: "i1", BankTxID: "b1",
		ConfidenceScore: 0.70, CreatedAt: now,
	}
	require.NoError(t, m.CreateMatch(ctx, suggestion))

	got, err := m.GetConfirmedPair(ctx, "i1", "b1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	n, err := m.CountConfirmedMatches(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApplyBatchResultAccumulates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := seedProject(t, m, "JOB-1")

	job := &core.ProcessingJob{
		ID: "job-1", ProjectID: p.ID, DataType: core.DataTransaction,
		Status: core.JobProcessing, TotalItems: 100, TotalBatches: 2,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateJob(ctx, job))

	_, err := m.ApplyBatchResult(ctx, job.ID, 0, 50, 0, "task-a")
	require.NoError(t, err)
	updated, err := m.ApplyBatchResult(ctx, job.ID, 1, 45, 5, "task-b")
	require.NoError(t, err)

	assert.Equal(t, 2, updated.BatchesCompleted)
	assert.Equal(t, 95, updated.ItemsProcessed)
	assert.Equal(t, 5, updated.ItemsFailed)
	assert.Equal(t, map[int]string{0: "task-a", 1: "task-b"}, updated.WorkerTaskIDs)

	_, err = m.ApplyBatchResult(ctx, "missing", 0, 1, 0, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkJobCancelledPreservesWorkerCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := seedProject(t, m, "CAN-1")

	job := &core.ProcessingJob{
		ID: "job-1", ProjectID: p.ID, DataType: core.DataTransaction,
		Status: core.JobProcessing, TotalItems: 100, TotalBatches: 2,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateJob(ctx, job))

	_, err := m.ApplyBatchResult(ctx, job.ID, 0, 50, 0, "task-a")
	require.NoError(t, err)

	cancelled, err := m.MarkJobCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	assert.Equal(t, 50, cancelled.ItemsProcessed, "cancel flips status only, never the counters")
	assert.Equal(t, 1, cancelled.BatchesCompleted)

	// An in-flight batch landing after the cancel still counts.
	updated, err := m.ApplyBatchResult(ctx, job.ID, 1, 45, 5, "task-b")
	require.NoError(t, err)
	assert.Equal(t, core.JobCancelled, updated.Status)
	assert.Equal(t, 95, updated.ItemsProcessed)
	assert.Equal(t, 5, updated.ItemsFailed)

	_, err = m.MarkJobCancelled(ctx, job.ID)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.MarkJobCancelled(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveJobsBeforeSkipsLiveJobs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := seedProject(t, m, "ARC-1")

	old := time.Now().UTC().AddDate(0, 0, -30)
	mk := func(id string, status core.JobStatus, completed *time.Time) {
		require.NoError(t, m.CreateJob(ctx, &core.ProcessingJob{
			ID: id, ProjectID: p.ID, DataType: core.DataTransaction,
			Status: status, CompletedAt: completed, CreatedAt: old,
		}))
	}
	mk("done-old", core.JobCompleted, &old)
	mk("failed-old", core.JobFailed, &old)
	mk("running", core.JobProcessing, nil)
	recent := time.Now().UTC()
	mk("done-recent", core.JobCompleted, &recent)

	n, err := m.ArchiveJobsBefore(ctx, time.Now().UTC().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = m.GetJob(ctx, "running")
	assert.NoError(t, err)
	_, err = m.GetJob(ctx, "done-recent")
	assert.NoError(t, err)
	_, err = m.GetJob(ctx, "done-old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditLogOrderingAndLast(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.AppendAuditLog(ctx, &core.AuditLog{
			ID:         fmt.Sprintf("a%d", i),
			EntityType: "case", EntityID: "case-1",
			Action:        "FORENSIC_FLAG",
			ActorID:       "auditor-1",
			HashSignature: fmt.Sprintf("sig-%d", i),
			Timestamp:     time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	last, err := m.LastAuditLog(ctx, "case", "case-1")
	require.NoError(t, err)
	assert.Equal(t, "a3", last.ID)

	logs, err := m.ListAuditLogs(ctx, "case", "case-1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "a1", logs[0].ID)
	assert.Equal(t, "a3", logs[2].ID)

	_, err = m.LastAuditLog(ctx, "case", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntityLookupsFoldAndScope(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := seedProject(t, m, "ENT-1")
	other := seedProject(t, m, "ENT-2")

	mk := func(id, projectID, name string, risk float64) {
		require.NoError(t, m.CreateEntity(ctx, &core.Entity{
			ID: id, ProjectID: projectID, Name: name, RiskScore: risk,
		}))
	}
	mk("e1", p.ID, "CV Sumber Makmur", 0.7)
	mk("e2", p.ID, "Toko Bangunan Jaya", 0.1)
	mk("e3", other.ID, "CV Sumber Makmur", 0.6)

	got, err := m.GetEntityByNameFold(ctx, p.ID, "cv sumber makmur")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)

	hits, err := m.SearchEntitiesByToken(ctx, p.ID, "sumber", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	risky, err := m.ListEntitiesByMinRisk(ctx, p.ID, 0.5)
	require.NoError(t, err)
	require.Len(t, risky, 1)
	assert.Equal(t, "e1", risky[0].ID)

	// Cross-project recidivist lookup excludes the asking project.
	matches, err := m.ListRiskyEntitiesByName(ctx, "CV Sumber Makmur", 0.5, p.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "e3", matches[0].ID)
}
