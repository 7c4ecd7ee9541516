package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/currency"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/integrity"
	"github.com/zenith/forensics/internal/semantic"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/triggers"
)

func newRecService(t *testing.T) (*Service, *store.Memory, *events.Bus, *core.Project) {
	t.Helper()
	mem := store.NewMemory()
	bus := events.NewBus()
	matcher := NewMatcher(mem, currency.New(nil, nil, 0), semantic.NewLocal(0, 0))
	engine := triggers.NewEngine(mem, config.Default().Triggers)
	svc := NewService(mem, matcher, engine, integrity.NewChainLogger(mem), bus)

	project := &core.Project{
		ID:   uuid.NewString(),
		Name: "Jalan Provinsi Paket 3",
		Code: "PRJ-SULSEL-2024",
	}
	require.NoError(t, mem.CreateProject(context.Background(), project))
	return svc, mem, bus, project
}

func seedMatch(t *testing.T, mem *store.Memory, projectID, reasoning string) (*core.ReconciliationMatch, *core.Transaction) {
	t.Helper()
	ctx := context.Background()

	tx := &core.Transaction{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		ActualAmount: decimal.NewFromInt(5_000_000),
		Currency:     core.DefaultCurrency,
		Description:  "Pembayaran semen",
		ReceiverName: "PT Semen Tonasa",
		Category:     core.CategoryVendor,
		Status:       core.TxPending,
		Timestamp:    time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mem.CreateTransaction(ctx, tx))

	bank := &core.BankTransaction{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Amount:      decimal.NewFromInt(5_000_000),
		Currency:    core.DefaultCurrency,
		Direction:   core.BankDebit,
		Description: "TRF RTGS PT SEMEN TONASA",
		Timestamp:   time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	match := &core.ReconciliationMatch{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		InternalTxID:    tx.ID,
		BankTxID:        bank.ID,
		ConfidenceScore: 0.96,
		MatchType:       core.MatchDirect,
		AIReasoning:     reasoning,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, mem.CreateMatch(ctx, match))
	return match, tx
}

func TestConfirmFlipsRowAndChainsAudit(t *testing.T) {
	ctx := context.Background()
	svc, mem, bus, project := newRecService(t)

	matched := 0
	bus.Subscribe(events.TransactionMatched, func(context.Context, *events.Event) error {
		matched++
		return nil
	})

	match, tx := seedMatch(t, mem, project.ID, "AmtΔ0 | 1d (Window:1d) | Channel:RTGS | TIER_1_PERFECT | AUTO_OK")
	require.NoError(t, svc.Confirm(ctx, match.ID, "auditor-1"))

	got, err := mem.GetMatch(ctx, match.ID)
	require.NoError(t, err)
	assert.True(t, got.Confirmed)
	require.NotNil(t, got.MatchedAt)

	row, err := mem.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TxMatched, row.Status)

	logs, err := mem.ListAuditLogs(ctx, "transaction", tx.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "CONFIRM_MATCH", logs[0].Action)
	assert.Equal(t, "auditor-1", logs[0].ActorID)
	assert.Equal(t, string(core.TxPending), logs[0].OldValue)
	assert.Equal(t, string(core.TxMatched), logs[0].NewValue)
	assert.Equal(t, 1, matched)
}

func TestConfirmIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, mem, bus, project := newRecService(t)

	matched := 0
	bus.Subscribe(events.TransactionMatched, func(context.Context, *events.Event) error {
		matched++
		return nil
	})

	match, tx := seedMatch(t, mem, project.ID, "TIER_1_PERFECT | AUTO_OK")
	require.NoError(t, svc.Confirm(ctx, match.ID, "auditor-1"))
	require.NoError(t, svc.Confirm(ctx, match.ID, "auditor-2"))

	logs, err := mem.ListAuditLogs(ctx, "transaction", tx.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "a second confirm writes no second audit entry")
	assert.Equal(t, 1, matched)
}

func TestConfirmUnknownMatch(t *testing.T) {
	svc, _, _, _ := newRecService(t)
	err := svc.Confirm(context.Background(), "no-such-match", "auditor-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAutoConfirmBuckets(t *testing.T) {
	ctx := context.Background()
	svc, mem, bus, project := newRecService(t)

	var completed, variance int
	bus.Subscribe(events.ReconciliationCompleted, func(context.Context, *events.Event) error {
		completed++
		return nil
	})
	bus.Subscribe(events.VarianceDetected, func(context.Context, *events.Event) error {
		variance++
		return nil
	})

	seedMatch(t, mem, project.ID, "AmtΔ0 | TIER_1_PERFECT | AUTO_OK")
	seedMatch(t, mem, project.ID, "AmtΔ12000 | TIER_3_PROBABLE | REVIEW")
	for i := 0; i < 6; i++ {
		seedMatch(t, mem, project.ID, "AmtΔ90000 | TIER_4_WEAK | INVESTIGATE")
	}
	// No gate token at all also lands in investigate.
	seedMatch(t, mem, project.ID, "Semantic similarity: 0.88")

	result, err := svc.AutoConfirm(ctx, project.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Confirmed)
	assert.Equal(t, 1, result.Review)
	assert.Equal(t, 7, result.Investigate)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, variance, "seven investigates exceed the alert threshold")

	// The pass is idempotent: nothing left in the auto bucket.
	result, err = svc.AutoConfirm(ctx, project.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Confirmed)
	assert.Equal(t, 1, result.Review)
	assert.Equal(t, 7, result.Investigate)
}

func TestRunEvaluatesAndSuggests(t *testing.T) {
	ctx := context.Background()
	svc, mem, _, project := newRecService(t)

	// A personal-category row trips the leakage trigger and gets flagged.
	leak := &core.Transaction{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		ActualAmount: decimal.NewFromInt(25_000_000),
		Currency:     core.DefaultCurrency,
		Description:  "Transfer pribadi",
		ReceiverName: "Sandi",
		Category:     core.CategoryPersonal,
		Status:       core.TxPending,
		Timestamp:    time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mem.CreateTransaction(ctx, leak))

	clean := &core.Transaction{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		ActualAmount: decimal.NewFromInt(5_000_000),
		Currency:     core.DefaultCurrency,
		Description:  "Pembayaran INV-1234 semen",
		ReceiverName: "PT Semen Tonasa",
		Category:     core.CategoryVendor,
		Status:       core.TxPending,
		Timestamp:    time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mem.CreateTransaction(ctx, clean))

	bank := &core.BankTransaction{
		ID:          uuid.NewString(),
		ProjectID:   project.ID,
		Amount:      decimal.NewFromInt(5_000_000),
		Currency:    core.DefaultCurrency,
		Direction:   core.BankDebit,
		Description: "TRF RTGS INV 1234 PT SEMEN TONASA",
		Timestamp:   time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	result, err := svc.Run(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Evaluated)
	assert.GreaterOrEqual(t, result.Suggested, 1)
	assert.Equal(t, 0, result.SkippedPairs)

	// The flagged row carries its audit trail.
	flagged, err := mem.GetTransaction(ctx, leak.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TxFlagged, flagged.Status)
	logs, err := mem.ListAuditLogs(ctx, "transaction", leak.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "FORENSIC_FLAG", logs[0].Action)

	suggested, err := svc.Suggested(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Suggested, len(suggested))
}
