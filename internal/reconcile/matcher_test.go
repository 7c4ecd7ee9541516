package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/currency"
	"github.com/zenith/forensics/internal/semantic"
	"github.com/zenith/forensics/internal/store"
)

func newMatcher(t *testing.T) (*Matcher, *store.Memory, *core.Project) {
	t.Helper()
	mem := store.NewMemory()
	project := &core.Project{
		ID:   uuid.NewString(),
		Name: "Jalan Provinsi Paket 3",
		Code: "PRJ-SULSEL-2024",
	}
	require.NoError(t, mem.CreateProject(context.Background(), project))
	return NewMatcher(mem, currency.New(nil, nil, 0), semantic.NewLocal(0, 0)), mem, project
}

func ledgerRow(projectID string, amount int64, desc, receiver string, day int) *core.Transaction {
	return &core.Transaction{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		ActualAmount: decimal.NewFromInt(amount),
		Currency:     core.DefaultCurrency,
		Description:  desc,
		ReceiverName: receiver,
		Category:     core.CategoryVendor,
		Status:       core.TxPending,
		Timestamp:    time.Date(2024, 3, day, 9, 0, 0, 0, time.UTC),
	}
}

func bankRow(projectID string, amount int64, desc string, day int) *core.BankTransaction {
	return &core.BankTransaction{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Amount:      decimal.NewFromInt(amount),
		Currency:    core.DefaultCurrency,
		Direction:   core.BankDebit,
		Description: desc,
		Timestamp:   time.Date(2024, 3, day, 14, 0, 0, 0, time.UTC),
	}
}

func TestSuggestDirectPerfectAnchor(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	ledger := ledgerRow(project.ID, 5_000_000, "Pembayaran INV-1234 semen 50 sak", "PT Semen Tonasa", 4)
	bank := bankRow(project.ID, 5_000_000, "TRF RTGS INV 1234 PT SEMEN TONASA", 5)
	require.NoError(t, mem.CreateTransaction(ctx, ledger))
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	matches, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	match := matches[0]
	assert.Equal(t, ledger.ID, match.InternalTxID)
	assert.Equal(t, bank.ID, match.BankTxID)
	assert.Equal(t, core.MatchDirect, match.MatchType)
	assert.GreaterOrEqual(t, match.ConfidenceScore, 0.95, "same invoice, exact amount, next day clears TIER_1")
	assert.Contains(t, match.AIReasoning, string(core.Tier1Perfect))
	assert.Contains(t, match.AIReasoning, string(core.GateAutoOK))
	assert.Contains(t, match.AIReasoning, "INV:REF001234")
	assert.Contains(t, match.AIReasoning, "Channel:RTGS")
}

func TestSuggestDirectRespectsChannelWindow(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	// RTGS clears in one day; a three-day gap is a different payment.
	ledger := ledgerRow(project.ID, 5_000_000, "Pembayaran INV-1234", "PT Semen Tonasa", 4)
	bank := bankRow(project.ID, 5_000_000, "TRF RTGS INV 1234", 7)
	require.NoError(t, mem.CreateTransaction(ctx, ledger))
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	matches, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	for _, match := range matches {
		assert.NotEqual(t, core.MatchDirect, match.MatchType)
	}
}

func TestSuggestDirectAmountTolerance(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	// 0.4% variance sits inside the default 0.5% tolerance.
	ledger := ledgerRow(project.ID, 10_000_000, "Termin 2 INV-7001", "CV Karya", 10)
	bank := bankRow(project.ID, 9_960_000, "RTGS INV 7001 CV KARYA", 10)
	require.NoError(t, mem.CreateTransaction(ctx, ledger))
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	matches, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, core.MatchDirect, matches[0].MatchType)
	assert.Less(t, matches[0].ConfidenceScore, 0.95, "inexact amount never fakes a perfect anchor")
}

func TestSuggestAggregateSum(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	// Three vouchers drain as one banked 100M. Amounts chosen so no single
	// voucher direct-matches the bank entry.
	v1 := ledgerRow(project.ID, 60_000_000, "Upah mandor minggu 3", "Mandor Udin", 14)
	v1.Category = core.CategoryPayroll
	v2 := ledgerRow(project.ID, 39_500_000, "Material pasir", "CV Pasir Jaya", 15)
	v3 := ledgerRow(project.ID, 500_000, "Biaya admin bank", "Bank", 15)
	v3.Category = core.CategoryFee
	bank := bankRow(project.ID, 100_000_000, "PENCAIRAN GABUNGAN", 16)

	for _, v := range []*core.Transaction{v1, v2, v3} {
		require.NoError(t, mem.CreateTransaction(ctx, v))
	}
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	matches, err := m.Suggest(ctx, project)
	require.NoError(t, err)

	var aggregate []*core.ReconciliationMatch
	for _, match := range matches {
		if match.MatchType == core.MatchAggregate {
			aggregate = append(aggregate, match)
		}
	}
	require.Len(t, aggregate, 3, "every member of the flow group is matched")
	for _, match := range aggregate {
		assert.Equal(t, bank.ID, match.BankTxID)
		assert.InDelta(t, 0.9, match.ConfidenceScore, 1e-9)
		assert.Contains(t, match.AIReasoning, "aggregate flow sum (3 items)")
	}
}

func TestSuggestAggregateIgnoresDistantVouchers(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	// The second voucher falls outside the 10-day batch window, so the sum
	// never completes.
	v1 := ledgerRow(project.ID, 60_000_000, "Upah mandor", "Mandor Udin", 1)
	v1.Category = core.CategoryPayroll
	v2 := ledgerRow(project.ID, 40_000_000, "Material", "CV Pasir", 1)
	bank := bankRow(project.ID, 100_000_000, "PENCAIRAN GABUNGAN", 15)
	require.NoError(t, mem.CreateTransaction(ctx, v1))
	require.NoError(t, mem.CreateTransaction(ctx, v2))
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	matches, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	for _, match := range matches {
		assert.NotEqual(t, core.MatchAggregate, match.MatchType)
	}
}

func TestSuggestProportionalVAT(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	// Ledger books gross including 11% VAT; the bank shows the net amount.
	ledger := ledgerRow(project.ID, 11_100_000, "Jasa konsultan struktur", "PT Konsultan", 2)
	ledger.Category = core.CategoryMaterial
	bank := bankRow(project.ID, 10_000_000, "TRANSFER KONSULTAN", 20)
	require.NoError(t, mem.CreateTransaction(ctx, ledger))
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	matches, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, core.MatchProportional, matches[0].MatchType)
	assert.Contains(t, matches[0].AIReasoning, "ratio 1.11")
}

func TestSuggestFuzzyVector(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	embedding := []float64{0.3, 0.1, 0.9, 0.2}
	ledger := ledgerRow(project.ID, 7_777_777, "Sewa alat berat excavator", "PT Alat", 2)
	ledger.Category = core.CategoryMaterial
	ledger.Embedding = embedding
	bank := bankRow(project.ID, 3_000_000, "SEWA EXCAVATOR", 25)
	bank.Embedding = embedding
	require.NoError(t, mem.CreateTransaction(ctx, ledger))
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	matches, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, core.MatchFuzzyVector, matches[0].MatchType)
	assert.InDelta(t, 1.0, matches[0].ConfidenceScore, 1e-9)
	assert.True(t, strings.HasPrefix(matches[0].AIReasoning, "Semantic similarity"))
}

func TestSuggestSkipsPersistedPairs(t *testing.T) {
	ctx := context.Background()
	m, mem, project := newMatcher(t)

	ledger := ledgerRow(project.ID, 5_000_000, "Pembayaran INV-1234", "PT Semen", 4)
	bank := bankRow(project.ID, 5_000_000, "RTGS INV 1234 PT SEMEN", 5)
	require.NoError(t, mem.CreateTransaction(ctx, ledger))
	require.NoError(t, mem.CreateBankTransaction(ctx, bank))

	first, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, mem.CreateMatch(ctx, first[0]))

	second, err := m.Suggest(ctx, project)
	require.NoError(t, err)
	assert.Empty(t, second, "a persisted pair is never re-suggested")
}
