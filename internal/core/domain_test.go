package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TIER & GATE BOUNDARIES
// ============================================================================

func TestTierFor_Boundaries(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       Tier
	}{
		{"perfect at threshold", 0.95, Tier1Perfect},
		{"just below perfect", 0.9499, Tier2Strong},
		{"strong at threshold", 0.85, Tier2Strong},
		{"just below strong", 0.8499, Tier3Probable},
		{"probable at threshold", 0.70, Tier3Probable},
		{"just below probable", 0.6999, Tier4Weak},
		{"zero", 0.0, Tier4Weak},
		{"full", 1.0, Tier1Perfect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.confidence))
		})
	}
}

func TestGateFor(t *testing.T) {
	// Tier 1 always clears.
	assert.Equal(t, GateAutoOK, GateFor(Tier1Perfect, 0.9))

	// Tier 2 clears only below the risk cutoff.
	assert.Equal(t, GateAutoOK, GateFor(Tier2Strong, 0.29))
	assert.Equal(t, GateInvestigate, GateFor(Tier2Strong, 0.3))

	// Tier 3 goes to human review, tier 4 to investigation.
	assert.Equal(t, GateReview, GateFor(Tier3Probable, 0.0))
	assert.Equal(t, GateInvestigate, GateFor(Tier4Weak, 0.0))
}

// ============================================================================
// AML STAGE ORDERING
// ============================================================================

func TestAMLStageRank(t *testing.T) {
	assert.Equal(t, 0, AMLStageNone.Rank())
	assert.Less(t, AMLStagePlacement.Rank(), AMLStageLayering.Rank())
	assert.Less(t, AMLStageLayering.Rank(), AMLStageIntegration.Rank())
}

// ============================================================================
// TRANSACTION HELPERS
// ============================================================================

func TestTransaction_InflationDelta(t *testing.T) {
	tx := &Transaction{
		ProposedAmount: decimal.NewFromInt(7550000),
		ActualAmount:   decimal.NewFromInt(5250000),
	}
	assert.True(t, decimal.NewFromInt(2300000).Equal(tx.InflationDelta()))

	// Actual above proposed never yields a negative delta.
	tx.ProposedAmount = decimal.NewFromInt(100)
	tx.ActualAmount = decimal.NewFromInt(250)
	assert.True(t, tx.InflationDelta().IsZero())
}

func TestTransaction_EffectiveDate(t *testing.T) {
	booked := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	value := time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)

	tx := &Transaction{Timestamp: booked}
	assert.Equal(t, booked, tx.EffectiveDate())

	tx.TransactionDate = &value
	assert.Equal(t, value, tx.EffectiveDate())
}

func TestTransaction_AppendMensRea(t *testing.T) {
	tx := &Transaction{}

	require.True(t, tx.AppendMensRea("Penggelembungan: selisih 2300000"))
	require.True(t, tx.AppendMensRea("Transaksi tunai besar"))
	assert.Equal(t, "Penggelembungan: selisih 2300000; Transaksi tunai besar", tx.MensRea)

	// Exact duplicates are dropped.
	assert.False(t, tx.AppendMensRea("Transaksi tunai besar"))
	assert.Equal(t, "Penggelembungan: selisih 2300000; Transaksi tunai besar", tx.MensRea)

	// Empty reasons are ignored.
	assert.False(t, tx.AppendMensRea(""))
}

func TestTransaction_HasCoordinates(t *testing.T) {
	lat, lon := -5.147665, 119.432732
	tx := &Transaction{}
	assert.False(t, tx.HasCoordinates())
	tx.Latitude = &lat
	assert.False(t, tx.HasCoordinates())
	tx.Longitude = &lon
	assert.True(t, tx.HasCoordinates())
}

// ============================================================================
// PROJECT SETTINGS
// ============================================================================

func TestProject_EffectiveSettings_Defaults(t *testing.T) {
	var p *Project
	s := p.EffectiveSettings()
	assert.Equal(t, 7, s.ClearingWindowDays)
	assert.Equal(t, 0.5, s.AmountTolerancePercent)
	assert.Equal(t, 10, s.BatchWindowDays)
	assert.Equal(t, 0.98, s.AutoConfirmThreshold)
	assert.Equal(t, float64(1000), s.BalanceGapThreshold)
}

func TestProject_EffectiveSettings_PartialOverride(t *testing.T) {
	p := &Project{Settings: &ReconciliationSettings{BatchWindowDays: 21}}
	s := p.EffectiveSettings()

	// Override sticks, all other fields fall back.
	assert.Equal(t, 21, s.BatchWindowDays)
	assert.Equal(t, 7, s.ClearingWindowDays)
	assert.Equal(t, 0.98, s.AutoConfirmThreshold)
}

// ============================================================================
// JOB ACCOUNTING
// ============================================================================

func TestProcessingJob_Derived(t *testing.T) {
	job := &ProcessingJob{TotalItems: 200, ItemsProcessed: 150, ItemsFailed: 50}
	assert.InDelta(t, 75.0, job.ProgressPercent(), 1e-9)
	assert.InDelta(t, 75.0, job.SuccessRate(), 1e-9)

	// No attempts yet reads as fully successful, not failed.
	fresh := &ProcessingJob{TotalItems: 10}
	assert.Equal(t, float64(0), fresh.ProgressPercent())
	assert.Equal(t, float64(100), fresh.SuccessRate())

	// Empty job never divides by zero.
	empty := &ProcessingJob{}
	assert.Equal(t, float64(0), empty.ProgressPercent())
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobProcessing.IsTerminal())
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}

func TestProcessingJob_Duration(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	job := &ProcessingJob{StartedAt: &start}
	assert.Equal(t, time.Duration(0), job.Duration())

	job.CompletedAt = &end
	assert.Equal(t, 90*time.Second, job.Duration())
}
