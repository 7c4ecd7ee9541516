package graph

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

const projectID = "proj-graph"

func newService(t *testing.T) (*Service, *store.Memory, *events.Bus) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateProject(context.Background(), &core.Project{ID: projectID, Name: projectID}))
	bus := events.NewBus()
	return NewService(mem, bus, config.Default().Graph), mem, bus
}

func flow(from, to string, amount int64, day int) *core.Transaction {
	return &core.Transaction{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		SenderName:   from,
		ReceiverName: to,
		ActualAmount: decimal.NewFromInt(amount),
		Currency:     core.DefaultCurrency,
		Status:       core.TxPending,
		Timestamp:    time.Date(2024, 2, day, 10, 0, 0, 0, time.UTC),
	}
}

func TestDetectCyclesTriangle(t *testing.T) {
	ctx := context.Background()
	s, mem, bus := newService(t)

	correlations := 0
	bus.Subscribe(events.CorrelationFound, func(context.Context, *events.Event) error {
		correlations++
		return nil
	})

	require.NoError(t, mem.CreateTransaction(ctx, flow("A", "B", 50_000_000, 1)))
	require.NoError(t, mem.CreateTransaction(ctx, flow("B", "C", 48_000_000, 2)))
	require.NoError(t, mem.CreateTransaction(ctx, flow("C", "A", 45_000_000, 3)))

	cycles, err := s.DetectCycles(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)

	c := cycles[0]
	assert.Equal(t, 3, c.Depth)
	assert.True(t, decimal.NewFromInt(45_000_000).Equal(c.MinFlow), "min_flow is the thinnest edge")
	assert.GreaterOrEqual(t, c.RiskScore, 0.90)
	assert.Len(t, c.Path, 4)
	assert.Equal(t, c.Path[0], c.Path[3])
	assert.Equal(t, 1, correlations)
}

func TestDetectCyclesIgnoresSmallEdges(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := newService(t)

	require.NoError(t, mem.CreateTransaction(ctx, flow("A", "B", 50_000_000, 1)))
	require.NoError(t, mem.CreateTransaction(ctx, flow("B", "A", 500_000, 2))) // below min amount

	cycles, err := s.DetectCycles(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestDetectCyclesDepthCap(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := newService(t)

	// Five-hop loop exceeds the depth cap of four.
	chain := []string{"A", "B", "C", "D", "E", "A"}
	for i := 0; i < len(chain)-1; i++ {
		require.NoError(t, mem.CreateTransaction(ctx, flow(chain[i], chain[i+1], 10_000_000, i+1)))
	}

	cycles, err := s.DetectCycles(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestDetectCyclesOrderIndependent(t *testing.T) {
	ctx := context.Background()

	rows := []*core.Transaction{
		flow("A", "B", 50_000_000, 1),
		flow("B", "C", 48_000_000, 2),
		flow("C", "A", 45_000_000, 3),
		flow("C", "D", 30_000_000, 4),
		flow("D", "B", 28_000_000, 5),
	}

	var baseline []string
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		s, mem, _ := newService(t)
		shuffled := append([]*core.Transaction(nil), rows...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		for _, r := range shuffled {
			cp := *r
			cp.ID = uuid.NewString()
			require.NoError(t, mem.CreateTransaction(ctx, &cp))
		}

		cycles, err := s.DetectCycles(ctx, projectID)
		require.NoError(t, err)
		keys := make([]string, len(cycles))
		for i, c := range cycles {
			closed := make([]string, len(c.Path))
			for j, n := range c.Path {
				closed[j] = nodeKey(n)
			}
			keys[i] = rotationKey(closed)
		}
		if trial == 0 {
			baseline = keys
			require.NotEmpty(t, baseline)
		} else {
			assert.Equal(t, baseline, keys, "shuffled input changed the cycle set")
		}
	}
}

func TestResolveUBO(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := newService(t)

	target := &core.Entity{ID: uuid.NewString(), ProjectID: projectID, Name: "PT Target", Type: core.EntityCompany}
	holding := &core.Entity{ID: uuid.NewString(), ProjectID: projectID, Name: "PT Holding", Type: core.EntityCompany}
	owner := &core.Entity{ID: uuid.NewString(), ProjectID: projectID, Name: "Budi Santoso", Type: core.EntityPerson}
	minority := &core.Entity{ID: uuid.NewString(), ProjectID: projectID, Name: "Sari Dewi", Type: core.EntityPerson}
	director := &core.Entity{ID: uuid.NewString(), ProjectID: projectID, Name: "Andi Wijaya", Type: core.EntityPerson}
	for _, e := range []*core.Entity{target, holding, owner, minority, director} {
		require.NoError(t, mem.CreateEntity(ctx, e))
	}

	edges := []*core.Ownership{
		{ID: "e1", ParentEntityID: holding.ID, ChildEntityID: target.ID, Relationship: core.RelShareholder, StakePercentage: 60},
		{ID: "e2", ParentEntityID: owner.ID, ChildEntityID: holding.ID, Relationship: core.RelShareholder, StakePercentage: 80},
		{ID: "e3", ParentEntityID: minority.ID, ChildEntityID: target.ID, Relationship: core.RelShareholder, StakePercentage: 10},
		{ID: "e4", ParentEntityID: director.ID, ChildEntityID: target.ID, Relationship: core.RelDirector, StakePercentage: 0},
	}
	for _, e := range edges {
		require.NoError(t, mem.CreateOwnership(ctx, e))
	}

	candidates, err := s.ResolveUBO(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	byName := make(map[string]*UBOCandidate)
	for _, c := range candidates {
		byName[c.Name] = c
	}

	// 80% of the 60% holding: effective 48%, a UBO.
	require.Contains(t, byName, "Budi Santoso")
	assert.InDelta(t, 48.0, byName["Budi Santoso"].EffectiveStake, 1e-9)
	assert.True(t, byName["Budi Santoso"].IsUBOCandidate)
	assert.Equal(t, 2, byName["Budi Santoso"].Depth)
	assert.Equal(t, []string{"PT Holding"}, byName["Budi Santoso"].Via)

	// Direct 10% stays below the 25% cutoff.
	assert.False(t, byName["Sari Dewi"].IsUBOCandidate)

	// A director qualifies regardless of stake.
	assert.True(t, byName["Andi Wijaya"].IsUBOCandidate)
}

func TestResolveUBOCyclicOwnership(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := newService(t)

	a := &core.Entity{ID: uuid.NewString(), Name: "PT Alpha", Type: core.EntityCompany}
	b := &core.Entity{ID: uuid.NewString(), Name: "PT Beta", Type: core.EntityCompany}
	require.NoError(t, mem.CreateEntity(ctx, a))
	require.NoError(t, mem.CreateEntity(ctx, b))
	require.NoError(t, mem.CreateOwnership(ctx, &core.Ownership{ID: "c1", ParentEntityID: b.ID, ChildEntityID: a.ID, Relationship: core.RelShareholder, StakePercentage: 50}))
	require.NoError(t, mem.CreateOwnership(ctx, &core.Ownership{ID: "c2", ParentEntityID: a.ID, ChildEntityID: b.ID, Relationship: core.RelShareholder, StakePercentage: 50}))

	candidates, err := s.ResolveUBO(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, candidates, "companies owning each other yield no person")
}

func TestBenfordCleanLedger(t *testing.T) {
	ctx := context.Background()
	s, mem, _ := newService(t)

	// A geometric spread follows Benford closely enough to stay quiet.
	amount := 1037.0
	for i := 0; i < 120; i++ {
		tx := flow("A", "B", 0, 1+i%27)
		tx.ActualAmount = decimal.NewFromFloat(amount)
		require.NoError(t, mem.CreateTransaction(ctx, tx))
		amount *= 1.13
		if amount > 9e8 {
			amount = 1037.0
		}
	}

	result, err := s.Benford(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 120, result.SampleSize)
	assert.False(t, result.Anomalous, "deviation %.3f", result.Deviation)
}

func TestBenfordFabricatedLedger(t *testing.T) {
	ctx := context.Background()
	s, mem, bus := newService(t)

	anomalies := 0
	bus.Subscribe(events.AnomalyDetected, func(context.Context, *events.Event) error {
		anomalies++
		return nil
	})

	// A ledger of invented round nines screams.
	for i := 0; i < 100; i++ {
		require.NoError(t, mem.CreateTransaction(ctx, flow("A", "B", 9_000_000, 1+i%27)))
	}

	result, err := s.Benford(ctx, projectID)
	require.NoError(t, err)
	assert.True(t, result.Anomalous)
	assert.InDelta(t, 1.0, result.Observed[8], 1e-9, "every amount leads with nine")
	assert.Equal(t, 1, anomalies)

	insights, err := mem.ListInsights(ctx, projectID, "BENFORD_DEVIATION", 0)
	require.NoError(t, err)
	assert.Len(t, insights, 1)
}

func TestStructuringBursts(t *testing.T) {
	ctx := context.Background()
	s, mem, bus := newService(t)

	patterns := 0
	bus.Subscribe(events.PatternIdentified, func(context.Context, *events.Event) error {
		patterns++
		return nil
	})

	// Three payments of 20M inside one day: count and sum both qualify.
	for i := 0; i < 3; i++ {
		tx := flow("PT Sumber", "CV Penampung", 20_000_000, 5)
		tx.Timestamp = time.Date(2024, 2, 5, 8+i*3, 0, 0, 0, time.UTC)
		require.NoError(t, mem.CreateTransaction(ctx, tx))
	}
	// Two large payments: sum qualifies, count does not.
	for i := 0; i < 2; i++ {
		tx := flow("PT Sumber", "CV Lain", 40_000_000, 10)
		tx.Timestamp = time.Date(2024, 2, 10, 9+i, 0, 0, 0, time.UTC)
		require.NoError(t, mem.CreateTransaction(ctx, tx))
	}

	bursts, err := s.StructuringBursts(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, bursts, 1)
	assert.Equal(t, "CV Penampung", bursts[0].Receiver)
	assert.Equal(t, 3, bursts[0].Count)
	assert.True(t, decimal.NewFromInt(60_000_000).Equal(bursts[0].Total))
	assert.Equal(t, 1, patterns)

	insights, err := mem.ListInsights(ctx, projectID, "SMURFING", 0)
	require.NoError(t, err)
	assert.Len(t, insights, 1)
}

func TestAssetTemporalNexus(t *testing.T) {
	ctx := context.Background()
	s, mem, bus := newService(t)

	correlations := 0
	bus.Subscribe(events.CorrelationFound, func(context.Context, *events.Event) error {
		correlations++
		return nil
	})

	suspect := &core.Entity{ID: uuid.NewString(), ProjectID: projectID, Name: "CV Penampung", Type: core.EntityCompany, RiskScore: 0.8}
	spouse := &core.Entity{ID: uuid.NewString(), ProjectID: projectID, Name: "Ibu Ratna", Type: core.EntityPerson}
	require.NoError(t, mem.CreateEntity(ctx, suspect))
	require.NoError(t, mem.CreateEntity(ctx, spouse))
	require.NoError(t, mem.CreateOwnership(ctx, &core.Ownership{
		ID: "n1", ParentEntityID: spouse.ID, ChildEntityID: suspect.ID,
		Relationship: core.RelBeneficialOwner, StakePercentage: 0,
	}))

	hot := flow("PT Sumber", "CV Penampung", 500_000_000, 10)
	hot.RiskScore = 0.9
	require.NoError(t, mem.CreateTransaction(ctx, hot))

	// Purchased two weeks after the suspect payment: close nexus.
	purchase := time.Date(2024, 2, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mem.CreateAsset(ctx, &core.Asset{
		ID: uuid.NewString(), ProjectID: projectID, OwnerEntityID: spouse.ID,
		Type: core.AssetProperty, Description: "Villa",
		EstimatedValue: decimal.NewFromInt(2_000_000_000), Currency: "IDR",
		PurchaseDate: &purchase,
	}))
	// Frozen account bought long before anything suspicious.
	old := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mem.CreateAsset(ctx, &core.Asset{
		ID: uuid.NewString(), ProjectID: projectID, OwnerEntityID: suspect.ID,
		Type: core.AssetAccount, Description: "Escrow",
		EstimatedValue: decimal.NewFromInt(500_000_000), Currency: "IDR",
		IsFrozen:     true,
		PurchaseDate: &old,
	}))

	profile, err := s.AssetTemporalNexus(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 1, profile.SuspectCount)
	assert.Equal(t, 2, profile.NetworkSize, "suspect plus one-hop owner")
	assert.Equal(t, 2, profile.AssetCount)
	assert.True(t, decimal.NewFromInt(2_500_000_000).Equal(profile.TotalValue))
	assert.True(t, decimal.NewFromInt(500_000_000).Equal(profile.FrozenValue))
	assert.InDelta(t, 20.0, profile.Readiness, 1e-9)
	assert.Equal(t, 1, correlations, "only the close-proximity asset publishes")

	var villa *AssetNexus
	for _, c := range profile.Correlations {
		if c.Asset.Description == "Villa" {
			villa = c
		}
	}
	require.NotNil(t, villa)
	assert.InDelta(t, 0.9, villa.Proximity, 1e-9)
	assert.Equal(t, hot.ID, villa.NearestTxID)
}

func BenchmarkDetectCycles(b *testing.B) {
	ctx := context.Background()
	mem := store.NewMemory()
	s := NewService(mem, events.NewBus(), config.Default().Graph)

	names := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		from := names[rng.Intn(len(names))]
		to := names[rng.Intn(len(names))]
		if from == to {
			continue
		}
		_ = mem.CreateTransaction(ctx, flow(from, to, int64(1_000_000+rng.Intn(100_000_000)), 1+i%27))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.DetectCycles(ctx, projectID); err != nil {
			b.Fatal(err)
		}
	}
}
