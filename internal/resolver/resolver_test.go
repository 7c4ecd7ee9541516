package resolver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/store"
)

func TestUpsertCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	first, err := r.Upsert(ctx, "proj-1", "PT Semen Indonesia", "")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := r.Upsert(ctx, "proj-1", "PT Semen Indonesia", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same name must never create duplicates")
}

func TestUpsertAccumulatesAlias(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	first, err := r.Upsert(ctx, "proj-1", "PT Semen Indonesia", "")
	require.NoError(t, err)

	// Near spelling resolves fuzzily and records the variant as an alias.
	variant, err := r.Upsert(ctx, "proj-1", "PT Semen Indonesla", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, variant.ID)
	assert.Equal(t, "PT Semen Indonesia", variant.Name, "canonical name stays")
	assert.True(t, variant.Metadata.HasAlias("PT Semen Indonesla"))

	// Repeating the variant does not duplicate the alias.
	again, err := r.Upsert(ctx, "proj-1", "PT Semen Indonesla", "")
	require.NoError(t, err)
	assert.Len(t, again.Metadata.Aliases, 1)
}

func TestResolveCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	created, err := r.Upsert(ctx, "proj-1", "Budi Santoso", "")
	require.NoError(t, err)

	found, err := r.Resolve(ctx, "proj-1", "BUDI SANTOSO", 0)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
}

func TestResolveBelowThresholdReturnsNil(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	_, err := r.Upsert(ctx, "proj-1", "PT Semen Indonesia", "")
	require.NoError(t, err)

	found, err := r.Resolve(ctx, "proj-1", "CV Berkah Jaya", 0.85)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestUpsertConcurrentSameName(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemory())

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.Upsert(ctx, "proj-1", "CV Berkah Jaya", "")
			if err == nil {
				ids[i] = e.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "concurrent upserts must converge on one entity")
	}
}

func TestRaiseRiskWatchlists(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem)

	e, err := r.Upsert(ctx, "proj-1", "Faldi", "")
	require.NoError(t, err)

	require.NoError(t, r.RaiseRisk(ctx, e.ID, 0.75))
	got, err := mem.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.RiskScore, 1e-9)
	assert.False(t, got.Watchlist)

	require.NoError(t, r.RaiseRisk(ctx, e.ID, 0.85))
	got, err = mem.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Watchlist)

	// Lower floors never reduce the score.
	require.NoError(t, r.RaiseRisk(ctx, e.ID, 0.1))
	got, _ = mem.GetEntity(ctx, e.ID)
	assert.InDelta(t, 0.85, got.RiskScore, 1e-9)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "company", string(classify("PT Semen Indonesia", "")))
	assert.Equal(t, "bank_account", string(classify("whoever", "1234567890")))
	assert.Equal(t, "unknown", string(classify("Unknown-Gap-001", "")))
	assert.Equal(t, "person", string(classify("Budi Santoso", "")))
}
