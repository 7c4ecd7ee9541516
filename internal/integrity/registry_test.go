package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
)

type fakeAnchorer struct {
	calls int
	fail  bool
}

func (f *fakeAnchorer) Anchor(_ context.Context, hash string) (string, error) {
	f.calls++
	if f.fail {
		return "", errors.New("anchor unavailable")
	}
	return "anc-" + hash[:8], nil
}

func newTestRegistry(anchorer Anchorer) (*Registry, *store.Memory) {
	mem := store.NewMemory()
	return NewRegistry(NewMemoryRegistryStore(), NewChainLogger(mem), anchorer), mem
}

func TestSealChainsEntriesAndWritesAudit(t *testing.T) {
	reg, mem := newTestRegistry(nil)
	ctx := context.Background()

	first, err := reg.Seal(ctx, []byte("dossier v1"), SealRequest{
		ProjectID:  "proj-1",
		EntityType: core.RegistryDossier,
		EntityID:   "case-1",
		SealedBy:   "auditor-1",
	})
	require.NoError(t, err)

	second, err := reg.Seal(ctx, []byte("dossier v2"), SealRequest{
		ProjectID:  "proj-1",
		EntityType: core.RegistryDossier,
		EntityID:   "case-1",
		SealedBy:   "auditor-1",
	})
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.Equal(t, first.HashSignature, second.PreviousHash)

	sum := sha256.Sum256([]byte("dossier v1"))
	assert.Equal(t, hex.EncodeToString(sum[:]), first.FileHash)

	audits, err := mem.ListAuditLogs(ctx, "registry", "proj-1")
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "SEAL_ARTIFACT", audits[0].Action)
	assert.Equal(t, first.FileHash, audits[0].NewValue)
}

func TestSealRejectsEmptyArtifact(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	_, err := reg.Seal(context.Background(), nil, SealRequest{ProjectID: "proj-1"})
	assert.Error(t, err)
}

func TestVerifyFindsSealedHash(t *testing.T) {
	reg, _ := newTestRegistry(nil)
	ctx := context.Background()

	entry, err := reg.Seal(ctx, []byte("exhibit bytes"), SealRequest{
		ProjectID:  "proj-1",
		EntityType: core.RegistryExhibit,
		EntityID:   "EXE-deadbeef",
		SealedBy:   "auditor-1",
	})
	require.NoError(t, err)

	found, err := reg.Verify(ctx, entry.FileHash)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, found.ID)

	_, err = reg.Verify(ctx, GenesisHash)
	assert.True(t, store.IsNotFound(err))
}

func TestVerifyChainIntactAndBroken(t *testing.T) {
	entries := NewMemoryRegistryStore()
	mem := store.NewMemory()
	reg := NewRegistry(entries, NewChainLogger(mem), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := reg.Seal(ctx, []byte(fmt.Sprintf("artifact %d", i)), SealRequest{
			ProjectID:  "proj-1",
			EntityType: core.RegistryTransactionSet,
			EntityID:   fmt.Sprintf("set-%d", i),
			SealedBy:   "system",
		})
		require.NoError(t, err)
	}

	ok, broken, err := reg.VerifyChain(ctx, "proj-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1, broken)

	// Tamper with the middle entry in place.
	entries.byProj["proj-1"][1].EntityID = "set-rewritten"

	ok, broken, err = reg.VerifyChain(ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, broken)
}

func TestSealAttachesAnchorID(t *testing.T) {
	anchorer := &fakeAnchorer{}
	reg, _ := newTestRegistry(anchorer)

	entry, err := reg.Seal(context.Background(), []byte("anchored"), SealRequest{
		ProjectID:  "proj-1",
		EntityType: core.RegistryDossier,
		EntityID:   "case-1",
		SealedBy:   "auditor-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, anchorer.calls)
	assert.Equal(t, "anc-"+entry.FileHash[:8], entry.AnchorID)
}

func TestSealDegradesWhenAnchorFails(t *testing.T) {
	anchorer := &fakeAnchorer{fail: true}
	reg, _ := newTestRegistry(anchorer)

	entry, err := reg.Seal(context.Background(), []byte("unanchored"), SealRequest{
		ProjectID:  "proj-1",
		EntityType: core.RegistryDossier,
		EntityID:   "case-1",
		SealedBy:   "auditor-1",
	})
	require.NoError(t, err)
	assert.Empty(t, entry.AnchorID)

	ok, _, err := reg.VerifyChain(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
