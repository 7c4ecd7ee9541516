package cases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/integrity"
	"github.com/zenith/forensics/internal/store"
)

func newService(t *testing.T) (*Service, *store.Memory, *events.Bus, *core.Project) {
	t.Helper()
	mem := store.NewMemory()
	bus := events.NewBus()
	audit := integrity.NewChainLogger(mem)
	registry := integrity.NewRegistry(integrity.NewMemoryRegistryStore(), audit, nil)
	svc := New(mem, bus, registry, audit)

	project := &core.Project{
		ID:   uuid.NewString(),
		Name: "Jalan Provinsi Paket 3",
		Code: "PRJ-SULSEL-2024",
	}
	require.NoError(t, mem.CreateProject(context.Background(), project))
	return svc, mem, bus, project
}

func seedEntity(t *testing.T, mem *store.Memory, projectID string, risk float64) *core.Entity {
	t.Helper()
	e := &core.Entity{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      "CV Penampung",
		Type:      core.EntityCompany,
		RiskScore: risk,
	}
	require.NoError(t, mem.CreateEntity(context.Background(), e))
	return e
}

func TestCreateCase(t *testing.T) {
	ctx := context.Background()
	svc, _, bus, project := newService(t)

	created := 0
	bus.Subscribe(events.CaseCreated, func(context.Context, *events.Event) error {
		created++
		return nil
	})

	c, err := svc.Create(ctx, project.ID, "Kebocoran dana vendor", "mark-up semen", "auditor-1")
	require.NoError(t, err)
	assert.Equal(t, core.CaseNew, c.Status)
	assert.Equal(t, "auditor-1", c.CreatedBy)
	assert.Equal(t, 1, created)

	_, err = svc.Create(ctx, project.ID, "   ", "", "auditor-1")
	assert.Error(t, err)
	_, err = svc.Create(ctx, "missing", "x", "", "auditor-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddExhibitNumbersAndStatus(t *testing.T) {
	ctx := context.Background()
	svc, mem, _, project := newService(t)
	entity := seedEntity(t, mem, project.ID, 0.1)

	c, err := svc.Create(ctx, project.ID, "Kebocoran dana vendor", "", "auditor-1")
	require.NoError(t, err)

	e, err := svc.AddExhibit(ctx, c.ID, core.ExhibitEntity, entity.ID, "Penerima utama", "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^EXE-[0-9a-f]{8}$`), e.ExhibitNumber)
	assert.Equal(t, core.VerdictPending, e.Verdict)

	// First exhibit moves the case into investigation.
	c2, err := mem.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CaseInvestigating, c2.Status)

	// Dangling resource ids are rejected.
	_, err = svc.AddExhibit(ctx, c.ID, core.ExhibitTransaction, "missing", "x", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdmitEntityExhibitPropagatesRisk(t *testing.T) {
	ctx := context.Background()
	svc, mem, bus, project := newService(t)
	entity := seedEntity(t, mem, project.ID, 0.65)

	verified := 0
	bus.Subscribe(events.EvidenceVerified, func(context.Context, *events.Event) error {
		verified++
		return nil
	})

	c, err := svc.Create(ctx, project.ID, "Kebocoran dana vendor", "", "auditor-1")
	require.NoError(t, err)
	e, err := svc.AddExhibit(ctx, c.ID, core.ExhibitEntity, entity.ID, "Penerima utama", "")
	require.NoError(t, err)

	adjudicated, err := svc.Adjudicate(ctx, e.ID, core.VerdictAdmitted, "auditor-2")
	require.NoError(t, err)
	assert.Equal(t, core.VerdictAdmitted, adjudicated.Verdict)
	assert.NotEmpty(t, adjudicated.HashSignature)
	assert.Equal(t, 1, verified)

	// 0.65 + 0.2 = 0.85: above the watchlist line.
	updated, err := mem.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, updated.RiskScore, 1e-9)
	assert.True(t, updated.Watchlist)

	logs, err := mem.ListAuditLogs(ctx, "entity", entity.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "RISK_PROPAGATION", logs[0].Action)

	// A second adjudication of the same exhibit is refused.
	_, err = svc.Adjudicate(ctx, e.ID, core.VerdictRejected, "auditor-2")
	assert.Error(t, err)
}

func TestAdmitRiskCapped(t *testing.T) {
	ctx := context.Background()
	svc, mem, _, project := newService(t)
	entity := seedEntity(t, mem, project.ID, 0.95)

	c, err := svc.Create(ctx, project.ID, "Kebocoran dana vendor", "", "auditor-1")
	require.NoError(t, err)
	e, err := svc.AddExhibit(ctx, c.ID, core.ExhibitEntity, entity.ID, "Penerima utama", "")
	require.NoError(t, err)
	_, err = svc.Adjudicate(ctx, e.ID, core.VerdictAdmitted, "auditor-2")
	require.NoError(t, err)

	updated, err := mem.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, updated.RiskScore, 1e-9)
}

func TestRejectedExhibitLeavesRiskAlone(t *testing.T) {
	ctx := context.Background()
	svc, mem, _, project := newService(t)
	entity := seedEntity(t, mem, project.ID, 0.65)

	c, err := svc.Create(ctx, project.ID, "Kebocoran dana vendor", "", "auditor-1")
	require.NoError(t, err)
	e, err := svc.AddExhibit(ctx, c.ID, core.ExhibitEntity, entity.ID, "Penerima utama", "")
	require.NoError(t, err)

	rejected, err := svc.Adjudicate(ctx, e.ID, core.VerdictRejected, "auditor-2")
	require.NoError(t, err)
	assert.Empty(t, rejected.HashSignature, "rejected exhibits are not chained")

	updated, err := mem.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, updated.RiskScore, 1e-9)
	assert.False(t, updated.Watchlist)
}

func TestSealFreezesCaseAndRegistersDossier(t *testing.T) {
	ctx := context.Background()
	svc, mem, bus, project := newService(t)
	entity := seedEntity(t, mem, project.ID, 0.1)

	closed := 0
	bus.Subscribe(events.CaseClosed, func(context.Context, *events.Event) error {
		closed++
		return nil
	})

	c, err := svc.Create(ctx, project.ID, "Kebocoran dana vendor", "", "auditor-1")
	require.NoError(t, err)
	e, err := svc.AddExhibit(ctx, c.ID, core.ExhibitEntity, entity.ID, "Penerima utama", "")
	require.NoError(t, err)

	report := []byte("laporan akhir investigasi paket 3")
	sealed, entry, err := svc.Seal(ctx, c.ID, report, "auditor-1")
	require.NoError(t, err)
	assert.Equal(t, core.CaseSealed, sealed.Status)
	assert.Equal(t, 1, closed)

	wantHash := sha256.Sum256(report)
	assert.Equal(t, hex.EncodeToString(wantHash[:]), sealed.FinalReportHash)
	assert.Equal(t, sealed.FinalReportHash, entry.FileHash)
	assert.Equal(t, core.RegistryDossier, entry.EntityType)
	assert.Equal(t, c.ID, entry.EntityID)

	// Frozen: no new exhibits, no re-adjudication, no second seal.
	_, err = svc.AddExhibit(ctx, c.ID, core.ExhibitEntity, entity.ID, "x", "")
	assert.ErrorIs(t, err, store.ErrSealed)
	_, err = svc.Adjudicate(ctx, e.ID, core.VerdictAdmitted, "auditor-2")
	assert.ErrorIs(t, err, store.ErrSealed)
	_, _, err = svc.Seal(ctx, c.ID, report, "auditor-1")
	assert.ErrorIs(t, err, store.ErrSealed)
}

func TestContradictionNoteOnMatchedTransaction(t *testing.T) {
	ctx := context.Background()
	svc, mem, _, project := newService(t)

	tx := &core.Transaction{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    core.TxMatched,
	}
	require.NoError(t, mem.CreateTransaction(ctx, tx))

	c, err := svc.Create(ctx, project.ID, "Kebocoran dana vendor", "", "auditor-1")
	require.NoError(t, err)
	e, err := svc.AddExhibit(ctx, c.ID, core.ExhibitTransaction, tx.ID, "Setoran mencurigakan", "")
	require.NoError(t, err)

	adjudicated, err := svc.Adjudicate(ctx, e.ID, core.VerdictAdmitted, "auditor-2")
	require.NoError(t, err)
	assert.Contains(t, adjudicated.AIContradictionNote, "reconciled")
}
