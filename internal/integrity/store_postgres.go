package integrity

import (
	"database/sql"
	"context"
	"errors"
	"time"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
)

// PostgresRegistryStore persists registry entries in the integrity_registry
// table (see scripts/schema.sql). Entries for one project are ordered by
// sealed_at, id; the chain linkage makes reordering detectable anyway.
type PostgresRegistryStore struct {
	db *sql.DB
}

// NewPostgresRegistryStore wraps an open connection pool.
func NewPostgresRegistryStore(db *sql.DB) *PostgresRegistryStore {
	return &PostgresRegistryStore{db: db}
}

const registryColumns = `id, project_id, entity_type, entity_id, file_hash,
	previous_hash, hash_signature, anchor_id, sealed_at, sealed_by`

func (p *PostgresRegistryStore) AppendEntry(ctx context.Context, e *core.RegistryEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO integrity_registry (`+registryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.ProjectID, string(e.EntityType), e.EntityID, e.FileHash,
		e.PreviousHash, e.HashSignature, nullable(e.AnchorID), e.SealedAt, e.SealedBy)
	return err
}

func (p *PostgresRegistryStore) LastEntry(ctx context.Context, projectID string) (*core.RegistryEntry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+registryColumns+` FROM integrity_registry
		WHERE project_id = $1 ORDER BY sealed_at DESC, id DESC LIMIT 1`, projectID)
	return scanRegistry(row)
}

func (p *PostgresRegistryStore) GetByFileHash(ctx context.Context, fileHash string) (*core.RegistryEntry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+registryColumns+` FROM integrity_registry
		WHERE file_hash = $1 LIMIT 1`, fileHash)
	return scanRegistry(row)
}

func (p *PostgresRegistryStore) ListEntries(ctx context.Context, projectID string) ([]*core.RegistryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+registryColumns+` FROM integrity_registry
		WHERE project_id = $1 ORDER BY sealed_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.RegistryEntry
	for rows.Next() {
		e, err := scanRegistry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRegistry(r rowScanner) (*core.RegistryEntry, error) {
	var (
		e          core.RegistryEntry
		entityType string
		anchorID   sql.NullString
		sealedAt   time.Time
	)
	err := r.Scan(&e.ID, &e.ProjectID, &entityType, &e.EntityID, &e.FileHash,
		&e.PreviousHash, &e.HashSignature, &anchorID, &sealedAt, &e.SealedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.EntityType = core.RegistryEntityType(entityType)
	e.AnchorID = anchorID.String
	e.SealedAt = sealedAt.UTC()
	return &e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
