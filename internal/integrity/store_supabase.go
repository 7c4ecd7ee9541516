package integrity

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
)

// SupabaseRegistryStore persists registry entries through the Supabase REST
// surface, for deployments that keep the sealed ledger in a managed
// Postgres separate from the engine's own database.
type SupabaseRegistryStore struct {
	client *supabase.Client
	logger *log.Logger
}

// NewSupabaseRegistryStore connects using the given project URL and service
// key.
func NewSupabaseRegistryStore(url, serviceKey string) (*SupabaseRegistryStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase registry: url and service key are required")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase registry: %w", err)
	}
	return &SupabaseRegistryStore{
		client: client,
		logger: log.New(log.Writer(), "[Registry:Supabase] ", log.LstdFlags),
	}, nil
}

// registryRow mirrors the integrity_registry table. Timestamps travel as
// RFC3339 strings, the Supabase wire convention.
type registryRow struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	FileHash      string `json:"file_hash"`
	PreviousHash  string `json:"previous_hash"`
	HashSignature string `json:"hash_signature"`
	AnchorID      string `json:"anchor_id,omitempty"`
	SealedAt      string `json:"sealed_at"`
	SealedBy      string `json:"sealed_by"`
}

func toRow(e *core.RegistryEntry) registryRow {
	return registryRow{
		ID:            e.ID,
		ProjectID:     e.ProjectID,
		EntityType:    string(e.EntityType),
		EntityID:      e.EntityID,
		FileHash:      e.FileHash,
		PreviousHash:  e.PreviousHash,
		HashSignature: e.HashSignature,
		AnchorID:      e.AnchorID,
		SealedAt:      e.SealedAt.Format(time.RFC3339Nano),
		SealedBy:      e.SealedBy,
	}
}

func fromRow(r registryRow) (*core.RegistryEntry, error) {
	sealedAt, err := time.Parse(time.RFC3339Nano, r.SealedAt)
	if err != nil {
		// Supabase may truncate fractional seconds.
		sealedAt, err = time.Parse(time.RFC3339, r.SealedAt)
		if err != nil {
			return nil, fmt.Errorf("registry sealed_at %q: %w", r.SealedAt, err)
		}
	}
	return &core.RegistryEntry{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		EntityType:    core.RegistryEntityType(r.EntityType),
		EntityID:      r.EntityID,
		FileHash:      r.FileHash,
		PreviousHash:  r.PreviousHash,
		HashSignature: r.HashSignature,
		AnchorID:      r.AnchorID,
		SealedAt:      sealedAt.UTC(),
		SealedBy:      r.SealedBy,
	}, nil
}

func (s *SupabaseRegistryStore) AppendEntry(_ context.Context, e *core.RegistryEntry) error {
	var result []registryRow
	_, err := s.client.From("integrity_registry").
		Insert(toRow(e), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		s.logger.Printf("append %s failed: %v", e.ID, err)
		return fmt.Errorf("supabase append: %w", err)
	}
	return nil
}

func (s *SupabaseRegistryStore) LastEntry(_ context.Context, projectID string) (*core.RegistryEntry, error) {
	var rows []registryRow
	_, err := s.client.From("integrity_registry").
		Select("*", "", false).
		Eq("project_id", projectID).
		Order("sealed_at", nil).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("supabase last: %w", err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return fromRow(rows[0])
}

func (s *SupabaseRegistryStore) GetByFileHash(_ context.Context, fileHash string) (*core.RegistryEntry, error) {
	var rows []registryRow
	_, err := s.client.From("integrity_registry").
		Select("*", "", false).
		Eq("file_hash", fileHash).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("supabase get: %w", err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return fromRow(rows[0])
}

func (s *SupabaseRegistryStore) ListEntries(_ context.Context, projectID string) ([]*core.RegistryEntry, error) {
	var rows []registryRow
	_, err := s.client.From("integrity_registry").
		Select("*", "", false).
		Eq("project_id", projectID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("supabase list: %w", err)
	}
	out := make([]*core.RegistryEntry, 0, len(rows))
	for _, r := range rows {
		e, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	// Chain order is append order; sealed_at is monotonic per project.
	sort.Slice(out, func(i, j int) bool { return out[i].SealedAt.Before(out[j].SealedAt) })
	return out, nil
}
