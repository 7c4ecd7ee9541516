package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
)

// RegistryStore persists sealed-artifact entries. Implementations: Postgres
// (default), Supabase, and the in-memory store for tests.
type RegistryStore interface {
	AppendEntry(ctx context.Context, e *core.RegistryEntry) error
	LastEntry(ctx context.Context, projectID string) (*core.RegistryEntry, error)
	GetByFileHash(ctx context.Context, fileHash string) (*core.RegistryEntry, error)
	ListEntries(ctx context.Context, projectID string) ([]*core.RegistryEntry, error)
}

// Anchorer submits a hash to an external anchor. Anchor must be idempotent;
// an empty id with nil error means "registry-only".
type Anchorer interface {
	Anchor(ctx context.Context, hash string) (string, error)
}

// SealRequest names the artifact being sealed.
type SealRequest struct {
	ProjectID  string
	EntityType core.RegistryEntityType
	EntityID   string
	SealedBy   string
}

// Registry is the sealed-artifact ledger. Entries chain per project; an
// optional anchorer attaches an external anchor id to each seal.
type Registry struct {
	entries  RegistryStore
	audit    *ChainLogger
	anchorer Anchorer // nil = registry-only
	logger   *log.Logger
}

// NewRegistry builds a registry. anchorer may be nil.
func NewRegistry(entries RegistryStore, audit *ChainLogger, anchorer Anchorer) *Registry {
	return &Registry{
		entries:  entries,
		audit:    audit,
		anchorer: anchorer,
		logger:   log.New(log.Writer(), "[Registry] ", log.LstdFlags),
	}
}

// canonicalEntry clears the signature fields for hashing.
func canonicalEntry(e *core.RegistryEntry) ([]byte, error) {
	clone := *e
	clone.PreviousHash = ""
	clone.HashSignature = ""
	clone.AnchorID = ""
	return json.Marshal(&clone)
}

func signEntry(prev string, e *core.RegistryEntry) (string, error) {
	canon, err := canonicalEntry(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(prev), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// Seal hashes the artifact bytes, appends a chained registry entry, writes
// the audit-chain record, and anchors the hash when an anchorer is wired.
// Anchor failures degrade to registry-only with a logged warning.
func (r *Registry) Seal(ctx context.Context, artifact []byte, req SealRequest) (*core.RegistryEntry, error) {
	if len(artifact) == 0 {
		return nil, fmt.Errorf("registry: empty artifact")
	}
	fileSum := sha256.Sum256(artifact)

	entry := &core.RegistryEntry{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		FileHash:   hex.EncodeToString(fileSum[:]),
		SealedAt:   time.Now().UTC(),
		SealedBy:   req.SealedBy,
	}

	prev := GenesisHash
	last, err := r.entries.LastEntry(ctx, req.ProjectID)
	if err == nil {
		prev = last.HashSignature
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("registry previous: %w", err)
	}
	entry.PreviousHash = prev

	sig, err := signEntry(prev, entry)
	if err != nil {
		return nil, fmt.Errorf("registry sign: %w", err)
	}
	entry.HashSignature = sig

	if r.anchorer != nil {
		anchorID, err := r.anchorer.Anchor(ctx, entry.FileHash)
		if err != nil {
			r.logger.Printf("⚠️ anchor failed for %s, registry-only: %v", entry.EntityID, err)
		} else {
			entry.AnchorID = anchorID
		}
	}

	if err := r.entries.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("registry append: %w", err)
	}

	if err := r.audit.Append(ctx, &core.AuditLog{
		ProjectID:  req.ProjectID,
		EntityType: "registry",
		EntityID:   req.ProjectID,
		Action:     "SEAL_ARTIFACT",
		FieldName:  "file_hash",
		NewValue:   entry.FileHash,
		ActorID:    req.SealedBy,
		Reason:     string(req.EntityType) + " " + req.EntityID,
	}); err != nil {
		return nil, fmt.Errorf("registry audit: %w", err)
	}

	return entry, nil
}

// Verify looks up a previously sealed hash. ErrNotFound when the hash was
// never sealed.
func (r *Registry) Verify(ctx context.Context, fileHash string) (*core.RegistryEntry, error) {
	return r.entries.GetByFileHash(ctx, fileHash)
}

// VerifyChain recomputes the project's registry chain. Returns (true, -1)
// when intact, (false, i) at the first broken link.
func (r *Registry) VerifyChain(ctx context.Context, projectID string) (bool, int, error) {
	entries, err := r.entries.ListEntries(ctx, projectID)
	if err != nil {
		return false, -1, err
	}
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return false, i, nil
		}
		sig, err := signEntry(prev, e)
		if err != nil {
			return false, i, err
		}
		if sig != e.HashSignature {
			return false, i, nil
		}
		prev = e.HashSignature
	}
	return true, -1, nil
}
