// Package integrity maintains the engine's tamper-evident records: the
// per-entity audit-log hash chain and the per-project sealed-artifact
// registry. Every signature is SHA-256 over the previous link's signature
// concatenated with the canonical JSON of the record, signature fields
// cleared, so recomputing the chain reproduces it or pinpoints the break.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
)

// GenesisHash seeds every chain: 64 zeros stand in for the signature of a
// link with no predecessor.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalAudit is the audit record with its signature fields cleared,
// marshaled with a fixed field order for hashing.
func canonicalAudit(e *core.AuditLog) ([]byte, error) {
	clone := *e
	clone.PreviousHash = ""
	clone.HashSignature = ""
	return json.Marshal(&clone)
}

// signAudit computes H(prev ‖ canonical(record)).
func signAudit(prev string, e *core.AuditLog) (string, error) {
	canon, err := canonicalAudit(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(prev), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// ChainLogger appends audit entries, linking each to the previous entry for
// the same (entity_type, entity_id). Appends for one entity must go through
// one logger path; the store's transaction scope provides the
// linearizability.
type ChainLogger struct {
	store store.AuditStore
}

// NewChainLogger builds a logger over the audit store.
func NewChainLogger(s store.AuditStore) *ChainLogger {
	return &ChainLogger{store: s}
}

// Append fills the entry's id, timestamp, previous hash, and signature,
// then persists it. The caller supplies everything else.
func (l *ChainLogger) Append(ctx context.Context, entry *core.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	prev := GenesisHash
	last, err := l.store.LastAuditLog(ctx, entry.EntityType, entry.EntityID)
	if err == nil {
		prev = last.HashSignature
	} else if !store.IsNotFound(err) {
		return fmt.Errorf("chain previous: %w", err)
	}
	entry.PreviousHash = prev

	sig, err := signAudit(prev, entry)
	if err != nil {
		return fmt.Errorf("chain sign: %w", err)
	}
	entry.HashSignature = sig

	return l.store.AppendAuditLog(ctx, entry)
}

// VerifyAuditChain recomputes every signature for one entity. Returns
// (true, -1) for an intact chain, (false, i) for the first broken link.
func VerifyAuditChain(ctx context.Context, s store.AuditStore, entityType, entityID string) (bool, int, error) {
	entries, err := s.ListAuditLogs(ctx, entityType, entityID)
	if err != nil {
		return false, -1, err
	}
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return false, i, nil
		}
		sig, err := signAudit(prev, e)
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
