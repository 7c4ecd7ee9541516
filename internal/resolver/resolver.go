// Package resolver canonicalizes the free-text sender and receiver strings
// on ledger rows into Entity identities. Resolution is a narrowing search:
// exact match, case-insensitive match, then a token-limited candidate scan
// scored with sequence similarity. Upserts accumulate alternative spellings
// as aliases; the canonical name never changes after creation.
package resolver

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/textmatch"
)

// DefaultThreshold is the similarity cutoff for treating a candidate as the
// same party.
const DefaultThreshold = 0.85

const (
	// tokenMinLen is the smallest token worth narrowing on.
	tokenMinLen = 4
	// narrowedLimit caps candidates when a token filter applies.
	narrowedLimit = 100
	// fallbackLimit caps the scan when no token is long enough to filter.
	fallbackLimit = 200
	// lockShards partitions per-name write serialization.
	lockShards = 64
)

// Resolver performs fuzzy entity resolution against the store.
type Resolver struct {
	store  store.Store
	logger *log.Logger

	// locks serialize upserts per canonical name so two concurrent rows
	// naming the same new party cannot race into duplicate entities.
	locks [lockShards]sync.Mutex
}

// New creates a resolver over the given store.
func New(s store.Store) *Resolver {
	return &Resolver{
		store:  s,
		logger: log.New(log.Writer(), "[Resolver] ", log.LstdFlags),
	}
}

func (r *Resolver) shard(name string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	return &r.locks[h.Sum32()%lockShards]
}

// Resolve finds the existing entity for a name, nil when nothing scores at
// or above the threshold. A non-positive threshold applies the default.
func (r *Resolver) Resolve(ctx context.Context, projectID, name string, threshold float64) (*core.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	// Step 1: exact spelling.
	if e, err := r.store.GetEntityByName(ctx, projectID, name); err == nil {
		return e, nil
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("resolve exact: %w", err)
	}

	// Step 2: case-insensitive spelling.
	if e, err := r.store.GetEntityByNameFold(ctx, projectID, name); err == nil {
		return e, nil
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("resolve fold: %w", err)
	}

	// Step 3: narrow candidates on the longest usable token, then score.
	// Never a full-table scan: the candidate set is capped either way.
	token := textmatch.LongestToken(name, tokenMinLen)
	var (
		candidates []*core.Entity
		err        error
	)
	if token != "" {
		candidates, err = r.store.SearchEntitiesByToken(ctx, projectID, token, narrowedLimit)
	} else {
		candidates, err = r.store.ListEntities(ctx, projectID, fallbackLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve candidates: %w", err)
	}

	lower := strings.ToLower(name)
	var best *core.Entity
	bestScore := 0.0
	for _, c := range candidates {
		score := textmatch.Ratio(lower, strings.ToLower(c.Name))
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if best != nil && bestScore >= threshold {
		return best, nil
	}
	return nil, nil
}

// Upsert resolves a name and returns the matching entity, creating one when
// nothing resolves. When the resolved entity's canonical spelling differs
// from the input, the input is recorded as an alias. The account number, if
// given, is attached when the entity has none yet.
func (r *Resolver) Upsert(ctx context.Context, projectID, name, accountNumber string) (*core.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("resolver: empty name")
	}

	mu := r.shard(name)
	mu.Lock()
	defer mu.Unlock()

	existing, err := r.Resolve(ctx, projectID, name, DefaultThreshold)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		changed := false
		if existing.Name != name && existing.Metadata.AddAlias(name) {
			changed = true
		}
		if accountNumber != "" && existing.Metadata.AccountNumber == "" {
			existing.Metadata.AccountNumber = accountNumber
			changed = true
		}
		if changed {
			existing.UpdatedAt = time.Now().UTC()
			if err := r.store.UpdateEntity(ctx, existing); err != nil {
				return nil, fmt.Errorf("resolver update: %w", err)
			}
		}
		return existing, nil
	}

	now := time.Now().UTC()
	entity := &core.Entity{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Type:      classify(name, accountNumber),
		CreatedAt: now,
		UpdatedAt: now,
	}
	entity.Metadata.AccountNumber = accountNumber

	if err := r.store.CreateEntity(ctx, entity); err != nil {
		// A racing insert from another shard's project scope can still
		// conflict at the store; resolve again and use the winner.
		if store.IsConflict(err) {
			if e, rerr := r.store.GetEntityByName(ctx, projectID, name); rerr == nil {
				return e, nil
			}
		}
		return nil, fmt.Errorf("resolver create: %w", err)
	}
	return entity, nil
}

// RaiseRisk lifts the entity's risk score to at least floor and watchlists
// it when the result crosses 0.8. A no-op when the current score is higher.
func (r *Resolver) RaiseRisk(ctx context.Context, entityID string, floor float64) error {
	e, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if e.RiskScore >= floor {
		return nil
	}
	e.RiskScore = floor
	if e.RiskScore >= 0.8 {
		e.Watchlist = true
	}
	e.UpdatedAt = time.Now().UTC()
	return r.store.UpdateEntity(ctx, e)
}

// Recidivists returns same-named entities above the risk cutoff in other
// projects. Feeds the global recidivism trigger.
func (r *Resolver) Recidivists(ctx context.Context, name string, minRisk float64, excludeProjectID string) ([]*core.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	return r.store.ListRiskyEntitiesByName(ctx, name, minRisk, excludeProjectID)
}

// classify guesses the entity type from surface features of the name. The
// guess is deliberately coarse; investigators reclassify where it matters.
func classify(name, accountNumber string) core.EntityType {
	if accountNumber != "" {
		return core.EntityBankAccount
	}
	upper := strings.ToUpper(name)
	for _, marker := range []string{"PT ", "PT.", "CV ", "CV.", "UD ", "UD.", " TBK", " LTD", " INC", " CORP"} {
		if strings.Contains(upper, marker) || strings.HasPrefix(upper, strings.TrimSpace(marker)+" ") {
			return core.EntityCompany
		}
	}
	if strings.HasPrefix(upper, "UNKNOWN") {
		return core.EntityUnknown
	}
	return core.EntityPerson
}
