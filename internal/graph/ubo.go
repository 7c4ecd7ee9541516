package graph

import (
	"context"
	"fmt"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
)

// UBOCandidate is one person found at the top of an ownership chain.
// EffectiveStake is the multiplied-through percentage of the target the
// person ultimately holds; Depth counts edges from the target.
type UBOCandidate struct {
	EntityID       string                `json:"entity_id"`
	Name           string                `json:"name"`
	Relationship   core.RelationshipType `json:"relationship_type"`
	EffectiveStake float64               `json:"effective_stake"` // 0..100
	IsUBOCandidate bool                  `json:"is_ubo_candidate"`
	Depth          int                   `json:"depth"`
	Via            []string              `json:"via,omitempty"` // intermediate company names, target first
}

// ResolveUBO walks the ownership graph upward from a target entity and
// returns the people behind it. Company parents are recursed with stakes
// multiplied through; a visited set guards against ownership loops and the
// depth cap bounds pathological chains. A person qualifies as a UBO
// candidate with an effective stake at or above the configured percentage,
// or through any non-shareholder control relationship. Each candidate
// publishes a correlation event.
func (s *Service) ResolveUBO(ctx context.Context, entityID string) ([]*UBOCandidate, error) {
	target, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("graph: ubo target: %w", err)
	}

	visited := map[string]bool{entityID: true}
	var out []*UBOCandidate
	if err := s.climb(ctx, entityID, 100, 0, nil, visited, &out); err != nil {
		return nil, err
	}

	for _, c := range out {
		if !c.IsUBOCandidate {
			continue
		}
		s.bus.Emit(ctx, events.CorrelationFound, target.ProjectID, map[string]interface{}{
			"correlation_type": "BENEFICIAL_OWNER",
			"target_entity":    target.Name,
			"owner_entity":     c.Name,
			"effective_stake":  c.EffectiveStake,
			"depth":            c.Depth,
		})
	}

	s.logger.Printf("🏛️ Entity %s: %d owners resolved", target.Name, len(out))
	return out, nil
}

// climb recurses one level of parents. carriedStake is the percentage of
// the original target that the current entity represents (100 at the root).
func (s *Service) climb(
	ctx context.Context,
	entityID string,
	carriedStake float64,
	depth int,
	via []string,
	visited map[string]bool,
	out *[]*UBOCandidate,
) error {
	if depth >= s.cfg.UBOMaxDepth {
		return nil
	}

	parents, err := s.store.ListParents(ctx, entityID)
	if err != nil {
		return fmt.Errorf("graph: ubo parents of %s: %w", entityID, err)
	}

	for _, edge := range parents {
		if visited[edge.ParentEntityID] {
			continue
		}
		parent, err := s.store.GetEntity(ctx, edge.ParentEntityID)
		if err != nil {
			s.logger.Printf("⚠️ ubo parent %s unresolvable, skipping: %v", edge.ParentEntityID, err)
			continue
		}

		stake := edge.StakePercentage
		effective := carriedStake * stake / 100

		if parent.Type == core.EntityPerson {
			*out = append(*out, &UBOCandidate{
				EntityID:       parent.ID,
				Name:           parent.Name,
				Relationship:   edge.Relationship,
				EffectiveStake: effective,
				IsUBOCandidate: effective >= s.cfg.UBOStakePercent || edge.Relationship != core.RelShareholder,
				Depth:          depth + 1,
				Via:            append([]string(nil), via...),
			})
			continue
		}

		visited[parent.ID] = true
		nextVia := append(append([]string(nil), via...), parent.Name)
		if err := s.climb(ctx, parent.ID, effective, depth+1, nextVia, visited, out); err != nil {
			return err
		}
	}
	return nil
}
