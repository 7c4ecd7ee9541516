package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// Temporal proximity scores for the asset nexus: a purchase within a month
// of suspect spending correlates strongly, within a quarter weakly.
const (
	nexusCloseDays   = 30
	nexusNearDays    = 90
	nexusCloseScore  = 0.9
	nexusNearScore   = 0.5
	nexusReportScore = 0.5 // correlations above this are published
)

// AssetNexus links one asset to the suspect spending that preceded or
// followed its purchase.
type AssetNexus struct {
	Asset        *core.Asset `json:"asset"`
	OwnerName    string      `json:"owner_name"`
	Proximity    float64     `json:"proximity"` // 0, 0.5, or 0.9
	NearestTxID  string      `json:"nearest_tx_id,omitempty"`
	NearestDelta int         `json:"nearest_delta_days"`
}

// RecoveryProfile summarizes what could be clawed back from the expanded
// suspect network.
type RecoveryProfile struct {
	SuspectCount int             `json:"suspect_count"`
	NetworkSize  int             `json:"network_size"` // suspects plus one-hop owners and holdings
	AssetCount   int             `json:"asset_count"`
	TotalValue   decimal.Decimal `json:"total_value"`
	FrozenValue  decimal.Decimal `json:"frozen_value"`
	Readiness    float64         `json:"readiness"` // frozen over total, percent
	Correlations []*AssetNexus   `json:"correlations"`
}

// AssetTemporalNexus expands the ownership graph one hop up and down from
// every suspect entity, then correlates the network's assets with suspect
// transactions by purchase-date proximity. Correlations above the reporting
// cutoff publish correlation events.
func (s *Service) AssetTemporalNexus(ctx context.Context, projectID string) (*RecoveryProfile, error) {
	suspects, err := s.store.ListEntitiesByMinRisk(ctx, projectID, s.cfg.NexusSuspectRisk)
	if err != nil {
		return nil, fmt.Errorf("graph: nexus suspects: %w", err)
	}

	network := make(map[string]*core.Entity, len(suspects))
	for _, e := range suspects {
		network[e.ID] = e
	}
	for _, suspect := range suspects {
		parents, err := s.store.ListParents(ctx, suspect.ID)
		if err != nil {
			return nil, fmt.Errorf("graph: nexus parents: %w", err)
		}
		children, err := s.store.ListChildren(ctx, suspect.ID)
		if err != nil {
			return nil, fmt.Errorf("graph: nexus children: %w", err)
		}
		for _, edge := range parents {
			s.addToNetwork(ctx, network, edge.ParentEntityID)
		}
		for _, edge := range children {
			s.addToNetwork(ctx, network, edge.ChildEntityID)
		}
	}

	ownerIDs := make([]string, 0, len(network))
	for id := range network {
		ownerIDs = append(ownerIDs, id)
	}
	sort.Strings(ownerIDs)

	assets, err := s.store.ListAssetsByOwners(ctx, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("graph: nexus assets: %w", err)
	}

	suspectTxs, err := s.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: projectID,
		MinRisk:   s.cfg.NexusSuspectRisk,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: nexus transactions: %w", err)
	}

	profile := &RecoveryProfile{
		SuspectCount: len(suspects),
		NetworkSize:  len(network),
		AssetCount:   len(assets),
		TotalValue:   decimal.Zero,
		FrozenValue:  decimal.Zero,
	}

	for _, asset := range assets {
		profile.TotalValue = profile.TotalValue.Add(asset.EstimatedValue)
		if asset.IsFrozen {
			profile.FrozenValue = profile.FrozenValue.Add(asset.EstimatedValue)
		}

		nexus := &AssetNexus{Asset: asset, NearestDelta: -1}
		if owner, ok := network[asset.OwnerEntityID]; ok {
			nexus.OwnerName = owner.Name
		}
		if asset.PurchaseDate != nil {
			nexus.Proximity, nexus.NearestTxID, nexus.NearestDelta = nearestSuspectTx(*asset.PurchaseDate, suspectTxs)
		}
		profile.Correlations = append(profile.Correlations, nexus)

		if nexus.Proximity > nexusReportScore {
			s.bus.Emit(ctx, events.CorrelationFound, projectID, map[string]interface{}{
				"correlation_type": "ASSET_TEMPORAL_NEXUS",
				"asset_id":         asset.ID,
				"owner":            nexus.OwnerName,
				"proximity":        nexus.Proximity,
				"nearest_tx_id":    nexus.NearestTxID,
				"delta_days":       nexus.NearestDelta,
			})
		}
	}

	if profile.TotalValue.Sign() > 0 {
		ratio, _ := profile.FrozenValue.Div(profile.TotalValue).Float64()
		profile.Readiness = ratio * 100
	}

	s.logger.Printf("💰 Project %s: %d network entities, %d assets, readiness %.1f%%",
		projectID, profile.NetworkSize, profile.AssetCount, profile.Readiness)
	return profile, nil
}

func (s *Service) addToNetwork(ctx context.Context, network map[string]*core.Entity, entityID string) {
	if _, ok := network[entityID]; ok {
		return
	}
	e, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		s.logger.Printf("⚠️ nexus entity %s unresolvable, skipping: %v", entityID, err)
		return
	}
	network[entityID] = e
}

// nearestSuspectTx scores a purchase date against the suspect spending
// timeline.
func nearestSuspectTx(purchase time.Time, txs []*core.Transaction) (float64, string, int) {
	best := -1
	bestID := ""
	for _, tx := range txs {
		delta := int(absDays(purchase.Sub(tx.EffectiveDate())))
		if best < 0 || delta < best {
			best = delta
			bestID = tx.ID
		}
	}
	switch {
	case best < 0:
		return 0, "", -1
	case best <= nexusCloseDays:
		return nexusCloseScore, bestID, best
	case best <= nexusNearDays:
		return nexusNearScore, bestID, best
	default:
		return 0, bestID, best
	}
}

func absDays(d time.Duration) float64 {
	days := d.Hours() / 24
	if days < 0 {
		return -days
	}
	return days
}
