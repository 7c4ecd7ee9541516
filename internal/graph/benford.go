package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// BenfordResult tabulates first-digit frequencies against the logarithmic
// expectation. Deviation is the L1 distance between the two distributions.
type BenfordResult struct {
	SampleSize int        `json:"sample_size"`
	Observed   [9]float64 `json:"observed"` // index 0 = digit 1
	Expected   [9]float64 `json:"expected"`
	Deviation  float64    `json:"deviation"`
	Anomalous  bool       `json:"anomalous"`
}

// Benford analyzes the first-digit distribution of the project's nonzero
// amounts. Natural ledgers follow log10(1+1/d); fabricated figures drift.
// A deviation above the configured threshold persists an insight and
// publishes an anomaly event.
func (s *Service) Benford(ctx context.Context, projectID string) (*BenfordResult, error) {
	rows, err := s.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("graph: benford rows: %w", err)
	}

	var counts [9]int
	total := 0
	for _, tx := range rows {
		d := firstDigit(tx.ActualAmount)
		if d == 0 {
			continue
		}
		counts[d-1]++
		total++
	}

	result := &BenfordResult{SampleSize: total}
	for d := 1; d <= 9; d++ {
		result.Expected[d-1] = math.Log10(1 + 1/float64(d))
		if total > 0 {
			result.Observed[d-1] = float64(counts[d-1]) / float64(total)
		}
		result.Deviation += math.Abs(result.Observed[d-1] - result.Expected[d-1])
	}
	result.Anomalous = total > 0 && result.Deviation > s.cfg.BenfordThreshold

	if result.Anomalous {
		insight := &core.CopilotInsight{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			InsightType: "BENFORD_DEVIATION",
			Title:       "First-digit distribution deviates from Benford's law",
			Description: fmt.Sprintf("L1 deviation %.3f over %d amounts", result.Deviation, total),
			Confidence:  0.8,
			Data:        map[string]interface{}{"deviation": result.Deviation, "sample_size": total},
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.CreateInsight(ctx, insight); err != nil {
			s.logger.Printf("⚠️ benford insight not persisted: %v", err)
		}
		s.bus.Emit(ctx, events.AnomalyDetected, projectID, map[string]interface{}{
			"anomaly_type": "BENFORD_DEVIATION",
			"deviation":    result.Deviation,
			"sample_size":  total,
		})
	}
	return result, nil
}

// firstDigit returns the leading digit of |amount|, 0 for zero amounts.
func firstDigit(amount decimal.Decimal) int {
	f := math.Abs(amount.InexactFloat64())
	if f == 0 {
		return 0
	}
	for f >= 10 {
		f /= 10
	}
	for f < 1 {
		f *= 10
	}
	return int(f)
}

// Burst is one structuring window: several payments to the same receiver
// packed tightly enough to smell like threshold evasion.
type Burst struct {
	Receiver    string          `json:"receiver"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Count       int             `json:"count"`
	Total       decimal.Decimal `json:"total"`
}

// StructuringBursts slides the configured window over each receiver's
// payments and reports windows whose count and sum cross the smurfing
// thresholds. Each burst persists an insight.
func (s *Service) StructuringBursts(ctx context.Context, projectID string) ([]*Burst, error) {
	rows, err := s.store.ListTransactions(ctx, store.TransactionFilter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("graph: burst rows: %w", err)
	}

	byReceiver := make(map[string][]*core.Transaction)
	for _, tx := range rows {
		key := nodeKey(tx.ReceiverName)
		if key == "" {
			continue
		}
		byReceiver[key] = append(byReceiver[key], tx)
	}

	window := time.Duration(s.cfg.BurstWindowHours) * time.Hour
	minTotal := decimal.NewFromFloat(s.cfg.BurstMinTotal)

	receivers := make([]string, 0, len(byReceiver))
	for r := range byReceiver {
		receivers = append(receivers, r)
	}
	sort.Strings(receivers)

	var bursts []*Burst
	for _, receiver := range receivers {
		txs := byReceiver[receiver]
		sort.Slice(txs, func(i, j int) bool {
			return txs[i].EffectiveDate().Before(txs[j].EffectiveDate())
		})

		// One window per start row; overlapping hits collapse to the
		// earliest qualifying window.
		lastEnd := time.Time{}
		for i := range txs {
			start := txs[i].EffectiveDate()
			if start.Before(lastEnd) {
				continue
			}
			sum := decimal.Zero
			count := 0
			end := start
			for j := i; j < len(txs); j++ {
				if txs[j].EffectiveDate().Sub(start) > window {
					break
				}
				sum = sum.Add(txs[j].ActualAmount)
				count++
				end = txs[j].EffectiveDate()
			}
			if count >= s.cfg.BurstMinCount && sum.GreaterThanOrEqual(minTotal) {
				bursts = append(bursts, &Burst{
					Receiver:    txs[i].ReceiverName,
					WindowStart: start,
					WindowEnd:   end,
					Count:       count,
					Total:       sum,
				})
				lastEnd = end
			}
		}
	}

	for _, b := range bursts {
		insight := &core.CopilotInsight{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			InsightType: "SMURFING",
			Title:       fmt.Sprintf("Structuring burst toward %s", b.Receiver),
			Description: fmt.Sprintf("%d payments totalling %s within %dh", b.Count, b.Total.StringFixed(2), s.cfg.BurstWindowHours),
			Confidence:  0.85,
			Data: map[string]interface{}{
				"receiver": b.Receiver,
				"count":    b.Count,
				"total":    b.Total.InexactFloat64(),
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateInsight(ctx, insight); err != nil {
			s.logger.Printf("⚠️ smurfing insight not persisted: %v", err)
		}
		s.bus.Emit(ctx, events.PatternIdentified, projectID, map[string]interface{}{
			"pattern_type": "SMURFING",
			"receiver":     b.Receiver,
			"count":        b.Count,
			"total":        b.Total.InexactFloat64(),
			"risk_level":   0.85,
		})
	}
	return bursts, nil
}
