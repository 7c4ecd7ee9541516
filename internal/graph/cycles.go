package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/store"
)

// Cycle is one detected circular flow. Path holds the party names along the
// loop, first node repeated at the end; Depth counts edges.
type Cycle struct {
	Path      []string        `json:"path"`
	Depth     int             `json:"depth"`
	MinFlow   decimal.Decimal `json:"min_flow"` // thinnest edge along the loop
	RiskScore float64         `json:"risk_score"`
}

type flowEdge struct {
	to     string
	amount decimal.Decimal
}

// DetectCycles searches the project's payment graph for circular flows:
// bounded DFS over edges at or above the configured minimum amount, up to
// the depth cap, pruning any extension that revisits a node other than the
// start. Cycles are deduplicated under rotation, so shuffled input produces
// the same set. At most the configured limit is returned, thickest loop
// first, and each detection publishes a correlation event.
func (s *Service) DetectCycles(ctx context.Context, projectID string) ([]*Cycle, error) {
	minAmount := decimal.NewFromFloat(s.cfg.CycleMinAmount)
	rows, err := s.store.ListTransactions(ctx, store.TransactionFilter{
		ProjectID: projectID,
		MinAmount: minAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: cycle rows: %w", err)
	}

	adjacency := make(map[string][]flowEdge)
	display := make(map[string]string)
	for _, tx := range rows {
		from := nodeKey(tx.SenderName)
		to := nodeKey(tx.ReceiverName)
		if from == "" || to == "" || from == to {
			continue
		}
		adjacency[from] = append(adjacency[from], flowEdge{to: to, amount: tx.ActualAmount})
		if _, ok := display[from]; !ok {
			display[from] = strings.TrimSpace(tx.SenderName)
		}
		if _, ok := display[to]; !ok {
			display[to] = strings.TrimSpace(tx.ReceiverName)
		}
	}

	// Deterministic traversal regardless of map and input order.
	starts := make([]string, 0, len(adjacency))
	for node, edges := range adjacency {
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].to != edges[j].to {
				return edges[i].to < edges[j].to
			}
			return edges[i].amount.GreaterThan(edges[j].amount)
		})
		starts = append(starts, node)
	}
	sort.Strings(starts)

	seen := make(map[string]bool)
	var cycles []*Cycle
	for _, start := range starts {
		s.walk(start, start, []string{start}, decimal.Decimal{}, adjacency, seen, &cycles)
	}

	sort.Slice(cycles, func(i, j int) bool {
		if !cycles[i].MinFlow.Equal(cycles[j].MinFlow) {
			return cycles[i].MinFlow.GreaterThan(cycles[j].MinFlow)
		}
		return strings.Join(cycles[i].Path, ">") < strings.Join(cycles[j].Path, ">")
	})
	if len(cycles) > s.cfg.CycleLimit {
		cycles = cycles[:s.cfg.CycleLimit]
	}

	for i := range cycles {
		path := make([]string, len(cycles[i].Path))
		for j, key := range cycles[i].Path {
			path[j] = display[key]
		}
		cycles[i].Path = path

		s.bus.Emit(ctx, events.CorrelationFound, projectID, map[string]interface{}{
			"correlation_type": "CIRCULAR_FLOW",
			"path":             path,
			"depth":            cycles[i].Depth,
			"min_flow":         cycles[i].MinFlow.InexactFloat64(),
			"risk_score":       cycles[i].RiskScore,
		})
	}

	s.logger.Printf("🔄 Project %s: %d circular flows detected", projectID, len(cycles))
	return cycles, nil
}

// walk extends the path one edge at a time. minFlow zero-value means "no
// edge taken yet".
func (s *Service) walk(
	start, current string,
	path []string,
	minFlow decimal.Decimal,
	adjacency map[string][]flowEdge,
	seen map[string]bool,
	cycles *[]*Cycle,
) {
	depth := len(path) - 1
	if depth >= s.cfg.CycleMaxDepth {
		return
	}

	for _, edge := range adjacency[current] {
		flow := edge.amount
		if depth > 0 && minFlow.LessThan(flow) {
			flow = minFlow
		}

		if edge.to == start {
			cycleDepth := depth + 1
			if cycleDepth < 2 {
				continue
			}
			closed := append(append([]string{}, path...), start)
			key := rotationKey(closed)
			if seen[key] {
				continue
			}
			seen[key] = true
			*cycles = append(*cycles, &Cycle{
				Path:      closed,
				Depth:     cycleDepth,
				MinFlow:   flow,
				RiskScore: cycleRisk(cycleDepth),
			})
			continue
		}

		if onPath(path, edge.to) {
			continue
		}
		extended := make([]string, len(path)+1)
		copy(extended, path)
		extended[len(path)] = edge.to
		s.walk(start, edge.to, extended, flow, adjacency, seen, cycles)
	}
}

// cycleRisk grades a loop by its length: longer chains mean more deliberate
// layering.
func cycleRisk(depth int) float64 {
	if depth <= 2 {
		return 0.75
	}
	risk := 0.8 + 0.05*float64(depth)
	if risk > 0.99 {
		risk = 0.99
	}
	return risk
}

// rotationKey canonicalizes a closed path (first == last) so rotations of
// the same loop collapse to one key.
func rotationKey(closed []string) string {
	loop := closed[:len(closed)-1]
	minIdx := 0
	for i := 1; i < len(loop); i++ {
		if loop[i] < loop[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]string, 0, len(loop))
	for i := 0; i < len(loop); i++ {
		rotated = append(rotated, loop[(minIdx+i)%len(loop)])
	}
	return strings.Join(rotated, ">")
}

func onPath(path []string, node string) bool {
	for _, p := range path {
		if p == node {
			return true
		}
	}
	return false
}

func nodeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
