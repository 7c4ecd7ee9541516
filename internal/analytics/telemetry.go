package analytics

import (
	"context"
	"fmt"
	"strings"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/events"
)

// RecordQuery tracks one operator query against an engagement. Repeat
// queries bump the frequency counter, so QuerySuggestions can rank what an
// operator actually reaches for.
func (s *Service) RecordQuery(ctx context.Context, userID, projectID, queryText, queryContext string, success bool) (*core.UserQueryPattern, error) {
	queryText = strings.TrimSpace(queryText)
	if userID == "" || queryText == "" {
		return nil, fmt.Errorf("record query: user and query text are required")
	}

	pattern, err := s.store.RecordQueryPattern(ctx, userID, projectID, queryText, queryContext, success)
	if err != nil {
		return nil, fmt.Errorf("record query: %w", err)
	}

	s.bus.EmitUser(ctx, events.SQLQueryExecuted, userID, projectID, map[string]interface{}{
		"query_text": queryText,
		"context":    queryContext,
		"success":    success,
		"frequency":  pattern.Frequency,
	})
	return pattern, nil
}

// QuerySuggestions returns the operator's most-used queries for a project,
// frequency-ranked.
func (s *Service) QuerySuggestions(ctx context.Context, userID, projectID string, limit int) ([]*core.UserQueryPattern, error) {
	if limit <= 0 {
		limit = 10
	}
	patterns, err := s.store.TopQueryPatterns(ctx, userID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	return patterns, nil
}
