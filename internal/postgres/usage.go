package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/branchchat/branchd/internal/usage"
)

// RecordUsage implements usage.Store.
func (s *Store) RecordUsage(ctx context.Context, rec usage.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_usage (user_id, endpoint, method, requested_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.UserID, rec.Endpoint, rec.Method, rec.At)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

// UsageCounts implements usage.Store, aggregating in the database.
func (s *Store) UsageCounts(ctx context.Context, userID string, start, end time.Time) (map[string]map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT endpoint, method, COUNT(*)
		 FROM api_usage
		 WHERE user_id = $1 AND requested_at >= $2 AND requested_at < $3
		 GROUP BY endpoint, method`, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}
	defer rows.Close()

	counts := map[string]map[string]int{}
	for rows.Next() {
		var endpoint, method string
		var n int64
		if err := rows.Scan(&endpoint, &method, &n); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		if counts[endpoint] == nil {
			counts[endpoint] = map[string]int{}
		}
		counts[endpoint][method] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return counts, nil
}
