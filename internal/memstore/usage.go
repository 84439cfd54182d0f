package memstore

import (
	"context"
	"time"

	"github.com/branchchat/branchd/internal/usage"
)

// RecordUsage implements usage.Store.
func (s *Store) RecordUsage(_ context.Context, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage = append(s.usage, rec)
	return nil
}

// UsageCounts implements usage.Store, aggregating records in [start, end).
func (s *Store) UsageCounts(_ context.Context, userID string, start, end time.Time) (map[string]map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]map[string]int{}
	for _, rec := range s.usage {
		if rec.UserID != userID || rec.At.Before(start) || !rec.At.Before(end) {
			continue
		}
		if counts[rec.Endpoint] == nil {
			counts[rec.Endpoint] = map[string]int{}
		}
		counts[rec.Endpoint][rec.Method]++
	}
	return counts, nil
}
