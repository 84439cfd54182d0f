// Package usage accounts API requests per user and builds the
// date-ranged reports served by GET /api/v1/usage.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DateFormat is the wire format of report date bounds.
const DateFormat = "2006-01-02"

// Record is one counted API request.
type Record struct {
	UserID   string
	Endpoint string
	Method   string
	At       time.Time
}

// Store persists usage records, implemented by internal/memstore and
// internal/postgres.
type Store interface {
	RecordUsage(ctx context.Context, rec Record) error

	// UsageCounts aggregates requests in [start, end) for one user as
	// endpoint → method → count.
	UsageCounts(ctx context.Context, userID string, start, end time.Time) (map[string]map[string]int, error)
}

// EndpointStats is the per-endpoint slice entry of a Report.
type EndpointStats struct {
	Endpoint string         `json:"endpoint"`
	Methods  map[string]int `json:"methods"`
}

// Report is the response of the usage endpoint.
type Report struct {
	UserID        string          `json:"user_id"`
	StartDate     string          `json:"start_date"`
	EndDate       string          `json:"end_date"`
	TotalRequests int             `json:"total_requests"`
	ByEndpoint    []EndpointStats `json:"by_endpoint"`
}

// Recorder counts requests and assembles reports.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder. logger may be nil.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record counts one request. Accounting failures are logged, never
// propagated: a broken usage table must not take down the API.
func (r *Recorder) Record(ctx context.Context, userID, endpoint, method string) {
	if userID == "" || endpoint == "" {
		return
	}
	rec := Record{UserID: userID, Endpoint: endpoint, Method: method, At: time.Now().UTC()}
	if err := r.store.RecordUsage(ctx, rec); err != nil {
		r.logger.Warn("failed to record api usage", "endpoint", endpoint, "error", err)
	}
}

// Report aggregates the user's requests for days start..end inclusive.
// Endpoints are sorted for deterministic output.
func (r *Recorder) Report(ctx context.Context, userID string, start, end time.Time) (*Report, error) {
	counts, err := r.store.UsageCounts(ctx, userID, start, end.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}

	report := &Report{
		UserID:     userID,
		StartDate:  start.Format(DateFormat),
		EndDate:    end.Format(DateFormat),
		ByEndpoint: []EndpointStats{},
	}
	endpoints := make([]string, 0, len(counts))
	for ep := range counts {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)
	for _, ep := range endpoints {
		report.ByEndpoint = append(report.ByEndpoint, EndpointStats{Endpoint: ep, Methods: counts[ep]})
		for _, n := range counts[ep] {
			report.TotalRequests += n
		}
	}
	return report, nil
}
