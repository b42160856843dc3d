// Package metrics computes rolling aggregates over the append-only
// metric records and exports pipeline gauges to Prometheus.
package metrics

import (
	"context"
	"math"
	"sort"

	"github.com/imkarma/forge/internal/store"
)

// DefaultWindow is the number of most recent records a summary covers.
const DefaultWindow = 50

// Breakdown aggregates one slice of the window.
type Breakdown struct {
	Count       int     `json:"count"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	P50Seconds  float64 `json:"p50_seconds"`
	P95Seconds  float64 `json:"p95_seconds"`
}

// Summary is the rolling aggregate over the last Window records.
type Summary struct {
	Window int `json:"window"`
	Breakdown
	ByTaskType map[string]Breakdown `json:"by_task_type"`
	ByModel    map[string]Breakdown `json:"by_model"`
}

// RecordSource lists metric records, most recent first.
type RecordSource interface {
	RecentMetrics(ctx context.Context, limit int) ([]store.MetricRecord, error)
}

// Aggregator computes summaries on demand.
type Aggregator struct {
	src    RecordSource
	window int
}

// NewAggregator creates an aggregator over the given window size.
func NewAggregator(src RecordSource, window int) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{src: src, window: window}
}

// Window returns the configured window size.
func (a *Aggregator) Window() int { return a.window }

// Recent returns the records in the window, most recent first.
func (a *Aggregator) Recent(ctx context.Context) ([]store.MetricRecord, error) {
	return a.src.RecentMetrics(ctx, a.window)
}

// Summary aggregates the current window.
func (a *Aggregator) Summary(ctx context.Context) (*Summary, error) {
	records, err := a.Recent(ctx)
	if err != nil {
		return nil, err
	}
	return Summarize(records, a.window), nil
}

// Summarize aggregates an arbitrary record slice.
func Summarize(records []store.MetricRecord, window int) *Summary {
	byType := map[string][]store.MetricRecord{}
	byModel := map[string][]store.MetricRecord{}
	for _, r := range records {
		byType[string(r.TaskType)] = append(byType[string(r.TaskType)], r)
		byModel[r.Model] = append(byModel[r.Model], r)
	}

	s := &Summary{
		Window:     window,
		Breakdown:  breakdown(records),
		ByTaskType: make(map[string]Breakdown, len(byType)),
		ByModel:    make(map[string]Breakdown, len(byModel)),
	}
	for k, rs := range byType {
		s.ByTaskType[k] = breakdown(rs)
	}
	for k, rs := range byModel {
		s.ByModel[k] = breakdown(rs)
	}
	return s
}

func breakdown(records []store.MetricRecord) Breakdown {
	b := Breakdown{Count: len(records)}
	durations := make([]float64, 0, len(records))
	for _, r := range records {
		switch r.Status {
		case store.StatusCompleted:
			b.Completed++
		case store.StatusFailed:
			b.Failed++
		}
		durations = append(durations, r.DurationSeconds)
	}
	if b.Count > 0 {
		b.SuccessRate = float64(b.Completed) / float64(b.Count)
	}
	sort.Float64s(durations)
	b.P50Seconds = Percentile(durations, 50)
	b.P95Seconds = Percentile(durations, 95)
	return b
}

// Percentile returns the nearest-rank percentile of sorted values, or 0
// for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
