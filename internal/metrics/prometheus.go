package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/imkarma/forge/internal/store"
)

// Gauges are the pipeline metrics exported on /metrics.
type Gauges struct {
	// Tasks is the number of tasks by status.
	// Labels: status
	Tasks *prometheus.GaugeVec

	// Attention is 1 while a monitor condition is active.
	// Labels: condition (stuck, repeated_failures, low_success_rate)
	Attention *prometheus.GaugeVec

	SuccessRate prometheus.Gauge
	P95Seconds  prometheus.Gauge

	// Blocked is 1 while the scheduler waits on a decision.
	Blocked prometheus.Gauge

	// Claims counts claim attempts by result (ok, conflict, error).
	Claims *prometheus.CounterVec
}

// NewGauges registers the pipeline gauges with reg.
func NewGauges(reg prometheus.Registerer) *Gauges {
	f := promauto.With(reg)
	return &Gauges{
		Tasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "store",
			Name:      "tasks",
			Help:      "Number of tasks by status",
		}, []string{"status"}),
		Attention: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "monitor",
			Name:      "attention",
			Help:      "Active pipeline health conditions (1=active)",
		}, []string{"condition"}),
		SuccessRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "metrics",
			Name:      "success_rate",
			Help:      "Success rate over the rolling metrics window",
		}),
		P95Seconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "metrics",
			Name:      "duration_p95_seconds",
			Help:      "95th percentile task duration over the rolling metrics window",
		}),
		Blocked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "scheduler",
			Name:      "blocked",
			Help:      "Whether the scheduler is blocked on a decision (1=blocked)",
		}),
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "worker",
			Name:      "claims_total",
			Help:      "Claim attempts by result",
		}, []string{"result"}),
	}
}

// ObserveCounts sets the per-status task gauges. Statuses missing from
// counts are reported as zero.
func (g *Gauges) ObserveCounts(counts map[store.TaskStatus]int) {
	if g == nil {
		return
	}
	for _, st := range []store.TaskStatus{
		store.StatusPending, store.StatusRunning, store.StatusCompleted,
		store.StatusFailed, store.StatusNeedsDecision,
	} {
		g.Tasks.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	g.Blocked.Set(boolGauge(counts[store.StatusNeedsDecision] > 0))
}

// ObserveSummary updates the rolling aggregate gauges.
func (g *Gauges) ObserveSummary(s *Summary) {
	if g == nil || s == nil {
		return
	}
	g.SuccessRate.Set(s.SuccessRate)
	g.P95Seconds.Set(s.P95Seconds)
}

// ObserveAttention sets one gauge per condition.
func (g *Gauges) ObserveAttention(active map[string]bool) {
	if g == nil {
		return
	}
	for cond, on := range active {
		g.Attention.WithLabelValues(cond).Set(boolGauge(on))
	}
}

// ObserveClaim counts a claim attempt.
func (g *Gauges) ObserveClaim(result string) {
	if g == nil {
		return
	}
	g.Claims.WithLabelValues(result).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
