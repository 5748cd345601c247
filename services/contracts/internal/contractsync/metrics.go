package contractsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	runResultSuccess = "success"
	runResultPartial = "partial"
	runResultFailed  = "failed"
	runResultEmpty   = "empty"

	syncResultSuccess = "success"
	syncResultFailure = "failure"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	Registry          *prometheus.Registry
	RunsCounter       *prometheus.CounterVec
	SkippedRuns       prometheus.Counter
	ContractSyncs     *prometheus.CounterVec
	ManualSyncs       *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	LastSuccessfulRun prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registerer := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		RunsCounter: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "civitas_contract_sync_runs_total",
			Help: "Scheduled sync runs by outcome",
		}, []string{"result"}),
		SkippedRuns: registerer.NewCounter(prometheus.CounterOpts{
			Name: "civitas_contract_sync_runs_skipped_total",
			Help: "Scheduled ticks skipped because the previous run was still in progress",
		}),
		ContractSyncs: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "civitas_contract_syncs_total",
			Help: "Individual contract state syncs by template and outcome",
		}, []string{"template_id", "result"}),
		ManualSyncs: registerer.NewCounterVec(prometheus.CounterOpts{
			Name: "civitas_contract_manual_syncs_total",
			Help: "Manual sync requests by state and event sync outcome",
		}, []string{"state", "events"}),
		RunDuration: registerer.NewHistogram(prometheus.HistogramOpts{
			Name:    "civitas_contract_sync_run_duration_seconds",
			Help:    "Wall time of a scheduled sync run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		LastSuccessfulRun: registerer.NewGauge(prometheus.GaugeOpts{
			Name: "civitas_contract_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last scheduled run in which every contract synced",
		}),
	}
}

func (m *Metrics) ObserveRun(result string, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.RunsCounter.WithLabelValues(result).Inc()
	m.RunDuration.Observe(took.Seconds())
	if result == runResultSuccess {
		m.LastSuccessfulRun.Set(float64(at.Unix()))
	}
}

func (m *Metrics) IncSkippedRun() {
	if m == nil {
		return
	}
	m.SkippedRuns.Inc()
}

func (m *Metrics) IncContractSync(templateID, result string) {
	if m == nil {
		return
	}
	m.ContractSyncs.WithLabelValues(templateID, result).Inc()
}

func (m *Metrics) IncManualSync(state SyncState, events EventsState) {
	if m == nil {
		return
	}
	m.ManualSyncs.WithLabelValues(string(state), string(events)).Inc()
}
