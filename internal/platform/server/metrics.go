package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wizardbeardstudio/open-escrow-go/internal/platform/ledger"
)

const metricsNamespace = "open_escrow"

type Metrics struct {
	transfersTotal       *prometheus.CounterVec
	conflictRetriesTotal *prometheus.CounterVec
	sweepRunsTotal       *prometheus.CounterVec
	holdsClosedTotal     *prometheus.CounterVec
	sweepFailuresTotal   prometheus.Counter
	sweepLastUnlocked    prometheus.Gauge
	sweepLastRunUnix     prometheus.Gauge
	settlementsTotal     *prometheus.CounterVec
	withdrawalsTotal     *prometheus.CounterVec
	integrityTotal       *prometheus.CounterVec
	holdsFrozen          prometheus.Gauge
	holdsOverdue         prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		transfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "transfers_total",
				Help:      "Total ledger units partitioned by action and result class.",
			},
			[]string{"action", "result"},
		),
		conflictRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "conflict_retries_total",
				Help:      "Total retries after a transient storage conflict.",
			},
			[]string{"action"},
		),
		sweepRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweeper",
				Name:      "runs_total",
				Help:      "Total unlock sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		holdsClosedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "escrow",
				Name:      "holds_closed_total",
				Help:      "Total holds closed partitioned by disposition.",
			},
			[]string{"disposition"},
		),
		sweepFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweeper",
				Name:      "hold_failures_total",
				Help:      "Total due holds the sweeper failed to unlock.",
			},
		),
		sweepLastUnlocked: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweeper",
				Name:      "last_unlocked",
				Help:      "Number of holds unlocked in the most recent sweep.",
			},
		),
		sweepLastRunUnix: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweeper",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
		settlementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "settlement",
				Name:      "callbacks_total",
				Help:      "Total payment confirmations partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		withdrawalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "withdrawal",
				Name:      "transitions_total",
				Help:      "Total withdrawal transitions partitioned by target status.",
			},
			[]string{"status"},
		),
		integrityTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "integrity_violations_total",
				Help:      "Total integrity violations by check.",
			},
			[]string{"check"},
		),
		holdsFrozen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "escrow",
				Name:      "holds_frozen",
				Help:      "Current count of FROZEN holds.",
			},
		),
		holdsOverdue: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "escrow",
				Name:      "holds_overdue",
				Help:      "Current count of FROZEN holds past their unlock time.",
			},
		),
	}
}

func (m *Metrics) ObserveTransfer(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = ledger.Classify(err).String()
	}
	m.transfersTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ObserveConflictRetry(action string) {
	if m == nil {
		return
	}
	m.conflictRetriesTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveHoldClosed(disposition ledger.HoldStatus) {
	if m == nil {
		return
	}
	m.holdsClosedTotal.WithLabelValues(string(disposition)).Inc()
}

func (m *Metrics) ObserveSweep(summary SweepSummary, err error) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	m.sweepLastUnlocked.Set(float64(summary.Unlocked))
	if summary.Failed > 0 {
		m.sweepFailuresTotal.Add(float64(summary.Failed))
	}
	if err != nil {
		m.sweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepRunsTotal.WithLabelValues("success").Inc()
}

func (m *Metrics) ObserveSettlement(outcome SettlementOutcome) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ObserveWithdrawal(status ledger.WithdrawalStatus) {
	if m == nil {
		return
	}
	m.withdrawalsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveIntegrityViolation(check string) {
	if m == nil {
		return
	}
	m.integrityTotal.WithLabelValues(check).Inc()
}

// RefreshHoldCounts samples hold backlog straight from Postgres.
func (m *Metrics) RefreshHoldCounts(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	const q = `
SELECT
  COUNT(*) AS frozen,
  COUNT(*) FILTER (WHERE unlocks_at <= NOW()) AS overdue
FROM escrow_holds
WHERE status = 'FROZEN'
`
	var frozen int64
	var overdue int64
	if err := db.QueryRowContext(ctx, q).Scan(&frozen, &overdue); err != nil {
		return
	}
	m.holdsFrozen.Set(float64(frozen))
	m.holdsOverdue.Set(float64(overdue))
}

// SetHoldCounts is the store-agnostic variant used with the in-memory store.
func (m *Metrics) SetHoldCounts(frozen, overdue int) {
	if m == nil {
		return
	}
	m.holdsFrozen.Set(float64(frozen))
	m.holdsOverdue.Set(float64(overdue))
}
