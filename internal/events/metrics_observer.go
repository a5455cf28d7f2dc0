package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// MetricsObserver contém as métricas Prometheus dos eventos
type MetricsObserver struct {
	EventsTotal         *prometheus.CounterVec
	TransferAmountTotal *prometheus.CounterVec
	TransferDuration    *prometheus.HistogramVec
	LocksExpiredTotal   prometheus.Counter
}

// NewMetricsObserver registers the collectors on reg. bus may be nil; when set
// its drop count is exported too.
func NewMetricsObserver(reg prometheus.Registerer, bus *Bus) *MetricsObserver {
	factory := promauto.With(reg)

	m := &MetricsObserver{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atp_events_total",
				Help: "Domain events by type",
			},
			[]string{"type"},
		),
		TransferAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atp_transfer_amount_total",
				Help: "Settled amount by currency",
			},
			[]string{"currency"},
		),
		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atp_transfer_duration_seconds",
				Help:    "Time from initiation to a terminal state",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"outcome"},
		),
		LocksExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "atp_locks_expired_total",
				Help: "Locks that reached their TTL before settlement",
			},
		),
	}

	if bus != nil {
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "atp_events_dropped_total",
				Help: "Events dropped because an observer queue was full",
			},
			func() float64 { return float64(bus.Dropped()) },
		)
	}
	return m
}

func (m *MetricsObserver) Name() string { return "metrics" }

func (m *MetricsObserver) Handle(_ context.Context, e domain.Event) error {
	m.EventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case domain.EventTransferCompleted:
		amount, _ := e.Amount.Float64()
		m.TransferAmountTotal.WithLabelValues(e.Currency).Add(amount)
		m.TransferDuration.WithLabelValues("completed").Observe(e.Duration.Seconds())
	case domain.EventTransferFailed:
		m.TransferDuration.WithLabelValues("failed").Observe(e.Duration.Seconds())
	case domain.EventTransferRolledBack:
		m.TransferDuration.WithLabelValues("rolled_back").Observe(e.Duration.Seconds())
	case domain.EventLockExpired:
		m.LocksExpiredTotal.Inc()
	}
	return nil
}
