package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rl1809/stock-sync/internal/port"
)

// PrometheusSink records writer outcomes on its own registry.
type PrometheusSink struct {
	registry    *prometheus.Registry
	consumed    *prometheus.CounterVec
	added       *prometheus.CounterVec
	writeErrors prometheus.Counter
	drift       *prometheus.CounterVec
}

var _ port.MetricsSink = (*PrometheusSink)(nil)

func NewPrometheusSink(registry *prometheus.Registry) *PrometheusSink {
	s := &PrometheusSink{
		registry: registry,
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_consumed_total",
			Help: "Total amount of stock deducted from the durable store",
		}, []string{"item_id"}),
		added: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_added_total",
			Help: "Total amount of stock added to the durable store",
		}, []string{"item_id"}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_write_errors_total",
			Help: "Total number of failed batch transactions",
		}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_drift_total",
			Help: "Durable row updates rejected by the non-negative guard",
		}, []string{"item_id"}),
	}

	registry.MustRegister(s.consumed, s.added, s.writeErrors, s.drift)

	return s
}

// RegisterBacklog exposes the handoff channel length as a gauge.
func (s *PrometheusSink) RegisterBacklog(length func() int) {
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stock_handoff_backlog",
		Help: "Deliveries buffered in memory waiting for the batch writer",
	}, func() float64 { return float64(length()) }))
}

func (s *PrometheusSink) Consumed(itemID string, quantity int64) {
	s.consumed.WithLabelValues(itemID).Add(float64(quantity))
}

func (s *PrometheusSink) Added(itemID string, quantity int64) {
	s.added.WithLabelValues(itemID).Add(float64(quantity))
}

func (s *PrometheusSink) WriteError() {
	s.writeErrors.Inc()
}

func (s *PrometheusSink) Drift(itemID string, _ int64) {
	s.drift.WithLabelValues(itemID).Inc()
}
