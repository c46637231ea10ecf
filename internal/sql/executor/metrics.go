package executor

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricRows         = "rows_total"
	MetricTransactions = "transactions_total"
)

// Metrics counts transaction outcomes. A nil *Metrics records nothing.
type Metrics struct {
	Rows         *prometheus.CounterVec
	Transactions *prometheus.CounterVec
}

// NewMetrics creates the executor counters and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "novads",
				Subsystem: "executor",
				Name:      MetricRows,
				Help:      "Input rows processed by update requests, by outcome.",
			},
			[]string{"dataset", "outcome"},
		),
		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "novads",
				Subsystem: "executor",
				Name:      MetricTransactions,
				Help:      "Commits and rollbacks issued across all connections.",
			},
			[]string{"dataset", "result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Rows, m.Transactions)
	}
	return m
}

func (m *Metrics) row(dataset, outcome string) {
	if m == nil {
		return
	}
	m.Rows.WithLabelValues(dataset, outcome).Inc()
}

func (m *Metrics) tx(dataset, result string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(dataset, result).Inc()
}
