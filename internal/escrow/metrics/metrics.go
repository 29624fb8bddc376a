package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the escrow module. Tracks transaction
// counts per type, blocked releases, and balance-mutation latency.
type Metrics struct {
	AccountsCreated  prometheus.Counter
	Transactions     *prometheus.CounterVec
	ReleasesBlocked  prometheus.Counter
	MutationDuration prometheus.Histogram
}

// New creates a Metrics instance with all escrow module metrics registered.
func New() *Metrics {
	return &Metrics{
		AccountsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vestra_escrow_accounts_created_total",
			Help: "Total number of escrow accounts created",
		}),
		Transactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vestra_escrow_transactions_total",
			Help: "Total number of completed escrow transactions by type",
		}, []string{"type"}),
		ReleasesBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vestra_escrow_releases_blocked_total",
			Help: "Total number of releases blocked by unmet conditions",
		}),
		MutationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vestra_escrow_mutation_duration_seconds",
			Help:    "Duration of balance-mutating escrow operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementAccountsCreated records a successful account creation.
func (m *Metrics) IncrementAccountsCreated() {
	m.AccountsCreated.Inc()
}

// IncrementTransaction records a completed transaction of the given type.
func (m *Metrics) IncrementTransaction(txType string) {
	m.Transactions.WithLabelValues(txType).Inc()
}

// IncrementReleasesBlocked records a release rejected by condition gating.
func (m *Metrics) IncrementReleasesBlocked() {
	m.ReleasesBlocked.Inc()
}

// ObserveMutation records the duration of a balance mutation. Call with
// time.Now() captured at the start of the operation.
func (m *Metrics) ObserveMutation(start time.Time) {
	m.MutationDuration.Observe(time.Since(start).Seconds())
}
