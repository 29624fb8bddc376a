package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the pool module. Tracks pool and
// proposal lifecycle counts, vote volume, and tally latency.
type Metrics struct {
	PoolsCreated        prometheus.Counter
	PoolTransitions     *prometheus.CounterVec
	MembersAdmitted     prometheus.Counter
	ProposalsCreated    prometheus.Counter
	ProposalResolutions *prometheus.CounterVec
	VotesCast           *prometheus.CounterVec
	ExecutionsCompleted prometheus.Counter
	TallyDuration       prometheus.Histogram
}

// New creates a Metrics instance with all pool module metrics registered.
func New() *Metrics {
	return &Metrics{
		PoolsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vestra_pool_pools_created_total",
			Help: "Total number of investment pools created",
		}),
		PoolTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vestra_pool_transitions_total",
			Help: "Total number of pool status transitions by target status",
		}, []string{"to"}),
		MembersAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vestra_pool_members_admitted_total",
			Help: "Total number of members admitted into pools",
		}),
		ProposalsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vestra_pool_proposals_created_total",
			Help: "Total number of investment proposals created",
		}),
		ProposalResolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vestra_pool_proposal_resolutions_total",
			Help: "Total number of proposal resolutions by outcome",
		}, []string{"outcome"}),
		VotesCast: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vestra_pool_votes_cast_total",
			Help: "Total number of votes cast by vote type",
		}, []string{"vote"}),
		ExecutionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vestra_pool_executions_completed_total",
			Help: "Total number of approved investments executed",
		}),
		TallyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vestra_pool_tally_duration_seconds",
			Help:    "Duration of vote-and-tally operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementPoolsCreated records a successful pool creation.
func (m *Metrics) IncrementPoolsCreated() {
	m.PoolsCreated.Inc()
}

// IncrementPoolTransition records a pool moving to the given status.
func (m *Metrics) IncrementPoolTransition(to string) {
	m.PoolTransitions.WithLabelValues(to).Inc()
}

// IncrementMembersAdmitted records a successful member admission.
func (m *Metrics) IncrementMembersAdmitted() {
	m.MembersAdmitted.Inc()
}

// IncrementProposalsCreated records a new investment proposal.
func (m *Metrics) IncrementProposalsCreated() {
	m.ProposalsCreated.Inc()
}

// IncrementProposalResolution records a proposal reaching the given outcome.
func (m *Metrics) IncrementProposalResolution(outcome string) {
	m.ProposalResolutions.WithLabelValues(outcome).Inc()
}

// IncrementVotesCast records a vote of the given type.
func (m *Metrics) IncrementVotesCast(vote string) {
	m.VotesCast.WithLabelValues(vote).Inc()
}

// IncrementExecutionsCompleted records an approved investment executed
// against escrow.
func (m *Metrics) IncrementExecutionsCompleted() {
	m.ExecutionsCompleted.Inc()
}

// ObserveTally records the duration of a vote-and-tally operation. Call with
// time.Now() captured at the start of the operation.
func (m *Metrics) ObserveTally(start time.Time) {
	m.TallyDuration.Observe(time.Since(start).Seconds())
}
