package metrics

import (
	"time"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/txn"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stageTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submission_transitions_total",
		Help:      "Lifecycle transitions of submitted transactions by target stage and error code.",
	}, []string{"chain", "stage", "code"})

	submissionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "submission_duration_seconds",
		Help:      "Time from build to a terminal stage.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"chain", "stage"})

	nodeCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_calls_total",
		Help:      "JSON-RPC calls issued to ledger nodes.",
	}, []string{"chain", "method", "result"})

	nodeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "node_call_duration_seconds",
		Help:      "Latency of JSON-RPC calls issued to ledger nodes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chain", "method"})
)

// ObserveNodeCall records one node call. It matches the provider observer
// signature so it can be passed to provider.WithObserver directly.
func ObserveNodeCall(chain, method string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	nodeCalls.WithLabelValues(chain, method, result).Inc()
	nodeLatency.WithLabelValues(chain, method).Observe(elapsed.Seconds())
}

// StageObserver counts lifecycle transitions and terminal durations.
type StageObserver struct{}

// OnTransition implements txn.Observer.
func (StageObserver) OnTransition(tr txn.Transition) {
	snap := tr.Snapshot
	code := ""
	if tr.To == txn.StageFailed {
		code = string(xerrors.CodeOf(snap.Err))
	}
	stageTransitions.WithLabelValues(snap.Meta.Chain, string(tr.To), code).Inc()

	if tr.To.Terminal() && len(snap.History) > 0 {
		elapsed := tr.At.Sub(snap.History[0].At)
		if elapsed < 0 {
			elapsed = 0
		}
		submissionDuration.WithLabelValues(snap.Meta.Chain, string(tr.To)).Observe(elapsed.Seconds())
	}
}

var _ txn.Observer = StageObserver{}
