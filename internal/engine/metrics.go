package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metabeak_batches_total",
		Help: "Queue batches processed by the engine.",
	})
	metricEventsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metabeak_events_claimed_total",
		Help: "Queue rows claimed, including tombstones.",
	})
	metricInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metabeak_invocations_total",
		Help: "Handler invocations by outcome.",
	}, []string{"outcome"})
	metricInvocationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metabeak_invocation_seconds",
		Help:    "Wall-clock time of individual handler invocations.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	metricHandlersBroken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metabeak_handlers_broken_total",
		Help: "Handlers marked broken by the engine.",
	})
	metricEmptyPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metabeak_empty_polls_total",
		Help: "Polls that found the event queue empty.",
	})
)
