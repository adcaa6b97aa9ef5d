// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"calrecur/internal/recurrence"
)

var (
	Expansions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calrecur_expansions_total",
		Help: "Number of recurrence templates expanded",
	})
	InstancesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calrecur_instances_generated_total",
		Help: "Number of event instances produced by expansion",
	})
	ExpansionsTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calrecur_expansions_truncated_total",
		Help: "Number of expansions stopped by the instance cap",
	})
	DecodedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calrecur_decoded_events_total",
		Help: "VEVENT blocks read from imports and feeds, by result",
	}, []string{"result"})
	FeedRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calrecur_feed_refresh_total",
		Help: "Subscription refresh attempts, by result",
	}, []string{"result"})
	Exports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calrecur_exports_total",
		Help: "Number of calendar exports written or served",
	})
)

// ObserveExpansion records one expander run.
func ObserveExpansion(res recurrence.Result) {
	Expansions.Inc()
	InstancesGenerated.Add(float64(len(res.Instances)))
	if res.Truncated {
		ExpansionsTruncated.Inc()
	}
}

// ObserveDecode records the outcome of one decode or feed import.
func ObserveDecode(committed, skipped int) {
	DecodedEvents.WithLabelValues("committed").Add(float64(committed))
	DecodedEvents.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveRefresh records one subscription refresh.
func ObserveRefresh(err error) {
	if err != nil {
		FeedRefresh.WithLabelValues("error").Inc()
		return
	}
	FeedRefresh.WithLabelValues("ok").Inc()
}
