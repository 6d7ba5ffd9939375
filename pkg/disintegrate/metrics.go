package disintegrate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disintegrate_events_appended_total",
		Help: "the number of events published to the log",
	})
	appendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disintegrate_append_conflicts_total",
		Help: "the number of appends rejected by their validation query",
	})
	eventsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disintegrate_events_scanned_total",
		Help: "the number of events read during hydration and listener scans",
	})
	decisionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disintegrate_decision_retries_total",
		Help: "the number of decision attempts that ended in a concurrency conflict",
	})
	snapshotHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disintegrate_snapshot_loads_total",
		Help: "the number of snapshot lookups by outcome",
	}, []string{"outcome"})
	listenerDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disintegrate_listener_deliveries_total",
		Help: "the number of events delivered to handlers per listener",
	}, []string{"listener"})
	listenerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disintegrate_listener_errors_total",
		Help: "the number of handler failures per listener",
	}, []string{"listener"})
	listenerCursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "disintegrate_listener_cursor",
		Help: "the last processed event id per listener",
	}, []string{"listener"})
)
