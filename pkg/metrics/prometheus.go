package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakslot_admissions_total",
			Help: "Start requests by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	StopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakslot_stops_total",
			Help: "Closed usage intervals by category and source",
		},
		[]string{"category", "source"},
	)

	OccupiedWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breakslot_occupied_workers",
			Help: "Workers currently holding the slot by category",
		},
		[]string{"category"},
	)

	CategoryCap = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breakslot_category_cap",
			Help: "Configured concurrency cap by category",
		},
		[]string{"category"},
	)

	UsageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breakslot_usage_duration_minutes",
			Help:    "Duration of closed usage intervals in minutes",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
		},
		[]string{"category"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakslot_notifications_dropped_total",
			Help: "Events not delivered by reason",
		},
		[]string{"reason"},
	)

	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "breakslot_observers",
			Help: "Connected observers on this instance",
		},
	)

	OutboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakslot_outbox_events_total",
			Help: "Outbox events processed by status",
		},
		[]string{"status"},
	)
)
