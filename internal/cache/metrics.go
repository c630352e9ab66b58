package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reflectorListsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflector_lists_total",
			Help: "Total number of lists done by reflectors",
		},
		[]string{"type"},
	)
	reflectorListErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflector_list_errors_total",
			Help: "Total number of failed lists done by reflectors",
		},
		[]string{"type"},
	)
	reflectorListDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "reflector_list_duration_seconds",
			Help: "How long a reflector list took",
		},
		[]string{"type"},
	)
	reflectorListItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reflector_list_items",
			Help: "Number of items returned by the last list",
		},
		[]string{"type"},
	)
	reflectorWatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflector_watches_total",
			Help: "Total number of watches opened by reflectors",
		},
		[]string{"type"},
	)
	reflectorShortWatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflector_short_watches_total",
			Help: "Total number of watches that closed without delivering events",
		},
		[]string{"type"},
	)
	reflectorWatchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflector_watch_events_total",
			Help: "Total number of watch events handled by reflectors",
		},
		[]string{"type", "event"},
	)
)

type reflectorMetrics struct {
	lists         prometheus.Counter
	listErrors    prometheus.Counter
	listDuration  prometheus.Observer
	listItems     prometheus.Gauge
	watches       prometheus.Counter
	shortWatches  prometheus.Counter
	watchEventVec *prometheus.CounterVec
	typeName      string
}

func newReflectorMetrics(typeName string) *reflectorMetrics {
	return &reflectorMetrics{
		lists:         reflectorListsTotal.WithLabelValues(typeName),
		listErrors:    reflectorListErrorsTotal.WithLabelValues(typeName),
		listDuration:  reflectorListDuration.WithLabelValues(typeName),
		listItems:     reflectorListItems.WithLabelValues(typeName),
		watches:       reflectorWatchesTotal.WithLabelValues(typeName),
		shortWatches:  reflectorShortWatchesTotal.WithLabelValues(typeName),
		watchEventVec: reflectorWatchEventsTotal,
		typeName:      typeName,
	}
}

func (m *reflectorMetrics) watchEvent(eventType string) {
	m.watchEventVec.WithLabelValues(m.typeName, eventType).Inc()
}
