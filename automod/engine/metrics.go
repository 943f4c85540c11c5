package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_messages_processed",
	Help: "Number of messages run through the moderation engine, by result.",
}, []string{"result"})

var processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "warden_message_process_duration_sec",
	Help:    "Time to fully process one message, in seconds.",
	Buckets: prometheus.ExponentialBucketsRange(0.001, 20, 10),
})

var pointsAwarded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_points_awarded",
	Help: "Total positive reputation points awarded for clean messages.",
})

var storageFailOpen = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_storage_fail_open",
	Help: "Number of messages skipped because reputation storage was unavailable.",
})
