package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerRequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_provider_requests",
	Help: "Number of classification provider calls, by provider and status",
}, []string{"provider", "status"})

var providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "warden_provider_request_duration_sec",
	Help: "Duration of classification provider calls",
}, []string{"provider"})

var fallbackMatchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_fallback_matches",
	Help: "Number of fallback pattern matches, by level",
}, []string{"level"})
