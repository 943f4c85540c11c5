package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_moderation_actions",
	Help: "Number of moderation actions applied, by action type.",
}, []string{"action"})

var actionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_moderation_action_failures",
	Help: "Number of moderation platform calls which failed, by action type.",
}, []string{"action"})
