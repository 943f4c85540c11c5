// Package escalation maps a cumulative violation count and severity to a
// concrete punishment. Decide is pure; all state lives in the ledger.
package escalation

import (
	"time"

	"github.com/wardenbot/warden/automod/verdict"
)

type Action string

const (
	ActionWarn    Action = "warn"
	ActionTimeout Action = "timeout"
	ActionKick    Action = "kick"
)

type Decision struct {
	Action   Action
	Duration time.Duration
	// true when the fixed ladder applied or the severity's base action was
	// exceeded
	Escalated bool
}

// ladder is the fixed progression keyed by absolute violation count. It
// takes precedence over severity whenever the count lands on it.
var ladder = map[int]Decision{
	1: {Action: ActionWarn, Escalated: true},
	2: {Action: ActionTimeout, Duration: 15 * time.Minute, Escalated: true},
	3: {Action: ActionTimeout, Duration: 60 * time.Minute, Escalated: true},
	4: {Action: ActionTimeout, Duration: 240 * time.Minute, Escalated: true},
	5: {Action: ActionKick, Escalated: true},
}

// Decide returns the punishment for the given strike count and severity.
// Counts inside the fixed ladder resolve there irrespective of severity;
// everything beyond falls back to severity-scaled heuristics.
func Decide(violationCount int, severity verdict.Severity) Decision {
	if d, ok := ladder[violationCount]; ok {
		return d
	}

	switch severity {
	case verdict.SeverityWarn:
		if violationCount >= 5 {
			return Decision{Action: ActionTimeout, Duration: 60 * time.Minute, Escalated: true}
		}
		if violationCount >= 3 {
			return Decision{Action: ActionTimeout, Duration: 15 * time.Minute, Escalated: true}
		}
		return Decision{Action: ActionWarn}
	case verdict.SeverityFlag:
		if violationCount >= 4 {
			return Decision{Action: ActionKick, Escalated: true}
		}
		if violationCount >= 2 {
			return Decision{Action: ActionTimeout, Duration: time.Duration(violationCount) * 60 * time.Minute, Escalated: true}
		}
		return Decision{Action: ActionTimeout, Duration: 15 * time.Minute}
	case verdict.SeveritySevere:
		if violationCount >= 2 {
			return Decision{Action: ActionKick, Escalated: true}
		}
		return Decision{Action: ActionTimeout, Duration: 240 * time.Minute}
	default:
		return Decision{Action: ActionWarn}
	}
}
