// Package verdict holds the severity scale shared by the classification,
// escalation, and dispatch packages.
package verdict

import (
	"github.com/wardenbot/warden/automod/signal"
)

type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityWarn   Severity = "warn"
	SeverityFlag   Severity = "flag"
	SeveritySevere Severity = "severe"
)

// Final classification outcome for one message.
type Verdict struct {
	Severity   Severity
	Reason     string
	Assessment *signal.Assessment
}

func (v *Verdict) IsViolation() bool {
	return v.Severity != SeverityNone
}
