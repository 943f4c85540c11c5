package engine

import (
	"fmt"

	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/ledger"
	"github.com/wardenbot/warden/automod/rules"
	"github.com/wardenbot/warden/automod/signal"
	"github.com/wardenbot/warden/automod/verdict"
)

// Assessment thresholds for the AI-driven severity path.
const (
	severeScoreThreshold = 0.8
	flagScoreThreshold   = 0.6
	warnScoreThreshold   = 0.4

	// category-driven severe needs at least this much provider confidence
	severeCategoryMinConfidence = 0.5

	// flagged content below the flag score still escalates past this
	flaggedMinConfidence = 0.7

	// clean messages below this score are eligible for positive points
	cleanScoreCeiling = 0.2
)

// categories which force severe regardless of the merged score
var severeCategories = []string{
	"hate",
	"hate/threatening",
	"violence",
	"violence/graphic",
	"harassment",
	"harassment/threatening",
	"self-harm",
}

// resolution is the full output of the severity state machine, including
// intermediate state the engine needs for the positive-points gate.
type resolution struct {
	Severity verdict.Severity
	Reason   string

	// severity before the immunity filter ran
	Base verdict.Severity
	// true if any deterministic rule matched, bypassed or not
	RuleMatched bool
}

// baseSeverity derives severity from the merged assessment alone: provider
// scores and categories first, fallback pattern tier when the providers were
// neutral.
func baseSeverity(a *signal.Assessment) (verdict.Severity, string) {
	if a.PrimaryScore >= severeScoreThreshold {
		return verdict.SeveritySevere, fmt.Sprintf("toxicity score %.2f", a.PrimaryScore)
	}
	if a.Confidence >= severeCategoryMinConfidence {
		for _, cat := range severeCategories {
			if a.CategoryFlags[cat] {
				return verdict.SeveritySevere, fmt.Sprintf("severe content category: %s", cat)
			}
		}
	}
	if a.PrimaryScore >= flagScoreThreshold {
		return verdict.SeverityFlag, fmt.Sprintf("toxicity score %.2f", a.PrimaryScore)
	}
	if a.Flagged() && a.Confidence > flaggedMinConfidence {
		return verdict.SeverityFlag, "flagged by content classifier"
	}
	if a.PrimaryScore >= warnScoreThreshold {
		return verdict.SeverityWarn, fmt.Sprintf("toxicity score %.2f", a.PrimaryScore)
	}

	switch a.FallbackLevel {
	case signal.FallbackSevere:
		return verdict.SeveritySevere, a.FallbackReason
	case signal.FallbackModerate:
		return verdict.SeverityFlag, a.FallbackReason
	case signal.FallbackMild:
		return verdict.SeverityWarn, a.FallbackReason
	}
	return verdict.SeverityNone, ""
}

// applyImmunity filters an AI-driven severity through the author's immunity
// status. Guardian immunity has a hard score ceiling: nothing at or above it
// is ever bypassed.
func applyImmunity(sev verdict.Severity, reason string, a *signal.Assessment, imm immunity.Status) (verdict.Severity, string) {
	switch sev {
	case verdict.SeveritySevere:
		if imm.CanBypassAllButSevere && a.PrimaryScore < immunity.GuardianScoreCeiling {
			return verdict.SeverityNone, fmt.Sprintf("%s immunity bypassed severe violation", imm.Tier)
		}
	case verdict.SeverityFlag:
		if imm.CanBypassMinorFlags {
			return verdict.SeverityNone, fmt.Sprintf("%s immunity bypassed flag", imm.Tier)
		}
	case verdict.SeverityWarn:
		if imm.CanBypassWarnings {
			return verdict.SeverityNone, fmt.Sprintf("%s immunity bypassed warning", imm.Tier)
		}
	}
	return sev, reason
}

// applyRuleImmunity is the stricter filter for deterministic rule hits:
// rule flags need guardian, rule warnings need veteran or better.
func applyRuleImmunity(hit *rules.Hit, imm immunity.Status) (verdict.Severity, string) {
	switch hit.Severity {
	case verdict.SeverityFlag:
		if imm.CanBypassAllButSevere {
			return verdict.SeverityNone, fmt.Sprintf("%s immunity bypassed rule flag", imm.Tier)
		}
	case verdict.SeverityWarn:
		if imm.CanBypassMinorFlags {
			return verdict.SeverityNone, fmt.Sprintf("%s immunity bypassed rule warning", imm.Tier)
		}
	}
	return hit.Severity, hit.Reason
}

// resolveSeverity runs the full per-message state machine: base severity
// from the assessment, the immunity filter, then deterministic rules (with
// their stricter filter) whenever the AI path ended at none.
func resolveSeverity(a *signal.Assessment, imm immunity.Status, text string, ruleset rules.RuleSet) resolution {
	base, baseReason := baseSeverity(a)

	sev, reason := applyImmunity(base, baseReason, a, imm)
	res := resolution{
		Severity: sev,
		Reason:   reason,
		Base:     base,
	}
	if sev != verdict.SeverityNone {
		return res
	}

	if hit := ruleset.Evaluate(text); hit != nil {
		res.RuleMatched = true
		ruleSev, ruleReason := applyRuleImmunity(hit, imm)
		if ruleSev != verdict.SeverityNone {
			res.Severity = ruleSev
			res.Reason = ruleReason
		}
	}
	return res
}

// cleanPoints returns the positive points a genuinely clean message earns:
// nothing unless the message was fully unremarkable.
func cleanPoints(res resolution, a *signal.Assessment, text string) int {
	if res.Severity != verdict.SeverityNone || res.Base != verdict.SeverityNone || res.RuleMatched {
		return 0
	}
	if a.PrimaryScore >= cleanScoreCeiling || a.Flagged() {
		return 0
	}
	points := 0
	if a.PrimaryScore < 0.1 {
		points += ledger.PointsCleanMessage
	}
	if len(text) > 50 && a.PrimaryScore == 0.0 {
		points += ledger.PointsQualityMessage
	}
	return points
}
