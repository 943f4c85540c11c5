// Package rules holds the deterministic rule-based message checks which run
// when the AI classification path produced no (surviving) verdict. Rules are
// an ordered list; the first hit wins, with flag-level rules checked before
// warn-level ones.
package rules

import (
	"regexp"
	"strings"

	"github.com/wardenbot/warden/automod/verdict"
)

type Hit struct {
	Severity verdict.Severity
	Reason   string
}

type RuleFunc func(text string) *Hit

type RuleSet struct {
	Rules []RuleFunc
}

// Evaluate runs rules in order and returns the first hit, or nil.
func (rs RuleSet) Evaluate(text string) *Hit {
	for _, f := range rs.Rules {
		if hit := f(text); hit != nil {
			return hit
		}
	}
	return nil
}

func DefaultRuleSet() RuleSet {
	return RuleSet{
		Rules: []RuleFunc{
			TargetedHarassmentRule,
			InviteLinkRule,
			SuspiciousLinkRule,
			SpamRule,
			CapsRule,
		},
	}
}

var invitePattern = regexp.MustCompile(`(?i)discord\.gg/[a-zA-Z0-9]+|discordapp\.com/invite/[a-zA-Z0-9]+`)

var suspiciousLinkPattern = regexp.MustCompile(`(?i)(bit\.ly|tinyurl|t\.co|goo\.gl)/\S+`)

var punctuationRunPattern = regexp.MustCompile(`[!@#$%^&*]{5,}`)

var aggressivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(shut up|stfu|go away|leave|nobody wants)`),
	regexp.MustCompile(`(?i)(hate|despise|can't stand).*you`),
	regexp.MustCompile(`(?i)you.*(suck|terrible|awful|worst)`),
}

var _ RuleFunc = TargetedHarassmentRule

// @mention combined with aggressive phrasing
func TargetedHarassmentRule(text string) *Hit {
	if !hasMention(text) {
		return nil
	}
	for _, p := range aggressivePatterns {
		if p.MatchString(text) {
			return &Hit{Severity: verdict.SeverityFlag, Reason: "targeted harassment"}
		}
	}
	return nil
}

var _ RuleFunc = InviteLinkRule

func InviteLinkRule(text string) *Hit {
	if invitePattern.MatchString(text) {
		return &Hit{Severity: verdict.SeverityFlag, Reason: "unauthorized invite"}
	}
	return nil
}

var _ RuleFunc = SuspiciousLinkRule

func SuspiciousLinkRule(text string) *Hit {
	if suspiciousLinkPattern.MatchString(text) {
		return &Hit{Severity: verdict.SeverityFlag, Reason: "suspicious link"}
	}
	return nil
}

var _ RuleFunc = SpamRule

// repeated characters, repeated phrases, or runs of punctuation
func SpamRule(text string) *Hit {
	if hasRepeatedRun(text, 5) || hasRepeatedPhrase(text, 4) || punctuationRunPattern.MatchString(text) {
		return &Hit{Severity: verdict.SeverityWarn, Reason: "spam detected"}
	}
	return nil
}

var _ RuleFunc = CapsRule

func CapsRule(text string) *Hit {
	if isCapsShouting(text) {
		return &Hit{Severity: verdict.SeverityWarn, Reason: "excessive caps"}
	}
	return nil
}

func hasMention(text string) bool {
	for _, marker := range []string{"<@", "@everyone", "@here"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
