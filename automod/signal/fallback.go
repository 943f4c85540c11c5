package signal

import (
	"regexp"
	"strings"
)

type FallbackLevel string

const (
	FallbackNone     FallbackLevel = "none"
	FallbackMild     FallbackLevel = "mild"
	FallbackModerate FallbackLevel = "moderate"
	FallbackSevere   FallbackLevel = "severe"
)

// A single fallback matcher. Go's regexp engine (RE2) has no lookahead, so
// patterns which additionally require a targeting marker ("@", "you") carry
// that requirement as an explicit substring list instead.
type FallbackPattern struct {
	Pattern    *regexp.Regexp
	RequireAny []string
}

func (p FallbackPattern) Match(text string) bool {
	if !p.Pattern.MatchString(text) {
		return false
	}
	if len(p.RequireAny) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, sub := range p.RequireAny {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

type fallbackTier struct {
	Level    FallbackLevel
	Patterns []FallbackPattern
}

// Ordered rule tiers, evaluated most-severe-first; the first hit wins.
type FallbackRules struct {
	tiers []fallbackTier
}

func DefaultFallbackRules() *FallbackRules {
	return &FallbackRules{
		tiers: []fallbackTier{
			{
				Level: FallbackSevere,
				Patterns: []FallbackPattern{
					{Pattern: regexp.MustCompile(`(?i)\b(kys|kill yourself|neck yourself)\b`)},
				},
			},
			{
				Level: FallbackModerate,
				Patterns: []FallbackPattern{
					{Pattern: regexp.MustCompile(`(?i)\b(stupid|idiot|moron)\b`), RequireAny: []string{"@"}},
					{Pattern: regexp.MustCompile(`(?i)\bstfu\b`)},
					{Pattern: regexp.MustCompile(`(?i)\b(trash|garbage|worthless)\b`), RequireAny: []string{"you", "@"}},
				},
			},
		},
	}
}

// Match returns the level of the first matching tier, or FallbackNone.
func (fr *FallbackRules) Match(text string) (FallbackLevel, string) {
	for _, tier := range fr.tiers {
		for _, p := range tier.Patterns {
			if p.Match(text) {
				return tier.Level, "pattern match (" + string(tier.Level) + ")"
			}
		}
	}
	return FallbackNone, ""
}
