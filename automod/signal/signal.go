// Package signal queries external toxicity classification providers and
// merges their outputs into a single normalized assessment.
//
// Providers are failure-isolated: a timeout, transport error, or missing
// credential yields a neutral per-provider result and never an error from
// Assess. When every provider comes back neutral, an ordered regex fallback
// rule set supplies a last-resort signal.
package signal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Per-provider classification output.
type ProviderResult struct {
	Toxicity   float64
	Categories map[string]bool
	Confidence float64
}

// a neutral result carries no signal at all
func (r *ProviderResult) Neutral() bool {
	if r == nil {
		return true
	}
	if r.Toxicity > 0 || r.Confidence > 0 {
		return false
	}
	for _, v := range r.Categories {
		if v {
			return false
		}
	}
	return true
}

type Provider interface {
	Name() string
	Score(ctx context.Context, text string) (*ProviderResult, error)
}

// Merged output of all providers plus the fallback rules, for one message.
type Assessment struct {
	PrimaryScore   float64
	CategoryFlags  map[string]bool
	Confidence     float64
	FallbackLevel  FallbackLevel
	FallbackReason string
	TextLength     int
	WordCount      int
}

// true if any provider category flag is set
func (a *Assessment) Flagged() bool {
	for _, v := range a.CategoryFlags {
		if v {
			return true
		}
	}
	return false
}

// true when no provider produced any signal (fallback rules not considered)
func (a *Assessment) ProvidersNeutral() bool {
	return a.PrimaryScore == 0 && a.Confidence == 0 && !a.Flagged()
}

var DefaultCallTimeout = 10 * time.Second

type Aggregator struct {
	Logger    *slog.Logger
	Providers []Provider
	Fallback  *FallbackRules
	// per-provider call timeout; DefaultCallTimeout when zero
	CallTimeout time.Duration
}

func NewAggregator(logger *slog.Logger, providers ...Provider) *Aggregator {
	return &Aggregator{
		Logger:    logger,
		Providers: providers,
		Fallback:  DefaultFallbackRules(),
	}
}

// Assess runs all providers concurrently and merges their results. Provider
// failures degrade to neutral; this method never returns an error and has no
// side effects beyond metrics and logging.
func (agg *Aggregator) Assess(ctx context.Context, text string) *Assessment {
	timeout := agg.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}

	results := make([]*ProviderResult, len(agg.Providers))
	var wg sync.WaitGroup
	for i, p := range agg.Providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			res, err := p.Score(cctx, text)
			providerRequestDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
			if err != nil {
				providerRequestCount.WithLabelValues(p.Name(), "error").Inc()
				agg.Logger.Warn("toxicity provider failed, using neutral result", "provider", p.Name(), "err", err)
				return
			}
			providerRequestCount.WithLabelValues(p.Name(), "ok").Inc()
			results[i] = res
		}(i, p)
	}
	wg.Wait()

	out := &Assessment{
		CategoryFlags: make(map[string]bool),
		TextLength:    len(text),
		WordCount:     len(strings.Fields(text)),
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Toxicity > out.PrimaryScore {
			out.PrimaryScore = res.Toxicity
		}
		if res.Confidence > out.Confidence {
			out.Confidence = res.Confidence
		}
		for cat, v := range res.Categories {
			if v {
				out.CategoryFlags[cat] = true
			}
		}
	}

	out.FallbackLevel = FallbackNone
	if out.ProvidersNeutral() && agg.Fallback != nil {
		level, reason := agg.Fallback.Match(text)
		out.FallbackLevel = level
		out.FallbackReason = reason
		if level != FallbackNone {
			fallbackMatchCount.WithLabelValues(string(level)).Inc()
		}
	}
	return out
}
