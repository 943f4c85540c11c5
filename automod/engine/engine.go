// Package engine ties the moderation pipeline together: scope and whitelist
// checks, signal aggregation, the severity state machine, the reputation
// ledger, escalation, and dispatch. One call per inbound message.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenbot/warden/automod/dispatch"
	"github.com/wardenbot/warden/automod/escalation"
	"github.com/wardenbot/warden/automod/helpers"
	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/ledger"
	"github.com/wardenbot/warden/automod/rules"
	"github.com/wardenbot/warden/automod/scope"
	"github.com/wardenbot/warden/automod/signal"
	"github.com/wardenbot/warden/automod/verdict"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultStrikeWindow is how long strikes stay active without a reset.
const DefaultStrikeWindow = time.Hour

// MessageEvent is one inbound chat message to moderate.
type MessageEvent struct {
	CommunityID string `json:"communityID"`
	ChannelID   string `json:"channelID"`
	UserID      string `json:"userID"`
	MessageID   string `json:"messageID"`
	Text        string `json:"text"`
}

// Report is the complete account of what happened to one message.
type Report struct {
	Verdict       verdict.Verdict
	Immunity      immunity.Status
	StrikeCount   int
	Decision      *escalation.Decision
	Outcome       *dispatch.Outcome
	PointsAwarded int
}

// runtime for processing messages, managing reputation state, and executing
// moderation actions.
//
// TODO: careful when initializing: several fields should not be null or zero, even though they are pointer type.
type Engine struct {
	Logger     *slog.Logger
	Ledger     ledger.Ledger
	Scope      scope.Store
	Signals    *signal.Aggregator
	Rules      rules.RuleSet
	Dispatcher *dispatch.Dispatcher
	// optional mod-log destination
	Notifier Notifier

	StrikeWindow time.Duration

	// short-lived whitelist lookup cache, keyed community/user
	whitelistCache *lru.LRU[ledger.Key, bool]
}

func NewEngine(logger *slog.Logger, l ledger.Ledger, s scope.Store, signals *signal.Aggregator, d *dispatch.Dispatcher) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Logger:         logger.With("system", "engine"),
		Ledger:         l,
		Scope:          s,
		Signals:        signals,
		Rules:          rules.DefaultRuleSet(),
		Dispatcher:     d,
		StrikeWindow:   DefaultStrikeWindow,
		whitelistCache: lru.NewLRU[ledger.Key, bool](4096, nil, 30*time.Second),
	}
}

func (eng *Engine) strikeWindow() time.Duration {
	if eng.StrikeWindow > 0 {
		return eng.StrikeWindow
	}
	return DefaultStrikeWindow
}

func (eng *Engine) isWhitelisted(ctx context.Context, key ledger.Key) (bool, error) {
	if eng.whitelistCache != nil {
		if v, ok := eng.whitelistCache.Get(key); ok {
			return v, nil
		}
	}
	v, err := eng.Ledger.IsWhitelisted(ctx, key)
	if err != nil {
		return false, err
	}
	if eng.whitelistCache != nil {
		eng.whitelistCache.Add(key, v)
	}
	return v, nil
}

// PurgeWhitelistCache drops the cached whitelist state for one user, so
// admin changes take effect immediately.
func (eng *Engine) PurgeWhitelistCache(key ledger.Key) {
	if eng.whitelistCache != nil {
		eng.whitelistCache.Remove(key)
	}
}

func noneReport(reason string) *Report {
	return &Report{
		Verdict:  verdict.Verdict{Severity: verdict.SeverityNone, Reason: reason},
		Immunity: immunity.Resolve(0, 0),
	}
}

// ProcessMessage runs the full moderation flow for one message. Storage
// failures fail open: the message is left alone and the error is logged,
// never guessed around. The returned error covers infrastructure problems
// only; a violation is not an error.
func (eng *Engine) ProcessMessage(ctx context.Context, evt *MessageEvent) (report *Report, err error) {
	// similar to an HTTP server, we want to recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("message processing exception", "err", r, "communityID", evt.CommunityID, "userID", evt.UserID)
			messagesProcessed.WithLabelValues("panic").Inc()
			report = noneReport("internal error")
			err = nil
		}
	}()
	start := time.Now()
	logger := eng.Logger.With("communityID", evt.CommunityID, "userID", evt.UserID)

	if strings.TrimSpace(evt.Text) == "" {
		messagesProcessed.WithLabelValues("empty").Inc()
		return noneReport("empty message"), nil
	}

	if eng.Scope != nil {
		inScope, err := eng.Scope.Contains(ctx, evt.CommunityID, evt.ChannelID)
		if err != nil {
			logger.Error("scope lookup failed, skipping message", "err", err)
			storageFailOpen.Inc()
			return noneReport("scope unavailable"), nil
		}
		if !inScope {
			messagesProcessed.WithLabelValues("out_of_scope").Inc()
			return noneReport("channel not moderated"), nil
		}
	}

	key := ledger.Key{CommunityID: evt.CommunityID, UserID: evt.UserID}

	whitelisted, err := eng.isWhitelisted(ctx, key)
	if err != nil {
		logger.Error("whitelist lookup failed, skipping message", "err", err)
		storageFailOpen.Inc()
		return noneReport("storage unavailable"), nil
	}
	if whitelisted {
		messagesProcessed.WithLabelValues("whitelisted").Inc()
		return noneReport("whitelisted"), nil
	}

	rec, err := eng.Ledger.Get(ctx, key)
	if err != nil {
		logger.Error("reputation lookup failed, skipping message", "err", err)
		storageFailOpen.Inc()
		return noneReport("storage unavailable"), nil
	}
	imm := rec.Immunity()

	assessment := eng.Signals.Assess(ctx, evt.Text)
	res := resolveSeverity(assessment, imm, evt.Text, eng.Rules)

	report = &Report{
		Verdict: verdict.Verdict{
			Severity:   res.Severity,
			Reason:     res.Reason,
			Assessment: assessment,
		},
		Immunity: imm,
	}

	if res.Severity != verdict.SeverityNone {
		if err := eng.handleViolation(ctx, evt, key, report); err != nil {
			logger.Error("strike recording failed, skipping punitive action", "err", err)
			storageFailOpen.Inc()
			messagesProcessed.WithLabelValues("fail_open").Inc()
			return report, nil
		}
		messagesProcessed.WithLabelValues(string(res.Severity)).Inc()
	} else {
		if points := cleanPoints(res, assessment, evt.Text); points > 0 {
			if _, err := eng.Ledger.AwardPoints(ctx, key, points, "clean message"); err != nil {
				// missing an award is harmless, a retry would double-count
				logger.Warn("point award failed", "err", err)
			} else {
				report.PointsAwarded = points
				pointsAwarded.Add(float64(points))
			}
		}
		messagesProcessed.WithLabelValues("clean").Inc()
	}

	eng.canonicalLogLine(logger, evt, report, time.Since(start))
	processDuration.Observe(time.Since(start).Seconds())
	return report, nil
}

func (eng *Engine) handleViolation(ctx context.Context, evt *MessageEvent, key ledger.Key, report *Report) error {
	count, _, err := eng.Ledger.BumpViolation(ctx, key, eng.strikeWindow(), report.Verdict.Severity)
	if err != nil {
		return err
	}
	report.StrikeCount = count

	decision := escalation.Decide(count, report.Verdict.Severity)
	report.Decision = &decision

	target := dispatch.Target{
		CommunityID: evt.CommunityID,
		ChannelID:   evt.ChannelID,
		UserID:      evt.UserID,
		MessageID:   evt.MessageID,
	}
	outcome := eng.Dispatcher.Execute(ctx, decision, target, report.Verdict.Severity, report.Verdict.Reason, count)
	report.Outcome = &outcome

	if eng.Notifier != nil {
		if err := eng.Notifier.SendIncident(ctx, evt, report); err != nil {
			eng.Logger.Warn("mod-log notification failed", "err", err)
		}
	}
	return nil
}

// one structured line per processed message, with a content hash instead of
// the raw text
func (eng *Engine) canonicalLogLine(logger *slog.Logger, evt *MessageEvent, report *Report, took time.Duration) {
	attrs := []any{
		"textHash", helpers.HashOfString(evt.Text),
		"score", report.Verdict.Assessment.PrimaryScore,
		"severity", string(report.Verdict.Severity),
		"tier", string(report.Immunity.Tier),
		"took", took,
	}
	if report.Verdict.IsViolation() {
		attrs = append(attrs, "reason", report.Verdict.Reason, "strikes", report.StrikeCount)
		if report.Outcome != nil {
			attrs = append(attrs, "outcome", report.Outcome.Summary())
		}
		logger.Info("violation handled", attrs...)
		return
	}
	if report.PointsAwarded > 0 {
		attrs = append(attrs, "pointsAwarded", report.PointsAwarded)
	}
	logger.Debug("message processed", attrs...)
}
