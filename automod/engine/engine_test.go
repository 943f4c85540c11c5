package engine

import (
	"context"
	"testing"
	"time"

	"github.com/wardenbot/warden/automod/escalation"
	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/ledger"
	"github.com/wardenbot/warden/automod/rules"
	"github.com/wardenbot/warden/automod/signal"
	"github.com/wardenbot/warden/automod/verdict"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(text string) *MessageEvent {
	return &MessageEvent{
		CommunityID: "c1",
		ChannelID:   "general",
		UserID:      "u1",
		MessageID:   "m1",
		Text:        text,
	}
}

func TestEmptyMessageShortCircuits(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()

	report, err := fix.Engine.ProcessMessage(context.TODO(), testEvent("   "))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Equal("empty message", report.Verdict.Reason)
	// no side effects at all
	assert.Empty(fix.Provider.Calls)
	rec, err := fix.Ledger.Get(context.TODO(), ledger.Key{CommunityID: "c1", UserID: "u1"})
	assert.NoError(err)
	assert.Nil(rec)
}

func TestOutOfScopeChannelIgnored(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	require.NoError(t, fix.Scope.Add(context.TODO(), "c1", "moderated-only"))

	report, err := fix.Engine.ProcessMessage(context.TODO(), testEvent("KYS"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Equal("channel not moderated", report.Verdict.Reason)
	assert.Empty(fix.Provider.Calls)
}

func TestWhitelistShortCircuits(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()

	_, err := fix.Ledger.AddWhitelist(ctx, ledger.WhitelistEntry{CommunityID: "c1", UserID: "u1", AddedBy: "admin"})
	require.NoError(t, err)

	// maximal toxicity, still untouched
	fix.Provider.Results["awful text"] = signal.ProviderResult{Toxicity: 1.0, Confidence: 1.0}
	report, err := fix.Engine.ProcessMessage(ctx, testEvent("awful text"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Equal("whitelisted", report.Verdict.Reason)
	assert.Empty(fix.Messenger.Deleted)
	assert.Empty(fix.Provider.Calls)
}

func TestWhitelistCachePurge(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()
	key := ledger.Key{CommunityID: "c1", UserID: "u1"}

	_, err := fix.Ledger.AddWhitelist(ctx, ledger.WhitelistEntry{CommunityID: "c1", UserID: "u1", AddedBy: "admin"})
	require.NoError(t, err)

	report, err := fix.Engine.ProcessMessage(ctx, testEvent("hello"))
	require.NoError(t, err)
	assert.Equal("whitelisted", report.Verdict.Reason)

	_, err = fix.Ledger.RemoveWhitelist(ctx, key)
	require.NoError(t, err)

	// stale until purged
	report, err = fix.Engine.ProcessMessage(ctx, testEvent("hello"))
	require.NoError(t, err)
	assert.Equal("whitelisted", report.Verdict.Reason)

	fix.Engine.PurgeWhitelistCache(key)
	report, err = fix.Engine.ProcessMessage(ctx, testEvent("hello"))
	require.NoError(t, err)
	assert.NotEqual("whitelisted", report.Verdict.Reason)
}

// Rule-based path: an all-caps message with neutral provider scores draws a
// warning for excessive caps.
func TestCapsWarning(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()

	report, err := fix.Engine.ProcessMessage(context.TODO(), testEvent("YOU ARE SO STUPID"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityWarn, report.Verdict.Severity)
	assert.Equal("excessive caps", report.Verdict.Reason)
	assert.Equal(1, report.StrikeCount)
	if assert.NotNil(report.Decision) {
		assert.Equal(escalation.ActionWarn, report.Decision.Action)
	}
	if assert.NotNil(report.Outcome) {
		assert.True(report.Outcome.WarningDelivered)
	}
	// warnings never delete
	assert.Empty(fix.Messenger.Deleted)
}

// Guardian immunity bypasses a flag-level score but not one past the ceiling.
func TestGuardianCeiling(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()
	key := ledger.Key{CommunityID: "c1", UserID: "u1"}

	_, err := fix.Ledger.AwardPoints(ctx, key, 1200, "seed")
	require.NoError(t, err)
	_, _, err = fix.Ledger.BumpViolation(ctx, key, time.Hour, verdict.SeverityWarn)
	require.NoError(t, err)

	// flag-level score, bypassed by guardian
	fix.Provider.Results["borderline"] = signal.ProviderResult{Toxicity: 0.7, Confidence: 0.9}
	report, err := fix.Engine.ProcessMessage(ctx, testEvent("borderline"))
	assert.NoError(err)
	assert.Equal(immunity.TierGuardian, report.Immunity.Tier)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Contains(report.Verdict.Reason, "guardian")

	// past the ceiling nothing is bypassed
	fix.Provider.Results["way over"] = signal.ProviderResult{Toxicity: 0.9, Confidence: 0.9}
	report, err = fix.Engine.ProcessMessage(ctx, testEvent("way over"))
	assert.NoError(err)
	assert.Equal(verdict.SeveritySevere, report.Verdict.Severity)
	if assert.NotNil(report.Outcome) {
		assert.True(report.Outcome.MessageDeleted)
	}
}

// A clean long message earns clean + quality points in one award.
func TestCleanMessageEarnsPoints(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()
	text := "here is a thoughtful, well written contribution to the debate"
	require.Greater(t, len(text), 50)

	report, err := fix.Engine.ProcessMessage(ctx, testEvent(text))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Equal(6, report.PointsAwarded)

	rec, err := fix.Ledger.Get(ctx, ledger.Key{CommunityID: "c1", UserID: "u1"})
	assert.NoError(err)
	if assert.NotNil(rec) {
		assert.Equal(6, rec.PositivePoints)
	}
}

// Short clean messages earn only the base point; mildly scored ones nothing.
func TestCleanPointGradations(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()

	report, err := fix.Engine.ProcessMessage(ctx, testEvent("thanks for the fix"))
	assert.NoError(err)
	assert.Equal(1, report.PointsAwarded)

	fix.Provider.Results["slightly spicy take"] = signal.ProviderResult{Toxicity: 0.15, Confidence: 0.5}
	report, err = fix.Engine.ProcessMessage(ctx, testEvent("slightly spicy take"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Equal(0, report.PointsAwarded)
}

// A message is never both punished and rewarded, and a bypassed violation
// earns nothing.
func TestSinglePointAdjustment(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()
	key := ledger.Key{CommunityID: "c1", UserID: "u1"}

	_, err := fix.Ledger.AwardPoints(ctx, key, 150, "seed")
	require.NoError(t, err)

	// trusted tier bypasses the warn, but the message is not "clean"
	fix.Provider.Results["mildly rude"] = signal.ProviderResult{Toxicity: 0.45, Confidence: 0.8}
	report, err := fix.Engine.ProcessMessage(ctx, testEvent("mildly rude"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Equal(0, report.PointsAwarded)

	rec, err := fix.Ledger.Get(ctx, key)
	assert.NoError(err)
	if assert.NotNil(rec) {
		assert.Equal(150, rec.PositivePoints)
	}
}

func TestSevereCategoryWithConfidence(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()

	fix.Provider.Results["threat"] = signal.ProviderResult{
		Categories: map[string]bool{"violence": true},
		Confidence: 0.9,
	}
	report, err := fix.Engine.ProcessMessage(ctx, testEvent("threat"))
	assert.NoError(err)
	assert.Equal(verdict.SeveritySevere, report.Verdict.Severity)
	assert.Contains(report.Verdict.Reason, "violence")

	// same category at low confidence is only a flagged-content signal, and
	// 0.4 confidence is below that bar too
	fix2 := NewTestFixture()
	fix2.Provider.Results["threat"] = signal.ProviderResult{
		Categories: map[string]bool{"violence": true},
		Confidence: 0.4,
	}
	report, err = fix2.Engine.ProcessMessage(ctx, testEvent("threat"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
}

func TestEscalationAcrossStrikes(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	ctx := context.TODO()
	fix.Provider.Results["nasty"] = signal.ProviderResult{Toxicity: 0.65, Confidence: 0.9}

	expected := []escalation.Action{
		escalation.ActionWarn,
		escalation.ActionTimeout,
		escalation.ActionTimeout,
		escalation.ActionTimeout,
		escalation.ActionKick,
	}
	for i, want := range expected {
		report, err := fix.Engine.ProcessMessage(ctx, testEvent("nasty"))
		require.NoError(t, err)
		assert.Equal(i+1, report.StrikeCount)
		if assert.NotNil(report.Decision) {
			assert.Equal(want, report.Decision.Action, "strike %d", i+1)
		}
	}
	assert.Len(fix.Moderator.Kicks, 1)
}

// Same text, same state, same provider responses: same verdict.
func TestResolutionIdempotent(t *testing.T) {
	assert := assert.New(t)

	a := &signal.Assessment{PrimaryScore: 0.7, Confidence: 0.9, CategoryFlags: map[string]bool{}}
	imm := immunity.Resolve(0, 0)
	fix := NewTestFixture()

	first := resolveSeverity(a, imm, "some text", fix.Engine.Rules)
	for i := 0; i < 5; i++ {
		assert.Equal(first, resolveSeverity(a, imm, "some text", fix.Engine.Rules))
	}
}

// erroringLedger fails selected operations to exercise fail-open behavior.
type erroringLedger struct {
	ledger.Ledger
	failGet  bool
	failBump bool
}

func (l *erroringLedger) Get(ctx context.Context, key ledger.Key) (*ledger.Record, error) {
	if l.failGet {
		return nil, ledger.ErrUnavailable
	}
	return l.Ledger.Get(ctx, key)
}

func (l *erroringLedger) BumpViolation(ctx context.Context, key ledger.Key, window time.Duration, severity verdict.Severity) (int, time.Time, error) {
	if l.failBump {
		return 0, time.Time{}, ledger.ErrUnavailable
	}
	return l.Ledger.BumpViolation(ctx, key, window, severity)
}

func TestStorageFailureFailsOpen(t *testing.T) {
	assert := assert.New(t)

	t.Run("ReputationLookupFails", func(t *testing.T) {
		fix := NewTestFixture()
		fix.Engine.Ledger = &erroringLedger{Ledger: fix.Ledger, failGet: true}
		fix.Provider.Results["awful"] = signal.ProviderResult{Toxicity: 0.95, Confidence: 1.0}

		report, err := fix.Engine.ProcessMessage(context.TODO(), testEvent("awful"))
		assert.NoError(err)
		assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
		assert.Equal("storage unavailable", report.Verdict.Reason)
		assert.Empty(fix.Messenger.Deleted)
		assert.Empty(fix.Moderator.Timeouts)
	})

	t.Run("StrikeRecordingFails", func(t *testing.T) {
		fix := NewTestFixture()
		fix.Engine.Ledger = &erroringLedger{Ledger: fix.Ledger, failBump: true}
		fix.Provider.Results["awful"] = signal.ProviderResult{Toxicity: 0.95, Confidence: 1.0}

		// the verdict stands, but no punitive action is taken
		report, err := fix.Engine.ProcessMessage(context.TODO(), testEvent("awful"))
		assert.NoError(err)
		assert.Equal(verdict.SeveritySevere, report.Verdict.Severity)
		assert.Nil(report.Decision)
		assert.Nil(report.Outcome)
		assert.Empty(fix.Messenger.Deleted)
		assert.Empty(fix.Moderator.Timeouts)
		assert.Empty(fix.Moderator.Kicks)
	})
}

func TestRuleImmunityStricter(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	// veteran bypasses AI flags but not rule flags
	fix := NewTestFixture()
	key := ledger.Key{CommunityID: "c1", UserID: "u1"}
	_, err := fix.Ledger.AwardPoints(ctx, key, 600, "seed")
	require.NoError(t, err)

	report, err := fix.Engine.ProcessMessage(ctx, testEvent("join discord.gg/spamhub"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityFlag, report.Verdict.Severity)
	assert.Equal("unauthorized invite", report.Verdict.Reason)

	// veteran does bypass rule warnings
	fix2 := NewTestFixture()
	_, err = fix2.Ledger.AwardPoints(ctx, key, 600, "seed")
	require.NoError(t, err)
	report, err = fix2.Engine.ProcessMessage(ctx, testEvent("YOU ARE SO STUPID"))
	assert.NoError(err)
	assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
	assert.Contains(report.Verdict.Reason, "veteran")
	// a bypassed rule hit is still not a clean message
	assert.Equal(0, report.PointsAwarded)
}

// A panicking rule must not escape as a nil report; the message is left
// alone, like any other internal failure.
func TestPanicRecoveryFailsOpen(t *testing.T) {
	assert := assert.New(t)
	fix := NewTestFixture()
	fix.Engine.Rules = rules.RuleSet{Rules: []rules.RuleFunc{
		func(text string) *rules.Hit { panic("rule blew up") },
	}}

	report, err := fix.Engine.ProcessMessage(context.TODO(), testEvent("an ordinary message"))
	assert.NoError(err)
	if assert.NotNil(report) {
		assert.Equal(verdict.SeverityNone, report.Verdict.Severity)
		assert.Equal("internal error", report.Verdict.Reason)
	}
	assert.Empty(fix.Messenger.Deleted)
	assert.Empty(fix.Moderator.Timeouts)
	assert.Empty(fix.Moderator.Kicks)
}
