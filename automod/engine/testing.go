package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenbot/warden/automod/dispatch"
	"github.com/wardenbot/warden/automod/ledger"
	"github.com/wardenbot/warden/automod/rules"
	"github.com/wardenbot/warden/automod/scope"
	"github.com/wardenbot/warden/automod/signal"
)

// ScriptedProvider returns canned results per input text, defaulting to
// neutral. Intentionally exported, for use in other packages' tests.
type ScriptedProvider struct {
	ProviderName string
	Results      map[string]signal.ProviderResult
	Err          error
	Delay        time.Duration

	mu    sync.Mutex
	Calls []string
}

var _ signal.Provider = (*ScriptedProvider)(nil)

func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *ScriptedProvider) Score(ctx context.Context, text string) (*signal.ProviderResult, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, text)
	p.mu.Unlock()

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if res, ok := p.Results[text]; ok {
		return &res, nil
	}
	return &signal.ProviderResult{}, nil
}

// CollectingMessenger records every platform call instead of performing it.
type CollectingMessenger struct {
	DeleteErr error
	DMErr     error

	Deleted []string
	DMs     []string
}

var _ dispatch.Messenger = (*CollectingMessenger)(nil)

func (m *CollectingMessenger) DeleteMessage(ctx context.Context, communityID, channelID, messageID string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.Deleted = append(m.Deleted, messageID)
	return nil
}

func (m *CollectingMessenger) DirectMessage(ctx context.Context, userID, text string) error {
	if m.DMErr != nil {
		return m.DMErr
	}
	m.DMs = append(m.DMs, text)
	return nil
}

// CollectingModerator records punishments instead of applying them.
type CollectingModerator struct {
	TimeoutErr error
	KickErr    error

	Timeouts []string
	Kicks    []string
}

var _ dispatch.Moderator = (*CollectingModerator)(nil)

func (m *CollectingModerator) Timeout(ctx context.Context, communityID, userID string, until time.Time, reason string) error {
	if m.TimeoutErr != nil {
		return m.TimeoutErr
	}
	m.Timeouts = append(m.Timeouts, userID)
	return nil
}

func (m *CollectingModerator) Kick(ctx context.Context, communityID, userID, reason string) error {
	if m.KickErr != nil {
		return m.KickErr
	}
	m.Kicks = append(m.Kicks, userID)
	return nil
}

// TestFixture bundles an engine wired entirely to in-memory stores and
// scripted providers.
type TestFixture struct {
	Engine    *Engine
	Ledger    *ledger.MemLedger
	Scope     *scope.MemStore
	Provider  *ScriptedProvider
	Messenger *CollectingMessenger
	Moderator *CollectingModerator
}

func NewTestFixture() *TestFixture {
	logger := slog.Default()
	memLedger := ledger.NewMemLedger()
	memScope := scope.NewMemStore()
	provider := &ScriptedProvider{Results: map[string]signal.ProviderResult{}}
	messenger := &CollectingMessenger{}
	moderator := &CollectingModerator{}

	agg := &signal.Aggregator{
		Logger:    logger,
		Providers: []signal.Provider{provider},
		Fallback:  signal.DefaultFallbackRules(),
	}
	eng := NewEngine(logger, memLedger, memScope, agg, dispatch.NewDispatcher(logger, messenger, moderator))
	eng.Rules = rules.DefaultRuleSet()

	return &TestFixture{
		Engine:    eng,
		Ledger:    memLedger,
		Scope:     memScope,
		Provider:  provider,
		Messenger: messenger,
		Moderator: moderator,
	}
}
